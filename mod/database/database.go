package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

/*
	Database

	A table/key/value persistence layer with pluggable engines.
	Values written through Database are JSON encoded, so any engine
	only ever stores raw bytes.
*/

type BackendType int

const (
	BackendBoltDB BackendType = iota
	BackendLevelDB
	BackendMemory
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrKeyNotFound   = errors.New("key not found")
)

// Backend is the raw engine contract. Writes are whole-record replacements.
type Backend interface {
	NewTable(tableName string) error
	TableExists(tableName string) bool
	DropTable(tableName string) error
	Write(tableName string, key string, value []byte) error
	Read(tableName string, key string) ([]byte, bool, error)
	Delete(tableName string, key string) error
	// ListTable returns [key, value] pairs
	ListTable(tableName string) ([][][]byte, error)
	Close() error
}

type Database struct {
	Db          Backend
	BackendType BackendType
}

// ParseBackendType maps a config string to a BackendType
func ParseBackendType(name string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bolt", "boltdb":
		return BackendBoltDB, nil
	case "leveldb", "level":
		return BackendLevelDB, nil
	case "memory", "mem":
		return BackendMemory, nil
	default:
		return BackendBoltDB, fmt.Errorf("unknown database backend %q", name)
	}
}

// NewDatabase opens (or creates) a database file with the given engine
func NewDatabase(dbfile string, backendType BackendType) (*Database, error) {
	var (
		backend Backend
		err     error
	)
	switch backendType {
	case BackendLevelDB:
		backend, err = newLevelDBBackend(dbfile)
	case BackendMemory:
		backend = newMemoryBackend()
	default:
		backend, err = newBoltBackend(dbfile)
	}
	if err != nil {
		return nil, err
	}

	return &Database{
		Db:          backend,
		BackendType: backendType,
	}, nil
}

// NewInMemoryDatabase creates a non-durable database, mostly for tests
func NewInMemoryDatabase() *Database {
	return &Database{
		Db:          newMemoryBackend(),
		BackendType: BackendMemory,
	}
}

// FromBackend wraps an existing engine
func FromBackend(backend Backend, backendType BackendType) *Database {
	return &Database{
		Db:          backend,
		BackendType: backendType,
	}
}

// NewTable creates the table if it does not exist yet
func (d *Database) NewTable(tableName string) error {
	return d.Db.NewTable(tableName)
}

// TableExists reports whether a table was created
func (d *Database) TableExists(tableName string) bool {
	return d.Db.TableExists(tableName)
}

// DropTable removes a table and all of its keys
func (d *Database) DropTable(tableName string) error {
	return d.Db.DropTable(tableName)
}

// Write JSON encodes value and stores it under table/key
func (d *Database) Write(tableName string, key string, value interface{}) error {
	js, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s/%s: %w", tableName, key, err)
	}
	return d.Db.Write(tableName, key, js)
}

// Read decodes the value stored under table/key into assignee
func (d *Database) Read(tableName string, key string, assignee interface{}) error {
	raw, found, err := d.Db.Read(tableName, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}
	return json.Unmarshal(raw, assignee)
}

// KeyExists reports whether table/key holds a value
func (d *Database) KeyExists(tableName string, key string) bool {
	_, found, err := d.Db.Read(tableName, key)
	return err == nil && found
}

// Delete removes table/key. Deleting a missing key is not an error.
func (d *Database) Delete(tableName string, key string) error {
	return d.Db.Delete(tableName, key)
}

// ListTable returns all [key, value] pairs of a table
func (d *Database) ListTable(tableName string) ([][][]byte, error) {
	return d.Db.ListTable(tableName)
}

// ListWhere returns the [key, value] pairs accepted by match
func (d *Database) ListWhere(tableName string, match func(key string, value []byte) bool) ([][][]byte, error) {
	entries, err := d.Db.ListTable(tableName)
	if err != nil {
		return nil, err
	}

	results := make([][][]byte, 0, len(entries))
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		if match == nil || match(string(entry[0]), entry[1]) {
			results = append(results, entry)
		}
	}
	return results, nil
}

// Close releases the underlying engine
func (d *Database) Close() error {
	return d.Db.Close()
}
