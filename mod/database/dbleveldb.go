package database

import (
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb has no buckets, tables are emulated with "<table>/<key>" prefixes
// and a marker record per table.
const leveldbTableMarker = "__tables__/"

type levelDBBackend struct {
	db     *leveldb.DB
	tables sync.Map
}

func newLevelDBBackend(dbfile string) (*levelDBBackend, error) {
	db, err := leveldb.OpenFile(dbfile, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}

	backend := &levelDBBackend{db: db}

	iter := db.NewIterator(util.BytesPrefix([]byte(leveldbTableMarker)), nil)
	for iter.Next() {
		backend.tables.Store(strings.TrimPrefix(string(iter.Key()), leveldbTableMarker), true)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load leveldb tables: %w", err)
	}

	return backend, nil
}

func (l *levelDBBackend) NewTable(tableName string) error {
	if _, ok := l.tables.Load(tableName); ok {
		return nil
	}
	if err := l.db.Put([]byte(leveldbTableMarker+tableName), []byte{1}, nil); err != nil {
		return err
	}
	l.tables.Store(tableName, true)
	return nil
}

func (l *levelDBBackend) TableExists(tableName string) bool {
	_, ok := l.tables.Load(tableName)
	return ok
}

func (l *levelDBBackend) DropTable(tableName string) error {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(tableName+"/")), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(leveldbTableMarker + tableName))
	if err := l.db.Write(batch, nil); err != nil {
		return err
	}
	l.tables.Delete(tableName)
	return nil
}

func (l *levelDBBackend) Write(tableName string, key string, value []byte) error {
	if !l.TableExists(tableName) {
		return ErrTableNotFound
	}
	return l.db.Put([]byte(tableName+"/"+key), value, nil)
}

func (l *levelDBBackend) Read(tableName string, key string) ([]byte, bool, error) {
	if !l.TableExists(tableName) {
		return nil, false, ErrTableNotFound
	}
	value, err := l.db.Get([]byte(tableName+"/"+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (l *levelDBBackend) Delete(tableName string, key string) error {
	return l.db.Delete([]byte(tableName+"/"+key), nil)
}

func (l *levelDBBackend) ListTable(tableName string) ([][][]byte, error) {
	if !l.TableExists(tableName) {
		return nil, ErrTableNotFound
	}

	prefix := tableName + "/"
	var results [][][]byte
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), prefix)
		results = append(results, [][]byte{
			[]byte(key),
			append([]byte(nil), iter.Value()...),
		})
	}
	iter.Release()
	return results, iter.Error()
}

func (l *levelDBBackend) Close() error {
	return l.db.Close()
}
