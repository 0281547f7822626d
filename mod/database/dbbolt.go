package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

type boltBackend struct {
	db *bolt.DB
}

func newBoltBackend(dbfile string) (*boltBackend, error) {
	if dir := filepath.Dir(dbfile); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database folder: %w", err)
		}
	}

	db, err := bolt.Open(dbfile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) NewTable(tableName string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tableName))
		return err
	})
}

func (b *boltBackend) TableExists(tableName string) bool {
	exists := false
	b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(tableName)) != nil
		return nil
	})
	return exists
}

func (b *boltBackend) DropTable(tableName string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(tableName))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (b *boltBackend) Write(tableName string, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tableName))
		if bucket == nil {
			return ErrTableNotFound
		}
		return bucket.Put([]byte(key), value)
	})
}

func (b *boltBackend) Read(tableName string, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tableName))
		if bucket == nil {
			return ErrTableNotFound
		}
		v := bucket.Get([]byte(key))
		if v != nil {
			// bolt values are only valid inside the transaction
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (b *boltBackend) Delete(tableName string, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tableName))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *boltBackend) ListTable(tableName string) ([][][]byte, error) {
	var results [][][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tableName))
		if bucket == nil {
			return ErrTableNotFound
		}
		return bucket.ForEach(func(k, v []byte) error {
			results = append(results, [][]byte{
				append([]byte(nil), k...),
				append([]byte(nil), v...),
			})
			return nil
		})
	})
	return results, err
}

func (b *boltBackend) Close() error {
	return b.db.Close()
}
