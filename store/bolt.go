package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var uploadsBucket = []byte("uploads")

// BoltDB is a Store backed by a single embedded key-value database file,
// standing in for a browser-storage-like KV backend: one bucket, keyed by
// fingerprint, value = upload URL. Every write happens in its own
// transaction, which is bbolt's equivalent of the spec's "transactional
// put" requirement.
type BoltDB struct {
	db *bolt.DB
}

// OpenBoltDB opens (creating if necessary) a bbolt database at path and
// ensures the uploads bucket exists.
func OpenBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(uploadsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDB{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) Set(fingerprint, url string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).Put([]byte(fingerprint), []byte(url))
	})
}

func (b *BoltDB) Get(fingerprint string) (string, error) {
	var url string
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(uploadsBucket).Get([]byte(fingerprint))
		if v == nil {
			return ErrNotFound
		}
		url = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

func (b *BoltDB) Remove(fingerprint string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).Delete([]byte(fingerprint))
	})
}
