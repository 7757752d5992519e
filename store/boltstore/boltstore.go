// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore is the default store.Store implementation, backed by
// go.etcd.io/bbolt. It is grounded on the teacher's own on-disk persistence
// layer for its rendezvous service (panda/server/storage.go): a single
// bucket keyed by opaque string keys, with a versioned metadata bucket
// guarding the on-disk format.
package boltstore

import (
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/pairwire/pairwire/store"
)

const (
	// StorageVersion is the version of the on-disk format.
	StorageVersion = 0

	metadataBucket = "metadata"
	versionKey     = "version"
	dataBucket     = "data"
)

// Store is a bbolt-backed store.Store.
type Store struct {
	db *bolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) a bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return err
		}
		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != StorageVersion {
				return fmt.Errorf("boltstore: incompatible on-disk version: %d", uint(v[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{StorageVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Get implements store.Store.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// Set implements store.Store.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		return b.Put([]byte(key), value)
	})
}

// Del implements store.Store.
func (s *Store) Del(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		return b.Delete([]byte(key))
	})
}

// Keys implements store.Store.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
