// Copyright (C) 2025 buddies-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package store is the embedded persistence layer: memories, skills, skill
// votes, per-room identity policies, and node keys, all in one bbolt file.
// Every mutation runs inside a single write transaction.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// Bucket names are part of the on-disk format and stable across versions.
var (
	bucketMemories   = []byte("memories")
	bucketSkills     = []byte("skills")
	bucketSkillVotes = []byte("skill_votes")
	bucketPolicies   = []byte("room_policies")
	bucketNodeKeys   = []byte("node_keys")
)

// StoreFile is the database file name inside the data directory.
const StoreFile = "buddies.db"

// Store wraps the embedded database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store under the given data directory and
// ensures all buckets exist.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, StoreFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketMemories, bucketSkills, bucketSkillVotes, bucketPolicies, bucketNodeKeys,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encode(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func decode(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// GetNodeKey returns a named node-level key value, or nil when absent.
func (s *Store) GetNodeKey(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketNodeKeys).Get([]byte(name)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// PutNodeKey stores a named node-level key value.
func (s *Store) PutNodeKey(name string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeKeys).Put([]byte(name), value)
	})
}
