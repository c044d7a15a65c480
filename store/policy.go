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

package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/buddies-project/buddies/model"
)

// GetPolicy returns the persisted identity policy for a room. Rooms without
// a stored policy get the permissive default.
func (s *Store) GetPolicy(room string) (model.IdentityPolicy, error) {
	var p model.IdentityPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPolicies).Get([]byte(room))
		if v == nil {
			return nil
		}
		if err := decode(v, &p); err != nil {
			return fmt.Errorf("decode policy for %s: %w", room, err)
		}
		return nil
	})
	return p, err
}

// SetPolicy persists the identity policy for a room.
func (s *Store) SetPolicy(room string, p model.IdentityPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(&p)
		if err != nil {
			return fmt.Errorf("encode policy for %s: %w", room, err)
		}
		return tx.Bucket(bucketPolicies).Put([]byte(room), data)
	})
}

// AddWhitelist appends an identity to a room's whitelist inside one write
// transaction and returns the updated policy.
func (s *Store) AddWhitelist(room, identity string) (model.IdentityPolicy, error) {
	var out model.IdentityPolicy
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		var p model.IdentityPolicy
		if v := b.Get([]byte(room)); v != nil {
			if err := decode(v, &p); err != nil {
				return fmt.Errorf("decode policy for %s: %w", room, err)
			}
		}
		p = p.WithIdentity(identity)
		data, err := encode(&p)
		if err != nil {
			return fmt.Errorf("encode policy for %s: %w", room, err)
		}
		if err := b.Put([]byte(room), data); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}
