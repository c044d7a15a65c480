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
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/buddies-project/buddies/model"
)

// MemoryFilter narrows a memory listing. Zero-valued fields are not applied.
type MemoryFilter struct {
	Room    string
	Author  string
	Kind    model.MemoryKind
	Tag     string
	SinceMS int64
	Limit   int
}

func (f *MemoryFilter) matches(m *model.Memory) bool {
	if f.Room != "" && m.Room != f.Room {
		return false
	}
	if f.Author != "" && m.Author != f.Author {
		return false
	}
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.Tag != "" && !m.HasTag(f.Tag) {
		return false
	}
	if f.SinceMS > 0 && m.CreatedAt < f.SinceMS {
		return false
	}
	return true
}

// UpsertMemory persists a memory. Applying an existing id is a no-op: the
// earliest-seen copy wins and the store stays byte-identical.
func (s *Store) UpsertMemory(m *model.Memory) error {
	if m.ID == "" {
		return fmt.Errorf("upsert memory: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemories)
		if b.Get([]byte(m.ID)) != nil {
			return nil
		}
		data, err := encode(m)
		if err != nil {
			return fmt.Errorf("encode memory %s: %w", m.ID, err)
		}
		return b.Put([]byte(m.ID), data)
	})
}

// GetMemory returns a memory by id, or nil when absent.
func (s *Store) GetMemory(id string) (*model.Memory, error) {
	var out *model.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMemories).Get([]byte(id))
		if v == nil {
			return nil
		}
		var m model.Memory
		if err := decode(v, &m); err != nil {
			return fmt.Errorf("decode memory %s: %w", id, err)
		}
		out = &m
		return nil
	})
	return out, err
}

// ListMemories returns memories matching all provided filters, newest first,
// truncated to the filter limit.
func (s *Store) ListMemories(f MemoryFilter) ([]model.Memory, error) {
	return s.collectMemories(func(m *model.Memory) bool { return f.matches(m) }, f.Limit)
}

// SearchMemories returns memories whose content or tags contain the query as
// a case-insensitive substring, subject to the remaining filters, newest
// first then stable by id.
func (s *Store) SearchMemories(query string, f MemoryFilter) ([]model.Memory, error) {
	return s.collectMemories(func(m *model.Memory) bool {
		return f.matches(m) && m.MatchesQuery(query)
	}, f.Limit)
}

func (s *Store) collectMemories(keep func(*model.Memory) bool, limit int) ([]model.Memory, error) {
	var out []model.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(_, v []byte) error {
			var m model.Memory
			if err := decode(v, &m); err != nil {
				return fmt.Errorf("decode memory: %w", err)
			}
			if keep(&m) {
				out = append(out, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortMemories(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortMemories orders memories newest first, ties broken by id for a stable
// presentation order.
func SortMemories(ms []model.Memory) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].CreatedAt != ms[j].CreatedAt {
			return ms[i].CreatedAt > ms[j].CreatedAt
		}
		return ms[i].ID < ms[j].ID
	})
}
