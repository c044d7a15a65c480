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

// Package model defines the records shared between the store, the wire
// protocol, and the room coordinator: memories, skills, skill votes, and
// per-room identity policies.
package model

import (
	"strings"
)

// MemoryKind classifies a memory entry.
type MemoryKind string

const (
	KindDecision       MemoryKind = "decision"
	KindImplementation MemoryKind = "implementation"
	KindContext        MemoryKind = "context"
	KindSkill          MemoryKind = "skill"
	KindStatus         MemoryKind = "status"
	KindOther          MemoryKind = "other"
)

// ParseMemoryKind parses a kind string case-insensitively. Unknown or empty
// strings map to KindOther.
func ParseMemoryKind(s string) MemoryKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "decision":
		return KindDecision
	case "implementation":
		return KindImplementation
	case "context":
		return KindContext
	case "skill":
		return KindSkill
	case "status":
		return KindStatus
	default:
		return KindOther
	}
}

// Memory is a short typed text record. Memories are immutable after creation
// and identified globally by ID.
type Memory struct {
	ID        string     `cbor:"1,keyasint" json:"id"`
	Author    string     `cbor:"2,keyasint" json:"author"`
	Agent     string     `cbor:"3,keyasint" json:"agent"`
	Room      string     `cbor:"4,keyasint" json:"room"`
	Kind      MemoryKind `cbor:"5,keyasint" json:"kind"`
	Content   string     `cbor:"6,keyasint" json:"content"`
	Tags      []string   `cbor:"7,keyasint,omitempty" json:"tags,omitempty"`
	CreatedAt int64      `cbor:"8,keyasint" json:"created_at"`
}

// HasTag reports whether the memory carries the given tag (exact match).
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesQuery reports whether the memory content or any tag contains the
// query as a case-insensitive substring. An empty query matches everything.
func (m *Memory) MatchesQuery(query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(m.Content), q) {
		return true
	}
	for _, t := range m.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}
