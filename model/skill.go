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

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// skillFieldSep separates the canonical hash fields. 0x1f is the ASCII unit
// separator and cannot appear in well-formed titles or tags.
const skillFieldSep = "\x1f"

// Skill is a content-addressed, signed, upvotable knowledge record. Its
// identity is the canonical hash; identical content published by different
// authors deduplicates to one record.
type Skill struct {
	Hash       string   `cbor:"1,keyasint" json:"hash"`
	Title      string   `cbor:"2,keyasint" json:"title"`
	Body       string   `cbor:"3,keyasint" json:"body"`
	Tags       []string `cbor:"4,keyasint,omitempty" json:"tags,omitempty"`
	Author     string   `cbor:"5,keyasint" json:"author"`
	Agent      string   `cbor:"6,keyasint" json:"agent"`
	ParentHash string   `cbor:"7,keyasint,omitempty" json:"parent_hash,omitempty"`
	SignedBy   string   `cbor:"8,keyasint,omitempty" json:"signed_by,omitempty"`
	Signature  []byte   `cbor:"9,keyasint,omitempty" json:"signature,omitempty"`
	CreatedAt  int64    `cbor:"10,keyasint" json:"created_at"`
	// Score is the aggregated vote value as seen by the node that emitted
	// this record. Queries fill it from the vote table; it rides along in
	// search responses but is zeroed before the record is persisted.
	Score int `cbor:"11,keyasint,omitempty" json:"score"`
}

// SkillHash computes the canonical content hash:
// SHA-256(title || 0x1f || body || 0x1f || tag0 || 0x1f || tag1 || ...).
func SkillHash(title, body string, tags []string) string {
	parts := append([]string{title, body}, tags...)
	sum := sha256.Sum256([]byte(strings.Join(parts, skillFieldSep)))
	return hex.EncodeToString(sum[:])
}

// SkillSigningInput is the byte string a skill content signature covers:
// hash || author || parent hash (empty when the skill has no parent).
func SkillSigningInput(hash, author, parentHash string) []byte {
	return []byte(hash + author + parentHash)
}

// SigningInput returns the content signing input for this skill.
func (s *Skill) SigningInput() []byte {
	return SkillSigningInput(s.Hash, s.Author, s.ParentHash)
}

// MatchesQuery reports whether the skill title or any tag contains the query
// as a case-insensitive substring. An empty query matches everything.
func (s *Skill) MatchesQuery(query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(s.Title), q) {
		return true
	}
	for _, t := range s.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// SkillVote is one voter's current judgement of a skill. A voter's latest
// value replaces earlier ones; the effective score is the sum over voters.
type SkillVote struct {
	SkillHash string `cbor:"1,keyasint" json:"skill_hash"`
	Voter     string `cbor:"2,keyasint" json:"voter"`
	Value     int    `cbor:"3,keyasint" json:"value"`
	TS        int64  `cbor:"4,keyasint" json:"ts"`
}
