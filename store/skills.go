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
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/buddies-project/buddies/model"
)

// voteKey is "<hash>/<voter>"; the slash cannot appear in a hex hash.
func voteKey(hash, voter string) []byte {
	return []byte(hash + "/" + voter)
}

// UpsertSkill persists a skill keyed by its content hash. Identical content
// published twice deduplicates: the earliest record's author metadata and
// signature are preserved, and existing votes stay attached to the hash.
func (s *Store) UpsertSkill(sk *model.Skill) error {
	if sk.Hash == "" {
		return fmt.Errorf("upsert skill: empty hash")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSkills)
		if b.Get([]byte(sk.Hash)) != nil {
			return nil
		}
		rec := *sk
		rec.Score = 0
		data, err := encode(&rec)
		if err != nil {
			return fmt.Errorf("encode skill %s: %w", sk.Hash, err)
		}
		return b.Put([]byte(sk.Hash), data)
	})
}

// GetSkill returns a skill by hash with its aggregated score, or nil when
// absent.
func (s *Store) GetSkill(hash string) (*model.Skill, error) {
	var out *model.Skill
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSkills).Get([]byte(hash))
		if v == nil {
			return nil
		}
		var sk model.Skill
		if err := decode(v, &sk); err != nil {
			return fmt.Errorf("decode skill %s: %w", hash, err)
		}
		sk.Score = scoreInTx(tx, hash)
		out = &sk
		return nil
	})
	return out, err
}

// SearchSkills returns skills whose title or tags match the query
// case-insensitively, ranked by aggregated vote score descending, then by
// creation time descending. An empty query returns the top-ranked skills.
func (s *Store) SearchSkills(query string, limit int) ([]model.Skill, error) {
	var out []model.Skill
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSkills).ForEach(func(_, v []byte) error {
			var sk model.Skill
			if err := decode(v, &sk); err != nil {
				return fmt.Errorf("decode skill: %w", err)
			}
			if sk.MatchesQuery(query) {
				sk.Score = scoreInTx(tx, sk.Hash)
				out = append(out, sk)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Hash < out[j].Hash
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CastVote records a voter's current value for a skill, replacing any prior
// vote by the same voter. Votes for hashes not yet present are kept; the
// score surfaces if the skill arrives later.
func (s *Store) CastVote(v *model.SkillVote) error {
	if v.SkillHash == "" || v.Voter == "" {
		return fmt.Errorf("cast vote: empty hash or voter")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(v)
		if err != nil {
			return fmt.Errorf("encode vote: %w", err)
		}
		return tx.Bucket(bucketSkillVotes).Put(voteKey(v.SkillHash, v.Voter), data)
	})
}

// SkillScore returns the aggregated vote score for a hash.
func (s *Store) SkillScore(hash string) (int, error) {
	var score int
	err := s.db.View(func(tx *bolt.Tx) error {
		score = scoreInTx(tx, hash)
		return nil
	})
	return score, err
}

func scoreInTx(tx *bolt.Tx, hash string) int {
	score := 0
	c := tx.Bucket(bucketSkillVotes).Cursor()
	prefix := []byte(hash + "/")
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var vote model.SkillVote
		if err := decode(v, &vote); err != nil {
			continue
		}
		score += vote.Value
	}
	return score
}
