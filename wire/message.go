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

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/buddies-project/buddies/model"
)

// Kind tags a body variant. The set is add-only: decoders must tolerate tags
// they do not know and callers must ignore such frames.
type Kind uint8

const (
	KindUnknown             Kind = 0
	KindNotify              Kind = 1
	KindMemoryCreated       Kind = 2
	KindSearchRequest       Kind = 3
	KindSearchResponse      Kind = 4
	KindTaskRequest         Kind = 5
	KindTaskAccepted        Kind = 6
	KindTaskResponse        Kind = 7
	KindSkillPublished      Kind = 8
	KindSkillVoteCast       Kind = 9
	KindSkillSearchRequest  Kind = 10
	KindSkillSearchResponse Kind = 11
)

// String returns the wire name of a body kind.
func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "notify"
	case KindMemoryCreated:
		return "memory_created"
	case KindSearchRequest:
		return "search_request"
	case KindSearchResponse:
		return "search_response"
	case KindTaskRequest:
		return "task_request"
	case KindTaskAccepted:
		return "task_accepted"
	case KindTaskResponse:
		return "task_response"
	case KindSkillPublished:
		return "skill_published"
	case KindSkillVoteCast:
		return "skill_vote_cast"
	case KindSkillSearchRequest:
		return "skill_search_request"
	case KindSkillSearchResponse:
		return "skill_search_response"
	default:
		return "unknown"
	}
}

// Header carries the sender coordinates of a gossip frame.
type Header struct {
	Room         string `cbor:"1,keyasint" json:"room"`
	SenderNodeID string `cbor:"2,keyasint" json:"sender_node_id"`
	SenderUser   string `cbor:"3,keyasint" json:"sender_user"`
	SenderAgent  string `cbor:"4,keyasint" json:"sender_agent"`
	TS           int64  `cbor:"5,keyasint" json:"ts_ms"`
	MsgID        string `cbor:"6,keyasint" json:"msg_id"`
}

// Body is the tagged union carried by an envelope. Payload holds the raw
// canonical bytes of the variant struct so that unknown variants survive a
// decode/re-encode cycle untouched.
type Body struct {
	Kind    Kind            `cbor:"1,keyasint" json:"kind"`
	Payload cbor.RawMessage `cbor:"2,keyasint" json:"payload"`
}

// Envelope is the unit broadcast on a room topic. SignedBy and Signature are
// excluded from the canonical signing input.
type Envelope struct {
	Header    Header `cbor:"1,keyasint" json:"header"`
	Body      Body   `cbor:"2,keyasint" json:"body"`
	SignedBy  string `cbor:"3,keyasint,omitempty" json:"signed_by,omitempty"`
	Signature []byte `cbor:"4,keyasint,omitempty" json:"signature,omitempty"`
}

// Body variant payloads.

type Notify struct {
	User   string `cbor:"1,keyasint" json:"user"`
	Agent  string `cbor:"2,keyasint" json:"agent"`
	Status string `cbor:"3,keyasint" json:"status"`
}

type MemoryCreated struct {
	Memory model.Memory `cbor:"1,keyasint" json:"memory"`
}

type SearchRequest struct {
	CorrelationID string           `cbor:"1,keyasint" json:"correlation_id"`
	Query         string           `cbor:"2,keyasint" json:"query"`
	KindFilter    model.MemoryKind `cbor:"3,keyasint,omitempty" json:"kind_filter,omitempty"`
	TagFilter     string           `cbor:"4,keyasint,omitempty" json:"tag_filter,omitempty"`
	Limit         int              `cbor:"5,keyasint" json:"limit"`
}

type SearchResponse struct {
	CorrelationID string         `cbor:"1,keyasint" json:"correlation_id"`
	Results       []model.Memory `cbor:"2,keyasint" json:"results"`
}

type TaskRequest struct {
	TaskID            string `cbor:"1,keyasint" json:"task_id"`
	Description       string `cbor:"2,keyasint" json:"description"`
	RequesterIdentity string `cbor:"3,keyasint" json:"requester_identity"`
	DeadlineMS        int64  `cbor:"4,keyasint" json:"deadline_ms"`
}

type TaskAccepted struct {
	TaskID           string `cbor:"1,keyasint" json:"task_id"`
	ExecutorIdentity string `cbor:"2,keyasint" json:"executor_identity"`
}

type TaskResponse struct {
	TaskID  string `cbor:"1,keyasint" json:"task_id"`
	Success bool   `cbor:"2,keyasint" json:"success"`
	Output  string `cbor:"3,keyasint,omitempty" json:"output,omitempty"`
	Message string `cbor:"4,keyasint,omitempty" json:"message,omitempty"`
}

type SkillPublished struct {
	Skill model.Skill `cbor:"1,keyasint" json:"skill"`
}

type SkillVoteCast struct {
	SkillHash string `cbor:"1,keyasint" json:"skill_hash"`
	Voter     string `cbor:"2,keyasint" json:"voter"`
	Value     int    `cbor:"3,keyasint" json:"value"`
}

type SkillSearchRequest struct {
	CorrelationID string `cbor:"1,keyasint" json:"correlation_id"`
	Query         string `cbor:"2,keyasint" json:"query"`
	Limit         int    `cbor:"3,keyasint" json:"limit"`
}

type SkillSearchResponse struct {
	CorrelationID string        `cbor:"1,keyasint" json:"correlation_id"`
	Skills        []model.Skill `cbor:"2,keyasint" json:"skills"`
}

// NewBody wraps a variant payload into a tagged body.
func NewBody(kind Kind, payload interface{}) (Body, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return Body{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Body{Kind: kind, Payload: raw}, nil
}

// DecodePayload decodes the body payload into the variant struct for its
// kind. Unknown kinds return (nil, nil): the caller ignores the frame.
func (b Body) DecodePayload() (interface{}, error) {
	var v interface{}
	switch b.Kind {
	case KindNotify:
		v = new(Notify)
	case KindMemoryCreated:
		v = new(MemoryCreated)
	case KindSearchRequest:
		v = new(SearchRequest)
	case KindSearchResponse:
		v = new(SearchResponse)
	case KindTaskRequest:
		v = new(TaskRequest)
	case KindTaskAccepted:
		v = new(TaskAccepted)
	case KindTaskResponse:
		v = new(TaskResponse)
	case KindSkillPublished:
		v = new(SkillPublished)
	case KindSkillVoteCast:
		v = new(SkillVoteCast)
	case KindSkillSearchRequest:
		v = new(SkillSearchRequest)
	case KindSkillSearchResponse:
		v = new(SkillSearchResponse)
	default:
		return nil, nil
	}
	if err := Unmarshal(b.Payload, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", b.Kind, err)
	}
	return v, nil
}

// Encode serializes the envelope with the canonical encoder.
func (e *Envelope) Encode() ([]byte, error) {
	return Marshal(e)
}

// DecodeEnvelope parses a received frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// SigningInput returns the canonical bytes a frame signature covers: the
// envelope re-encoded with the signature metadata cleared.
func (e *Envelope) SigningInput() ([]byte, error) {
	bare := Envelope{Header: e.Header, Body: e.Body}
	return Marshal(&bare)
}
