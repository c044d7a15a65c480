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
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
)

// ticketPrefix marks the textual form of a room ticket.
const ticketPrefix = "buddies:"

// ErrInvalidTicket reports a ticket that does not parse.
var ErrInvalidTicket = errors.New("invalid ticket")

// Ticket is the opaque bootstrap credential for a room: the room name, its
// derived topic id, and an optional set of bootstrap peer addresses.
//
// The wire form is a CBOR array; fields beyond the known three are kept
// verbatim and re-emitted on serialization, so tickets minted by newer
// versions survive a parse/format round trip here.
type Ticket struct {
	Room  string
	Topic [32]byte
	Peers []string

	extra []cbor.RawMessage
}

// NewTicket builds a ticket for a room with the given bootstrap addresses.
func NewTicket(room string, peers []string) *Ticket {
	return &Ticket{Room: room, Topic: Topic(room), Peers: peers}
}

// String serializes the ticket: "buddies:" + base58 of the CBOR array.
func (t *Ticket) String() (string, error) {
	fields := []interface{}{t.Room, t.Topic[:], t.Peers}
	for _, raw := range t.extra {
		fields = append(fields, raw)
	}
	data, err := Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode ticket: %w", err)
	}
	return ticketPrefix + base58.Encode(data), nil
}

// ParseTicket parses the textual form back into a ticket. Parsing is
// lossless: unknown trailing fields are preserved for re-serialization.
func ParseTicket(s string) (*Ticket, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(s), ticketPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidTicket, ticketPrefix)
	}
	data, err := base58.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	var fields []cbor.RawMessage
	if err := Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidTicket, len(fields))
	}

	t := &Ticket{}
	var topic []byte
	if err := Unmarshal(fields[0], &t.Room); err != nil {
		return nil, fmt.Errorf("%w: room: %v", ErrInvalidTicket, err)
	}
	if err := Unmarshal(fields[1], &topic); err != nil {
		return nil, fmt.Errorf("%w: topic: %v", ErrInvalidTicket, err)
	}
	if len(topic) != len(t.Topic) {
		return nil, fmt.Errorf("%w: topic length %d", ErrInvalidTicket, len(topic))
	}
	copy(t.Topic[:], topic)
	if err := Unmarshal(fields[2], &t.Peers); err != nil {
		return nil, fmt.Errorf("%w: peers: %v", ErrInvalidTicket, err)
	}
	if len(fields) > 3 {
		t.extra = fields[3:]
	}
	return t, nil
}
