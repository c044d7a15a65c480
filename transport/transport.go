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

// Package transport abstracts the gossip layer the node rides on. The core
// only needs topic-scoped broadcast and receive; discovery, NAT traversal,
// and delivery best-effort semantics belong to the implementation.
package transport

import "context"

// Envelope is one received frame: the sending endpoint and its payload.
type Envelope struct {
	From    string
	Payload []byte
}

// Topic is a live subscription to one gossip topic.
type Topic interface {
	// Broadcast sends payload to all current topic subscribers. Delivery is
	// best-effort; implementations may or may not loop the frame back to
	// the sender.
	Broadcast(ctx context.Context, payload []byte) error
	// Receive yields inbound frames. The channel closes when the topic or
	// its transport closes.
	Receive() <-chan Envelope
	// Close leaves the topic.
	Close() error
}

// Transport is one node's endpoint in the mesh.
type Transport interface {
	// NodeID is the endpoint identity, stable for the transport lifetime.
	NodeID() string
	// Subscribe joins a gossip topic.
	Subscribe(topic [32]byte) (Topic, error)
	// Close tears down the endpoint and all its topics.
	Close() error
}

// Bootstrapper is implemented by transports that can dial additional peers
// after construction, e.g. from ticket bootstrap addresses.
type Bootstrapper interface {
	AddPeers(addrs []string) error
}

// Addresser is implemented by transports that can advertise dialable
// addresses for inclusion in tickets.
type Addresser interface {
	Addresses() []string
}
