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

// Package memory is a process-local mesh: every endpoint subscribed to a
// topic receives every broadcast on it, including the sender's own frames.
// It backs the multi-node tests and single-process deployments.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/buddies-project/buddies/transport"
)

// receiveBuffer bounds each subscription's inbound queue; overflow frames
// are dropped, matching the no-guaranteed-delivery contract.
const receiveBuffer = 256

// Mesh connects the endpoints of one process.
type Mesh struct {
	mu     sync.RWMutex
	topics map[[32]byte]map[*memTopic]struct{}
}

// NewMesh creates an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{topics: make(map[[32]byte]map[*memTopic]struct{})}
}

// Join creates a new endpoint on the mesh. An empty nodeID gets a random
// one.
func (m *Mesh) Join(nodeID string) (transport.Transport, error) {
	if nodeID == "" {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate node id: %w", err)
		}
		nodeID = hex.EncodeToString(raw)
	}
	return &memTransport{mesh: m, nodeID: nodeID}, nil
}

type memTransport struct {
	mesh   *Mesh
	nodeID string

	mu     sync.Mutex
	open   []*memTopic
	closed bool
}

func (t *memTransport) NodeID() string { return t.nodeID }

func (t *memTransport) Subscribe(topic [32]byte) (transport.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	mt := &memTopic{
		mesh:  t.mesh,
		owner: t,
		id:    topic,
		rx:    make(chan transport.Envelope, receiveBuffer),
	}
	t.mesh.mu.Lock()
	subs := t.mesh.topics[topic]
	if subs == nil {
		subs = make(map[*memTopic]struct{})
		t.mesh.topics[topic] = subs
	}
	subs[mt] = struct{}{}
	t.mesh.mu.Unlock()

	t.open = append(t.open, mt)
	return mt, nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	open := t.open
	t.open = nil
	t.closed = true
	t.mu.Unlock()
	for _, mt := range open {
		mt.Close()
	}
	return nil
}

type memTopic struct {
	mesh  *Mesh
	owner *memTransport
	id    [32]byte
	rx    chan transport.Envelope

	mu     sync.Mutex
	closed bool
}

func (mt *memTopic) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := append([]byte(nil), payload...)
	mt.mesh.mu.RLock()
	subs := make([]*memTopic, 0, len(mt.mesh.topics[mt.id]))
	for sub := range mt.mesh.topics[mt.id] {
		subs = append(subs, sub)
	}
	mt.mesh.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(transport.Envelope{From: mt.owner.nodeID, Payload: buf})
	}
	return nil
}

func (mt *memTopic) deliver(env transport.Envelope) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return
	}
	select {
	case mt.rx <- env:
	default:
		// queue full: drop
	}
}

func (mt *memTopic) Receive() <-chan transport.Envelope { return mt.rx }

func (mt *memTopic) Close() error {
	mt.mesh.mu.Lock()
	if subs := mt.mesh.topics[mt.id]; subs != nil {
		delete(subs, mt)
		if len(subs) == 0 {
			delete(mt.mesh.topics, mt.id)
		}
	}
	mt.mesh.mu.Unlock()

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.closed {
		mt.closed = true
		close(mt.rx)
	}
	return nil
}
