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

// Package ws carries room gossip over WebSocket through a relay hub. Any
// node can host the relay; clients subscribe to topic tags and the hub fans
// published frames out to every other subscriber. The hub never inspects
// payloads, so all signing and policy enforcement stays end-to-end.
package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Frame ops.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
)

// frame is the JSON message exchanged with the relay.
type frame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic,omitempty"` // hex topic tag
	From    string `json:"from,omitempty"`  // origin node id
	Payload []byte `json:"payload,omitempty"`
}

// Relay is the gossip hub. Zero value is not usable; use NewRelay.
type Relay struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	topic map[string]map[*relayConn]struct{}
}

// NewRelay creates a relay hub.
func NewRelay(log *logrus.Entry) *Relay {
	return &Relay{
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		topic:    make(map[string]map[*relayConn]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves its frames until it drops.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &relayConn{ws: ws}
	defer r.dropConn(c)

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case opSubscribe:
			r.subscribe(c, f.Topic)
		case opUnsubscribe:
			r.unsubscribe(c, f.Topic)
		case opPublish:
			r.publish(c, &f)
		default:
			r.log.WithField("op", f.Op).Debug("ignoring unknown relay op")
		}
	}
}

func (r *Relay) subscribe(c *relayConn, topic string) {
	if topic == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topic[topic]
	if subs == nil {
		subs = make(map[*relayConn]struct{})
		r.topic[topic] = subs
	}
	subs[c] = struct{}{}
}

func (r *Relay) unsubscribe(c *relayConn, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.topic[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.topic, topic)
		}
	}
}

func (r *Relay) publish(origin *relayConn, f *frame) {
	r.mu.RLock()
	conns := make([]*relayConn, 0, len(r.topic[f.Topic]))
	for c := range r.topic[f.Topic] {
		if c != origin {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeJSON(f); err != nil {
			r.log.WithError(err).Debug("relay write failed, dropping conn")
			r.dropConn(c)
		}
	}
}

func (r *Relay) dropConn(c *relayConn) {
	r.mu.Lock()
	for topic, subs := range r.topic {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.topic, topic)
		}
	}
	r.mu.Unlock()
	c.ws.Close()
}

type relayConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *relayConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}
