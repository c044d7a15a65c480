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

package ws

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/buddies-project/buddies/transport"
)

const (
	dialTimeout   = 10 * time.Second
	receiveBuffer = 256
)

// Client is one node's endpoint on a relay hub.
type Client struct {
	nodeID string
	log    *logrus.Entry

	connMu sync.Mutex
	conn   *websocket.Conn
	url    string

	mu     sync.RWMutex
	topics map[string]*wsTopic
	closed bool
}

// Dial connects a node endpoint to the first reachable relay address.
func Dial(ctx context.Context, nodeID string, addrs []string, log *logrus.Entry) (*Client, error) {
	c := &Client{
		nodeID: nodeID,
		log:    log,
		topics: make(map[string]*wsTopic),
	}
	if err := c.addPeers(ctx, addrs); err != nil {
		return nil, err
	}
	return c, nil
}

// AddPeers dials the given relay addresses until one succeeds. A client
// already holding a connection keeps it.
func (c *Client) AddPeers(addrs []string) error {
	return c.addPeers(context.Background(), addrs)
}

func (c *Client) addPeers(ctx context.Context, addrs []string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}
	var lastErr error
	for _, addr := range addrs {
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.DialContext(ctx, addr, nil)
		if err != nil {
			lastErr = err
			continue
		}
		c.conn = conn
		c.url = addr
		go c.readLoop(conn)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no relay addresses")
	}
	return fmt.Errorf("dial relay: %w", lastErr)
}

// Addresses advertises the relay this client rides on, for ticket minting.
func (c *Client) Addresses() []string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.url == "" {
		return nil
	}
	return []string{c.url}
}

func (c *Client) NodeID() string { return c.nodeID }

func (c *Client) Subscribe(topic [32]byte) (transport.Topic, error) {
	tag := hex.EncodeToString(topic[:])

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	if _, ok := c.topics[tag]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", tag)
	}
	t := &wsTopic{
		client: c,
		tag:    tag,
		rx:     make(chan transport.Envelope, receiveBuffer),
	}
	c.topics[tag] = t
	c.mu.Unlock()

	if err := c.writeFrame(&frame{Op: opSubscribe, Topic: tag}); err != nil {
		c.mu.Lock()
		delete(c.topics, tag)
		c.mu.Unlock()
		return nil, err
	}
	return t, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	topics := make([]*wsTopic, 0, len(c.topics))
	for _, t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		t.Close()
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Client) writeFrame(f *frame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected to a relay")
	}
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.log.WithError(err).Debug("relay connection lost")
			c.handleDisconnect(conn)
			return
		}
		if f.Op != opPublish {
			continue
		}
		c.mu.RLock()
		t := c.topics[f.Topic]
		c.mu.RUnlock()
		if t != nil {
			t.deliver(transport.Envelope{From: f.From, Payload: f.Payload})
		}
	}
}

// handleDisconnect tears down state after the relay link drops: every
// subscription's receive channel closes, so coordinators riding on them see
// the loss and tear themselves down, and the connection slot clears so a
// later AddPeers can redial.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
		c.url = ""
	}
	c.connMu.Unlock()

	c.mu.Lock()
	topics := make([]*wsTopic, 0, len(c.topics))
	for _, t := range c.topics {
		topics = append(topics, t)
	}
	c.topics = make(map[string]*wsTopic)
	c.mu.Unlock()

	for _, t := range topics {
		t.closeRx()
	}
}

type wsTopic struct {
	client *Client
	tag    string
	rx     chan transport.Envelope

	mu     sync.Mutex
	closed bool
}

func (t *wsTopic) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.client.writeFrame(&frame{
		Op:      opPublish,
		Topic:   t.tag,
		From:    t.client.nodeID,
		Payload: payload,
	})
}

func (t *wsTopic) deliver(env transport.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.rx <- env:
	default:
		// queue full: drop
	}
}

func (t *wsTopic) Receive() <-chan transport.Envelope { return t.rx }

func (t *wsTopic) Close() error {
	t.client.mu.Lock()
	delete(t.client.topics, t.tag)
	t.client.mu.Unlock()
	_ = t.client.writeFrame(&frame{Op: opUnsubscribe, Topic: t.tag})
	t.closeRx()
	return nil
}

func (t *wsTopic) closeRx() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.rx)
	}
}
