// Package node assembles one buddies process: the transport endpoint, the
// signer, the local store, and the registry of joined rooms.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/internal/metrics"
	"github.com/buddies-project/buddies/room"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/transport"
	"github.com/buddies-project/buddies/wire"
)

var (
	// ErrNotJoined means the room has no live coordinator on this node.
	ErrNotJoined = errors.New("room not joined")
	// ErrAlreadyJoined means a coordinator for the room already exists.
	ErrAlreadyJoined = errors.New("room already joined")
)

// Params assembles a node.
type Params struct {
	User      string
	Agent     string
	Transport transport.Transport
	Signer    signer.Signer
	Store     *store.Store
	Log       *logrus.Entry
	Metrics   *metrics.Metrics
}

// Node is the long-running owner of one data directory, one network
// identity, and zero or more room coordinators.
type Node struct {
	user      string
	agent     string
	transport transport.Transport
	signer    signer.Signer
	store     *store.Store
	log       *logrus.Entry
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*room.Coordinator
}

// New assembles a node. The caller keeps ownership of the store and
// transport until Close.
func New(p Params) *Node {
	return &Node{
		user:      p.User,
		agent:     p.Agent,
		transport: p.Transport,
		signer:    p.Signer,
		store:     p.Store,
		log:       p.Log,
		metrics:   p.Metrics,
		rooms:     make(map[string]*room.Coordinator),
	}
}

// Identity returns the node's canonical identity label.
func (n *Node) Identity() string { return n.signer.Identity() }

// NodeID returns the transport endpoint identity.
func (n *Node) NodeID() string { return n.transport.NodeID() }

// JoinRoom joins a room by name, or by ticket when one is supplied. It
// returns a ticket other peers can use to join through this node's
// transport. Persisted room policy is loaded into the new coordinator.
func (n *Node) JoinRoom(ctx context.Context, name, ticket string) (string, error) {
	var (
		tk  *wire.Ticket
		err error
	)
	if ticket != "" {
		tk, err = wire.ParseTicket(ticket)
		if err != nil {
			return "", err
		}
		if name != "" && name != tk.Room {
			return "", fmt.Errorf("%w: ticket names room %q", wire.ErrInvalidTicket, tk.Room)
		}
		name = tk.Room
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty room name", room.ErrBadArgument)
	}

	n.mu.Lock()
	if _, ok := n.rooms[name]; ok {
		n.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyJoined, name)
	}
	n.mu.Unlock()

	if tk != nil && len(tk.Peers) > 0 {
		if b, ok := n.transport.(transport.Bootstrapper); ok {
			if err := b.AddPeers(tk.Peers); err != nil {
				n.log.WithError(err).Warn("ticket bootstrap failed, continuing")
			}
		}
	}

	topic, err := n.transport.Subscribe(wire.Topic(name))
	if err != nil {
		return "", fmt.Errorf("subscribe to %s: %w", name, err)
	}
	policy, err := n.store.GetPolicy(name)
	if err != nil {
		topic.Close()
		return "", err
	}

	coord := room.New(room.Params{
		Name:    name,
		Topic:   topic,
		NodeID:  n.transport.NodeID(),
		User:    n.user,
		Agent:   n.agent,
		Signer:  n.signer,
		Store:   n.store,
		Policy:  policy,
		Log:     n.log.WithField("room", name),
		Metrics: n.metrics,
	})

	n.mu.Lock()
	if _, ok := n.rooms[name]; ok {
		n.mu.Unlock()
		coord.Close()
		return "", fmt.Errorf("%w: %s", ErrAlreadyJoined, name)
	}
	n.rooms[name] = coord
	n.mu.Unlock()

	// reap the registry entry once the coordinator tears itself down
	// (transport loss included) so the next access yields ErrNotJoined
	go func() {
		<-coord.Done()
		n.mu.Lock()
		if n.rooms[name] == coord {
			delete(n.rooms, name)
		}
		n.mu.Unlock()
	}()

	// announce ourselves so peers learn we arrived
	if err := coord.NotifyPeers(ctx, "joined"); err != nil {
		n.log.WithError(err).Debug("join announcement failed")
	}

	var addrs []string
	if a, ok := n.transport.(transport.Addresser); ok {
		addrs = a.Addresses()
	}
	out, err := wire.NewTicket(name, addrs).String()
	if err != nil {
		return "", err
	}
	return out, nil
}

// LeaveRoom tears down the room's coordinator; persisted state outlives it.
func (n *Node) LeaveRoom(name string) error {
	n.mu.Lock()
	coord, ok := n.rooms[name]
	if ok {
		delete(n.rooms, name)
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	coord.Close()
	return nil
}

// Room returns the live coordinator for a joined room.
func (n *Node) Room(name string) (*room.Coordinator, error) {
	n.mu.RLock()
	coord, ok := n.rooms[name]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	return coord, nil
}

// DefaultRoom resolves an optional room argument: an explicit name must be
// joined; with no name the node must have exactly one joined room.
func (n *Node) DefaultRoom(name string) (*room.Coordinator, error) {
	if name != "" {
		return n.Room(name)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch len(n.rooms) {
	case 1:
		for _, coord := range n.rooms {
			return coord, nil
		}
		panic("unreachable")
	case 0:
		return nil, fmt.Errorf("%w: no rooms joined", ErrNotJoined)
	default:
		return nil, fmt.Errorf("%w: room required when multiple rooms are joined", room.ErrBadArgument)
	}
}

// ListRooms returns the names of joined rooms, sorted.
func (n *Node) ListRooms() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.rooms))
	for name := range n.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Rooms returns the live coordinators.
func (n *Node) Rooms() []*room.Coordinator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*room.Coordinator, 0, len(n.rooms))
	for _, coord := range n.rooms {
		out = append(out, coord)
	}
	return out
}

// Store exposes the local store for room-independent queries.
func (n *Node) Store() *store.Store { return n.store }

// Metrics exposes the node's collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Close leaves every room and shuts the transport down. The store stays
// open; its owner closes it.
func (n *Node) Close() {
	n.mu.Lock()
	rooms := n.rooms
	n.rooms = make(map[string]*room.Coordinator)
	n.mu.Unlock()
	for _, coord := range rooms {
		coord.Close()
	}
	n.transport.Close()
}
