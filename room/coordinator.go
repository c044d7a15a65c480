// Package room implements the per-room coordinator: the receive loop that
// verifies and dispatches inbound gossip frames, the correlation tables for
// distributed search and delegated tasks, the inbound pending-task queue,
// and the outbound operations the tool surface invokes.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/internal/metrics"
	"github.com/buddies-project/buddies/model"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/transport"
	"github.com/buddies-project/buddies/wire"
)

const (
	// MaxPendingTasks caps the inbound task queue; overflow drops the
	// oldest entry.
	MaxPendingTasks = 256

	// DefaultSearchDeadline bounds a distributed search when the caller
	// does not supply one.
	DefaultSearchDeadline = 3 * time.Second

	// DefaultSearchLimit caps result sets when the caller does not supply
	// a limit.
	DefaultSearchLimit = 50

	// searchBuffer bounds each correlation entry's response channel;
	// excess responses are dropped silently.
	searchBuffer = 64

	// presenceTTL expires peers that stopped notifying.
	presenceTTL = 5 * time.Minute
)

var (
	// ErrTimeout means a correlation deadline expired.
	ErrTimeout = errors.New("deadline expired")
	// ErrCancelled means the operation or its room was torn down.
	ErrCancelled = errors.New("cancelled")
	// ErrPolicyRejected means the room policy forbids the operation.
	ErrPolicyRejected = errors.New("rejected by room policy")
	// ErrUnknownSkill means the referenced skill hash is not stored.
	ErrUnknownSkill = errors.New("unknown skill")
	// ErrBadArgument means a caller-supplied value is out of range.
	ErrBadArgument = errors.New("bad argument")
)

// PeerPresence is the transient view of a peer, populated from Notify
// broadcasts and never persisted.
type PeerPresence struct {
	NodeID   string    `json:"node_id"`
	User     string    `json:"user"`
	Agent    string    `json:"agent"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// TaskStatus is the requester-visible outcome of a delegated task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timeout"
)

// TaskOutcome is what DelegateTask returns.
type TaskOutcome struct {
	Status TaskStatus `json:"status"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Params assembles a coordinator.
type Params struct {
	Name    string
	Topic   transport.Topic
	NodeID  string
	User    string
	Agent   string
	Signer  signer.Signer
	Store   *store.Store
	Policy  model.IdentityPolicy
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Coordinator owns one room: its topic subscription, policy view, and
// correlation state. All fields behind mu are shared between the receive
// loop and tool-surface callers.
type Coordinator struct {
	name     string
	topic    transport.Topic
	nodeID   string
	user     string
	agent    string
	signer   signer.Signer
	store    *store.Store
	log      *logrus.Entry
	metrics  *metrics.Metrics
	joinedAt time.Time

	mu            sync.RWMutex
	policy        model.IdentityPolicy
	presence      map[string]PeerPresence
	searches      map[string]chan []model.Memory
	skillSearches map[string]chan []model.Skill
	taskWaiters   map[string]chan wire.TaskResponse
	pending       []wire.TaskRequest

	pendingCh chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a coordinator and its receive loop.
func New(p Params) *Coordinator {
	c := &Coordinator{
		name:          p.Name,
		topic:         p.Topic,
		nodeID:        p.NodeID,
		user:          p.User,
		agent:         p.Agent,
		signer:        p.Signer,
		store:         p.Store,
		log:           p.Log,
		metrics:       p.Metrics,
		joinedAt:      time.Now(),
		policy:        p.Policy,
		presence:      make(map[string]PeerPresence),
		searches:      make(map[string]chan []model.Memory),
		skillSearches: make(map[string]chan []model.Skill),
		taskWaiters:   make(map[string]chan wire.TaskResponse),
		pendingCh:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Name returns the room name.
func (c *Coordinator) Name() string { return c.name }

// JoinedAt returns when this node joined the room.
func (c *Coordinator) JoinedAt() time.Time { return c.joinedAt }

// Identity returns the node's identity label.
func (c *Coordinator) Identity() string { return c.signer.Identity() }

// Done is closed when the coordinator shuts down.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Close tears the room down: the receive loop stops and every in-flight
// waiter fails with ErrCancelled. Persisted state is untouched.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.topic.Close()
		c.mu.Lock()
		c.searches = make(map[string]chan []model.Memory)
		c.skillSearches = make(map[string]chan []model.Skill)
		c.taskWaiters = make(map[string]chan wire.TaskResponse)
		c.mu.Unlock()
	})
}

// Policy returns the coordinator's current policy view.
func (c *Coordinator) Policy() model.IdentityPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy persists the policy and atomically swaps the in-memory view.
// The new policy applies only to frames processed after the swap.
func (c *Coordinator) SetPolicy(p model.IdentityPolicy) error {
	if err := c.store.SetPolicy(c.name, p); err != nil {
		return err
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	return nil
}

// AddWhitelistedIdentity appends one identity to the persisted whitelist
// and swaps the view.
func (c *Coordinator) AddWhitelistedIdentity(identity string) error {
	p, err := c.store.AddWhitelist(c.name, identity)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	return nil
}

// Peers returns the current transient presence view, stale entries pruned.
func (c *Coordinator) Peers() []PeerPresence {
	cutoff := time.Now().Add(-presenceTTL)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PeerPresence, 0, len(c.presence))
	for _, p := range c.presence {
		if p.LastSeen.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) dropFrame(reason string) {
	c.metrics.FramesDropped.WithLabelValues(c.name, reason).Inc()
	c.log.WithField("reason", reason).Debug("dropped inbound frame")
}

// receiveLoop consumes inbound frames until the topic closes. It never
// fails upward: malformed or rejected frames are logged and dropped.
func (c *Coordinator) receiveLoop() {
	rx := c.topic.Receive()
	for {
		select {
		case <-c.done:
			return
		case env, ok := <-rx:
			if !ok {
				// the transport subscription is gone; tear the room
				// down so in-flight waiters fail with Cancelled and
				// the next tool-surface access yields NotJoined
				c.log.Warn("transport subscription lost, leaving room")
				c.Close()
				return
			}
			c.handleFrame(env.Payload)
		}
	}
}

// broadcastCtx is the context outbound frames triggered by the receive loop
// run under.
func (c *Coordinator) broadcastCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
