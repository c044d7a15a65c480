package room

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/model"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/wire"
)

// broadcast signs, serializes, and sends one message on the room topic. A
// coordinator never broadcasts a frame it could not itself verify under the
// room's current policy.
func (c *Coordinator) broadcast(ctx context.Context, kind wire.Kind, payload interface{}) error {
	policy := c.Policy()
	identity := c.signer.Identity()
	canSign := signer.CanSign(c.signer)

	if policy.RequireSigned && !canSign {
		return signer.ErrUnavailable
	}
	if len(policy.Whitelist) > 0 && !policy.Whitelisted(identity) {
		return fmt.Errorf("%w: %s is not whitelisted in %s", ErrPolicyRejected, identity, c.name)
	}

	body, err := wire.NewBody(kind, payload)
	if err != nil {
		return err
	}
	env := &wire.Envelope{
		Header: wire.Header{
			Room:         c.name,
			SenderNodeID: c.nodeID,
			SenderUser:   c.user,
			SenderAgent:  c.agent,
			TS:           time.Now().UnixMilli(),
			MsgID:        uuid.NewString(),
		},
		Body: body,
	}
	if canSign {
		input, err := env.SigningInput()
		if err != nil {
			return err
		}
		sig, err := c.signer.Sign(input)
		if err != nil {
			if policy.RequireSigned {
				return fmt.Errorf("%w: %v", signer.ErrUnavailable, err)
			}
			c.log.WithError(err).Warn("signing failed, broadcasting unsigned")
		} else {
			env.SignedBy = identity
			env.Signature = sig
		}
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.topic.Broadcast(ctx, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", kind, err)
	}
	c.metrics.Broadcasts.WithLabelValues(c.name, kind.String()).Inc()
	return nil
}

// StoreMemory persists a memory locally and replicates it to the room.
// Local persistence happens before the broadcast; a failed broadcast is
// returned to the caller, and the local copy stays stored.
func (c *Coordinator) StoreMemory(ctx context.Context, kind model.MemoryKind, content string, tags []string) (*model.Memory, error) {
	m := &model.Memory{
		ID:        uuid.NewString(),
		Author:    c.user,
		Agent:     c.agent,
		Room:      c.name,
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := c.store.UpsertMemory(m); err != nil {
		return nil, err
	}
	if err := c.broadcast(ctx, wire.KindMemoryCreated, &wire.MemoryCreated{Memory: *m}); err != nil {
		return nil, err
	}
	return m, nil
}

// SearchMemories runs a distributed memory search: a local query plus
// responses gathered from peers until the deadline. Results merge
// deduplicated by id, newest first, capped at limit. The deadline is hard;
// late responses are dropped by the receive loop.
func (c *Coordinator) SearchMemories(ctx context.Context, query string, kind model.MemoryKind, tag string, limit int, deadline time.Duration) ([]model.Memory, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if deadline <= 0 {
		deadline = DefaultSearchDeadline
	}

	corrID := uuid.NewString()
	ch := make(chan []model.Memory, searchBuffer)
	c.mu.Lock()
	c.searches[corrID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.searches, corrID)
		c.mu.Unlock()
	}()

	err := c.broadcast(ctx, wire.KindSearchRequest, &wire.SearchRequest{
		CorrelationID: corrID,
		Query:         query,
		KindFilter:    kind,
		TagFilter:     tag,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	c.metrics.Searches.WithLabelValues(c.name, "memories").Inc()

	merged := make(map[string]model.Memory)
	local, err := c.store.SearchMemories(query, store.MemoryFilter{
		Room: c.name, Kind: kind, Tag: tag, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range local {
		merged[m.ID] = m
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
collect:
	for {
		select {
		case results := <-ch:
			for _, m := range results {
				if _, seen := merged[m.ID]; !seen {
					merged[m.ID] = m
				}
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		case <-c.done:
			return nil, ErrCancelled
		}
	}

	out := make([]model.Memory, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	store.SortMemories(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchSkills runs a distributed skill search analogous to SearchMemories,
// deduplicated by hash and ranked by vote score. Local entries win over
// remote copies of the same hash since local vote totals are authoritative
// for this node's view.
func (c *Coordinator) SearchSkills(ctx context.Context, query string, limit int, deadline time.Duration) ([]model.Skill, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if deadline <= 0 {
		deadline = DefaultSearchDeadline
	}

	corrID := uuid.NewString()
	ch := make(chan []model.Skill, searchBuffer)
	c.mu.Lock()
	c.skillSearches[corrID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.skillSearches, corrID)
		c.mu.Unlock()
	}()

	err := c.broadcast(ctx, wire.KindSkillSearchRequest, &wire.SkillSearchRequest{
		CorrelationID: corrID,
		Query:         query,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	c.metrics.Searches.WithLabelValues(c.name, "skills").Inc()

	merged := make(map[string]model.Skill)
	local, err := c.store.SearchSkills(query, limit)
	if err != nil {
		return nil, err
	}
	for _, sk := range local {
		merged[sk.Hash] = sk
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
collect:
	for {
		select {
		case results := <-ch:
			for _, sk := range results {
				if _, seen := merged[sk.Hash]; !seen {
					merged[sk.Hash] = sk
				}
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		case <-c.done:
			return nil, ErrCancelled
		}
	}

	out := make([]model.Skill, 0, len(merged))
	for _, sk := range merged {
		out = append(out, sk)
	}
	sortSkills(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DelegateTask broadcasts an anycast task request and waits for the first
// peer response. On deadline the waiter is removed and later responses for
// the id become no-ops.
func (c *Coordinator) DelegateTask(ctx context.Context, description string, deadline time.Duration) (TaskOutcome, error) {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	taskID := uuid.NewString()
	ch := make(chan wire.TaskResponse, 1)
	c.mu.Lock()
	c.taskWaiters[taskID] = ch
	c.mu.Unlock()
	removeWaiter := func() {
		c.mu.Lock()
		delete(c.taskWaiters, taskID)
		c.mu.Unlock()
	}

	err := c.broadcast(ctx, wire.KindTaskRequest, &wire.TaskRequest{
		TaskID:            taskID,
		Description:       description,
		RequesterIdentity: c.signer.Identity(),
		DeadlineMS:        time.Now().Add(deadline).UnixMilli(),
	})
	if err != nil {
		removeWaiter()
		return TaskOutcome{}, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case resp := <-ch:
		// the receive loop removed the waiter before completing it
		outcome := TaskOutcome{Status: TaskCompleted, Output: resp.Output}
		if !resp.Success {
			outcome = TaskOutcome{Status: TaskFailed, Error: resp.Message}
		}
		c.metrics.Tasks.WithLabelValues(c.name, string(outcome.Status)).Inc()
		return outcome, nil
	case <-timer.C:
		removeWaiter()
		c.metrics.Tasks.WithLabelValues(c.name, string(TaskTimedOut)).Inc()
		return TaskOutcome{Status: TaskTimedOut}, nil
	case <-ctx.Done():
		removeWaiter()
		return TaskOutcome{}, ErrCancelled
	case <-c.done:
		return TaskOutcome{}, ErrCancelled
	}
}

// PollPendingTasks drains the inbound task queue. With an empty queue and a
// positive maxWait it blocks on the queue notifier up to maxWait, then
// drains again; the result may be empty.
func (c *Coordinator) PollPendingTasks(ctx context.Context, maxWait time.Duration) []wire.TaskRequest {
	if tasks := c.drainPending(); len(tasks) > 0 || maxWait <= 0 {
		return tasks
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-c.pendingCh:
	case <-timer.C:
	case <-ctx.Done():
	case <-c.done:
	}
	return c.drainPending()
}

func (c *Coordinator) drainPending() []wire.TaskRequest {
	c.mu.Lock()
	tasks := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.metrics.PendingTasks.WithLabelValues(c.name).Set(0)
	return tasks
}

// SubmitTaskResult broadcasts this node's result for a delegated task.
// Nothing is persisted; the requester's waiter is the only consumer.
func (c *Coordinator) SubmitTaskResult(ctx context.Context, taskID string, success bool, output, message string) error {
	return c.broadcast(ctx, wire.KindTaskResponse, &wire.TaskResponse{
		TaskID:  taskID,
		Success: success,
		Output:  output,
		Message: message,
	})
}

// NotifyPeers broadcasts a presence/status update.
func (c *Coordinator) NotifyPeers(ctx context.Context, status string) error {
	return c.broadcast(ctx, wire.KindNotify, &wire.Notify{
		User:   c.user,
		Agent:  c.agent,
		Status: status,
	})
}

// PublishSkill hashes, signs, persists, and replicates a skill. Without a
// signing capability the skill publishes unsigned unless this room's policy
// requires signing.
func (c *Coordinator) PublishSkill(ctx context.Context, title, body string, tags []string, parentHash string) (*model.Skill, error) {
	sk := &model.Skill{
		Hash:       model.SkillHash(title, body, tags),
		Title:      title,
		Body:       body,
		Tags:       tags,
		Author:     c.user,
		Agent:      c.agent,
		ParentHash: parentHash,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if signer.CanSign(c.signer) {
		sig, err := c.signer.Sign(sk.SigningInput())
		if err != nil {
			if c.Policy().RequireSigned {
				return nil, fmt.Errorf("%w: %v", signer.ErrUnavailable, err)
			}
			c.log.WithError(err).Warn("skill signing failed, publishing unsigned")
		} else {
			sk.SignedBy = c.signer.Identity()
			sk.Signature = sig
		}
	} else if c.Policy().RequireSigned {
		return nil, signer.ErrUnavailable
	}

	if err := c.store.UpsertSkill(sk); err != nil {
		return nil, err
	}
	if err := c.broadcast(ctx, wire.KindSkillPublished, &wire.SkillPublished{Skill: *sk}); err != nil {
		return nil, err
	}
	return sk, nil
}

// VoteSkill records this node's vote locally and replicates it. value must
// be +1 or -1 and the skill must be known locally.
func (c *Coordinator) VoteSkill(ctx context.Context, hash string, value int) error {
	if value != 1 && value != -1 {
		return fmt.Errorf("%w: vote value must be +1 or -1, got %d", ErrBadArgument, value)
	}
	sk, err := c.store.GetSkill(hash)
	if err != nil {
		return err
	}
	if sk == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, hash)
	}
	voter := c.signer.Identity()
	err = c.store.CastVote(&model.SkillVote{
		SkillHash: hash,
		Voter:     voter,
		Value:     value,
		TS:        time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.broadcast(ctx, wire.KindSkillVoteCast, &wire.SkillVoteCast{
		SkillHash: hash,
		Voter:     voter,
		Value:     value,
	})
}

func sortSkills(sks []model.Skill) {
	sort.SliceStable(sks, func(i, j int) bool {
		if sks[i].Score != sks[j].Score {
			return sks[i].Score > sks[j].Score
		}
		if sks[i].CreatedAt != sks[j].CreatedAt {
			return sks[i].CreatedAt > sks[j].CreatedAt
		}
		return sks[i].Hash < sks[j].Hash
	})
}
