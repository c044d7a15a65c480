package room

import (
	"time"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/model"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/wire"
)

// handleFrame runs the inbound pipeline for one raw frame: decode, room
// check, loopback drop, policy gate, signature verification, dispatch.
func (c *Coordinator) handleFrame(payload []byte) {
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		c.dropFrame("malformed")
		return
	}
	if env.Header.Room != c.name {
		c.dropFrame("wrong_room")
		return
	}
	if env.Header.SenderNodeID == c.nodeID {
		// our own broadcast looped back; applying it again would
		// double-count locally-originated mutations
		c.dropFrame("loopback")
		return
	}

	policy := c.Policy()
	if policy.RequireSigned && len(env.Signature) == 0 {
		c.dropFrame("unsigned")
		return
	}
	if len(policy.Whitelist) > 0 && (len(env.Signature) == 0 || env.SignedBy == "" || !policy.Whitelisted(env.SignedBy)) {
		c.dropFrame("not_whitelisted")
		return
	}
	if len(env.Signature) > 0 {
		input, err := env.SigningInput()
		if err != nil {
			c.dropFrame("malformed")
			return
		}
		if err := signer.Verify(env.SignedBy, input, env.Signature); err != nil {
			c.dropFrame("bad_signature")
			return
		}
	}

	body, err := env.Body.DecodePayload()
	if err != nil {
		c.dropFrame("malformed")
		return
	}
	if body == nil {
		// unknown variant from a newer peer
		c.dropFrame("unknown_kind")
		return
	}
	c.metrics.FramesReceived.WithLabelValues(c.name, env.Body.Kind.String()).Inc()

	switch p := body.(type) {
	case *wire.Notify:
		c.applyNotify(&env.Header, p)
	case *wire.MemoryCreated:
		c.applyMemoryCreated(p)
	case *wire.SearchRequest:
		c.serveSearchRequest(p)
	case *wire.SearchResponse:
		c.applySearchResponse(p)
	case *wire.TaskRequest:
		c.enqueueTask(p)
	case *wire.TaskResponse:
		c.applyTaskResponse(p)
	case *wire.TaskAccepted:
		c.log.WithField("task_id", p.TaskID).
			WithField("executor", p.ExecutorIdentity).
			Debug("task accepted by peer")
	case *wire.SkillPublished:
		c.applySkillPublished(p)
	case *wire.SkillVoteCast:
		c.applySkillVote(&env.Header, p)
	case *wire.SkillSearchRequest:
		c.serveSkillSearchRequest(p)
	case *wire.SkillSearchResponse:
		c.applySkillSearchResponse(p)
	}
}

func (c *Coordinator) applyNotify(h *wire.Header, p *wire.Notify) {
	c.mu.Lock()
	c.presence[h.SenderNodeID] = PeerPresence{
		NodeID:   h.SenderNodeID,
		User:     p.User,
		Agent:    p.Agent,
		Status:   p.Status,
		LastSeen: time.Now(),
	}
	c.mu.Unlock()
}

func (c *Coordinator) applyMemoryCreated(p *wire.MemoryCreated) {
	if err := c.store.UpsertMemory(&p.Memory); err != nil {
		c.log.WithError(err).Warn("failed to apply replicated memory")
	}
}

// serveSearchRequest answers a peer's distributed memory search. Silence
// means "nothing here": a response goes out only for non-empty results.
func (c *Coordinator) serveSearchRequest(p *wire.SearchRequest) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	results, err := c.store.SearchMemories(p.Query, store.MemoryFilter{
		Room:  c.name,
		Kind:  p.KindFilter,
		Tag:   p.TagFilter,
		Limit: limit,
	})
	if err != nil {
		c.log.WithError(err).Warn("local search for peer failed")
		return
	}
	if len(results) == 0 {
		return
	}
	ctx, cancel := c.broadcastCtx()
	defer cancel()
	err = c.broadcast(ctx, wire.KindSearchResponse, &wire.SearchResponse{
		CorrelationID: p.CorrelationID,
		Results:       results,
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to answer search request")
	}
}

func (c *Coordinator) applySearchResponse(p *wire.SearchResponse) {
	c.mu.RLock()
	ch := c.searches[p.CorrelationID]
	c.mu.RUnlock()
	if ch == nil {
		// correlation closed or never ours
		return
	}
	select {
	case ch <- p.Results:
	default:
		// collector backlogged: drop excess responses
	}
}

// enqueueTask adds an anycast task request to the pending queue. The
// requester never enqueues its own task; beyond MaxPendingTasks the oldest
// entry is dropped.
func (c *Coordinator) enqueueTask(p *wire.TaskRequest) {
	c.mu.Lock()
	if _, mine := c.taskWaiters[p.TaskID]; mine {
		c.mu.Unlock()
		return
	}
	if len(c.pending) >= MaxPendingTasks {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, *p)
	depth := len(c.pending)
	c.mu.Unlock()

	c.metrics.PendingTasks.WithLabelValues(c.name).Set(float64(depth))
	select {
	case c.pendingCh <- struct{}{}:
	default:
	}
}

// applyTaskResponse completes the matching waiter. The first response for a
// task id wins; late or duplicate responses find no waiter and are dropped.
func (c *Coordinator) applyTaskResponse(p *wire.TaskResponse) {
	c.mu.Lock()
	ch, ok := c.taskWaiters[p.TaskID]
	if ok {
		delete(c.taskWaiters, p.TaskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- *p:
	default:
	}
}

func (c *Coordinator) applySkillPublished(p *wire.SkillPublished) {
	sk := p.Skill
	if model.SkillHash(sk.Title, sk.Body, sk.Tags) != sk.Hash {
		c.dropFrame("bad_skill_hash")
		return
	}
	if sk.SignedBy != "" {
		if err := signer.Verify(sk.SignedBy, sk.SigningInput(), sk.Signature); err != nil {
			c.dropFrame("bad_skill_signature")
			return
		}
	}
	sk.Score = 0
	if err := c.store.UpsertSkill(&sk); err != nil {
		c.log.WithError(err).Warn("failed to apply replicated skill")
	}
}

func (c *Coordinator) applySkillVote(h *wire.Header, p *wire.SkillVoteCast) {
	if p.Value != 1 && p.Value != -1 {
		c.dropFrame("bad_vote_value")
		return
	}
	err := c.store.CastVote(&model.SkillVote{
		SkillHash: p.SkillHash,
		Voter:     p.Voter,
		Value:     p.Value,
		TS:        h.TS,
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to apply replicated vote")
	}
}

func (c *Coordinator) serveSkillSearchRequest(p *wire.SkillSearchRequest) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	results, err := c.store.SearchSkills(p.Query, limit)
	if err != nil {
		c.log.WithError(err).Warn("local skill search for peer failed")
		return
	}
	if len(results) == 0 {
		return
	}
	ctx, cancel := c.broadcastCtx()
	defer cancel()
	err = c.broadcast(ctx, wire.KindSkillSearchResponse, &wire.SkillSearchResponse{
		CorrelationID: p.CorrelationID,
		Skills:        results,
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to answer skill search request")
	}
}

func (c *Coordinator) applySkillSearchResponse(p *wire.SkillSearchResponse) {
	c.mu.RLock()
	ch := c.skillSearches[p.CorrelationID]
	c.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- p.Skills:
	default:
	}
}
