// Package tools is the agent-facing surface: every operation an agent can
// invoke, with JSON-shaped arguments and results, dispatched onto the node
// and its room coordinators. The stdio and HTTP frontends both route
// through Dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/buddies-project/buddies/model"
	"github.com/buddies-project/buddies/node"
	"github.com/buddies-project/buddies/room"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/wire"
)

// Service dispatches tool operations onto a node.
type Service struct {
	node *node.Node
	log  *logrus.Entry
}

// NewService wraps a node.
func NewService(n *node.Node, log *logrus.Entry) *Service {
	return &Service{node: n, log: log}
}

// Ops returns the operation names this surface understands.
func (s *Service) Ops() []string {
	return []string{
		"join_room", "leave_room", "store_memory", "search_memory",
		"list_memories", "notify_peers", "get_room_status", "list_rooms",
		"delegate_task", "poll_pending_tasks", "submit_task_result",
		"publish_skill", "search_skills", "vote_skill", "get_skill",
		"set_identity_policy", "add_whitelisted_identity", "get_identity_policy",
	}
}

// Dispatch runs one operation. Errors come back as *Error values ready for
// the boundary.
func (s *Service) Dispatch(ctx context.Context, op string, args json.RawMessage) (interface{}, error) {
	res, err := s.dispatch(ctx, op, args)
	if err != nil {
		s.log.WithField("op", op).WithError(err).Debug("tool call failed")
		return nil, asError(err)
	}
	return res, nil
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", room.ErrBadArgument, err)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, op string, args json.RawMessage) (interface{}, error) {
	switch op {
	case "join_room":
		return s.joinRoom(ctx, args)
	case "leave_room":
		return s.leaveRoom(args)
	case "store_memory":
		return s.storeMemory(ctx, args)
	case "search_memory":
		return s.searchMemory(ctx, args)
	case "list_memories":
		return s.listMemories(args)
	case "notify_peers":
		return s.notifyPeers(ctx, args)
	case "get_room_status":
		return s.roomStatus(args)
	case "list_rooms":
		return map[string]interface{}{"rooms": s.node.ListRooms()}, nil
	case "delegate_task":
		return s.delegateTask(ctx, args)
	case "poll_pending_tasks":
		return s.pollPendingTasks(ctx, args)
	case "submit_task_result":
		return s.submitTaskResult(ctx, args)
	case "publish_skill":
		return s.publishSkill(ctx, args)
	case "search_skills":
		return s.searchSkills(ctx, args)
	case "vote_skill":
		return s.voteSkill(ctx, args)
	case "get_skill":
		return s.getSkill(args)
	case "set_identity_policy":
		return s.setIdentityPolicy(args)
	case "add_whitelisted_identity":
		return s.addWhitelistedIdentity(args)
	case "get_identity_policy":
		return s.getIdentityPolicy(args)
	default:
		return nil, &Error{Kind: KindUnknownOp, Message: fmt.Sprintf("unknown operation %q", op)}
	}
}

func (s *Service) joinRoom(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room   string `json:"room"`
		Ticket string `json:"ticket"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	ticket, err := s.node.JoinRoom(ctx, args.Room, args.Ticket)
	if err != nil {
		return nil, err
	}
	return map[string]string{"ticket": ticket}, nil
}

func (s *Service) leaveRoom(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room string `json:"room"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := s.node.LeaveRoom(args.Room); err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (s *Service) storeMemory(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room    string   `json:"room"`
		Kind    string   `json:"kind"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Content == "" {
		return nil, fmt.Errorf("%w: content is required", room.ErrBadArgument)
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	mem, err := coord.StoreMemory(ctx, model.ParseMemoryKind(args.Kind), args.Content, args.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"memory": mem}, nil
}

func (s *Service) searchMemory(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room       string `json:"room"`
		Query      string `json:"query"`
		Kind       string `json:"kind"`
		Tag        string `json:"tag"`
		Limit      int    `json:"limit"`
		DeadlineMS int64  `json:"deadline_ms"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	var kind model.MemoryKind
	if args.Kind != "" {
		kind = model.ParseMemoryKind(args.Kind)
	}

	// a node with no joined rooms still searches its own replica
	if len(s.node.ListRooms()) == 0 {
		results, err := s.node.Store().SearchMemories(args.Query, store.MemoryFilter{
			Room: args.Room, Kind: kind, Tag: args.Tag, Limit: args.Limit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results}, nil
	}

	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	results, err := coord.SearchMemories(ctx, args.Query, kind, args.Tag,
		args.Limit, time.Duration(args.DeadlineMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results}, nil
}

func (s *Service) listMemories(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room    string `json:"room"`
		Author  string `json:"author"`
		Kind    string `json:"kind"`
		Tag     string `json:"tag"`
		SinceMS int64  `json:"since_ms"`
		Limit   int    `json:"limit"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	var kind model.MemoryKind
	if args.Kind != "" {
		kind = model.ParseMemoryKind(args.Kind)
	}
	memories, err := s.node.Store().ListMemories(store.MemoryFilter{
		Room:    args.Room,
		Author:  args.Author,
		Kind:    kind,
		Tag:     args.Tag,
		SinceMS: args.SinceMS,
		Limit:   args.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"memories": memories}, nil
}

func (s *Service) notifyPeers(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room   string `json:"room"`
		Status string `json:"status"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.NotifyPeers(ctx, args.Status); err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (s *Service) roomStatus(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room string `json:"room"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"room":      coord.Name(),
		"node_id":   s.node.NodeID(),
		"identity":  s.node.Identity(),
		"joined_at": coord.JoinedAt().UnixMilli(),
		"peers":     coord.Peers(),
	}, nil
}

func (s *Service) delegateTask(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room        string `json:"room"`
		Description string `json:"description"`
		DeadlineMS  int64  `json:"deadline_ms"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Description == "" {
		return nil, fmt.Errorf("%w: description is required", room.ErrBadArgument)
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	outcome, err := coord.DelegateTask(ctx, args.Description,
		time.Duration(args.DeadlineMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Service) pollPendingTasks(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room      string `json:"room"`
		MaxWaitMS int64  `json:"max_wait_ms"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	tasks := coord.PollPendingTasks(ctx, time.Duration(args.MaxWaitMS)*time.Millisecond)
	if tasks == nil {
		tasks = []wire.TaskRequest{}
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

// submitTaskResult broadcasts the result to every joined room: the task id
// routes it, and coordinators without a matching waiter drop it.
func (s *Service) submitTaskResult(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		TaskID  string `json:"task_id"`
		Success bool   `json:"success"`
		Output  string `json:"output"`
		Error   string `json:"error"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", room.ErrBadArgument)
	}
	rooms := s.node.Rooms()
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%w: no rooms joined", node.ErrNotJoined)
	}
	var lastErr error
	for _, coord := range rooms {
		if err := coord.SubmitTaskResult(ctx, args.TaskID, args.Success, args.Output, args.Error); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return map[string]string{}, nil
}

// publishSkill publishes through every joined room; the store dedupes the
// record and each room gets its own announcement.
func (s *Service) publishSkill(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Title      string   `json:"title"`
		Body       string   `json:"body"`
		Tags       []string `json:"tags"`
		ParentHash string   `json:"parent_hash"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Title == "" {
		return nil, fmt.Errorf("%w: title is required", room.ErrBadArgument)
	}
	rooms := s.node.Rooms()
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%w: no rooms joined", node.ErrNotJoined)
	}
	var (
		published *model.Skill
		lastErr   error
	)
	for _, coord := range rooms {
		sk, err := coord.PublishSkill(ctx, args.Title, args.Body, args.Tags, args.ParentHash)
		if err != nil {
			lastErr = err
			continue
		}
		if published == nil {
			published = sk
		}
	}
	if published == nil {
		return nil, lastErr
	}
	return map[string]interface{}{"skill": published}, nil
}

func (s *Service) searchSkills(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room       string `json:"room"`
		Query      string `json:"query"`
		Limit      int    `json:"limit"`
		DeadlineMS int64  `json:"deadline_ms"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if len(s.node.ListRooms()) == 0 {
		skills, err := s.node.Store().SearchSkills(args.Query, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"skills": skills}, nil
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	skills, err := coord.SearchSkills(ctx, args.Query, args.Limit,
		time.Duration(args.DeadlineMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"skills": skills}, nil
}

// voteSkill casts locally and replicates the vote into every joined room.
func (s *Service) voteSkill(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Hash  string `json:"hash"`
		Value int    `json:"value"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	rooms := s.node.Rooms()
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%w: no rooms joined", node.ErrNotJoined)
	}
	var lastErr error
	voted := false
	for _, coord := range rooms {
		if err := coord.VoteSkill(ctx, args.Hash, args.Value); err != nil {
			lastErr = err
			continue
		}
		voted = true
	}
	if !voted {
		return nil, lastErr
	}
	return map[string]string{}, nil
}

func (s *Service) getSkill(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Hash string `json:"hash"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	sk, err := s.node.Store().GetSkill(args.Hash)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"skill": sk}, nil
}

func (s *Service) setIdentityPolicy(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room          string   `json:"room"`
		Identities    []string `json:"identities"`
		RequireSigned bool     `json:"require_signed"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	err = coord.SetPolicy(model.IdentityPolicy{
		Whitelist:     args.Identities,
		RequireSigned: args.RequireSigned,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (s *Service) addWhitelistedIdentity(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room     string `json:"room"`
		Identity string `json:"identity"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Identity == "" {
		return nil, fmt.Errorf("%w: identity is required", room.ErrBadArgument)
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	if err := coord.AddWhitelistedIdentity(args.Identity); err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (s *Service) getIdentityPolicy(raw json.RawMessage) (interface{}, error) {
	var args struct {
		Room string `json:"room"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	coord, err := s.node.DefaultRoom(args.Room)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"policy":         coord.Policy(),
		"local_identity": s.node.Identity(),
	}, nil
}
