package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/internal/metrics"
	"github.com/buddies-project/buddies/node"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/transport/memory"
	"github.com/buddies-project/buddies/wire"
)

func newTestService(t *testing.T, mesh *memory.Mesh, user string) *Service {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sg, err := signer.New(signer.Options{Mode: signer.ModeGenerated, DataDir: t.TempDir()})
	require.NoError(t, err)
	tr, err := mesh.Join(user + "-endpoint")
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	n := node.New(node.Params{
		User: user, Agent: "test", Transport: tr, Signer: sg, Store: st,
		Log: logrus.NewEntry(log), Metrics: metrics.New(),
	})
	t.Cleanup(n.Close)
	return NewService(n, logrus.NewEntry(log))
}

func call(t *testing.T, s *Service, op string, args interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := s.Dispatch(context.Background(), op, raw)
	require.NoError(t, err)
	// normalize through JSON the way a frontend would
	data, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func callErr(t *testing.T, s *Service, op string, args interface{}) *Error {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	_, err = s.Dispatch(context.Background(), op, raw)
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	return e
}

func TestDispatchLifecycle(t *testing.T) {
	mesh := memory.NewMesh()
	s := newTestService(t, mesh, "alice")

	t.Run("ops before joining fail with not_joined", func(t *testing.T) {
		e := callErr(t, s, "store_memory", map[string]interface{}{"content": "x"})
		assert.Equal(t, KindNotJoined, e.Kind)
	})

	res := call(t, s, "join_room", map[string]string{"room": "r"})
	require.NotEmpty(t, res["ticket"])

	t.Run("double join maps to already_joined", func(t *testing.T) {
		e := callErr(t, s, "join_room", map[string]string{"room": "r"})
		assert.Equal(t, KindAlreadyJoined, e.Kind)
	})

	t.Run("store and list memories", func(t *testing.T) {
		res := call(t, s, "store_memory", map[string]interface{}{
			"kind": "decision", "content": "adopt cbor", "tags": []string{"wire"},
		})
		rec := res["memory"].(map[string]interface{})
		assert.Equal(t, "adopt cbor", rec["content"])
		assert.Equal(t, "decision", rec["kind"])

		listed := call(t, s, "list_memories", map[string]interface{}{"room": "r"})
		require.Len(t, listed["memories"], 1)
	})

	t.Run("room status", func(t *testing.T) {
		res := call(t, s, "get_room_status", map[string]string{"room": "r"})
		assert.Equal(t, "r", res["room"])
		assert.NotEmpty(t, res["node_id"])
	})

	t.Run("identity policy round trip", func(t *testing.T) {
		call(t, s, "set_identity_policy", map[string]interface{}{
			"room": "r", "identities": []string{"ssh:somekey"}, "require_signed": true,
		})
		res := call(t, s, "get_identity_policy", map[string]string{"room": "r"})
		policy := res["policy"].(map[string]interface{})
		assert.Equal(t, true, policy["require_signed"])
		assert.NotEmpty(t, res["local_identity"])

		call(t, s, "add_whitelisted_identity", map[string]string{"room": "r", "identity": "ssh:other"})
		res = call(t, s, "get_identity_policy", map[string]string{"room": "r"})
		policy = res["policy"].(map[string]interface{})
		require.Len(t, policy["identities"], 2)
	})

	t.Run("leave room", func(t *testing.T) {
		call(t, s, "leave_room", map[string]string{"room": "r"})
		assert.Empty(t, call(t, s, "list_rooms", nil)["rooms"])
	})
}

func TestDispatchSkills(t *testing.T) {
	mesh := memory.NewMesh()
	s := newTestService(t, mesh, "alice")
	call(t, s, "join_room", map[string]string{"room": "r"})

	res := call(t, s, "publish_skill", map[string]interface{}{
		"title": "tmux copy mode", "body": "prefix-[ enters copy mode", "tags": []string{"tmux"},
	})
	sk := res["skill"].(map[string]interface{})
	hash := sk["hash"].(string)
	require.NotEmpty(t, hash)
	require.NotEmpty(t, sk["signed_by"])

	t.Run("vote and score", func(t *testing.T) {
		call(t, s, "vote_skill", map[string]interface{}{"hash": hash, "value": 1})
		got := call(t, s, "get_skill", map[string]string{"hash": hash})
		skill := got["skill"].(map[string]interface{})
		assert.Equal(t, float64(1), skill["score"])
	})

	t.Run("bad vote value maps to bad_argument", func(t *testing.T) {
		e := callErr(t, s, "vote_skill", map[string]interface{}{"hash": hash, "value": 3})
		assert.Equal(t, KindBadArgument, e.Kind)
	})

	t.Run("vote on unknown hash maps to unknown_skill", func(t *testing.T) {
		e := callErr(t, s, "vote_skill", map[string]interface{}{"hash": "ffff", "value": 1})
		assert.Equal(t, KindUnknownSkill, e.Kind)
	})

	t.Run("search_skills finds it", func(t *testing.T) {
		got := call(t, s, "search_skills", map[string]interface{}{
			"query": "tmux", "deadline_ms": 50,
		})
		require.Len(t, got["skills"], 1)
	})
}

func TestDispatchErrors(t *testing.T) {
	mesh := memory.NewMesh()
	s := newTestService(t, mesh, "alice")

	t.Run("unknown op", func(t *testing.T) {
		e := callErr(t, s, "no_such_op", nil)
		assert.Equal(t, KindUnknownOp, e.Kind)
	})

	t.Run("malformed args", func(t *testing.T) {
		_, err := s.Dispatch(context.Background(), "join_room", json.RawMessage(`{"room": 7}`))
		require.Error(t, err)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindBadArgument, e.Kind)
	})

	t.Run("invalid ticket", func(t *testing.T) {
		e := callErr(t, s, "join_room", map[string]string{"ticket": "not-a-ticket"})
		assert.Equal(t, KindInvalidTicket, e.Kind)
	})

	t.Run("delegate without peers times out cleanly", func(t *testing.T) {
		call(t, s, "join_room", map[string]string{"room": "r"})
		res := call(t, s, "delegate_task", map[string]interface{}{
			"room": "r", "description": "anyone?", "deadline_ms": 100,
		})
		assert.Equal(t, "timeout", res["status"])
	})
}

func TestDispatchTaskFlow(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestService(t, mesh, "alice")
	bob := newTestService(t, mesh, "bob")
	call(t, alice, "join_room", map[string]string{"room": "r"})
	call(t, bob, "join_room", map[string]string{"room": "r"})

	go func() {
		raw, _ := json.Marshal(map[string]interface{}{"room": "r", "max_wait_ms": 2000})
		res, err := bob.Dispatch(context.Background(), "poll_pending_tasks", raw)
		if err != nil {
			return
		}
		tasks := res.(map[string]interface{})["tasks"].([]wire.TaskRequest)
		for _, task := range tasks {
			raw, _ := json.Marshal(map[string]interface{}{"task_id": task.TaskID, "success": true, "output": "pong"})
			_, _ = bob.Dispatch(context.Background(), "submit_task_result", raw)
		}
	}()

	res := call(t, alice, "delegate_task", map[string]interface{}{
		"room": "r", "description": "ping", "deadline_ms": 2000,
	})
	assert.Equal(t, "completed", res["status"])
	assert.Equal(t, "pong", res["output"])
}
