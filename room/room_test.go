package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/internal/metrics"
	"github.com/buddies-project/buddies/model"
	"github.com/buddies-project/buddies/node"
	"github.com/buddies-project/buddies/room"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/transport"
	"github.com/buddies-project/buddies/transport/memory"
	"github.com/buddies-project/buddies/wire"
)

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func newTestNode(t *testing.T, mesh *memory.Mesh, user string) *node.Node {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sg, err := signer.New(signer.Options{Mode: signer.ModeGenerated, DataDir: t.TempDir()})
	require.NoError(t, err)

	tr, err := mesh.Join(user + "-endpoint")
	require.NoError(t, err)

	n := node.New(node.Params{
		User:      user,
		Agent:     "test",
		Transport: tr,
		Signer:    sg,
		Store:     st,
		Log:       quietLog().WithField("user", user),
		Metrics:   metrics.New(),
	})
	t.Cleanup(n.Close)
	return n
}

func joinRoom(t *testing.T, n *node.Node, name string) *room.Coordinator {
	t.Helper()
	_, err := n.JoinRoom(context.Background(), name, "")
	require.NoError(t, err)
	coord, err := n.Room(name)
	require.NoError(t, err)
	return coord
}

// rawInjector gives tests a bare topic handle for hand-crafted frames.
func rawInjector(t *testing.T, mesh *memory.Mesh, roomName string) transport.Topic {
	t.Helper()
	tr, err := mesh.Join("injector")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	topic, err := tr.Subscribe(wire.Topic(roomName))
	require.NoError(t, err)
	return topic
}

func injectFrame(t *testing.T, topic transport.Topic, env *wire.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, topic.Broadcast(context.Background(), data))
}

func unsignedFrame(t *testing.T, roomName, sender string, kind wire.Kind, payload interface{}) *wire.Envelope {
	t.Helper()
	body, err := wire.NewBody(kind, payload)
	require.NoError(t, err)
	return &wire.Envelope{
		Header: wire.Header{
			Room:         roomName,
			SenderNodeID: sender,
			SenderUser:   "mallory",
			SenderAgent:  "test",
			TS:           time.Now().UnixMilli(),
			MsgID:        "00000000-0000-0000-0000-000000000001",
		},
		Body: body,
	}
}

// Scenario 1: a stored memory replicates to room members and nobody else.
func TestMemoryReplication(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")
	charlie := newTestNode(t, mesh, "charlie")

	aliceRoom := joinRoom(t, alice, "r")
	joinRoom(t, bob, "r")
	joinRoom(t, charlie, "elsewhere")

	mem, err := aliceRoom.StoreMemory(context.Background(), model.KindDecision, "use bbolt", []string{"storage"})
	require.NoError(t, err)
	require.NotEmpty(t, mem.ID)

	require.Eventually(t, func() bool {
		got, err := bob.Store().GetMemory(mem.ID)
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond, "bob never saw the memory")

	got, err := bob.Store().GetMemory(mem.ID)
	require.NoError(t, err)
	assert.Equal(t, *mem, *got, "replicated copy must be field-identical")

	// charlie is not in "r" and observes nothing
	time.Sleep(50 * time.Millisecond)
	none, err := charlie.Store().ListMemories(store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// Scenario 2: published skills replicate signed, and votes aggregate.
func TestSkillPublishVoteReplication(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")
	charlie := newTestNode(t, mesh, "charlie")

	aliceRoom := joinRoom(t, alice, "r")
	bobRoom := joinRoom(t, bob, "r")
	joinRoom(t, charlie, "r")

	sk, err := aliceRoom.PublishSkill(context.Background(), "git bisect", "run git bisect to find regressions", []string{"git"}, "")
	require.NoError(t, err)
	require.Equal(t, alice.Identity(), sk.SignedBy)
	require.NotEmpty(t, sk.Signature)

	require.Eventually(t, func() bool {
		got, err := bob.Store().GetSkill(sk.Hash)
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bobRoom.VoteSkill(context.Background(), sk.Hash, 1))

	require.Eventually(t, func() bool {
		score, err := charlie.Store().SkillScore(sk.Hash)
		return err == nil && score >= 1
	}, 2*time.Second, 10*time.Millisecond, "charlie never saw bob's vote")
	require.Eventually(t, func() bool {
		got, err := charlie.Store().GetSkill(sk.Hash)
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond, "charlie never saw the skill")

	got, err := charlie.Store().SearchSkills("", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alice.Identity(), got[0].SignedBy)
	assert.GreaterOrEqual(t, got[0].Score, 1)
}

// Scenario 3: require_signed drops hand-crafted unsigned frames.
func TestRequireSignedDropsUnsigned(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	aliceRoom := joinRoom(t, alice, "r")

	require.NoError(t, aliceRoom.SetPolicy(model.IdentityPolicy{RequireSigned: true}))

	topic := rawInjector(t, mesh, "r")
	env := unsignedFrame(t, "r", "mallory-endpoint", wire.KindMemoryCreated, &wire.MemoryCreated{
		Memory: model.Memory{ID: "evil-id", Room: "r", Content: "injected", CreatedAt: 1},
	})
	injectFrame(t, topic, env)

	time.Sleep(100 * time.Millisecond)
	got, err := alice.Store().GetMemory("evil-id")
	require.NoError(t, err)
	assert.Nil(t, got, "unsigned frame must not change state")
}

// Whitelist: only whitelisted identities may change state.
func TestWhitelistEnforcement(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")
	charlie := newTestNode(t, mesh, "charlie")

	aliceRoom := joinRoom(t, alice, "r")
	bobRoom := joinRoom(t, bob, "r")
	charlieRoom := joinRoom(t, charlie, "r")

	// alice trusts only bob (and herself)
	require.NoError(t, aliceRoom.SetPolicy(model.IdentityPolicy{
		Whitelist: []string{alice.Identity(), bob.Identity()},
	}))

	mem, err := charlieRoom.StoreMemory(context.Background(), model.KindStatus, "from charlie", nil)
	require.NoError(t, err)
	trusted, err := bobRoom.StoreMemory(context.Background(), model.KindStatus, "from bob", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := alice.Store().GetMemory(trusted.ID)
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond, "whitelisted peer must replicate")

	got, err := alice.Store().GetMemory(mem.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "non-whitelisted peer must be dropped")
}

// Scenario 4: delegation round trip completes before the deadline.
func TestDelegateTaskRoundTrip(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")

	aliceRoom := joinRoom(t, alice, "r")
	bobRoom := joinRoom(t, bob, "r")

	done := make(chan struct{})
	go func() {
		defer close(done)
		tasks := bobRoom.PollPendingTasks(context.Background(), 2*time.Second)
		if len(tasks) != 1 || tasks[0].Description != "ping" {
			t.Errorf("unexpected pending tasks: %+v", tasks)
			return
		}
		err := bobRoom.SubmitTaskResult(context.Background(), tasks[0].TaskID, true, "pong", "")
		if err != nil {
			t.Errorf("submit failed: %v", err)
		}
	}()

	outcome, err := aliceRoom.DelegateTask(context.Background(), "ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, room.TaskCompleted, outcome.Status)
	assert.Equal(t, "pong", outcome.Output)
	<-done

	t.Run("requester never enqueues its own task", func(t *testing.T) {
		tasks := aliceRoom.PollPendingTasks(context.Background(), 0)
		assert.Empty(t, tasks)
	})
}

// Scenario 5: delegation with no peers times out; late responses are no-ops.
func TestDelegateTaskTimeout(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	aliceRoom := joinRoom(t, alice, "r")

	start := time.Now()
	outcome, err := aliceRoom.DelegateTask(context.Background(), "nobody-will-answer", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, room.TaskTimedOut, outcome.Status)
	assert.WithinDuration(t, start.Add(200*time.Millisecond), time.Now(), 150*time.Millisecond)

	// a late response for an unknown task id must be silently dropped
	topic := rawInjector(t, mesh, "r")
	env := unsignedFrame(t, "r", "late-endpoint", wire.KindTaskResponse, &wire.TaskResponse{
		TaskID: "stale-task", Success: true, Output: "too late",
	})
	injectFrame(t, topic, env)
	time.Sleep(100 * time.Millisecond)
}

// Scenario 6: identical content from two authors deduplicates; votes are
// per voter.
func TestSkillDeduplicationAcrossAuthors(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")
	charlie := newTestNode(t, mesh, "charlie")

	aliceRoom := joinRoom(t, alice, "r")
	bobRoom := joinRoom(t, bob, "r")
	joinRoom(t, charlie, "r")

	skA, err := aliceRoom.PublishSkill(context.Background(), "same title", "same body", []string{"tag"}, "")
	require.NoError(t, err)
	skB, err := bobRoom.PublishSkill(context.Background(), "same title", "same body", []string{"tag"}, "")
	require.NoError(t, err)
	require.Equal(t, skA.Hash, skB.Hash, "identical content must hash identically")

	require.Eventually(t, func() bool {
		got, err := charlie.Store().GetSkill(skA.Hash)
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, aliceRoom.VoteSkill(context.Background(), skA.Hash, 1))
	require.NoError(t, bobRoom.VoteSkill(context.Background(), skA.Hash, 1))

	require.Eventually(t, func() bool {
		score, err := charlie.Store().SkillScore(skA.Hash)
		return err == nil && score == 2
	}, 2*time.Second, 10*time.Millisecond, "two distinct voters must sum to +2")

	got, err := charlie.Store().SearchSkills("same title", 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "searching must yield one deduplicated entry")
}

func TestDistributedMemorySearch(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")

	aliceRoom := joinRoom(t, alice, "r")
	joinRoom(t, bob, "r")

	// bob has a memory alice does not: written straight into his store so
	// it never replicates
	remote := &model.Memory{ID: "remote-only-id", Author: "bob", Agent: "test", Room: "r",
		Kind: model.KindContext, Content: "remote-only fact about quasars", CreatedAt: 5}
	require.NoError(t, bob.Store().UpsertMemory(remote))
	localMem, err := aliceRoom.StoreMemory(context.Background(), model.KindContext, "local fact about quasars", nil)
	require.NoError(t, err)

	// wait for the replication path so the test is not racing the search:
	// alice drops her own loopback, so query bob's copy instead
	require.Eventually(t, func() bool {
		got, err := bob.Store().GetMemory(localMem.ID)
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond)

	results, err := aliceRoom.SearchMemories(context.Background(), "quasars", "", "", 10, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, results, 2, "local and remote results must merge")

	t.Run("dedup by id", func(t *testing.T) {
		ids := map[string]bool{}
		for _, m := range results {
			require.False(t, ids[m.ID])
			ids[m.ID] = true
		}
	})
}

func TestDistributedSkillSearch(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")

	aliceRoom := joinRoom(t, alice, "r")
	joinRoom(t, bob, "r")

	// publish on bob only by injecting directly into his store so the
	// skill never replicated to alice
	sk := &model.Skill{
		Hash: model.SkillHash("bob only", "secret sauce", nil), Title: "bob only",
		Body: "secret sauce", Author: "bob", Agent: "test", CreatedAt: 5,
	}
	require.NoError(t, bob.Store().UpsertSkill(sk))

	results, err := aliceRoom.SearchSkills(context.Background(), "bob only", 10, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sk.Hash, results[0].Hash)
}

func TestTaskWaiterIsOneShot(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")
	charlie := newTestNode(t, mesh, "charlie")

	aliceRoom := joinRoom(t, alice, "r")
	bobRoom := joinRoom(t, bob, "r")
	charlieRoom := joinRoom(t, charlie, "r")

	// both executors race to answer; the first response wins
	for _, exec := range []*room.Coordinator{bobRoom, charlieRoom} {
		go func(c *room.Coordinator) {
			tasks := c.PollPendingTasks(context.Background(), 2*time.Second)
			for _, task := range tasks {
				_ = c.SubmitTaskResult(context.Background(), task.TaskID, true, "winner "+c.Identity(), "")
			}
		}(exec)
	}

	outcome, err := aliceRoom.DelegateTask(context.Background(), "race", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, room.TaskCompleted, outcome.Status)
	require.Contains(t, outcome.Output, "winner")
}

func TestLeaveRoomCancelsWaiters(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	aliceRoom := joinRoom(t, alice, "r")

	errCh := make(chan error, 1)
	go func() {
		_, err := aliceRoom.DelegateTask(context.Background(), "will be cancelled", 10*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, alice.LeaveRoom("r"))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, room.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not cancelled by leave_room")
	}

	_, err := alice.Room("r")
	require.ErrorIs(t, err, node.ErrNotJoined)
}

func TestPresenceFromNotify(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	bob := newTestNode(t, mesh, "bob")

	aliceRoom := joinRoom(t, alice, "r")
	bobRoom := joinRoom(t, bob, "r")

	require.NoError(t, bobRoom.NotifyPeers(context.Background(), "reviewing PR 42"))

	require.Eventually(t, func() bool {
		for _, p := range aliceRoom.Peers() {
			if p.User == "bob" && p.Status == "reviewing PR 42" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinSemantics(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")

	ticket, err := alice.JoinRoom(context.Background(), "r", "")
	require.NoError(t, err)
	require.NotEmpty(t, ticket)

	t.Run("double join fails", func(t *testing.T) {
		_, err := alice.JoinRoom(context.Background(), "r", "")
		require.ErrorIs(t, err, node.ErrAlreadyJoined)
	})

	t.Run("ticket round trips through join", func(t *testing.T) {
		bob := newTestNode(t, mesh, "bob")
		_, err := bob.JoinRoom(context.Background(), "", ticket)
		require.NoError(t, err)
		assert.Equal(t, []string{"r"}, bob.ListRooms())
	})

	t.Run("mismatched room and ticket fail", func(t *testing.T) {
		charlie := newTestNode(t, mesh, "charlie")
		_, err := charlie.JoinRoom(context.Background(), "other", ticket)
		require.ErrorIs(t, err, wire.ErrInvalidTicket)
	})
}

func TestPolicySurvivesRejoin(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")

	aliceRoom := joinRoom(t, alice, "r")
	require.NoError(t, aliceRoom.SetPolicy(model.IdentityPolicy{RequireSigned: true}))
	require.NoError(t, alice.LeaveRoom("r"))

	rejoined := joinRoom(t, alice, "r")
	assert.True(t, rejoined.Policy().RequireSigned, "persisted policy must load on join")
}

func TestSkillWithBadContentSignatureIsDropped(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	joinRoom(t, alice, "r")

	sk := model.Skill{
		Hash:      model.SkillHash("forged", "skill body", nil),
		Title:     "forged",
		Body:      "skill body",
		Author:    "mallory",
		Agent:     "test",
		SignedBy:  "ssh:ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIPZVjVV2uy4Cbl3792q5X6C9rcl2zmquIBg6dnWLjMdK",
		Signature: []byte("not a real sshsig"),
		CreatedAt: 1,
	}
	topic := rawInjector(t, mesh, "r")
	injectFrame(t, topic, unsignedFrame(t, "r", "mallory-endpoint", wire.KindSkillPublished, &wire.SkillPublished{Skill: sk}))

	time.Sleep(100 * time.Millisecond)
	got, err := alice.Store().GetSkill(sk.Hash)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSkillWithWrongHashIsDropped(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	joinRoom(t, alice, "r")

	sk := model.Skill{
		Hash: "deadbeef", Title: "mismatch", Body: "content", Author: "mallory",
		Agent: "test", CreatedAt: 1,
	}
	topic := rawInjector(t, mesh, "r")
	injectFrame(t, topic, unsignedFrame(t, "r", "mallory-endpoint", wire.KindSkillPublished, &wire.SkillPublished{Skill: sk}))

	time.Sleep(100 * time.Millisecond)
	got, err := alice.Store().GetSkill("deadbeef")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVoteSkillValidation(t *testing.T) {
	mesh := memory.NewMesh()
	alice := newTestNode(t, mesh, "alice")
	aliceRoom := joinRoom(t, alice, "r")

	err := aliceRoom.VoteSkill(context.Background(), "unknown-hash", 1)
	require.ErrorIs(t, err, room.ErrUnknownSkill)

	sk, err := aliceRoom.PublishSkill(context.Background(), "s", "b", nil, "")
	require.NoError(t, err)
	err = aliceRoom.VoteSkill(context.Background(), sk.Hash, 5)
	require.ErrorIs(t, err, room.ErrBadArgument)
}
