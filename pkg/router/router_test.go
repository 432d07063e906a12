package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/pkg/config"
	"agentmesh/pkg/conversation"
	"agentmesh/pkg/delivery"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/resources"
	"agentmesh/pkg/storage"

	registrypkg "agentmesh/pkg/registry"
)

type routerRig struct {
	router        *Router
	registry      *registrypkg.Registry
	conversations *conversation.Manager
	store         *storage.Store
}

func newRouterRig(t *testing.T) *routerRig {
	t.Helper()

	cfg := config.Default()
	cfg.Router.BatchTick = config.Duration(5 * time.Millisecond)
	cfg.Router.WorkerThreads = 2
	cfg.Router.HealthCheckInterval = config.Duration(50 * time.Millisecond)

	store, err := storage.Open(filepath.Join(t.TempDir(), "router.db"), cfg.Router.DeadLetterQueueSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registrypkg.New(0, nil, nil)
	convTimeout, err := domain.NewConversationTimeout(cfg.Router.ConversationTimeout.Duration())
	require.NoError(t, err)
	conversations := conversation.NewManager(convTimeout, store, nil)
	accountant := resources.NewAccountant(&cfg.Resources, nil)

	threshold, err := domain.NewCircuitBreakerThreshold(cfg.Router.CircuitBreakerThreshold)
	require.NoError(t, err)
	engine := delivery.NewEngine(reg, conversations, store, nil, delivery.Config{
		Retry:            delivery.DefaultRetryConfig(),
		BreakerThreshold: threshold,
		BreakerTimeout:   cfg.Router.CircuitBreakerTimeout.Duration(),
	}, nil)

	rt := New(&cfg.Router, reg, conversations, engine, accountant, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = rt.Shutdown(shutdownCtx)
		cancel()
	})

	return &routerRig{router: rt, registry: reg, conversations: conversations, store: store}
}

func (r *routerRig) runningAgent(t *testing.T, name string, capabilities ...string) *lifecycle.Agent {
	t.Helper()
	ctx := context.Background()

	id := domain.NewAgentID()
	machine := lifecycle.NewMachine(id, lifecycle.DefaultTimeouts())
	require.NoError(t, machine.Load(ctx))
	require.NoError(t, machine.Instantiate(ctx))
	require.NoError(t, machine.Start(ctx))

	size, err := domain.NewAgentQueueSize(64)
	require.NoError(t, err)
	agent := lifecycle.NewAgent(id, name, "v1", 1, capabilities, machine, nil, size)
	require.NoError(t, r.router.RegisterAgent(agent))
	return agent
}

func awaitMessage(t *testing.T, agent *lifecycle.Agent) *proto.FipaMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := agent.Dequeue(); ok {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("message was not delivered in time")
	return nil
}

// TestHappyPathRoundTrip seeds the canonical flow: A sends a Request to B
// in conversation K1, B replies Inform in the same conversation.
func TestHappyPathRoundTrip(t *testing.T) {
	rig := newRouterRig(t)

	a := rig.runningAgent(t, "agent-a", "x")
	b := rig.runningAgent(t, "agent-b", "x")

	k1 := domain.NewConversationID()
	r1 := domain.NewMessageID()

	ping := proto.NewMessage(proto.PerformativeRequest, a.ID, b.ID, []byte("ping"))
	ping.ConversationID = &k1
	ping.ReplyWith = &r1

	id1, err := rig.router.RouteMessage(ping)
	require.NoError(t, err)
	assert.Equal(t, ping.ID, id1)

	received := awaitMessage(t, b)
	assert.Equal(t, ping.ID, received.ID)

	pong := received.Reply(proto.PerformativeInform, []byte("pong"))
	id2, err := rig.router.RouteMessage(pong)
	require.NoError(t, err)

	replied := awaitMessage(t, a)
	assert.Equal(t, id2, replied.ID)
	require.NotNil(t, replied.InReplyTo)
	assert.Equal(t, r1, *replied.InReplyTo)

	stats := rig.router.GetStats()
	assert.GreaterOrEqual(t, stats.MessagesRouted, uint64(2))
	assert.Equal(t, uint64(0), stats.RoutingErrors)
	assert.Equal(t, 2, stats.ActiveAgents)

	conv, err := rig.conversations.Get(k1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), conv.MessageCount())

	// Both messages are fetchable by message id.
	for _, id := range []domain.MessageID{id1, id2} {
		stored, err := rig.store.GetMessage(id)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.Content)
	}
}

// TestDeadLetterOnUnknownReceiver verifies the synchronous AgentNotFound
// path: error returned, stats incremented, message dead-lettered.
func TestDeadLetterOnUnknownReceiver(t *testing.T) {
	rig := newRouterRig(t)
	sender := rig.runningAgent(t, "sender")

	msg := proto.NewMessage(proto.PerformativeInform, sender.ID, domain.NewAgentID(), []byte("void"))
	_, err := rig.router.RouteMessage(msg)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stats := rig.router.GetStats()
	assert.Equal(t, uint64(1), stats.RoutingErrors)

	dl, err := rig.store.GetDeadLetter(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.ReasonAgentNotFound, dl.FailureReason)
}

func TestRouteMessageValidation(t *testing.T) {
	rig := newRouterRig(t)
	agent := rig.runningAgent(t, "receiver")

	t.Run("sender equals receiver", func(t *testing.T) {
		msg := proto.NewMessage(proto.PerformativeInform, agent.ID, agent.ID, []byte("x"))
		_, err := rig.router.RouteMessage(msg)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("empty content", func(t *testing.T) {
		msg := proto.NewMessage(proto.PerformativeInform, domain.NewAgentID(), agent.ID, nil)
		_, err := rig.router.RouteMessage(msg)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("query without reply-with", func(t *testing.T) {
		msg := proto.NewMessage(proto.PerformativeQueryIf, domain.NewAgentID(), agent.ID, []byte("?"))
		_, err := rig.router.RouteMessage(msg)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestUpdateAgentState(t *testing.T) {
	rig := newRouterRig(t)
	agent := rig.runningAgent(t, "stateful")
	ctx := context.Background()

	require.NoError(t, rig.router.UpdateAgentState(ctx, agent.ID, proto.StateDraining, ""))
	assert.Equal(t, proto.StateDraining, agent.Machine.CurrentState())

	require.NoError(t, rig.router.UpdateAgentState(ctx, agent.ID, proto.StateStopped, ""))
	assert.Equal(t, proto.StateStopped, agent.Machine.CurrentState())

	err := rig.router.UpdateAgentState(ctx, domain.NewAgentID(), proto.StateDraining, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeregisterAgent(t *testing.T) {
	rig := newRouterRig(t)
	agent := rig.runningAgent(t, "leaver")

	require.NoError(t, rig.router.DeregisterAgent(agent.ID))
	assert.Equal(t, registrypkg.LocationUnknown, rig.registry.Lookup(agent.ID).Kind)

	err := rig.router.DeregisterAgent(agent.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHealthCheck(t *testing.T) {
	rig := newRouterRig(t)

	// Give the workers one beat.
	time.Sleep(20 * time.Millisecond)
	health := rig.router.HealthCheck()
	assert.Equal(t, Healthy, health.Status)
	assert.Empty(t, health.Reasons)
}

func TestStatsQueueDepths(t *testing.T) {
	rig := newRouterRig(t)
	agent := rig.runningAgent(t, "depth")

	stats := rig.router.GetStats()
	depth, ok := stats.AgentQueueDepths[agent.ID.String()]
	require.True(t, ok)
	assert.Equal(t, 0, depth)
	assert.Equal(t, 1, stats.ActiveAgents)
}
