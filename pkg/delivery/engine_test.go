package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/pkg/conversation"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/registry"
	"agentmesh/pkg/storage"
)

type testRig struct {
	registry      *registry.Registry
	conversations *conversation.Manager
	store         *storage.Store
	engine        *Engine
}

func newTestRig(t *testing.T, transport RemoteTransport) *testRig {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "delivery.db"), 10_000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(0, nil, nil)
	conv := conversation.NewManager(domain.ConversationTimeout(time.Hour), nil, nil)

	threshold, err := domain.NewCircuitBreakerThreshold(2)
	require.NoError(t, err)

	retryCfg := DefaultRetryConfig()
	retryCfg.InitialDelay = time.Millisecond
	retryCfg.MaxDelay = 5 * time.Millisecond
	retryCfg.Jitter = false

	engine := NewEngine(reg, conv, store, transport, Config{
		Retry:            retryCfg,
		BreakerThreshold: threshold,
		BreakerTimeout:   50 * time.Millisecond,
	}, nil)

	return &testRig{registry: reg, conversations: conv, store: store, engine: engine}
}

func (r *testRig) runningAgent(t *testing.T, queueSize int) *lifecycle.Agent {
	t.Helper()
	ctx := context.Background()

	id := domain.NewAgentID()
	machine := lifecycle.NewMachine(id, lifecycle.DefaultTimeouts())
	require.NoError(t, machine.Load(ctx))
	require.NoError(t, machine.Instantiate(ctx))
	require.NoError(t, machine.Start(ctx))

	size, err := domain.NewAgentQueueSize(queueSize)
	require.NoError(t, err)
	agent := lifecycle.NewAgent(id, "receiver", "v1", 1, []string{"messaging"}, machine, nil, size)
	require.NoError(t, r.registry.RegisterLocal(agent))
	return agent
}

func msgTo(receiver domain.AgentID, priority proto.Priority) *proto.FipaMessage {
	msg := proto.NewMessage(proto.PerformativeInform, domain.NewAgentID(), receiver, []byte("payload"))
	msg.Delivery.Priority = priority
	return msg
}

func deadLetterReasons(t *testing.T, store *storage.Store) map[string]int {
	t.Helper()
	letters, err := store.ListDeadLetters(0)
	require.NoError(t, err)
	reasons := make(map[string]int)
	for _, dl := range letters {
		reasons[dl.FailureReason]++
	}
	return reasons
}

func TestDeliverLocal(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 16)

	msg := msgTo(agent.ID, proto.PriorityNormal)
	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msg})

	assert.Equal(t, 1, delivered)
	got, ok := agent.Dequeue()
	require.True(t, ok)
	assert.Equal(t, msg.ID, got.ID)

	// At-most-once: a delivered message is not also dead-lettered.
	assert.Empty(t, deadLetterReasons(t, rig.store))
}

func TestPriorityOrderingWithinBatch(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 16)

	low := msgTo(agent.ID, proto.PriorityLow)
	critical := msgTo(agent.ID, proto.PriorityCritical)
	normal := msgTo(agent.ID, proto.PriorityNormal)
	high := msgTo(agent.ID, proto.PriorityHigh)

	rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{low, critical, normal, high})

	var order []proto.Priority
	for {
		msg, ok := agent.Dequeue()
		if !ok {
			break
		}
		order = append(order, msg.Delivery.Priority)
	}
	assert.Equal(t, []proto.Priority{
		proto.PriorityCritical, proto.PriorityHigh, proto.PriorityNormal, proto.PriorityLow,
	}, order)
}

func TestPerSenderOrderPreserved(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 16)

	first := msgTo(agent.ID, proto.PriorityNormal)
	first.Seq = 1
	second := msgTo(agent.ID, proto.PriorityNormal)
	second.Sender = first.Sender
	second.Seq = 2

	rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{first, second})

	got1, _ := agent.Dequeue()
	got2, _ := agent.Dequeue()
	assert.Equal(t, first.ID, got1.ID)
	assert.Equal(t, second.ID, got2.ID)
}

func TestInterleaveByReceiver(t *testing.T) {
	a := domain.NewAgentID()
	b := domain.NewAgentID()

	msgs := []*proto.FipaMessage{
		msgTo(a, proto.PriorityNormal),
		msgTo(a, proto.PriorityNormal),
		msgTo(a, proto.PriorityNormal),
		msgTo(b, proto.PriorityNormal),
	}

	out := interleaveByReceiver(msgs)
	require.Len(t, out, 4)
	// Round-robin: a, b, a, a — receiver b is not starved behind a's queue.
	assert.Equal(t, a, out[0].Receiver)
	assert.Equal(t, b, out[1].Receiver)
	assert.Equal(t, a, out[2].Receiver)
	assert.Equal(t, a, out[3].Receiver)
	// Per-receiver order is preserved.
	assert.Equal(t, msgs[0].ID, out[0].ID)
	assert.Equal(t, msgs[1].ID, out[2].ID)
}

func TestUnknownReceiverDeadLetters(t *testing.T) {
	rig := newTestRig(t, nil)

	msg := msgTo(domain.NewAgentID(), proto.PriorityNormal)
	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msg})

	assert.Equal(t, 0, delivered)
	reasons := deadLetterReasons(t, rig.store)
	assert.Equal(t, 1, reasons[ReasonAgentNotFound])

	dl, err := rig.store.GetDeadLetter(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonAgentNotFound, dl.FailureReason)
}

func TestQueueFullDeadLetters(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 1)

	// Fill the single-slot mailbox out of band.
	require.NoError(t, agent.Enqueue(msgTo(agent.ID, proto.PriorityNormal)))

	msg := msgTo(agent.ID, proto.PriorityNormal)
	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msg})

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, deadLetterReasons(t, rig.store)[ReasonQueueFull])
}

func TestDrainingAcceptsOnlyExistingConversations(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 16)

	conv := domain.NewConversationID()
	_, err := rig.conversations.GetOrCreate(conv, []domain.AgentID{domain.NewAgentID(), agent.ID}, "")
	require.NoError(t, err)

	require.NoError(t, agent.Machine.Drain(context.Background()))

	inConv := msgTo(agent.ID, proto.PriorityNormal)
	inConv.ConversationID = &conv
	fresh := msgTo(agent.ID, proto.PriorityNormal)

	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{inConv, fresh})

	assert.Equal(t, 1, delivered)
	got, ok := agent.Dequeue()
	require.True(t, ok)
	assert.Equal(t, inConv.ID, got.ID)
	assert.Equal(t, 1, deadLetterReasons(t, rig.store)[ReasonCircuitBreakerOpen])
}

func TestStoppedAgentDeadLetters(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 16)
	require.NoError(t, agent.Machine.Stop(context.Background()))

	msg := msgTo(agent.ID, proto.PriorityNormal)
	rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msg})

	assert.Equal(t, 1, deadLetterReasons(t, rig.store)[ReasonAgentNotRunning])
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	rig := newTestRig(t, nil)
	agent := rig.runningAgent(t, 1)

	// Saturate the mailbox so every delivery fails.
	require.NoError(t, agent.Enqueue(msgTo(agent.ID, proto.PriorityNormal)))

	// Threshold is 2: two QueueFull failures open the breaker.
	for i := 0; i < 2; i++ {
		rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msgTo(agent.ID, proto.PriorityNormal)})
	}
	assert.Equal(t, CircuitOpen, rig.engine.BreakerState(agent.ID))

	// While open, traffic goes straight to dead-letter.
	rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msgTo(agent.ID, proto.PriorityNormal)})
	reasons := deadLetterReasons(t, rig.store)
	assert.Equal(t, 1, reasons[ReasonCircuitBreakerOpen])
	assert.Equal(t, 2, reasons[ReasonQueueFull])

	// After the window, the probe succeeds against the drained mailbox
	// and the breaker closes.
	_, _ = agent.Dequeue()
	time.Sleep(60 * time.Millisecond)
	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msgTo(agent.ID, proto.PriorityNormal)})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, CircuitClosed, rig.engine.BreakerState(agent.ID))
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int // Fail this many calls before succeeding
	calls    int
}

func (f *fakeTransport) Send(_ context.Context, _ domain.NodeID, _ *proto.FipaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestRemoteDeliveryRetriesThenSucceeds(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	rig := newTestRig(t, transport)

	receiver := domain.NewAgentID()
	rig.registry.UpdateRemoteRoute(receiver, domain.NewNodeID(), 1)

	msg := msgTo(receiver, proto.PriorityNormal)
	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msg})

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 3, transport.calls)
	assert.Empty(t, deadLetterReasons(t, rig.store))
}

func TestRemoteDeliveryExhaustsRetries(t *testing.T) {
	transport := &fakeTransport{failures: 100}
	rig := newTestRig(t, transport)

	receiver := domain.NewAgentID()
	rig.registry.UpdateRemoteRoute(receiver, domain.NewNodeID(), 1)

	msg := msgTo(receiver, proto.PriorityNormal)
	msg.Delivery.MaxRetries = 2
	delivered := rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msg})

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 3, transport.calls, "initial attempt plus two retries")
	assert.Equal(t, 1, deadLetterReasons(t, rig.store)[ReasonTransportFailed])
}

func TestRemoteWithoutTransportDeadLetters(t *testing.T) {
	rig := newTestRig(t, nil)

	receiver := domain.NewAgentID()
	rig.registry.UpdateRemoteRoute(receiver, domain.NewNodeID(), 1)

	rig.engine.DeliverBatch(context.Background(), []*proto.FipaMessage{msgTo(receiver, proto.PriorityNormal)})
	assert.Equal(t, 1, deadLetterReasons(t, rig.store)[ReasonTransportFailed])
}
