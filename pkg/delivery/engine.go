package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agentmesh/pkg/conversation"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/registry"
	"agentmesh/pkg/storage"
)

// Dead-letter failure reasons recorded with undeliverable messages.
const (
	ReasonAgentNotFound      = "AgentNotFound"
	ReasonQueueFull          = "QueueFull"
	ReasonCircuitBreakerOpen = "CircuitBreakerOpen"
	ReasonAgentNotRunning    = "AgentNotRunning"
	ReasonTransportFailed    = "TransportFailed"
)

// Config tunes the delivery engine.
type Config struct {
	Retry             RetryConfig
	BreakerThreshold  domain.CircuitBreakerThreshold
	BreakerTimeout    time.Duration
	MaxRemoteInFlight int
}

// Engine dispatches each message of a batch to a local mailbox or the
// remote transport, guaranteeing at-most-once semantics: a message is
// enqueued once, or retried, or dead-lettered with a reason — never
// silently duplicated and never lost without trace.
type Engine struct {
	registry      *registry.Registry
	conversations *conversation.Manager
	store         *storage.Store
	transport     RemoteTransport
	cfg           Config

	breakersMu sync.Mutex
	breakers   map[domain.AgentID]*Breaker

	logger   *logx.Logger
	recorder metrics.Recorder
}

// NewEngine wires the delivery engine. transport may be nil on
// single-node deployments; remote receivers then dead-letter.
func NewEngine(reg *registry.Registry, conv *conversation.Manager, store *storage.Store,
	transport RemoteTransport, cfg Config, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if cfg.MaxRemoteInFlight <= 0 {
		cfg.MaxRemoteInFlight = 16
	}
	return &Engine{
		registry:      reg,
		conversations: conv,
		store:         store,
		transport:     transport,
		cfg:           cfg,
		breakers:      make(map[domain.AgentID]*Breaker),
		logger:        logx.NewLogger("delivery"),
		recorder:      recorder,
	}
}

// DeliverBatch processes one batch: partitions by priority, preserves
// per-sender submission order, round-robins across receivers within each
// priority so a busy mailbox cannot starve the rest, and dispatches.
// Returns the number of successful deliveries.
func (e *Engine) DeliverBatch(ctx context.Context, batch []*proto.FipaMessage) int {
	if len(batch) == 0 {
		return 0
	}

	// Stable sort: Critical → High → Normal → Low; equal priorities keep
	// their router-assigned sequence, which preserves per-sender order.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Delivery.Priority > batch[j].Delivery.Priority
	})

	delivered := 0
	var remoteGroup *errgroup.Group
	var remoteDelivered atomic.Int64

	for start := 0; start < len(batch); {
		// One priority class at a time.
		end := start
		priority := batch[start].Delivery.Priority
		for end < len(batch) && batch[end].Delivery.Priority == priority {
			end++
		}

		for _, msg := range interleaveByReceiver(batch[start:end]) {
			loc := e.registry.Lookup(msg.Receiver)
			if loc.Kind == registry.LocationRemote {
				if remoteGroup == nil {
					remoteGroup = &errgroup.Group{}
					remoteGroup.SetLimit(e.cfg.MaxRemoteInFlight)
				}
				m := msg
				node := loc.Node
				remoteGroup.Go(func() error {
					if e.deliverRemote(ctx, m, node) {
						remoteDelivered.Add(1)
					}
					return nil
				})
				continue
			}
			if e.deliverLocal(msg, loc) {
				delivered++
			}
		}
		start = end
	}

	if remoteGroup != nil {
		_ = remoteGroup.Wait()
		delivered += int(remoteDelivered.Load())
	}
	return delivered
}

// interleaveByReceiver round-robins messages across receiver queues,
// keeping each receiver's messages in their original order.
func interleaveByReceiver(msgs []*proto.FipaMessage) []*proto.FipaMessage {
	if len(msgs) <= 1 {
		return msgs
	}

	queues := make(map[domain.AgentID][]*proto.FipaMessage)
	var order []domain.AgentID
	for _, m := range msgs {
		if _, seen := queues[m.Receiver]; !seen {
			order = append(order, m.Receiver)
		}
		queues[m.Receiver] = append(queues[m.Receiver], m)
	}
	if len(order) == 1 {
		return msgs
	}

	out := make([]*proto.FipaMessage, 0, len(msgs))
	for len(out) < len(msgs) {
		for _, id := range order {
			if q := queues[id]; len(q) > 0 {
				out = append(out, q[0])
				queues[id] = q[1:]
			}
		}
	}
	return out
}

// deliverLocal enqueues into a local mailbox, honoring the receiver's
// lifecycle state and circuit breaker. Draining agents accept only
// messages that are part of an existing conversation; a message without a
// conversation id is new work and is rejected.
func (e *Engine) deliverLocal(msg *proto.FipaMessage, loc registry.Location) bool {
	if loc.Kind == registry.LocationUnknown || loc.Agent == nil {
		e.deadLetter(msg, ReasonAgentNotFound)
		return false
	}

	breaker := e.breakerFor(msg.Receiver)
	if !breaker.Allow() {
		e.deadLetter(msg, ReasonCircuitBreakerOpen)
		return false
	}

	agent := loc.Agent
	switch agent.Machine.CurrentState() {
	case proto.StateRunning:
		// Fall through to enqueue.
	case proto.StateDraining:
		if !e.partOfExistingConversation(msg) {
			breaker.RecordSuccess() // Drain rejection is not a receiver fault
			e.deadLetter(msg, ReasonCircuitBreakerOpen)
			return false
		}
	default:
		e.deadLetter(msg, ReasonAgentNotRunning)
		return false
	}

	if err := agent.Enqueue(msg); err != nil {
		breaker.RecordFailure()
		if errors.Is(err, domain.ErrQueueFull) {
			e.deadLetter(msg, ReasonQueueFull)
		} else {
			e.deadLetter(msg, err.Error())
		}
		return false
	}

	breaker.RecordSuccess()
	return true
}

// deliverRemote pushes through the transport with the message's retry
// budget; exhaustion dead-letters.
func (e *Engine) deliverRemote(ctx context.Context, msg *proto.FipaMessage, node domain.NodeID) bool {
	if e.transport == nil {
		e.deadLetter(msg, ReasonTransportFailed)
		return false
	}

	breaker := e.breakerFor(msg.Receiver)
	if !breaker.Allow() {
		e.deadLetter(msg, ReasonCircuitBreakerOpen)
		return false
	}

	cfg := e.cfg.Retry
	if msg.Delivery.MaxRetries > 0 {
		cfg.MaxRetries = msg.Delivery.MaxRetries
	}

	sendCtx := ctx
	if msg.Delivery.Timeout != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, *msg.Delivery.Timeout)
		defer cancel()
	}

	if err := sendWithRetry(sendCtx, e.transport, node, msg, cfg); err != nil {
		breaker.RecordFailure()
		e.logger.Warn("remote delivery of %s to node %s failed: %v", msg.ID, node, err)
		e.deadLetter(msg, ReasonTransportFailed)
		return false
	}
	breaker.RecordSuccess()
	return true
}

// partOfExistingConversation reports whether the message continues a
// conversation the manager already tracks.
func (e *Engine) partOfExistingConversation(msg *proto.FipaMessage) bool {
	if msg.ConversationID == nil {
		return false
	}
	_, err := e.conversations.Get(*msg.ConversationID)
	return err == nil
}

// deadLetter persists an undeliverable message with its failure reason.
func (e *Engine) deadLetter(msg *proto.FipaMessage, reason string) {
	e.recorder.DeadLettered(reason)
	e.logger.Debug("dead-lettering %s → %s: %s", msg.ID, msg.Receiver, reason)

	if e.store == nil {
		return
	}
	stored := &storage.StoredMessage{
		MessageID:      msg.ID,
		Sender:         msg.Sender,
		Receiver:       msg.Receiver,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Performative:   string(msg.Performative),
		CreatedAt:      msg.CreatedAt,
	}
	if err := e.store.StoreDeadLetter(stored, reason); err != nil {
		e.logger.Error("failed to persist dead letter %s: %v", msg.ID, err)
	}
}

// breakerFor returns the receiver's breaker, creating it on first use.
func (e *Engine) breakerFor(id domain.AgentID) *Breaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	b, ok := e.breakers[id]
	if !ok {
		b = NewBreaker(e.cfg.BreakerThreshold, e.cfg.BreakerTimeout)
		e.breakers[id] = b
	}
	return b
}

// BreakerState exposes a receiver's breaker state for stats.
func (e *Engine) BreakerState(id domain.AgentID) CircuitState {
	return e.breakerFor(id).State()
}

// ForgetBreaker drops breaker state when an agent deregisters.
func (e *Engine) ForgetBreaker(id domain.AgentID) {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	delete(e.breakers, id)
}
