// Package router provides the message-routing coordinator: it validates
// inbound messages, resolves receivers, tracks conversations, and feeds
// the delivery engine from a bounded inbound queue processed by a pool of
// batch workers.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentmesh/pkg/config"
	"agentmesh/pkg/conversation"
	"agentmesh/pkg/delivery"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/registry"
	"agentmesh/pkg/resources"
	"agentmesh/pkg/storage"
)

// Router coordinates message passing between agents.
type Router struct {
	cfg           *config.RouterConfig
	registry      *registry.Registry
	conversations *conversation.Manager
	engine        *delivery.Engine
	accountant    *resources.Accountant
	store         *storage.Store

	inbound  chan *proto.FipaMessage
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool

	seq        atomic.Uint64
	routed     atomic.Uint64
	errors     atomic.Uint64
	latencySum atomic.Int64 // Nanoseconds, paired with routed for the average

	// workerBeats[i] is worker i's last heartbeat, unix nanos.
	workerBeats []atomic.Int64

	logger   *logx.Logger
	recorder metrics.Recorder
}

// New wires a router around its collaborators.
func New(cfg *config.RouterConfig, reg *registry.Registry, conv *conversation.Manager,
	engine *delivery.Engine, accountant *resources.Accountant, store *storage.Store,
	recorder metrics.Recorder) *Router {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	r := &Router{
		cfg:           cfg,
		registry:      reg,
		conversations: conv,
		engine:        engine,
		accountant:    accountant,
		store:         store,
		inbound:       make(chan *proto.FipaMessage, cfg.InboundCapacity),
		shutdown:      make(chan struct{}),
		workerBeats:   make([]atomic.Int64, cfg.WorkerThreads),
		logger:        logx.NewLogger("router"),
		recorder:      recorder,
	}
	return r
}

// Start launches the batch workers and background sweepers.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("%w: router is already running", domain.ErrPreconditionFailed)
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("starting router: %d workers, batch %d every %v",
		r.cfg.WorkerThreads, r.cfg.BatchSize, r.cfg.BatchTick)

	now := time.Now().UnixNano()
	for i := 0; i < r.cfg.WorkerThreads; i++ {
		r.workerBeats[i].Store(now)
		r.wg.Add(1)
		go r.batchWorker(ctx, i)
	}

	r.wg.Add(1)
	go r.sweeper(ctx)

	return nil
}

// Shutdown stops workers and waits for them, bounded by ctx.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info("stopping router")
	close(r.shutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router stopped")
		return nil
	case <-ctx.Done():
		return logx.Wrap(ctx.Err(), "router shutdown timed out")
	}
}

// RegisterAgent adds a local agent to the registry.
func (r *Router) RegisterAgent(agent *lifecycle.Agent) error {
	return r.registry.RegisterLocal(agent)
}

// DeregisterAgent removes a local agent and its breaker state. The
// registry entry drops first; the agent's owner then tears down the
// sandbox, so no reference cycle survives.
func (r *Router) DeregisterAgent(id domain.AgentID) error {
	if err := r.registry.DeregisterLocal(id); err != nil {
		return err
	}
	r.engine.ForgetBreaker(id)
	return nil
}

// UpdateAgentState drives the agent's lifecycle machine to the target state.
func (r *Router) UpdateAgentState(ctx context.Context, id domain.AgentID, target proto.State, reason string) error {
	loc := r.registry.Lookup(id)
	if loc.Kind != registry.LocationLocal || loc.Agent == nil {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}

	machine := loc.Agent.Machine
	switch target {
	case proto.StateRunning:
		return machine.Start(ctx)
	case proto.StateDraining:
		return machine.Drain(ctx)
	case proto.StateStopped:
		return machine.Stop(ctx)
	case proto.StateFailed:
		return machine.Fail(reason)
	default:
		return machine.TransitionTo(ctx, target, reason)
	}
}

// RouteMessage validates, resolves, and enqueues a message for delivery.
// Returns the message id on successful enqueue.
func (r *Router) RouteMessage(msg *proto.FipaMessage) (domain.MessageID, error) {
	start := time.Now()

	if err := msg.Validate(); err != nil {
		r.recordError("validation")
		return domain.MessageID{}, err
	}
	if err := r.accountant.CheckMessageSize(uint64(len(msg.Content))); err != nil {
		r.recordError("size")
		return domain.MessageID{}, err
	}

	loc := r.registry.Lookup(msg.Receiver)
	if loc.Kind == registry.LocationUnknown {
		r.recordError("not_found")
		r.deadLetterUnknown(msg)
		return domain.MessageID{}, fmt.Errorf("%w: agent %s", domain.ErrNotFound, msg.Receiver)
	}

	// A message carrying a conversation id joins it, lazily creating the
	// record with the sender+receiver pair.
	if msg.ConversationID != nil {
		_, err := r.conversations.GetOrCreate(*msg.ConversationID,
			[]domain.AgentID{msg.Sender, msg.Receiver}, msg.Protocol)
		if err != nil {
			r.recordError("conversation")
			return domain.MessageID{}, err
		}
		if err := r.conversations.Update(*msg.ConversationID); err != nil {
			r.recordError("conversation")
			return domain.MessageID{}, err
		}
	}

	msg.Seq = r.seq.Add(1)

	if err := r.persistInFlight(msg); err != nil {
		r.logger.Warn("failed to persist message %s: %v", msg.ID, err)
	}

	select {
	case r.inbound <- msg:
	default:
		r.recordError("queue_full")
		return domain.MessageID{}, fmt.Errorf("%w: router inbound channel full (%d)",
			domain.ErrQueueFull, cap(r.inbound))
	}

	latency := time.Since(start)
	r.routed.Add(1)
	r.latencySum.Add(int64(latency))
	r.accountant.CountMessage(msg.Sender)
	r.recorder.MessageRouted(msg.Delivery.Priority.String(), latency)
	r.recorder.SetQueueDepth(len(r.inbound))
	return msg.ID, nil
}

// persistInFlight stores the message durably with its TTL.
func (r *Router) persistInFlight(msg *proto.FipaMessage) error {
	if r.store == nil {
		return nil
	}
	timeout := r.cfg.MessageTimeout.Duration()
	if msg.Delivery.Timeout != nil {
		timeout = *msg.Delivery.Timeout
	}
	expires := msg.CreatedAt.Add(timeout * 10) // Keep well past the delivery window
	return r.store.StoreMessage(&storage.StoredMessage{
		MessageID:      msg.ID,
		Sender:         msg.Sender,
		Receiver:       msg.Receiver,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Performative:   string(msg.Performative),
		CreatedAt:      msg.CreatedAt,
		ExpiresAt:      &expires,
	})
}

// deadLetterUnknown records an unroutable message in the dead-letter queue.
func (r *Router) deadLetterUnknown(msg *proto.FipaMessage) {
	if r.store == nil {
		return
	}
	r.recorder.DeadLettered(delivery.ReasonAgentNotFound)
	err := r.store.StoreDeadLetter(&storage.StoredMessage{
		MessageID:      msg.ID,
		Sender:         msg.Sender,
		Receiver:       msg.Receiver,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Performative:   string(msg.Performative),
		CreatedAt:      msg.CreatedAt,
	}, delivery.ReasonAgentNotFound)
	if err != nil {
		r.logger.Error("failed to dead-letter %s: %v", msg.ID, err)
	}
}

func (r *Router) recordError(kind string) {
	r.errors.Add(1)
	r.recorder.RoutingError(kind)
}

// batchWorker drains the inbound channel on every tick (or sooner when a
// full batch is already waiting) and hands the batch to the delivery engine.
func (r *Router) batchWorker(ctx context.Context, index int) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.BatchTick.Duration())
	defer ticker.Stop()

	for {
		r.workerBeats[index].Store(time.Now().UnixNano())

		select {
		case <-ctx.Done():
			r.logger.Debug("batch worker %d stopped by context", index)
			return
		case <-r.shutdown:
			r.logger.Debug("batch worker %d stopped by shutdown", index)
			return
		case <-ticker.C:
			for {
				batch := r.drainBatch()
				if len(batch) == 0 {
					break
				}
				r.engine.DeliverBatch(ctx, batch)
				r.recorder.SetQueueDepth(len(r.inbound))
				if len(batch) < r.cfg.BatchSize {
					break // Channel is drained; wait for the next tick
				}
				r.workerBeats[index].Store(time.Now().UnixNano())
			}
		}
	}
}

// drainBatch pulls up to BatchSize pending messages without blocking.
func (r *Router) drainBatch() []*proto.FipaMessage {
	var batch []*proto.FipaMessage
	for len(batch) < r.cfg.BatchSize {
		select {
		case msg := <-r.inbound:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// sweeper expires conversations, remote routes, and stored messages in
// the background.
func (r *Router) sweeper(ctx context.Context) {
	defer r.wg.Done()

	interval := r.cfg.HealthCheckInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			if n := r.conversations.CleanupExpired(); n > 0 {
				r.logger.Debug("expired %d conversations", n)
			}
			r.registry.CleanupExpiredRoutes()
			if r.store != nil {
				if _, err := r.store.Cleanup(time.Now().UTC()); err != nil {
					r.logger.Warn("message store cleanup failed: %v", err)
				}
			}
		}
	}
}
