package sandbox

import (
	"context"
	"sync"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
)

// PoolKey identifies a pool slot: same module bytes, same agent type.
type PoolKey struct {
	ModuleVersion domain.AgentVersion
	AgentType     string
}

// PoolStats reports pool effectiveness for observability.
type PoolStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Evicted uint64 `json:"evicted"`
	Size    int    `json:"size"`
}

// Factory constructs a new sandbox when the pool misses.
type Factory func(ctx context.Context) (*WasmSandbox, error)

// Pool keeps pre-warmed sandboxes for reuse, keyed by module+agent-type.
// Acquire never blocks: a miss constructs a new sandbox synchronously.
type Pool struct {
	perKey int
	total  int

	mu      sync.Mutex
	slots   map[PoolKey][]*WasmSandbox
	size    int
	hits    uint64
	misses  uint64
	evicted uint64

	logger   *logx.Logger
	recorder metrics.Recorder
}

// NewPool creates a pool with the given per-key and global caps.
func NewPool(perKey, total int, recorder metrics.Recorder) *Pool {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Pool{
		perKey:   perKey,
		total:    total,
		slots:    make(map[PoolKey][]*WasmSandbox),
		logger:   logx.NewLogger("pool"),
		recorder: recorder,
	}
}

// Acquire returns a warmed sandbox for the key, reset for its next run, or
// constructs a fresh one via factory when the slot is empty.
func (p *Pool) Acquire(ctx context.Context, key PoolKey, factory Factory) (*WasmSandbox, error) {
	p.mu.Lock()
	slot := p.slots[key]
	var sb *WasmSandbox
	if len(slot) > 0 {
		sb = slot[len(slot)-1]
		p.slots[key] = slot[:len(slot)-1]
		p.size--
		p.hits++
	} else {
		p.misses++
	}
	p.mu.Unlock()

	if sb != nil {
		p.recorder.PoolAcquire(true)
		if err := sb.Reset(ctx); err != nil {
			// A sandbox that cannot reset is not safe to reuse.
			p.logger.Warn("pooled sandbox reset failed, constructing fresh: %v", err)
			_, _ = sb.Shutdown(ctx)
			return factory(ctx)
		}
		return sb, nil
	}

	p.recorder.PoolAcquire(false)
	return factory(ctx)
}

// Release returns a sandbox for reuse. When the key's slot or the global
// cap is full the sandbox is shut down instead.
func (p *Pool) Release(ctx context.Context, key PoolKey, sb *WasmSandbox) {
	p.mu.Lock()
	if len(p.slots[key]) < p.perKey && p.size < p.total {
		p.slots[key] = append(p.slots[key], sb)
		p.size++
		p.mu.Unlock()
		return
	}
	p.evicted++
	p.mu.Unlock()

	_, _ = sb.Shutdown(ctx)
	p.logger.Debug("pool full for %s/%s, dropped sandbox", key.ModuleVersion, key.AgentType)
}

// Stats returns hit/miss/eviction counters and current size.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Hits: p.hits, Misses: p.misses, Evicted: p.evicted, Size: p.size}
}

// Close shuts down every pooled sandbox.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[PoolKey][]*WasmSandbox)
	p.size = 0
	p.mu.Unlock()

	for _, slot := range slots {
		for _, sb := range slot {
			_, _ = sb.Shutdown(ctx)
		}
	}
}
