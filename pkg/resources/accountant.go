// Package resources provides per-agent and global memory/fuel accounting
// with limit enforcement.
package resources

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentmesh/pkg/config"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
)

// Accountant tracks memory, fuel, and message tallies for every agent and
// enforces the configured per-agent and global limits.
type Accountant struct {
	agents   map[domain.AgentID]*agentRecord
	mu       sync.RWMutex
	logger   *logx.Logger
	recorder metrics.Recorder

	maxMemoryPerAgent uint64
	maxMemoryTotal    uint64
	maxFuelPerAgent   uint64
	maxMessageSize    uint64

	// Global tallies. Updated with atomics so readers never take the map lock.
	globalMemory atomic.Uint64
	globalFuel   atomic.Uint64
}

// agentRecord holds one agent's tallies. The record is owned by its map
// entry and guarded by its own mutex so agents contend only with themselves.
type agentRecord struct {
	mu           sync.Mutex
	memoryBytes  uint64
	fuelConsumed uint64
	messageCount uint64
	lastUpdated  time.Time
}

// Usage is a point-in-time snapshot of one agent's tallies.
type Usage struct {
	MemoryBytes  uint64    `json:"memory_bytes"`
	FuelConsumed uint64    `json:"fuel_consumed"`
	MessageCount uint64    `json:"message_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NewAccountant creates an accountant enforcing the configured limits.
func NewAccountant(cfg *config.ResourcesConfig, recorder metrics.Recorder) *Accountant {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Accountant{
		agents:            make(map[domain.AgentID]*agentRecord),
		logger:            logx.NewLogger("resources"),
		recorder:          recorder,
		maxMemoryPerAgent: cfg.MaxMemoryPerAgent,
		maxMemoryTotal:    cfg.MaxMemoryTotal,
		maxFuelPerAgent:   cfg.MaxFuelPerAgent,
		maxMessageSize:    cfg.MaxMessageSize,
	}
}

// record returns the agent's record, creating it on first use.
func (a *Accountant) record(id domain.AgentID) *agentRecord {
	a.mu.RLock()
	rec, ok := a.agents[id]
	a.mu.RUnlock()
	if ok {
		return rec
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok = a.agents[id]; ok {
		return rec
	}
	rec = &agentRecord{lastUpdated: time.Now().UTC()}
	a.agents[id] = rec
	return rec
}

// AllocateMemory credits bytes to the agent. Fails when the agent-local
// total would exceed the per-agent limit or the global total would exceed
// the system limit; on failure nothing is mutated.
func (a *Accountant) AllocateMemory(id domain.AgentID, bytes domain.MemoryBytes) error {
	n := bytes.Uint64()
	rec := a.record(id)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.memoryBytes+n > a.maxMemoryPerAgent {
		return fmt.Errorf("%w: agent %s memory %d+%d exceeds per-agent limit %d",
			domain.ErrResourceExhausted, id, rec.memoryBytes, n, a.maxMemoryPerAgent)
	}

	// Reserve globally first; back out if over the system limit.
	newGlobal := a.globalMemory.Add(n)
	if newGlobal > a.maxMemoryTotal {
		a.globalMemory.Add(^(n - 1)) // subtract n
		return fmt.Errorf("%w: global memory %d would exceed system limit %d",
			domain.ErrResourceExhausted, newGlobal, a.maxMemoryTotal)
	}

	rec.memoryBytes += n
	rec.lastUpdated = time.Now().UTC()
	a.recorder.SetMemoryInUse(a.globalMemory.Load())
	return nil
}

// DeallocateMemory releases bytes from the agent, saturating at zero with a
// warning when the request exceeds what is tracked.
func (a *Accountant) DeallocateMemory(id domain.AgentID, bytes domain.MemoryBytes) {
	n := bytes.Uint64()
	rec := a.record(id)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if n > rec.memoryBytes {
		a.logger.Warn("deallocate %d exceeds tracked %d for agent %s, saturating at zero",
			n, rec.memoryBytes, id)
		n = rec.memoryBytes
	}
	rec.memoryBytes -= n
	rec.lastUpdated = time.Now().UTC()
	a.globalMemory.Add(^(n - 1)) // two's-complement subtract; a no-op when n is zero
	a.recorder.SetMemoryInUse(a.globalMemory.Load())
}

// ConsumeFuel debits fuel from the agent. Fails when the per-operation
// amount or the cumulative total would exceed the per-agent CPU limit; on
// failure no mutation is performed.
func (a *Accountant) ConsumeFuel(id domain.AgentID, fuel domain.CpuFuel) error {
	n := fuel.Uint64()
	if n > a.maxFuelPerAgent {
		return fmt.Errorf("%w: fuel %d exceeds per-operation limit %d",
			domain.ErrResourceExhausted, n, a.maxFuelPerAgent)
	}

	rec := a.record(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.fuelConsumed+n > a.maxFuelPerAgent {
		return fmt.Errorf("%w: agent %s cumulative fuel %d+%d exceeds limit %d",
			domain.ErrResourceExhausted, id, rec.fuelConsumed, n, a.maxFuelPerAgent)
	}
	rec.fuelConsumed += n
	rec.lastUpdated = time.Now().UTC()
	a.globalFuel.Add(n)
	return nil
}

// CountMessage increments the agent's message tally.
func (a *Accountant) CountMessage(id domain.AgentID) {
	rec := a.record(id)
	rec.mu.Lock()
	rec.messageCount++
	rec.lastUpdated = time.Now().UTC()
	rec.mu.Unlock()
}

// CheckMessageSize validates a content size against the configured cap.
func (a *Accountant) CheckMessageSize(size uint64) error {
	if size > a.maxMessageSize {
		return fmt.Errorf("%w: message size %d exceeds limit %d",
			domain.ErrValidation, size, a.maxMessageSize)
	}
	return nil
}

// Cleanup removes the agent's record and subtracts its tallies from the
// global totals. Returns the memory released.
func (a *Accountant) Cleanup(id domain.AgentID) domain.MemoryBytes {
	a.mu.Lock()
	rec, ok := a.agents[id]
	delete(a.agents, id)
	a.mu.Unlock()

	if !ok {
		return 0
	}

	rec.mu.Lock()
	released := rec.memoryBytes
	rec.memoryBytes = 0
	rec.mu.Unlock()

	if released > 0 {
		a.globalMemory.Add(^(released - 1))
	}
	a.recorder.SetMemoryInUse(a.globalMemory.Load())
	a.logger.Debug("cleaned up agent %s, released %d bytes", id, released)
	return domain.MemoryBytes(released)
}

// UsageFor returns a snapshot of one agent's tallies.
func (a *Accountant) UsageFor(id domain.AgentID) (Usage, bool) {
	a.mu.RLock()
	rec, ok := a.agents[id]
	a.mu.RUnlock()
	if !ok {
		return Usage{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Usage{
		MemoryBytes:  rec.memoryBytes,
		FuelConsumed: rec.fuelConsumed,
		MessageCount: rec.messageCount,
		LastUpdated:  rec.lastUpdated,
	}, true
}

// GlobalMemory returns the global allocated-memory tally.
func (a *Accountant) GlobalMemory() uint64 {
	return a.globalMemory.Load()
}

// GlobalFuel returns the global consumed-fuel tally.
func (a *Accountant) GlobalFuel() uint64 {
	return a.globalFuel.Load()
}

// MaxMemoryPerAgent returns the configured per-agent memory ceiling.
func (a *Accountant) MaxMemoryPerAgent() uint64 { return a.maxMemoryPerAgent }

// MaxFuelPerAgent returns the configured per-agent fuel ceiling.
func (a *Accountant) MaxFuelPerAgent() uint64 { return a.maxFuelPerAgent }
