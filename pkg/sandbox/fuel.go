package sandbox

import (
	"context"
	"sync"
	"time"

	"agentmesh/pkg/domain"
)

// fuelEpoch is the metering granularity. One fuel unit buys one
// microsecond of execution; a budget of 1000 bounds a run to ~1ms of
// wall time regardless of what the guest does.
const fuelEpoch = time.Millisecond

// fuelPerEpoch is how much the meter deducts per elapsed epoch.
const fuelPerEpoch = uint64(fuelEpoch / time.Microsecond)

// FuelMeter meters execution time against a fuel budget. wazero has no
// per-instruction fuel, so the meter deducts in epoch slices and cancels
// the execution context when the budget runs dry; CloseOnContextDone then
// interrupts the guest. A runaway loop is bounded by fuel without
// OS-level preemption.
type FuelMeter struct {
	mu        sync.Mutex
	remaining uint64
	consumed  uint64
	exhausted bool
}

// NewFuelMeter creates a meter credited with the given budget.
func NewFuelMeter(budget domain.CpuFuel) *FuelMeter {
	return &FuelMeter{remaining: budget.Uint64()}
}

// Remaining returns the unconsumed budget.
func (f *FuelMeter) Remaining() domain.CpuFuel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.CpuFuel(f.remaining)
}

// Exhausted reports whether the budget ran dry during a watched run.
func (f *FuelMeter) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

// Watch meters one execution. It deducts fuel per elapsed epoch and calls
// cancel when the budget is exhausted. The returned stop function ends
// metering, performs a final sub-epoch deduction, and reports the fuel
// consumed by this run.
func (f *FuelMeter) Watch(ctx context.Context, cancel context.CancelFunc) (stop func() domain.CpuFuel) {
	start := time.Now()
	done := make(chan struct{})
	var once sync.Once

	f.mu.Lock()
	startConsumed := f.consumed
	f.mu.Unlock()

	go func() {
		ticker := time.NewTicker(fuelEpoch)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !f.deduct(fuelPerEpoch) {
					cancel()
					return
				}
			}
		}
	}()

	var runConsumed domain.CpuFuel
	return func() domain.CpuFuel {
		once.Do(func() {
			close(done)
			// Settle the sub-epoch remainder so short runs report real usage.
			elapsed := uint64(time.Since(start) / time.Microsecond)
			f.mu.Lock()
			runSoFar := f.consumed - startConsumed
			if elapsed > runSoFar {
				delta := elapsed - runSoFar
				if delta > f.remaining {
					delta = f.remaining
				}
				f.remaining -= delta
				f.consumed += delta
			}
			runConsumed = domain.CpuFuel(f.consumed - startConsumed)
			f.mu.Unlock()
		})
		return runConsumed
	}
}

// deduct removes n fuel units, reporting false when the budget is dry.
func (f *FuelMeter) deduct(n uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remaining <= n {
		f.consumed += f.remaining
		f.remaining = 0
		f.exhausted = true
		return false
	}
	f.remaining -= n
	f.consumed += n
	return true
}
