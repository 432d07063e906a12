package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/pkg/domain"
)

func poolFactory(t *testing.T) Factory {
	t.Helper()
	return func(ctx context.Context) (*WasmSandbox, error) {
		sb := New(domain.NewAgentID(), testLimits(), nil, nil)
		if err := sb.Initialize(ctx, emptyModule); err != nil {
			return nil, err
		}
		return sb, nil
	}
}

func TestPoolMissThenHit(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(10, 100, nil)
	key := PoolKey{ModuleVersion: domain.VersionFromModule(emptyModule), AgentType: "worker"}

	sb, err := pool.Acquire(ctx, key, poolFactory(t))
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	pool.Release(ctx, key, sb)
	assert.Equal(t, 1, pool.Stats().Size)

	again, err := pool.Acquire(ctx, key, poolFactory(t))
	require.NoError(t, err)
	assert.Same(t, sb, again)

	stats = pool.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size)

	pool.Release(ctx, key, again)
	pool.Close(ctx)
}

func TestPoolPerKeyCap(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(1, 100, nil)
	key := PoolKey{ModuleVersion: "v1", AgentType: "worker"}

	first, err := poolFactory(t)(ctx)
	require.NoError(t, err)
	second, err := poolFactory(t)(ctx)
	require.NoError(t, err)

	pool.Release(ctx, key, first)
	pool.Release(ctx, key, second) // Over the per-key cap: dropped

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Evicted)

	pool.Close(ctx)
}

func TestPoolGlobalCap(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(10, 2, nil)

	for i := 0; i < 3; i++ {
		sb, err := poolFactory(t)(ctx)
		require.NoError(t, err)
		key := PoolKey{ModuleVersion: domain.AgentVersion(runeVersion(i)), AgentType: "worker"}
		pool.Release(ctx, key, sb)
	}

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(1), stats.Evicted)

	pool.Close(ctx)
	assert.Equal(t, 0, pool.Stats().Size)
}

func runeVersion(i int) string {
	return string(rune('a' + i))
}

func TestFuelMeterDeduction(t *testing.T) {
	meter := NewFuelMeter(domain.CpuFuel(5_000))

	assert.True(t, meter.deduct(2_000))
	assert.True(t, meter.deduct(2_000))
	assert.Equal(t, domain.CpuFuel(1_000), meter.Remaining())
	assert.False(t, meter.Exhausted())

	// The final deduction drains the budget and flags exhaustion.
	assert.False(t, meter.deduct(2_000))
	assert.True(t, meter.Exhausted())
	assert.Equal(t, domain.CpuFuel(0), meter.Remaining())
}

func TestFuelMeterWatchCancelsOnExhaustion(t *testing.T) {
	meter := NewFuelMeter(domain.CpuFuel(1_000)) // One epoch of budget

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := meter.Watch(ctx, cancel)

	select {
	case <-ctx.Done():
		// Exhaustion cancelled the context.
	case <-time.After(time.Second):
		t.Fatal("meter did not cancel within a second")
	}

	consumed := stop()
	assert.True(t, meter.Exhausted())
	assert.Equal(t, domain.CpuFuel(1_000), consumed)
}

func TestFuelMeterShortRunSettlesSubEpoch(t *testing.T) {
	meter := NewFuelMeter(domain.CpuFuel(1_000_000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := meter.Watch(ctx, cancel)
	time.Sleep(2 * time.Millisecond)
	consumed := stop()

	assert.Greater(t, consumed.Uint64(), uint64(0), "elapsed time must cost fuel")
	assert.False(t, meter.Exhausted())
}
