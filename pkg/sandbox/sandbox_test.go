package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/pkg/domain"
)

// emptyModule is the smallest valid WebAssembly binary: magic + version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// loopModule exports infinite_loop: (func (loop br 0)).
var loopModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x02, 0x01, 0x00, // function section: one func of type 0
	0x07, 0x11, 0x01, // export section: one export
	0x0d, 'i', 'n', 'f', 'i', 'n', 'i', 't', 'e', '_', 'l', 'o', 'o', 'p',
	0x00, 0x00, // kind func, index 0
	0x0a, 0x09, 0x01, 0x07, 0x00, // code section: one body, no locals
	0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // loop { br 0 } end
}

// answerModule exports answer: (func (result i32) i32.const 42).
var answerModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f, // type section: () -> (i32)
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x0a, 0x01, // export section
	0x06, 'a', 'n', 's', 'w', 'e', 'r',
	0x00, 0x00, // kind func, index 0
	0x0a, 0x06, 0x01, 0x04, 0x00, // code section
	0x41, 0x2a, 0x0b, // i32.const 42, end
}

func testLimits() Limits {
	return Limits{
		MaxMemory:        domain.MemoryBytes(1 << 20),
		Fuel:             domain.CpuFuel(1_000_000),
		MaxExecutionTime: time.Second,
		MaxTableEntries:  1024,
		MaxLogLength:     256,
	}
}

func newTestSandbox(t *testing.T, module []byte, limits Limits) *WasmSandbox {
	t.Helper()
	sb := New(domain.NewAgentID(), limits, nil, nil)
	require.NoError(t, sb.Initialize(context.Background(), module))
	t.Cleanup(func() { _, _ = sb.Shutdown(context.Background()) })
	return sb
}

func TestInitializeEmptyModule(t *testing.T) {
	sb := newTestSandbox(t, emptyModule, testLimits())
	assert.Equal(t, domain.MemoryBytes(0), sb.MemorySize())
}

func TestInitializeRejectsGarbage(t *testing.T) {
	sb := New(domain.NewAgentID(), testLimits(), nil, nil)
	err := sb.Initialize(context.Background(), []byte("not wasm"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInitializeTwiceFails(t *testing.T) {
	sb := newTestSandbox(t, emptyModule, testLimits())
	err := sb.Initialize(context.Background(), emptyModule)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestExecuteReturnsOutput(t *testing.T) {
	sb := newTestSandbox(t, answerModule, testLimits())

	result, err := sb.Execute(context.Background(), "answer")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Output, 8)
	assert.Equal(t, byte(42), result.Output[0])
}

func TestExecuteUnknownExport(t *testing.T) {
	sb := newTestSandbox(t, emptyModule, testLimits())

	_, err := sb.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// TestFuelExhaustionTerminatesRunawayLoop is the core isolation property:
// an unbounded loop is stopped by its fuel budget in bounded wall time,
// with no output and a sandbox-fault error.
func TestFuelExhaustionTerminatesRunawayLoop(t *testing.T) {
	limits := testLimits()
	limits.Fuel = domain.CpuFuel(1_000) // ~1ms of execution
	limits.MaxExecutionTime = 10 * time.Second
	sb := newTestSandbox(t, loopModule, limits)

	start := time.Now()
	result, err := sb.Execute(context.Background(), "infinite_loop")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSandboxFault)
	assert.Less(t, elapsed, 5*time.Second, "termination must be bounded")
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Empty(t, result.Output)
	assert.LessOrEqual(t, result.FuelConsumed.Uint64(), limits.Fuel.Uint64())
}

func TestWallClockTimeout(t *testing.T) {
	limits := testLimits()
	limits.Fuel = domain.CpuFuel(domain.MaxCpuFuel) // Effectively unlimited fuel
	limits.MaxExecutionTime = 50 * time.Millisecond
	sb := newTestSandbox(t, loopModule, limits)

	_, err := sb.Execute(context.Background(), "infinite_loop")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sb := New(domain.NewAgentID(), testLimits(), nil, nil)
	require.NoError(t, sb.Initialize(context.Background(), emptyModule))

	_, err := sb.Shutdown(context.Background())
	require.NoError(t, err)

	reclaimed, err := sb.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MemoryBytes(0), reclaimed)

	_, err = sb.Execute(context.Background(), "anything")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestResetRefillsFuel(t *testing.T) {
	limits := testLimits()
	limits.Fuel = domain.CpuFuel(100_000)
	sb := newTestSandbox(t, answerModule, limits)

	_, err := sb.Execute(context.Background(), "answer")
	require.NoError(t, err)

	require.NoError(t, sb.Reset(context.Background()))
	assert.Equal(t, limits.Fuel, sb.meter.Remaining())
}

func TestHostEnvCapabilities(t *testing.T) {
	env := NewHostEnv([]string{CapabilityMessaging}, nil, nil)
	assert.True(t, env.HasCapability(CapabilityMessaging))
	assert.False(t, env.HasCapability("filesystem"))

	bare := NewHostEnv(nil, nil, nil)
	assert.False(t, bare.HasCapability(CapabilityMessaging))
}

func TestHostWallDefinition(t *testing.T) {
	// Exactly four calls, env namespace only.
	assert.True(t, isHostWallFunction("env", "log"))
	assert.True(t, isHostWallFunction("env", "get_time"))
	assert.True(t, isHostWallFunction("env", "send_message"))
	assert.True(t, isHostWallFunction("env", "receive_message"))

	assert.False(t, isHostWallFunction("env", "open_file"))
	assert.False(t, isHostWallFunction("wasi_snapshot_preview1", "fd_write"))
	assert.False(t, isHostWallFunction("", "log"))
}
