// Package sandbox provides one isolated WebAssembly execution environment
// per agent: a wazero runtime with a single instantiated module, a
// host-function wall, per-instance memory limits, and fuel-metered
// deadlined execution.
package sandbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
)

const wasmPageSize = 65536

// ResetExport is the optional zero-arg export called before pool reuse.
const ResetExport = "reset"

// Limits bound one sandbox instance.
type Limits struct {
	MaxMemory        domain.MemoryBytes
	Fuel             domain.CpuFuel
	MaxExecutionTime time.Duration
	MaxTableEntries  uint32
	MaxLogLength     int
}

// ExecutionResult reports one completed (or terminated) execution.
type ExecutionResult struct {
	Success      bool
	Output       []byte
	FuelConsumed domain.CpuFuel
	Duration     time.Duration
}

// Sandbox is the per-agent execution environment contract.
type Sandbox interface {
	// Initialize compiles (if needed) and instantiates the module,
	// credits the fuel budget, and installs the limiter.
	Initialize(ctx context.Context, module []byte) error
	// Execute runs the named export, deadlined by the agent's
	// max-execution-time and bounded by the remaining fuel budget.
	Execute(ctx context.Context, fn string, args ...uint64) (*ExecutionResult, error)
	// Reset prepares the instance for pool reuse: calls the optional
	// reset export and refills the fuel budget.
	Reset(ctx context.Context) error
	// Shutdown destroys the store and returns reclaimable memory.
	// Always safe; idempotent.
	Shutdown(ctx context.Context) (domain.MemoryBytes, error)
	// MemorySize returns the instance's current linear memory size.
	MemorySize() domain.MemoryBytes
}

// WasmSandbox is the wazero-backed Sandbox. One active execution at a
// time; a subsequent call queues behind the execution mutex.
type WasmSandbox struct {
	agentID domain.AgentID
	limits  Limits
	env     *HostEnv

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	module   api.Module
	meter    *FuelMeter

	execMu   sync.Mutex // One active execution at a time
	stateMu  sync.Mutex
	shutdown bool

	logger   *logx.Logger
	recorder metrics.Recorder
}

// New creates an uninitialized sandbox for the agent.
func New(agentID domain.AgentID, limits Limits, env *HostEnv, recorder metrics.Recorder) *WasmSandbox {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if env == nil {
		env = &HostEnv{}
	}
	env.agentID = agentID
	env.maxLogLength = limits.MaxLogLength
	return &WasmSandbox{
		agentID:  agentID,
		limits:   limits,
		env:      env,
		logger:   logx.NewLogger("sandbox"),
		recorder: recorder,
	}
}

// Initialize compiles and instantiates the module inside a fresh runtime.
// It fails with a typed error when the declared memory exceeds the limit
// or the module imports a function outside the host wall.
func (s *WasmSandbox) Initialize(ctx context.Context, module []byte) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.module != nil {
		return fmt.Errorf("%w: sandbox for agent %s already initialized",
			domain.ErrPreconditionFailed, s.agentID)
	}

	maxPages := uint32(s.limits.MaxMemory.Uint64() / wasmPageSize)
	if maxPages == 0 {
		maxPages = 1
	}

	// CloseOnContextDone makes fuel exhaustion and deadlines effective:
	// cancelling the execution context interrupts the guest.
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(maxPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		_ = runtime.Close(ctx)
		return fmt.Errorf("%w: module compile failed: %v", domain.ErrValidation, err)
	}

	if err := s.checkModule(compiled, maxPages); err != nil {
		_ = runtime.Close(ctx)
		return err
	}

	if err := instantiateHostWall(ctx, runtime, s.env); err != nil {
		_ = runtime.Close(ctx)
		return err
	}

	instance, err := runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().
			WithName(s.agentID.String()).
			WithStartFunctions()) // No implicit _start; exports run under Execute only
	if err != nil {
		_ = runtime.Close(ctx)
		return fmt.Errorf("%w: module instantiation failed: %v", domain.ErrSandboxFault, err)
	}

	s.runtime = runtime
	s.compiled = compiled
	s.module = instance
	s.env.module = instance
	s.meter = NewFuelMeter(s.limits.Fuel)
	s.shutdown = false

	s.logger.Debug("sandbox for agent %s initialized: %d max pages, %d fuel",
		s.agentID, maxPages, s.limits.Fuel)
	return nil
}

// checkModule validates declared memories and the import wall before
// instantiation, so a bad module never becomes live.
func (s *WasmSandbox) checkModule(compiled wazero.CompiledModule, maxPages uint32) error {
	for name, mem := range compiled.ExportedMemories() {
		if mem.Min() > maxPages {
			return fmt.Errorf("%w: memory %q declares %d pages, limit is %d",
				domain.ErrResourceExhausted, name, mem.Min(), maxPages)
		}
	}

	for _, fn := range compiled.ImportedFunctions() {
		moduleName, name, _ := fn.Import()
		if !isHostWallFunction(moduleName, name) {
			return fmt.Errorf("%w: module imports %s.%s which is outside the host function wall",
				domain.ErrValidation, moduleName, name)
		}
	}
	return nil
}

// Execute runs the named export asynchronously, bounded by the remaining
// fuel budget and the max-execution-time deadline, whichever fires first.
func (s *WasmSandbox) Execute(ctx context.Context, fn string, args ...uint64) (*ExecutionResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.stateMu.Lock()
	if s.shutdown || s.module == nil {
		s.stateMu.Unlock()
		return nil, fmt.Errorf("%w: sandbox for agent %s is not live",
			domain.ErrPreconditionFailed, s.agentID)
	}
	module := s.module
	meter := s.meter
	s.stateMu.Unlock()

	export := module.ExportedFunction(fn)
	if export == nil {
		return nil, fmt.Errorf("%w: export %q", domain.ErrNotFound, fn)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.limits.MaxExecutionTime)
	defer cancel()

	// The meter cancels execCtx when the fuel budget runs dry.
	stopMeter := meter.Watch(execCtx, cancel)

	start := time.Now()
	values, err := export.Call(execCtx, args...)
	duration := time.Since(start)
	consumed := stopMeter()

	result := &ExecutionResult{
		FuelConsumed: consumed,
		Duration:     duration,
	}

	if err != nil {
		outcome := "trap"
		var faultErr error
		switch {
		case meter.Exhausted():
			outcome = "fuel_exhausted"
			faultErr = fmt.Errorf("%w: fuel exhausted after %d units", domain.ErrSandboxFault, consumed)
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			faultErr = fmt.Errorf("%w: execution of %q exceeded %v", domain.ErrTimeout, fn, s.limits.MaxExecutionTime)
		default:
			var exitErr *sys.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
				// Clean exit is a success, not a trap.
				result.Success = true
				s.recorder.SandboxExecution("success", consumed.Uint64(), duration)
				return result, nil
			}
			faultErr = fmt.Errorf("%w: trap in %q: %v", domain.ErrSandboxFault, fn, err)
		}
		s.recorder.SandboxExecution(outcome, consumed.Uint64(), duration)
		return result, faultErr
	}

	result.Success = true
	result.Output = encodeReturnValues(values)
	s.recorder.SandboxExecution("success", consumed.Uint64(), duration)
	return result, nil
}

// Reset prepares the instance for reuse: the optional reset export clears
// per-run globals, then the fuel budget is refilled.
func (s *WasmSandbox) Reset(ctx context.Context) error {
	s.stateMu.Lock()
	if s.shutdown || s.module == nil {
		s.stateMu.Unlock()
		return fmt.Errorf("%w: sandbox for agent %s is not live",
			domain.ErrPreconditionFailed, s.agentID)
	}
	module := s.module
	s.stateMu.Unlock()

	if reset := module.ExportedFunction(ResetExport); reset != nil {
		resetCtx, cancel := context.WithTimeout(ctx, s.limits.MaxExecutionTime)
		defer cancel()
		if _, err := reset.Call(resetCtx); err != nil {
			return fmt.Errorf("%w: reset export failed: %v", domain.ErrSandboxFault, err)
		}
	}

	s.stateMu.Lock()
	s.meter = NewFuelMeter(s.limits.Fuel)
	s.stateMu.Unlock()
	s.env.drainOutbox()
	return nil
}

// Rebind points the sandbox at a new owner agent. Used on pool reuse.
func (s *WasmSandbox) Rebind(agentID domain.AgentID, env *HostEnv) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.agentID = agentID
	if env != nil {
		env.agentID = agentID
		env.maxLogLength = s.limits.MaxLogLength
		env.module = s.module
		s.env = env
	}
}

// Shutdown destroys the runtime and reports the memory reclaimed.
// Idempotent: a second call returns zero and no error.
func (s *WasmSandbox) Shutdown(ctx context.Context) (domain.MemoryBytes, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.shutdown || s.runtime == nil {
		return 0, nil
	}
	reclaimed := s.memorySizeLocked()
	if err := s.runtime.Close(ctx); err != nil {
		return reclaimed, fmt.Errorf("%w: runtime close failed: %v", domain.ErrSandboxFault, err)
	}
	s.shutdown = true
	s.module = nil
	s.logger.Debug("sandbox for agent %s shut down, reclaimed %d bytes", s.agentID, reclaimed)
	return reclaimed, nil
}

// MemorySize returns the instance's current linear memory size.
func (s *WasmSandbox) MemorySize() domain.MemoryBytes {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.memorySizeLocked()
}

func (s *WasmSandbox) memorySizeLocked() domain.MemoryBytes {
	if s.module == nil {
		return 0
	}
	if mem := s.module.Memory(); mem != nil {
		// A module without a memory section yields a non-nil interface
		// wrapping a nil pointer.
		if v := reflect.ValueOf(mem); v.Kind() == reflect.Ptr && v.IsNil() {
			return 0
		}
		return domain.MemoryBytes(mem.Size())
	}
	return 0
}

// encodeReturnValues packs raw stack results little-endian, 8 bytes each.
func encodeReturnValues(values []uint64) []byte {
	if len(values) == 0 {
		return nil
	}
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}

var _ Sandbox = (*WasmSandbox)(nil)
