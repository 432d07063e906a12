package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentmesh/pkg/config"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/resources"
	"agentmesh/pkg/sandbox"
)

// AgentRegistrar is the slice of the router surface the orchestrator
// drives: registering and deregistering instances.
type AgentRegistrar interface {
	RegisterAgent(agent *lifecycle.Agent) error
	DeregisterAgent(id domain.AgentID) error
}

// HealthProber checks one instance. The default prober inspects lifecycle
// state and mailbox headroom; tests inject failures through this seam.
type HealthProber interface {
	Probe(ctx context.Context, agent *lifecycle.Agent) error
}

// Fleet tracks the live instances of one logical agent.
type Fleet struct {
	Name          string
	Version       domain.AgentVersion
	VersionNumber domain.VersionNumber
	Module        []byte
	Capabilities  []string
	AgentType     string
	Resources     ResourceRequirements
	Instances     []*lifecycle.Agent
}

// Orchestrator validates deployment requests, reserves resources, drives
// the lifecycle engine (drawing sandboxes from the pool), executes the
// chosen strategy, and rolls back on failure when configured.
type Orchestrator struct {
	cfg        *config.Config
	registrar  AgentRegistrar
	accountant *resources.Accountant
	pool       *sandbox.Pool
	prober     HealthProber

	// hostEnvFor builds the host wall plumbing for a new instance.
	hostEnvFor func(id domain.AgentID, capabilities []string) *sandbox.HostEnv

	mu     sync.Mutex
	fleets map[string]*Fleet

	logger   *logx.Logger
	recorder metrics.Recorder
}

// New wires an orchestrator. prober and hostEnvFor may be nil; defaults
// are installed.
func New(cfg *config.Config, registrar AgentRegistrar, accountant *resources.Accountant,
	pool *sandbox.Pool, prober HealthProber, recorder metrics.Recorder) *Orchestrator {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	o := &Orchestrator{
		cfg:        cfg,
		registrar:  registrar,
		accountant: accountant,
		pool:       pool,
		prober:     prober,
		fleets:     make(map[string]*Fleet),
		logger:     logx.NewLogger("deploy"),
		recorder:   recorder,
	}
	if o.prober == nil {
		o.prober = &defaultProber{}
	}
	o.hostEnvFor = func(_ domain.AgentID, capabilities []string) *sandbox.HostEnv {
		return sandbox.NewHostEnv(capabilities, nil, nil)
	}
	return o
}

// SetHostEnvFactory overrides host wall plumbing for new instances.
func (o *Orchestrator) SetHostEnvFactory(f func(id domain.AgentID, capabilities []string) *sandbox.HostEnv) {
	o.hostEnvFor = f
}

// Fleet returns the live fleet for a logical agent name.
func (o *Orchestrator) Fleet(name string) (*Fleet, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.fleets[name]
	return f, ok
}

// Deploy executes the deployment pipeline for the request.
func (o *Orchestrator) Deploy(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID.IsNil() {
		req.ID = domain.NewDeploymentID()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = start.UTC()
	}
	req.ToVersion = domain.VersionFromModule(req.Module)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	o.logger.Info("deployment %s: %s %s → %d instance(s) of %s via %s",
		req.ID, req.AgentName, req.ToVersion, req.Instances, req.AgentName, req.Strategy)

	var result *Result
	var err error
	switch req.Strategy {
	case StrategyImmediate:
		result, err = o.deployImmediate(ctx, req)
	case StrategyRolling:
		result, err = o.deployRolling(ctx, req)
	case StrategyBlueGreen:
		result, err = o.deployBlueGreen(ctx, req)
	case StrategyCanary:
		result, err = o.deployCanary(ctx, req)
	default:
		return nil, fmt.Errorf("%w: strategy %q", domain.ErrValidation, req.Strategy)
	}

	duration := time.Since(start)
	if result != nil {
		result.Metrics.Duration = duration
		if deployed := result.Metrics.InstancesDeployed; deployed > 0 {
			result.Metrics.AvgInstanceTime = duration / time.Duration(deployed)
		}
		o.recorder.DeploymentFinished(string(req.Strategy), string(result.Status), duration)
	} else {
		o.recorder.DeploymentFinished(string(req.Strategy), "error", duration)
	}
	return result, err
}

// newInstance reserves resources, draws a sandbox from the pool, drives
// Unloaded→Loaded→Ready→Running, and registers the agent. On any error
// everything reserved is released and the agent is not left in an
// intermediate state.
func (o *Orchestrator) newInstance(ctx context.Context, req *Request,
	versionNumber domain.VersionNumber) (*lifecycle.Agent, error) {
	id := domain.NewAgentID()
	memory := req.Resources.MemoryLimit.Bytes()

	// Reserve memory up front; instantiation must not outrun the budget.
	if err := o.accountant.AllocateMemory(id, memory); err != nil {
		return nil, fmt.Errorf("%w: deployment %s: %v", domain.ErrResourceExhausted, req.ID, err)
	}

	limits := sandbox.Limits{
		MaxMemory:        memory,
		Fuel:             req.Resources.FuelLimit.Fuel(),
		MaxExecutionTime: o.cfg.Sandbox.MaxExecutionTime.Duration(),
		MaxTableEntries:  o.cfg.Sandbox.MaxTableEntries,
		MaxLogLength:     o.cfg.Sandbox.MaxLogLength,
	}

	machine := lifecycle.NewMachine(id, lifecycle.Timeouts{
		Transition: o.cfg.Deployment.TransitionTimeout.Duration(),
		Drain:      o.cfg.Deployment.DrainTimeout.Duration(),
	})

	fail := func(stage string, err error) (*lifecycle.Agent, error) {
		_ = machine.Fail(fmt.Sprintf("%s: %v", stage, err))
		o.accountant.Cleanup(id)
		return nil, err
	}

	if err := machine.Load(ctx); err != nil {
		o.accountant.Cleanup(id)
		return nil, err
	}

	env := o.hostEnvFor(id, req.Capabilities)
	key := sandbox.PoolKey{ModuleVersion: req.ToVersion, AgentType: req.AgentType}
	sb, err := o.pool.Acquire(ctx, key, func(ctx context.Context) (*sandbox.WasmSandbox, error) {
		fresh := sandbox.New(id, limits, env, o.recorder)
		if err := fresh.Initialize(ctx, req.Module); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return fail("instantiate", err)
	}
	sb.Rebind(id, env)

	if err := machine.Instantiate(ctx); err != nil {
		_, _ = sb.Shutdown(ctx)
		o.accountant.Cleanup(id)
		return nil, err
	}
	if err := machine.Start(ctx); err != nil {
		_, _ = sb.Shutdown(ctx)
		o.accountant.Cleanup(id)
		return nil, err
	}

	queueSize, err := domain.NewAgentQueueSize(o.cfg.Router.AgentQueueSize)
	if err != nil {
		return fail("queue", err)
	}
	agent := lifecycle.NewAgent(id, req.AgentName, req.ToVersion, versionNumber,
		req.Capabilities, machine, sb, queueSize)

	if err := o.registrar.RegisterAgent(agent); err != nil {
		_, _ = sb.Shutdown(ctx)
		o.accountant.Cleanup(id)
		return nil, err
	}
	return agent, nil
}

// retireInstance drains, stops, deregisters, and tears down one instance.
// Its sandbox goes back to the pool when the fleet is given; with a nil
// fleet the sandbox is shut down instead.
func (o *Orchestrator) retireInstance(ctx context.Context, fleet *Fleet, agent *lifecycle.Agent) {
	machine := agent.Machine

	if machine.CurrentState() == proto.StateRunning {
		if err := machine.Drain(ctx); err == nil {
			if err := machine.AwaitDrained(ctx); err != nil {
				o.logger.Warn("drain of instance %s timed out: %v", agent.ID, err)
			}
		}
	}
	if err := machine.Stop(ctx); err != nil {
		_ = machine.Fail(fmt.Sprintf("retire: %v", err))
	}

	if err := o.registrar.DeregisterAgent(agent.ID); err != nil {
		o.logger.Warn("deregister of instance %s failed: %v", agent.ID, err)
	}

	if sb, ok := agent.Sandbox.(*sandbox.WasmSandbox); ok && fleet != nil {
		key := sandbox.PoolKey{ModuleVersion: agent.Version, AgentType: fleet.AgentType}
		o.pool.Release(ctx, key, sb)
	} else if agent.Sandbox != nil {
		_, _ = agent.Sandbox.Shutdown(ctx)
	}

	o.accountant.Cleanup(agent.ID)
}

// healthCheckInstance runs the configured probe loop against one instance.
func (o *Orchestrator) healthCheckInstance(ctx context.Context, agent *lifecycle.Agent, hc HealthCheckConfig) error {
	if hc.Interval <= 0 {
		hc.Interval = o.cfg.Deployment.HealthInterval.Duration()
	}
	if hc.Timeout <= 0 {
		hc.Timeout = o.cfg.Deployment.HealthTimeout.Duration()
	}
	if hc.SuccessThreshold <= 0 {
		hc.SuccessThreshold = o.cfg.Deployment.SuccessThreshold
	}
	if hc.FailureThreshold <= 0 {
		hc.FailureThreshold = o.cfg.Deployment.FailureThreshold
	}
	if hc.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: health check cancelled: %v", domain.ErrTimeout, ctx.Err())
		case <-time.After(hc.InitialDelay):
		}
	}

	successes, failures := 0, 0
	ticker := time.NewTicker(hc.Interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
		err := o.prober.Probe(probeCtx, agent)
		cancel()

		if err == nil {
			successes++
			failures = 0
			if successes >= hc.SuccessThreshold {
				agent.SetHealth(true, time.Now().UTC())
				return nil
			}
		} else {
			failures++
			successes = 0
			if failures >= hc.FailureThreshold {
				agent.SetHealth(false, time.Now().UTC())
				return fmt.Errorf("instance %s failed %d consecutive health checks: %w",
					agent.ID, failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: health check cancelled: %v", domain.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// defaultProber accepts an instance that is Running with mailbox headroom.
type defaultProber struct{}

func (defaultProber) Probe(_ context.Context, agent *lifecycle.Agent) error {
	state := agent.Machine.CurrentState()
	if state != proto.StateRunning {
		return fmt.Errorf("%w: instance %s is %s", domain.ErrPreconditionFailed, agent.ID, state)
	}
	if agent.QueueDepth() >= agent.QueueCapacity() {
		return fmt.Errorf("%w: instance %s mailbox full", domain.ErrResourceExhausted, agent.ID)
	}
	return nil
}
