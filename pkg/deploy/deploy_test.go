package deploy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/pkg/config"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/resources"
	"agentmesh/pkg/sandbox"
)

// Minimal valid WebAssembly binaries. The custom section makes v2's
// content hash differ from v1's.
var (
	moduleV1 = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	moduleV2 = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x00, 0x02, 0x01, 0x76}
)

// fakeRegistrar records registrations without a running router.
type fakeRegistrar struct {
	mu     sync.Mutex
	agents map[domain.AgentID]*lifecycle.Agent
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{agents: make(map[domain.AgentID]*lifecycle.Agent)}
}

func (f *fakeRegistrar) RegisterAgent(agent *lifecycle.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agent.ID] = agent
	return nil
}

func (f *fakeRegistrar) DeregisterAgent(id domain.AgentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.agents, id)
	return nil
}

func (f *fakeRegistrar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents)
}

// versionProber fails health checks for the configured version.
type versionProber struct {
	failVersion domain.AgentVersion
}

func (p *versionProber) Probe(_ context.Context, agent *lifecycle.Agent) error {
	if agent.Version == p.failVersion {
		return assert.AnError
	}
	if agent.Machine.CurrentState() != proto.StateRunning {
		return assert.AnError
	}
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Deployment.HealthInitialDelay = 0
	cfg.Deployment.HealthInterval = config.Duration(5 * time.Millisecond)
	cfg.Deployment.HealthTimeout = config.Duration(100 * time.Millisecond)
	cfg.Deployment.SuccessThreshold = 1
	cfg.Deployment.FailureThreshold = 1
	cfg.Sandbox.MaxExecutionTime = config.Duration(time.Second)
	return cfg
}

func newTestOrchestrator(t *testing.T, prober HealthProber) (*Orchestrator, *fakeRegistrar) {
	t.Helper()
	cfg := testConfig()
	registrar := newFakeRegistrar()
	accountant := resources.NewAccountant(&cfg.Resources, nil)
	pool := sandbox.NewPool(cfg.Sandbox.PoolPerType, cfg.Sandbox.PoolTotal, nil)
	t.Cleanup(func() { pool.Close(context.Background()) })
	return New(cfg, registrar, accountant, pool, prober, nil), registrar
}

func validRequest(module []byte, strategy Strategy, instances int) *Request {
	memLimit, _ := domain.NewDeploymentMemoryLimit(1 << 20)
	fuelLimit, _ := domain.NewDeploymentFuelLimit(1_000_000)
	batch, _ := domain.NewBatchSize(3)
	return &Request{
		AgentName: "worker",
		AgentType: "default",
		Module:    module,
		Strategy:  strategy,
		Instances: instances,
		BatchSize: batch,
		Resources: ResourceRequirements{MemoryLimit: memLimit, FuelLimit: fuelLimit},
	}
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty name", func(r *Request) { r.AgentName = "" }},
		{"empty module", func(r *Request) { r.Module = nil }},
		{"oversized module", func(r *Request) { r.Module = make([]byte, domain.MaxWasmModuleBytes+1) }},
		{"bad strategy", func(r *Request) { r.Strategy = "yolo" }},
		{"zero instances", func(r *Request) { r.Instances = 0 }},
		{"threshold over 100", func(r *Request) { r.RollbackThreshold = 101 }},
		{"missing resources", func(r *Request) { r.Resources = ResourceRequirements{} }},
	}

	orch, _ := newTestOrchestrator(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(moduleV1, StrategyImmediate, 1)
			tt.mutate(req)
			_, err := orch.Deploy(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestImmediateDeployment(t *testing.T) {
	orch, registrar := newTestOrchestrator(t, nil)

	result, err := orch.Deploy(context.Background(), validRequest(moduleV1, StrategyImmediate, 2))
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 2, result.Metrics.InstancesDeployed)
	assert.Equal(t, 0, result.Metrics.InstancesFailed)
	assert.Equal(t, 1.0, result.Metrics.SuccessRate())
	assert.Equal(t, 1.0, result.Metrics.HealthCheckSuccessRate)
	assert.Equal(t, 2, registrar.count())

	fleet, ok := orch.Fleet("worker")
	require.True(t, ok)
	assert.Equal(t, domain.VersionFromModule(moduleV1), fleet.Version)
	assert.Equal(t, domain.VersionNumber(1), fleet.VersionNumber)
	for _, instance := range fleet.Instances {
		assert.Equal(t, proto.StateRunning, instance.Machine.CurrentState())
	}
}

func TestImmediateUpgradeRetiresOldInstances(t *testing.T) {
	orch, registrar := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := orch.Deploy(ctx, validRequest(moduleV1, StrategyImmediate, 2))
	require.NoError(t, err)

	result, err := orch.Deploy(ctx, validRequest(moduleV2, StrategyImmediate, 2))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)

	fleet, _ := orch.Fleet("worker")
	assert.Equal(t, domain.VersionFromModule(moduleV2), fleet.Version)
	assert.Equal(t, domain.VersionNumber(2), fleet.VersionNumber)
	assert.Equal(t, 2, registrar.count(), "old instances deregistered")
}

// TestRollingDeploymentRollsBack seeds the rollback scenario: v1 runs 10
// instances, a rolling upgrade to an unhealthy v2 must stop at the first
// batch gate and restore the fleet to v1.
func TestRollingDeploymentRollsBack(t *testing.T) {
	v2 := domain.VersionFromModule(moduleV2)
	orch, registrar := newTestOrchestrator(t, &versionProber{failVersion: v2})
	ctx := context.Background()

	_, err := orch.Deploy(ctx, validRequest(moduleV1, StrategyImmediate, 10))
	require.NoError(t, err)

	v1 := domain.VersionFromModule(moduleV1)
	req := validRequest(moduleV2, StrategyRolling, 10)
	req.FromVersion = &v1
	req.AutoRollback = true
	req.RollbackThreshold = domain.DeploymentProgress(10)

	result, err := orch.Deploy(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, StatusRolledBack, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 3, result.Metrics.InstancesFailed, "first batch fails the gate")
	assert.Less(t, result.Metrics.HealthCheckSuccessRate, 0.7)

	// Surviving fleet is back on v1, full size, all running.
	fleet, ok := orch.Fleet("worker")
	require.True(t, ok)
	assert.Equal(t, v1, fleet.Version)
	assert.Len(t, fleet.Instances, 10)
	for _, instance := range fleet.Instances {
		assert.Equal(t, proto.StateRunning, instance.Machine.CurrentState())
	}
	assert.Equal(t, 10, registrar.count())
}

func TestRollingWithoutRollbackFails(t *testing.T) {
	v2 := domain.VersionFromModule(moduleV2)
	orch, _ := newTestOrchestrator(t, &versionProber{failVersion: v2})
	ctx := context.Background()

	_, err := orch.Deploy(ctx, validRequest(moduleV1, StrategyImmediate, 2))
	require.NoError(t, err)

	req := validRequest(moduleV2, StrategyRolling, 2)
	req.RollbackThreshold = domain.DeploymentProgress(10)

	result, err := orch.Deploy(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestBlueGreenDeployment(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := orch.Deploy(ctx, validRequest(moduleV1, StrategyImmediate, 2))
	require.NoError(t, err)

	oldFleet, _ := orch.Fleet("worker")

	result, err := orch.Deploy(ctx, validRequest(moduleV2, StrategyBlueGreen, 2))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)

	fleet, _ := orch.Fleet("worker")
	assert.Equal(t, domain.VersionFromModule(moduleV2), fleet.Version)

	// Blue instances drain rather than stop, covering the rollback window.
	for _, instance := range oldFleet.Instances {
		assert.Equal(t, proto.StateDraining, instance.Machine.CurrentState())
	}
}

func TestCanaryDeployment(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	result, err := orch.Deploy(ctx, validRequest(moduleV1, StrategyCanary, 4))
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 4, result.Metrics.InstancesDeployed)

	fleet, _ := orch.Fleet("worker")
	assert.Len(t, fleet.Instances, 4)
}

func TestCanaryAbortsOnUnhealthyFirstInstance(t *testing.T) {
	v1 := domain.VersionFromModule(moduleV1)
	orch, registrar := newTestOrchestrator(t, &versionProber{failVersion: v1})

	result, err := orch.Deploy(context.Background(), validRequest(moduleV1, StrategyCanary, 4))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, result.Metrics.InstancesDeployed)
	assert.Equal(t, 0, registrar.count())
}

func TestInsufficientResources(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.MaxMemoryTotal = 1 << 20 // Room for a single instance

	registrar := newFakeRegistrar()
	accountant := resources.NewAccountant(&cfg.Resources, nil)
	pool := sandbox.NewPool(10, 100, nil)
	t.Cleanup(func() { pool.Close(context.Background()) })
	orch := New(cfg, registrar, accountant, pool, nil, nil)

	result, err := orch.Deploy(context.Background(), validRequest(moduleV1, StrategyImmediate, 2))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "resource exhausted")
}

func TestHotReload(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	reload := NewHotReloadManager(orch)
	ctx := context.Background()

	_, err := orch.Deploy(ctx, validRequest(moduleV1, StrategyImmediate, 2))
	require.NoError(t, err)

	t.Run("unknown agent", func(t *testing.T) {
		_, err := reload.Reload(ctx, "nobody", moduleV2, ReloadDrain)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("same version rejected", func(t *testing.T) {
		_, err := reload.Reload(ctx, "worker", moduleV1, ReloadDrain)
		assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	})

	t.Run("bad mode", func(t *testing.T) {
		_, err := reload.Reload(ctx, "worker", moduleV2, ReloadMode("teleport"))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("drain reload swaps version", func(t *testing.T) {
		result, err := reload.Reload(ctx, "worker", moduleV2, ReloadDrain)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, result.Status)

		fleet, _ := orch.Fleet("worker")
		assert.Equal(t, domain.VersionFromModule(moduleV2), fleet.Version)
	})
}

func TestMetricsSuccessRate(t *testing.T) {
	m := Metrics{InstancesDeployed: 7, InstancesFailed: 3}
	assert.InDelta(t, 0.7, m.SuccessRate(), 0.0001)

	empty := Metrics{}
	assert.Equal(t, 0.0, empty.SuccessRate())
}
