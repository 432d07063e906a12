// Package deploy executes validated deployment requests against the
// lifecycle engine: immediate, rolling, blue-green, and canary strategies
// with health checks, auto-rollback, and resource allocation.
package deploy

import (
	"fmt"
	"time"

	"agentmesh/pkg/domain"
)

// Strategy selects how a new version replaces the old one.
type Strategy string

const (
	// StrategyImmediate flips to the new version in one step.
	StrategyImmediate Strategy = "immediate"
	// StrategyRolling replaces the fleet in batches with health gates.
	StrategyRolling Strategy = "rolling"
	// StrategyBlueGreen stands the new version up alongside, then flips.
	StrategyBlueGreen Strategy = "blue_green"
	// StrategyCanary grows the new version gradually from one instance.
	StrategyCanary Strategy = "canary"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyImmediate, StrategyRolling, StrategyBlueGreen, StrategyCanary:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown deployment strategy %q", domain.ErrValidation, s)
	}
}

// HealthCheckConfig tunes the per-instance health probe loop.
type HealthCheckConfig struct {
	InitialDelay     time.Duration `json:"initial_delay"`
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	SuccessThreshold int           `json:"success_threshold"`
	FailureThreshold int           `json:"failure_threshold"`
}

// ResourceRequirements are the per-instance limits a deployment asks for.
type ResourceRequirements struct {
	MemoryLimit domain.DeploymentMemoryLimit `json:"memory_limit"`
	FuelLimit   domain.DeploymentFuelLimit   `json:"fuel_limit"`
}

// Request is a validated deployment request.
type Request struct {
	ID                domain.DeploymentID
	AgentName         string
	AgentType         string
	Capabilities      []string
	FromVersion       *domain.AgentVersion // Nil for an initial deployment
	ToVersion         domain.AgentVersion
	Module            []byte
	Strategy          Strategy
	Instances         int
	BatchSize         domain.BatchSize
	Timeout           time.Duration
	Resources         ResourceRequirements
	HealthCheck       HealthCheckConfig
	AutoRollback      bool
	RollbackThreshold domain.DeploymentProgress // Percent of failures tolerated
	RequestedAt       time.Time
}

// Status classifies a deployment's end state.
type Status string

const (
	// StatusSucceeded means every instance deployed and passed health checks.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the deployment stopped; rollback may have run.
	StatusFailed Status = "failed"
	// StatusRolledBack means a failure triggered a completed rollback.
	StatusRolledBack Status = "rolled_back"
)

// Metrics summarize one deployment run.
type Metrics struct {
	InstancesDeployed      int           `json:"instances_deployed"`
	InstancesFailed        int           `json:"instances_failed"`
	Duration               time.Duration `json:"duration"`
	AvgInstanceTime        time.Duration `json:"avg_instance_time"`
	PeakMemoryBytes        uint64        `json:"peak_memory_bytes"`
	FuelConsumed           uint64        `json:"fuel_consumed"`
	HealthCheckSuccessRate float64       `json:"health_check_success_rate"`
}

// SuccessRate is instances_deployed / (instances_deployed + instances_failed).
func (m *Metrics) SuccessRate() float64 {
	total := m.InstancesDeployed + m.InstancesFailed
	if total == 0 {
		return 0
	}
	return float64(m.InstancesDeployed) / float64(total)
}

// Result reports a finished deployment.
type Result struct {
	DeploymentID domain.DeploymentID `json:"deployment_id"`
	Status       Status              `json:"status"`
	Version      domain.AgentVersion `json:"version"`
	Error        string              `json:"error,omitempty"`
	Metrics      Metrics             `json:"metrics"`
}

// Validate checks the request against the deployment contract.
func (r *Request) Validate() error {
	if r.AgentName == "" {
		return fmt.Errorf("%w: agent name must not be empty", domain.ErrValidation)
	}
	if len(r.Module) == 0 {
		return fmt.Errorf("%w: module bytes must not be empty", domain.ErrValidation)
	}
	if len(r.Module) > domain.MaxWasmModuleBytes {
		return fmt.Errorf("%w: module %d bytes exceeds %d",
			domain.ErrValidation, len(r.Module), domain.MaxWasmModuleBytes)
	}
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	if r.Instances < 1 {
		return fmt.Errorf("%w: instance count %d must be positive", domain.ErrValidation, r.Instances)
	}
	if _, err := domain.NewDeploymentProgress(r.RollbackThreshold.Int()); err != nil {
		return err
	}
	if r.Resources.MemoryLimit == 0 || r.Resources.FuelLimit == 0 {
		return fmt.Errorf("%w: resource requirements must be set", domain.ErrValidation)
	}
	return nil
}
