package deploy

import (
	"context"
	"fmt"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
)

// deployImmediate flips the agent to the new version in one step and
// retires every previous instance.
func (o *Orchestrator) deployImmediate(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{DeploymentID: req.ID, Version: req.ToVersion}

	o.mu.Lock()
	old := o.fleets[req.AgentName]
	o.mu.Unlock()

	versionNumber := domain.VersionNumber(1)
	if old != nil {
		versionNumber = old.VersionNumber.Next()
	}

	fresh := make([]*lifecycle.Agent, 0, req.Instances)
	var healthOK, healthTotal int
	for i := 0; i < req.Instances; i++ {
		agent, err := o.newInstance(ctx, req, versionNumber)
		if err != nil {
			result.Metrics.InstancesFailed++
			o.teardown(ctx, fresh)
			return o.failWithRollback(ctx, req, result, err)
		}
		healthTotal++
		if err := o.healthCheckInstance(ctx, agent, req.HealthCheck); err != nil {
			result.Metrics.InstancesFailed++
			o.retireInstance(ctx, nil, agent)
			o.teardown(ctx, fresh)
			return o.failWithRollback(ctx, req, result, err)
		}
		healthOK++
		result.Metrics.InstancesDeployed++
		o.trackPeak(&result.Metrics, agent)
		fresh = append(fresh, agent)
	}

	o.swapFleet(ctx, req, versionNumber, fresh, old)
	result.Status = StatusSucceeded
	result.Metrics.HealthCheckSuccessRate = rate(healthOK, healthTotal)
	return result, nil
}

// deployRolling replaces a fleet of N instances in batches; after each
// batch the health probe runs, and a success rate below
// (100 − rollback-threshold)% stops the rollout and rolls back.
func (o *Orchestrator) deployRolling(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{DeploymentID: req.ID, Version: req.ToVersion}

	o.mu.Lock()
	old := o.fleets[req.AgentName]
	o.mu.Unlock()

	versionNumber := domain.VersionNumber(1)
	var oldInstances []*lifecycle.Agent
	if old != nil {
		versionNumber = old.VersionNumber.Next()
		oldInstances = append([]*lifecycle.Agent(nil), old.Instances...)
	}

	batchSize := req.BatchSize.Int()
	if batchSize < 1 {
		batchSize = 1
	}
	required := float64(100-req.RollbackThreshold.Int()) / 100.0

	fresh := make([]*lifecycle.Agent, 0, req.Instances)
	var healthOK, healthTotal int

	for done := 0; done < req.Instances; {
		batch := batchSize
		if done+batch > req.Instances {
			batch = req.Instances - done
		}

		for i := 0; i < batch; i++ {
			agent, err := o.newInstance(ctx, req, versionNumber)
			healthTotal++
			if err != nil {
				result.Metrics.InstancesFailed++
				o.logger.Warn("rolling deployment %s: instance failed to start: %v", req.ID, err)
				continue
			}
			if err := o.healthCheckInstance(ctx, agent, req.HealthCheck); err != nil {
				result.Metrics.InstancesFailed++
				o.retireInstance(ctx, nil, agent)
				o.logger.Warn("rolling deployment %s: instance unhealthy: %v", req.ID, err)
				continue
			}
			healthOK++
			result.Metrics.InstancesDeployed++
			o.trackPeak(&result.Metrics, agent)
			fresh = append(fresh, agent)

			// Retire one old instance per healthy replacement.
			if len(oldInstances) > 0 {
				o.retireInstance(ctx, old, oldInstances[0])
				oldInstances = oldInstances[1:]
			}
		}
		done += batch

		// Health gate after each batch.
		if successRate := rate(healthOK, healthTotal); successRate < required {
			err := fmt.Errorf("rolling deployment %s: success rate %.0f%% below required %.0f%%",
				req.ID, successRate*100, required*100)
			result.Metrics.HealthCheckSuccessRate = rate(healthOK, healthTotal)
			o.teardown(ctx, fresh)
			return o.failWithRollback(ctx, req, result, err)
		}
	}

	// Retire whatever old instances remain.
	for _, instance := range oldInstances {
		o.retireInstance(ctx, old, instance)
	}

	o.installFleet(req, versionNumber, fresh)
	result.Status = StatusSucceeded
	result.Metrics.HealthCheckSuccessRate = rate(healthOK, healthTotal)
	return result, nil
}

// deployBlueGreen stands the new version up alongside the old, flips
// routing atomically once every green instance is healthy, and keeps the
// old fleet alive for the rollback window. The old instances are drained,
// not stopped: they stay registered with their sandboxes, and no later
// deploy retires them.
func (o *Orchestrator) deployBlueGreen(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{DeploymentID: req.ID, Version: req.ToVersion}

	o.mu.Lock()
	old := o.fleets[req.AgentName]
	o.mu.Unlock()

	versionNumber := domain.VersionNumber(1)
	if old != nil {
		versionNumber = old.VersionNumber.Next()
	}

	// Green side comes up in full before any routing changes.
	green := make([]*lifecycle.Agent, 0, req.Instances)
	var healthOK, healthTotal int
	for i := 0; i < req.Instances; i++ {
		agent, err := o.newInstance(ctx, req, versionNumber)
		healthTotal++
		if err != nil {
			result.Metrics.InstancesFailed++
			o.teardown(ctx, green)
			return o.failWithRollback(ctx, req, result, err)
		}
		if err := o.healthCheckInstance(ctx, agent, req.HealthCheck); err != nil {
			result.Metrics.InstancesFailed++
			o.retireInstance(ctx, nil, agent)
			o.teardown(ctx, green)
			return o.failWithRollback(ctx, req, result, err)
		}
		healthOK++
		result.Metrics.InstancesDeployed++
		o.trackPeak(&result.Metrics, agent)
		green = append(green, agent)
	}

	// Atomic flip: the fleet map entry swings to green; blue drains in
	// the background so in-flight conversations finish.
	o.installFleet(req, versionNumber, green)
	if old != nil {
		for _, instance := range old.Instances {
			if err := instance.Machine.Drain(ctx); err != nil {
				o.logger.Warn("blue instance %s drain failed: %v", instance.ID, err)
			}
		}
	}

	result.Status = StatusSucceeded
	result.Metrics.HealthCheckSuccessRate = rate(healthOK, healthTotal)
	return result, nil
}

// canarySchedule is the growth ladder: share of the fleet running the new
// version after each healthy step.
var canarySchedule = []float64{0.1, 0.25, 0.5, 1.0} //nolint:gochecknoglobals // Fixed rollout ladder

// deployCanary starts one instance of the new version, waits for health
// to stabilize, then grows per the schedule; any health failure rolls back.
func (o *Orchestrator) deployCanary(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{DeploymentID: req.ID, Version: req.ToVersion}

	o.mu.Lock()
	old := o.fleets[req.AgentName]
	o.mu.Unlock()

	versionNumber := domain.VersionNumber(1)
	var oldInstances []*lifecycle.Agent
	if old != nil {
		versionNumber = old.VersionNumber.Next()
		oldInstances = append([]*lifecycle.Agent(nil), old.Instances...)
	}

	fresh := make([]*lifecycle.Agent, 0, req.Instances)
	var healthOK, healthTotal int

	grow := func(target int) error {
		for len(fresh) < target {
			agent, err := o.newInstance(ctx, req, versionNumber)
			healthTotal++
			if err != nil {
				result.Metrics.InstancesFailed++
				return err
			}
			if err := o.healthCheckInstance(ctx, agent, req.HealthCheck); err != nil {
				result.Metrics.InstancesFailed++
				o.retireInstance(ctx, nil, agent)
				return err
			}
			healthOK++
			result.Metrics.InstancesDeployed++
			o.trackPeak(&result.Metrics, agent)
			fresh = append(fresh, agent)

			if len(oldInstances) > 0 {
				o.retireInstance(ctx, old, oldInstances[0])
				oldInstances = oldInstances[1:]
			}
		}
		return nil
	}

	for _, share := range canarySchedule {
		target := int(float64(req.Instances)*share + 0.5)
		if target < 1 {
			target = 1
		}
		if target > req.Instances {
			target = req.Instances
		}
		if err := grow(target); err != nil {
			result.Metrics.HealthCheckSuccessRate = rate(healthOK, healthTotal)
			o.teardown(ctx, fresh)
			return o.failWithRollback(ctx, req, result, err)
		}
		o.logger.Info("canary deployment %s: %d/%d instances healthy on %s",
			req.ID, len(fresh), req.Instances, req.ToVersion)
	}

	for _, instance := range oldInstances {
		o.retireInstance(ctx, old, instance)
	}

	o.installFleet(req, versionNumber, fresh)
	result.Status = StatusSucceeded
	result.Metrics.HealthCheckSuccessRate = rate(healthOK, healthTotal)
	return result, nil
}

// swapFleet installs the new fleet and retires the old one completely.
func (o *Orchestrator) swapFleet(ctx context.Context, req *Request,
	versionNumber domain.VersionNumber, fresh []*lifecycle.Agent, old *Fleet) {
	o.installFleet(req, versionNumber, fresh)
	if old != nil {
		for _, instance := range old.Instances {
			o.retireInstance(ctx, old, instance)
		}
	}
}

// installFleet records the new fleet under the agent's logical name.
func (o *Orchestrator) installFleet(req *Request, versionNumber domain.VersionNumber, instances []*lifecycle.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fleets[req.AgentName] = &Fleet{
		Name:          req.AgentName,
		Version:       req.ToVersion,
		VersionNumber: versionNumber,
		Module:        req.Module,
		Capabilities:  req.Capabilities,
		AgentType:     req.AgentType,
		Resources:     req.Resources,
		Instances:     instances,
	}
}

// teardown retires freshly created instances after a failed rollout.
func (o *Orchestrator) teardown(ctx context.Context, fresh []*lifecycle.Agent) {
	for _, agent := range fresh {
		o.retireInstance(ctx, nil, agent)
	}
}

// failWithRollback finishes a failed deployment: when auto-rollback is set
// and a previous version is known, a rollback — itself an immediate
// deployment to the prior version — runs before returning.
func (o *Orchestrator) failWithRollback(ctx context.Context, req *Request, result *Result, cause error) (*Result, error) {
	result.Status = StatusFailed
	result.Error = cause.Error()

	o.mu.Lock()
	old := o.fleets[req.AgentName]
	o.mu.Unlock()

	if !req.AutoRollback || old == nil || req.FromVersion == nil {
		o.logger.Warn("deployment %s failed: %v", req.ID, cause)
		return result, nil
	}

	o.logger.Warn("deployment %s failed, rolling back %s to %s: %v",
		req.ID, req.AgentName, *req.FromVersion, cause)

	// Surviving old instances keep running until the rollback, an
	// immediate deployment of the prior module at full fleet size,
	// replaces and retires them.
	rollback := &Request{
		ID:           domain.NewDeploymentID(),
		AgentName:    req.AgentName,
		AgentType:    req.AgentType,
		Capabilities: old.Capabilities,
		FromVersion:  &req.ToVersion,
		Module:       old.Module,
		Strategy:     StrategyImmediate,
		Instances:    req.Instances,
		Resources:    old.Resources,
		HealthCheck:  req.HealthCheck,
	}
	if _, err := o.Deploy(ctx, rollback); err != nil {
		o.logger.Error("rollback of %s failed: %v", req.AgentName, err)
		return result, nil
	}

	result.Status = StatusRolledBack
	return result, nil
}

// trackPeak records the high-water memory mark across instances.
func (o *Orchestrator) trackPeak(m *Metrics, agent *lifecycle.Agent) {
	if usage, ok := o.accountant.UsageFor(agent.ID); ok {
		if usage.MemoryBytes > m.PeakMemoryBytes {
			m.PeakMemoryBytes = usage.MemoryBytes
		}
		m.FuelConsumed += usage.FuelConsumed
	}
}

func rate(ok, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}
