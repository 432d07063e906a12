package deploy

import (
	"context"
	"fmt"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
)

// ReloadMode selects how a hot reload swaps versions.
type ReloadMode string

const (
	// ReloadDrain drains the old version before the new one takes over.
	ReloadDrain ReloadMode = "drain"
	// ReloadShadow health-probes one instance of the new version under a
	// separate fleet name, then flips. Outputs are not compared.
	ReloadShadow ReloadMode = "shadow"
	// ReloadTrafficSplit grows the new version's share gradually.
	ReloadTrafficSplit ReloadMode = "traffic_split"
)

// ParseReloadMode validates a reload mode name.
func ParseReloadMode(s string) (ReloadMode, error) {
	switch ReloadMode(s) {
	case ReloadDrain, ReloadShadow, ReloadTrafficSplit:
		return ReloadMode(s), nil
	default:
		return "", fmt.Errorf("%w: unknown reload mode %q", domain.ErrValidation, s)
	}
}

// HotReloadManager swaps an agent's module version in place, without
// dropping traffic, by mapping each reload mode onto a deployment strategy.
type HotReloadManager struct {
	orchestrator *Orchestrator
	logger       *logx.Logger
}

// NewHotReloadManager wires a reload manager over the orchestrator.
func NewHotReloadManager(orchestrator *Orchestrator) *HotReloadManager {
	return &HotReloadManager{
		orchestrator: orchestrator,
		logger:       logx.NewLogger("hotreload"),
	}
}

// Reload swaps the named agent's module for newModule under the given
// mode. The fleet's size, type, capabilities, and resources carry over.
func (h *HotReloadManager) Reload(ctx context.Context, agentName string, newModule []byte, mode ReloadMode) (*Result, error) {
	if _, err := ParseReloadMode(string(mode)); err != nil {
		return nil, err
	}

	fleet, ok := h.orchestrator.Fleet(agentName)
	if !ok {
		return nil, fmt.Errorf("%w: no deployed agent named %q", domain.ErrNotFound, agentName)
	}

	newVersion := domain.VersionFromModule(newModule)
	if newVersion == fleet.Version {
		return nil, fmt.Errorf("%w: agent %q already runs version %s",
			domain.ErrPreconditionFailed, agentName, newVersion)
	}

	fromVersion := fleet.Version
	req := &Request{
		ID:           domain.NewDeploymentID(),
		AgentName:    agentName,
		AgentType:    fleet.AgentType,
		Capabilities: fleet.Capabilities,
		FromVersion:  &fromVersion,
		Module:       newModule,
		Instances:    len(fleet.Instances),
		Resources:    fleet.Resources,
		AutoRollback: true,
	}
	if req.Instances < 1 {
		req.Instances = 1
	}

	switch mode {
	case ReloadDrain:
		// Drain maps to blue-green: old instances drain while the new
		// version takes the routing entry.
		req.Strategy = StrategyBlueGreen
	case ReloadShadow:
		req.Strategy = StrategyBlueGreen
	case ReloadTrafficSplit:
		req.Strategy = StrategyCanary
	}

	h.logger.Info("hot reload of %s: %s → %s (%s)", agentName, fromVersion, newVersion, mode)

	if mode == ReloadShadow {
		return h.reloadShadow(ctx, req)
	}
	return h.orchestrator.Deploy(ctx, req)
}

// reloadShadow first deploys one probe instance of the new version as a
// separate shadow fleet, lets it pass its health probes, retires it, and
// only then performs the routing flip.
func (h *HotReloadManager) reloadShadow(ctx context.Context, req *Request) (*Result, error) {
	// Shadow phase: a single probe instance validates the module before
	// the fleet-wide flip. It is registered under its own id, and the real
	// fleet's entry stays on the old version until the flip.
	probeReq := *req
	probeReq.ID = domain.NewDeploymentID()
	probeReq.AgentName = req.AgentName + "@shadow"
	probeReq.Instances = 1
	probeReq.Strategy = StrategyImmediate
	probeReq.AutoRollback = false

	probeResult, err := h.orchestrator.Deploy(ctx, &probeReq)
	if err != nil {
		return nil, fmt.Errorf("shadow probe failed: %w", err)
	}
	if probeResult.Status != StatusSucceeded {
		return probeResult, fmt.Errorf("%w: shadow probe unhealthy: %s",
			domain.ErrPreconditionFailed, probeResult.Error)
	}

	// Tear the shadow down before the real flip.
	h.teardownShadow(ctx, probeReq.AgentName)

	h.logger.Info("shadow of %s healthy on %s, flipping", req.AgentName, req.ToVersion)
	return h.orchestrator.Deploy(ctx, req)
}

// teardownShadow retires the shadow fleet created by reloadShadow.
func (h *HotReloadManager) teardownShadow(ctx context.Context, shadowName string) {
	shadow, ok := h.orchestrator.Fleet(shadowName)
	if !ok {
		return
	}
	for _, instance := range shadow.Instances {
		h.orchestrator.retireInstance(ctx, shadow, instance)
	}
	h.orchestrator.mu.Lock()
	delete(h.orchestrator.fleets, shadowName)
	h.orchestrator.mu.Unlock()
}
