// Command agentmesh runs the multi-agent orchestration runtime: the
// message router, the WebAssembly sandbox engine, the deployment
// orchestrator, and the HTTP management surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentmesh/pkg/api"
	"agentmesh/pkg/config"
	"agentmesh/pkg/conversation"
	"agentmesh/pkg/delivery"
	"agentmesh/pkg/deploy"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/proto"
	"agentmesh/pkg/registry"
	"agentmesh/pkg/resources"
	"agentmesh/pkg/router"
	"agentmesh/pkg/sandbox"
	"agentmesh/pkg/storage"
)

func main() {
	configDir := flag.String("config", ".", "directory containing agentmesh.yaml")
	flag.Parse()

	logger := logx.NewLogger("agentmesh")

	if err := run(*configDir, logger); err != nil {
		logger.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(configDir string, logger *logx.Logger) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return logx.Wrap(err, "load config")
	}

	recorder := metrics.NewPrometheusRecorder()

	store, err := storage.Open(cfg.Storage.Path, cfg.Router.DeadLetterQueueSize)
	if err != nil {
		return logx.Wrap(err, "open message store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close: %v", err)
		}
	}()

	var routeStore registry.RouteStore
	if cfg.Cluster.RedisAddr != "" {
		redisStore, err := registry.NewRedisRouteStore(cfg.Cluster.RedisAddr, "agentmesh")
		if err != nil {
			return logx.Wrap(err, "connect route store")
		}
		defer func() { _ = redisStore.Close() }()
		routeStore = redisStore
		logger.Info("shared route table enabled via %s", cfg.Cluster.RedisAddr)
	}

	accountant := resources.NewAccountant(&cfg.Resources, recorder)
	reg := registry.New(cfg.Cluster.RouteTTL.Duration(), routeStore, recorder)

	convTimeout, err := domain.NewConversationTimeout(cfg.Router.ConversationTimeout.Duration())
	if err != nil {
		return err
	}
	conversations := conversation.NewManager(convTimeout, store, recorder)

	breakerThreshold, err := domain.NewCircuitBreakerThreshold(cfg.Router.CircuitBreakerThreshold)
	if err != nil {
		return err
	}
	retryDelay, err := domain.NewRetryDelay(cfg.Router.RetryDelay.Duration())
	if err != nil {
		return err
	}
	retryCfg := delivery.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Router.MaxRetries
	retryCfg.InitialDelay = retryDelay.Duration()
	retryCfg.BackoffFactor = cfg.Router.RetryBackoffFactor

	engine := delivery.NewEngine(reg, conversations, store, nil, delivery.Config{
		Retry:            retryCfg,
		BreakerThreshold: breakerThreshold,
		BreakerTimeout:   cfg.Router.CircuitBreakerTimeout.Duration(),
	}, recorder)

	rt := router.New(&cfg.Router, reg, conversations, engine, accountant, store, recorder)

	pool := sandbox.NewPool(cfg.Sandbox.PoolPerType, cfg.Sandbox.PoolTotal, recorder)
	orchestrator := deploy.New(cfg, rt, accountant, pool, nil, recorder)

	// Host wall plumbing: send_message routes through the coordinator,
	// receive_message drains the agent's own mailbox.
	orchestrator.SetHostEnvFactory(func(id domain.AgentID, capabilities []string) *sandbox.HostEnv {
		send := func(recipient domain.AgentID, payload []byte) error {
			msg := proto.NewMessage(proto.PerformativeInform, id, recipient, payload)
			_, err := rt.RouteMessage(msg)
			return err
		}
		receive := func() ([]byte, bool) {
			loc := reg.Lookup(id)
			if loc.Kind != registry.LocationLocal || loc.Agent == nil {
				return nil, false
			}
			msg, ok := loc.Agent.Dequeue()
			if !ok {
				return nil, false
			}
			return msg.Content, true
		}
		return sandbox.NewHostEnv(capabilities, send, receive)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return logx.Wrap(err, "start router")
	}

	server := api.NewServer(cfg.API.ListenAddr, rt, reg, orchestrator)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	logger.Info("agentmesh running")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("management API: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("%v", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("%v", err)
	}
	pool.Close(shutdownCtx)

	logger.Info("agentmesh stopped")
	return nil
}
