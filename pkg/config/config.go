// Package config loads and validates the runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"agentmesh/pkg/domain"
)

// ConfigFileName is the YAML file looked up by Load.
const ConfigFileName = "agentmesh.yaml"

// Duration wraps time.Duration so YAML accepts "30s"-style strings as
// well as integer nanoseconds.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config is the root runtime configuration.
type Config struct {
	Router     RouterConfig     `yaml:"router"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Storage    StorageConfig    `yaml:"storage"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	API        APIConfig        `yaml:"api"`
}

// RouterConfig tunes the router coordinator and delivery engine.
type RouterConfig struct {
	InboundCapacity         int      `yaml:"inbound_capacity"`
	WorkerThreads           int      `yaml:"worker_threads"`
	BatchSize               int      `yaml:"batch_size"`
	BatchTick               Duration `yaml:"batch_tick"`
	AgentQueueSize          int      `yaml:"agent_queue_size"`
	MaxRetries              int      `yaml:"max_retries"`
	RetryDelay              Duration `yaml:"retry_delay"`
	RetryBackoffFactor      float64  `yaml:"retry_backoff_factor"`
	MessageTimeout          Duration `yaml:"message_timeout"`
	ConversationTimeout     Duration `yaml:"conversation_timeout"`
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   Duration `yaml:"circuit_breaker_timeout"`
	HealthCheckInterval     Duration `yaml:"health_check_interval"`
	DeadLetterQueueSize     int      `yaml:"dead_letter_queue_size"`
}

// ResourcesConfig sets the accountant's per-agent and global ceilings.
type ResourcesConfig struct {
	MaxMemoryPerAgent uint64 `yaml:"max_memory_per_agent"`
	MaxMemoryTotal    uint64 `yaml:"max_memory_total"`
	MaxFuelPerAgent   uint64 `yaml:"max_fuel_per_agent"`
	MaxMessageSize    uint64 `yaml:"max_message_size"`
}

// SandboxConfig tunes WebAssembly execution.
type SandboxConfig struct {
	MaxExecutionTime Duration `yaml:"max_execution_time"`
	MaxTableEntries  uint32   `yaml:"max_table_entries"`
	MaxLogLength     int      `yaml:"max_log_length"`
	PoolPerType      int      `yaml:"pool_per_type"`
	PoolTotal        int      `yaml:"pool_total"`
}

// StorageConfig locates the embedded message store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DeploymentConfig tunes the orchestrator.
type DeploymentConfig struct {
	TransitionTimeout  Duration `yaml:"transition_timeout"`
	DrainTimeout       Duration `yaml:"drain_timeout"`
	HealthInitialDelay Duration `yaml:"health_initial_delay"`
	HealthInterval     Duration `yaml:"health_interval"`
	HealthTimeout      Duration `yaml:"health_timeout"`
	SuccessThreshold   int      `yaml:"success_threshold"`
	FailureThreshold   int      `yaml:"failure_threshold"`
}

// ClusterConfig wires the optional remote route table.
type ClusterConfig struct {
	// RedisAddr enables the shared route table when non-empty.
	RedisAddr string   `yaml:"redis_addr"`
	RouteTTL  Duration `yaml:"route_ttl"`
}

// APIConfig tunes the HTTP management surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			InboundCapacity:         10_000,
			WorkerThreads:           4,
			BatchSize:               100,
			BatchTick:               Duration(10 * time.Millisecond),
			AgentQueueSize:          1_000,
			MaxRetries:              3,
			RetryDelay:              Duration(100 * time.Millisecond),
			RetryBackoffFactor:      2.0,
			MessageTimeout:          Duration(30 * time.Second),
			ConversationTimeout:     Duration(30 * time.Minute),
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   Duration(30 * time.Second),
			HealthCheckInterval:     Duration(5 * time.Second),
			DeadLetterQueueSize:     100_000,
		},
		Resources: ResourcesConfig{
			MaxMemoryPerAgent: 64 << 20, // 64 MiB
			MaxMemoryTotal:    1 << 30,  // 1 GiB
			MaxFuelPerAgent:   10_000_000,
			MaxMessageSize:    domain.MaxMessageSizeBytes,
		},
		Sandbox: SandboxConfig{
			MaxExecutionTime: Duration(5 * time.Second),
			MaxTableEntries:  10_000,
			MaxLogLength:     4_096,
			PoolPerType:      10,
			PoolTotal:        100,
		},
		Storage: StorageConfig{
			Path: "agentmesh.db",
		},
		Deployment: DeploymentConfig{
			TransitionTimeout:  Duration(30 * time.Second),
			DrainTimeout:       Duration(60 * time.Second),
			HealthInitialDelay: Duration(500 * time.Millisecond),
			HealthInterval:     Duration(time.Second),
			HealthTimeout:      Duration(2 * time.Second),
			SuccessThreshold:   2,
			FailureThreshold:   3,
		},
		Cluster: ClusterConfig{
			RouteTTL: Duration(5 * time.Minute),
		},
		API: APIConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads agentmesh.yaml from dir, overlaying values onto the defaults.
// A missing file yields the defaults unchanged.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against the domain bounds.
func (c *Config) Validate() error {
	if _, err := domain.NewChannelCapacity(c.Router.InboundCapacity); err != nil {
		return fmt.Errorf("router.inbound_capacity: %w", err)
	}
	if c.Router.WorkerThreads < 1 || c.Router.WorkerThreads > 32 {
		return fmt.Errorf("%w: router.worker_threads %d outside [1, 32]",
			domain.ErrValidation, c.Router.WorkerThreads)
	}
	if _, err := domain.NewBatchSize(c.Router.BatchSize); err != nil {
		return fmt.Errorf("router.batch_size: %w", err)
	}
	if _, err := domain.NewAgentQueueSize(c.Router.AgentQueueSize); err != nil {
		return fmt.Errorf("router.agent_queue_size: %w", err)
	}
	if _, err := domain.NewMaxRetries(c.Router.MaxRetries); err != nil {
		return fmt.Errorf("router.max_retries: %w", err)
	}
	if _, err := domain.NewRetryDelay(c.Router.RetryDelay.Duration()); err != nil {
		return fmt.Errorf("router.retry_delay: %w", err)
	}
	if _, err := domain.NewMessageTimeout(c.Router.MessageTimeout.Duration()); err != nil {
		return fmt.Errorf("router.message_timeout: %w", err)
	}
	if _, err := domain.NewConversationTimeout(c.Router.ConversationTimeout.Duration()); err != nil {
		return fmt.Errorf("router.conversation_timeout: %w", err)
	}
	if _, err := domain.NewCircuitBreakerThreshold(c.Router.CircuitBreakerThreshold); err != nil {
		return fmt.Errorf("router.circuit_breaker_threshold: %w", err)
	}
	if c.Router.DeadLetterQueueSize < 10_000 || c.Router.DeadLetterQueueSize > 10_000_000 {
		return fmt.Errorf("%w: router.dead_letter_queue_size %d outside [10000, 10000000]",
			domain.ErrValidation, c.Router.DeadLetterQueueSize)
	}
	if _, err := domain.NewCpuFuel(c.Resources.MaxFuelPerAgent); err != nil {
		return fmt.Errorf("resources.max_fuel_per_agent: %w", err)
	}
	if c.Resources.MaxMessageSize > domain.MaxMessageSizeBytes {
		return fmt.Errorf("%w: resources.max_message_size %d exceeds %d",
			domain.ErrValidation, c.Resources.MaxMessageSize, domain.MaxMessageSizeBytes)
	}
	if c.Deployment.TransitionTimeout.Duration() < time.Second || c.Deployment.TransitionTimeout.Duration() > 5*time.Minute {
		return fmt.Errorf("%w: deployment.transition_timeout %v outside [1s, 5m]",
			domain.ErrValidation, c.Deployment.TransitionTimeout)
	}
	if c.Deployment.DrainTimeout.Duration() < 5*time.Second || c.Deployment.DrainTimeout.Duration() > 10*time.Minute {
		return fmt.Errorf("%w: deployment.drain_timeout %v outside [5s, 10m]",
			domain.ErrValidation, c.Deployment.DrainTimeout)
	}
	return nil
}
