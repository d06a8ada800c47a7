package config

import "time"

// SchedulerConfig mirrors pkg/aicore/scheduler.Config (spec.md §4.E).
type SchedulerConfig struct {
	TickInterval             time.Duration `yaml:"tick_interval"`
	Workers                  int           `yaml:"workers"`
	CommandDrainInterval     time.Duration `yaml:"command_drain_interval"`
	CommandBatchSize         int           `yaml:"command_batch_size"`
	BalanceInterval          time.Duration `yaml:"balance_interval"`
	TickBudget               time.Duration `yaml:"tick_budget"`
	BudgetViolationsToDemote int           `yaml:"budget_violations_to_demote"`
	FailuresToDemote         int           `yaml:"failures_to_demote"`
	ShutdownGrace            time.Duration `yaml:"shutdown_grace"`
}

func defaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:             100 * time.Millisecond,
		CommandDrainInterval:     100 * time.Millisecond,
		CommandBatchSize:         64,
		BalanceInterval:          5 * time.Second,
		TickBudget:               time.Millisecond,
		BudgetViolationsToDemote: 3,
		FailuresToDemote:         3,
		ShutdownGrace:            10 * time.Second,
	}
}

// RegistryConfig mirrors the tunables pkg/aicore/registry exposes beyond its
// balancer dependency (spec.md §4.C).
type RegistryConfig struct {
	// QTableCap bounds each agent's Q-learning table before eviction.
	QTableCap int `yaml:"q_table_cap"`
}

func defaultRegistryConfig() RegistryConfig {
	return RegistryConfig{QTableCap: 10000}
}

// ShardConfig mirrors pkg/balancer.ShardConfig.
type ShardConfig struct {
	ID       int     `yaml:"id"`
	Capacity int     `yaml:"capacity"`
	Weight   float64 `yaml:"weight"`
	Enabled  bool    `yaml:"enabled"`
}

// BalancerConfig mirrors pkg/balancer.Config (spec.md §4.F).
type BalancerConfig struct {
	Strategy           string        `yaml:"strategy"`
	Shards             []ShardConfig `yaml:"shards"`
	RebalanceTolerance float64       `yaml:"rebalance_tolerance"`
	UnhealthyAfter     time.Duration `yaml:"unhealthy_after"`
}

func defaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		Strategy:           "least_connections",
		RebalanceTolerance: 0.15,
		UnhealthyAfter:     30 * time.Second,
	}
}

// WireConfig mirrors pkg/wire/server.Config (spec.md §4.H).
type WireConfig struct {
	Network             string        `yaml:"network"`
	Address             string        `yaml:"address"`
	BroadcastQueueLimit int           `yaml:"broadcast_queue_limit"`
	WriteStallTimeout   time.Duration `yaml:"write_stall_timeout"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

func defaultWireConfig() WireConfig {
	return WireConfig{
		Network:             "tcp",
		Address:             ":7777",
		BroadcastQueueLimit: 1024,
		WriteStallTimeout:   5 * time.Second,
		CleanupInterval:     60 * time.Second,
		HeartbeatInterval:   30 * time.Second,
	}
}

// BackendConfig mirrors pkg/llmdispatch.Backend.
type BackendConfig struct {
	ID            string  `yaml:"id"`
	BaseURL       string  `yaml:"base_url"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	Weight        float64 `yaml:"weight"`
}

// LLMDispatchConfig mirrors pkg/llmdispatch.Config (spec.md §4.J).
type LLMDispatchConfig struct {
	Backends         []BackendConfig `yaml:"backends"`
	Strategy         string          `yaml:"strategy"`
	QueueCapacity    int             `yaml:"queue_capacity"`
	HealthInterval   time.Duration   `yaml:"health_interval"`
	HealthTimeout    time.Duration   `yaml:"health_timeout"`
	MaxRetries       int             `yaml:"max_retries"`
	RetryDelay       time.Duration   `yaml:"retry_delay"`
	DispatchInterval time.Duration   `yaml:"dispatch_interval"`
}

func defaultLLMDispatchConfig() LLMDispatchConfig {
	return LLMDispatchConfig{
		Strategy:         "least_connections",
		QueueCapacity:    1000,
		HealthInterval:   10 * time.Second,
		HealthTimeout:    3 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		DispatchInterval: 50 * time.Millisecond,
	}
}

// PersistenceConfig mirrors pkg/persistence.Config (spec.md §4.K).
type PersistenceConfig struct {
	DSN string `yaml:"dsn"`

	PoolSize         int           `yaml:"pool_size"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	DirtyDrainPeriod time.Duration `yaml:"dirty_drain_period"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	RetentionSweep   time.Duration `yaml:"retention_sweep"`
	AgentRetention   time.Duration `yaml:"agent_retention"`
	EventRetention   time.Duration `yaml:"event_retention"`

	ServerID string `yaml:"server_id"`
}

func defaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		PoolSize:         10,
		ConnectTimeout:   30 * time.Second,
		RetryInterval:    5 * time.Second,
		DirtyDrainPeriod: 5 * time.Second,
		HeartbeatPeriod:  60 * time.Second,
		RetentionSweep:   24 * time.Hour,
		AgentRetention:   60 * 24 * time.Hour,
		EventRetention:   30 * 24 * time.Hour,
		ServerID:         "default",
	}
}

// APIServerConfig controls the ambient HTTP surface (pkg/apiserver).
type APIServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

func defaultAPIServerConfig() APIServerConfig {
	return APIServerConfig{ListenAddress: ":8090"}
}

// defaultConfig returns a Config with every section's built-in defaults
// applied, used as the merge base in loader.go.
func defaultConfig() *Config {
	return &Config{
		Scheduler:   defaultSchedulerConfig(),
		Registry:    defaultRegistryConfig(),
		Balancer:    defaultBalancerConfig(),
		Wire:        defaultWireConfig(),
		LLMDispatch: defaultLLMDispatchConfig(),
		Persistence: defaultPersistenceConfig(),
		APIServer:   defaultAPIServerConfig(),
	}
}
