// Package config loads and validates the orchestrator's YAML configuration
// (spec.md §6): one file covering the scheduler, registry, balancer, wire
// protocol server, LLM dispatcher, persistence synchronizer, and API server
// sections, with {{.ENV_VAR}}-style secrets kept out of the file itself via
// Go-template expansion (see envexpand.go).
//
// Grounded on the teacher's pkg/config: the layered Initialize() (load,
// expand, merge defaults, validate) and the hand-written Validator shape are
// kept; the teacher's own sections (agents, chains, MCP servers, LLM
// providers) are replaced with this system's own.
package config

// Config is the fully-resolved, validated configuration for one server
// process.
type Config struct {
	configPath string

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Registry    RegistryConfig    `yaml:"registry"`
	Balancer    BalancerConfig    `yaml:"balancer"`
	Wire        WireConfig        `yaml:"wire"`
	LLMDispatch LLMDispatchConfig `yaml:"llm_dispatch"`
	Persistence PersistenceConfig `yaml:"persistence"`
	APIServer   APIServerConfig   `yaml:"api_server"`
}

// ConfigPath returns the file this configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Stats summarizes the resolved configuration for startup logging.
type Stats struct {
	Shards      int
	LLMBackends int
}

// Stats returns summary counts of the loaded configuration.
func (c *Config) Stats() Stats {
	return Stats{
		Shards:      len(c.Balancer.Shards),
		LLMBackends: len(c.LLMDispatch.Backends),
	}
}
