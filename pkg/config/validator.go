package config

import (
	"fmt"
	"net/url"
)

// Validator validates a loaded Config comprehensively with clear,
// component-scoped error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at the
// first error so the operator sees one actionable message at a time).
func (v *Validator) ValidateAll() error {
	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := v.validateRegistry(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := v.validateBalancer(); err != nil {
		return fmt.Errorf("balancer: %w", err)
	}
	if err := v.validateWire(); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if err := v.validateLLMDispatch(); err != nil {
		return fmt.Errorf("llm_dispatch: %w", err)
	}
	if err := v.validatePersistence(); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := v.validateAPIServer(); err != nil {
		return fmt.Errorf("api_server: %w", err)
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.TickInterval <= 0 {
		return NewValidationError("scheduler", "", "tick_interval", ErrInvalidValue)
	}
	if s.CommandBatchSize <= 0 {
		return NewValidationError("scheduler", "", "command_batch_size", ErrInvalidValue)
	}
	if s.BudgetViolationsToDemote <= 0 {
		return NewValidationError("scheduler", "", "budget_violations_to_demote", ErrInvalidValue)
	}
	if s.FailuresToDemote <= 0 {
		return NewValidationError("scheduler", "", "failures_to_demote", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateRegistry() error {
	if v.cfg.Registry.QTableCap <= 0 {
		return NewValidationError("registry", "", "q_table_cap", ErrInvalidValue)
	}
	return nil
}

var validBalancerStrategies = map[string]bool{
	"round_robin":       true,
	"least_connections": true,
	"weighted":          true,
}

func (v *Validator) validateBalancer() error {
	b := v.cfg.Balancer
	if !validBalancerStrategies[b.Strategy] {
		return NewValidationError("balancer", "", "strategy", fmt.Errorf("%w: %q", ErrInvalidValue, b.Strategy))
	}
	if len(b.Shards) == 0 {
		return NewValidationError("balancer", "", "shards", fmt.Errorf("%w: at least one shard is required", ErrMissingRequiredField))
	}

	seen := make(map[int]bool, len(b.Shards))
	for _, s := range b.Shards {
		if s.ID <= 0 {
			return NewValidationError("balancer", fmt.Sprintf("shard %d", s.ID), "id", ErrInvalidValue)
		}
		if seen[s.ID] {
			return NewValidationError("balancer", fmt.Sprintf("shard %d", s.ID), "id", fmt.Errorf("%w: duplicate shard id", ErrInvalidValue))
		}
		seen[s.ID] = true
		if s.Capacity < 0 {
			return NewValidationError("balancer", fmt.Sprintf("shard %d", s.ID), "capacity", ErrInvalidValue)
		}
		if b.Strategy == "weighted" && s.Weight <= 0 {
			return NewValidationError("balancer", fmt.Sprintf("shard %d", s.ID), "weight", fmt.Errorf("%w: weighted strategy requires a positive weight", ErrInvalidValue))
		}
	}
	if b.RebalanceTolerance <= 0 || b.RebalanceTolerance >= 1 {
		return NewValidationError("balancer", "", "rebalance_tolerance", fmt.Errorf("%w: must be in (0, 1)", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateWire() error {
	w := v.cfg.Wire
	if w.Network != "tcp" && w.Network != "unix" {
		return NewValidationError("wire", "", "network", fmt.Errorf("%w: %q", ErrInvalidValue, w.Network))
	}
	if w.Address == "" {
		return NewValidationError("wire", "", "address", ErrMissingRequiredField)
	}
	return nil
}

var validLLMStrategies = map[string]bool{
	"round_robin":       true,
	"least_connections": true,
	"weighted":          true,
}

func (v *Validator) validateLLMDispatch() error {
	d := v.cfg.LLMDispatch
	if !validLLMStrategies[d.Strategy] {
		return NewValidationError("llm_dispatch", "", "strategy", fmt.Errorf("%w: %q", ErrInvalidValue, d.Strategy))
	}
	if len(d.Backends) == 0 {
		return NewValidationError("llm_dispatch", "", "backends", fmt.Errorf("%w: at least one backend is required", ErrMissingRequiredField))
	}
	if d.QueueCapacity <= 0 {
		return NewValidationError("llm_dispatch", "", "queue_capacity", ErrInvalidValue)
	}

	seen := make(map[string]bool, len(d.Backends))
	for _, b := range d.Backends {
		if b.ID == "" {
			return NewValidationError("llm_dispatch", "", "backends[].id", ErrMissingRequiredField)
		}
		if seen[b.ID] {
			return NewValidationError("llm_dispatch", b.ID, "id", fmt.Errorf("%w: duplicate backend id", ErrInvalidValue))
		}
		seen[b.ID] = true
		if _, err := url.ParseRequestURI(b.BaseURL); err != nil {
			return NewValidationError("llm_dispatch", b.ID, "base_url", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		if b.MaxConcurrent <= 0 {
			return NewValidationError("llm_dispatch", b.ID, "max_concurrent", ErrInvalidValue)
		}
		if d.Strategy == "weighted" && b.Weight <= 0 {
			return NewValidationError("llm_dispatch", b.ID, "weight", fmt.Errorf("%w: weighted strategy requires a positive weight", ErrInvalidValue))
		}
	}
	return nil
}

func (v *Validator) validatePersistence() error {
	p := v.cfg.Persistence
	if p.DSN == "" {
		return NewValidationError("persistence", "", "dsn", ErrMissingRequiredField)
	}
	if p.PoolSize < 1 || p.PoolSize > 50 {
		return NewValidationError("persistence", "", "pool_size", fmt.Errorf("%w: must be in [1, 50]", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateAPIServer() error {
	if v.cfg.APIServer.ListenAddress == "" {
		return NewValidationError("api_server", "", "listen_address", ErrMissingRequiredField)
	}
	return nil
}
