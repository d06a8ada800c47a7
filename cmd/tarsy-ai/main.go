// tarsy-ai orchestrates AI agent behavior for a massively multiplayer game:
// it runs a tick scheduler over a sharded agent registry, accepts wire
// protocol connections from game servers, optionally dispatches decisions
// to LLM backends, and syncs agent state to PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tarsy-ai/tarsy-ai/internal/telemetry"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/queue"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/scheduler"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/strategy"
	"github.com/tarsy-ai/tarsy-ai/pkg/apiserver"
	"github.com/tarsy-ai/tarsy-ai/pkg/balancer"
	"github.com/tarsy-ai/tarsy-ai/pkg/config"
	"github.com/tarsy-ai/tarsy-ai/pkg/dbmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/llmdispatch"
	"github.com/tarsy-ai/tarsy-ai/pkg/persistence"
	"github.com/tarsy-ai/tarsy-ai/pkg/protocolhandlers"
	"github.com/tarsy-ai/tarsy-ai/pkg/wire"
	wireserver "github.com/tarsy-ai/tarsy-ai/pkg/wire/server"
)

// Exit codes per spec.md §6.
const (
	exitOK                     = 0
	exitBadConfig              = 1
	exitPersistenceInitFail    = 2
	exitProtocolServerBindFail = 3
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("TARSY_AI_CONFIG", "./tarsy-ai.yaml"), "Path to the YAML configuration file")
	envPath := flag.String("env-file", getEnv("TARSY_AI_ENV_FILE", ".env"), "Path to a .env file of secrets")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", *envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", *envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitBadConfig
	}

	logger := telemetry.New(telemetry.Config{
		Level:  telemetry.ParseLevel(getEnv("LOG_LEVEL", "info")),
		Format: telemetry.Format(getEnv("LOG_FORMAT", "text")),
	}, cfg.Persistence.ServerID)
	slog.SetDefault(logger)

	stats := cfg.Stats()
	logger.Info("starting tarsy-ai", "shards", stats.Shards, "llm_backends", stats.LLMBackends)

	store, err := persistence.Open(ctx, persistenceConfigFromSection(cfg.Persistence), logger)
	if err != nil {
		logger.Error("persistence init failed", "error", err)
		return exitPersistenceInitFail
	}
	defer store.Close()

	bal := balancer.New(balancerConfigFromSection(cfg.Balancer))
	reg := registry.New(bal)

	cmdQueue := queue.New(queue.DefaultCapacity)
	defer cmdQueue.Close()

	tasks := persistence.NewTasks(store, reg, logger)
	tasks.Start(ctx)
	defer tasks.Stop()

	protocolServer := wireserver.New(wireConfigFromSection(cfg.Wire), logger)

	sched := scheduler.New(
		schedulerConfigFromSection(cfg.Scheduler),
		reg, bal, cmdQueue,
		&broadcastNotifier{server: protocolServer},
		defaultStrategyCatalog(cfg.Registry.QTableCap),
		logger,
	)
	protocolhandlers.New(reg, cmdQueue, sched).Register(protocolServer)

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		return exitProtocolServerBindFail
	}
	defer sched.Stop(func(snaps []agentmodel.Snapshot) {
		persistFinalSnapshot(store, snaps, logger)
	})

	dispatcher := llmdispatch.New(llmDispatchConfigFromSection(cfg.LLMDispatch), llmdispatch.NewHTTPTransport(), logger)
	for _, b := range cfg.LLMDispatch.Backends {
		dispatcher.AddBackend(llmdispatch.Backend{ID: b.ID, BaseURL: b.BaseURL, MaxConcurrent: b.MaxConcurrent, Weight: b.Weight})
	}
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	api := apiserver.New(
		apiserver.Config{ListenAddress: cfg.APIServer.ListenAddress},
		store,
		&shardAdapter{balancer: bal},
		&backendAdapter{dispatcher: dispatcher},
		reg,
		&sessionCounter{server: protocolServer},
	)
	if err := api.Start(logger); err != nil {
		logger.Error("api server start failed", "error", err)
		return exitProtocolServerBindFail
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Warn("api server shutdown error", "error", err)
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- protocolServer.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("protocol server exited", "error", err)
			protocolServer.Stop()
			return exitProtocolServerBindFail
		}
	}

	protocolServer.Stop()
	logger.Info("tarsy-ai stopped cleanly")
	return exitOK
}

// persistFinalSnapshot is the scheduler's shutdown seam into persistence:
// it upserts every agent still in the registry so a restart doesn't lose
// in-flight state, mirroring spec.md §5's shutdown contract.
func persistFinalSnapshot(store *persistence.Store, snaps []agentmodel.Snapshot, logger *slog.Logger) {
	if len(snaps) == 0 {
		return
	}
	rows := make([]dbmodel.AgentRow, len(snaps))
	for i, s := range snaps {
		rows[i] = dbmodel.FromSnapshot(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.UpsertAgents(ctx, rows); err != nil {
		logger.Error("final snapshot persist failed", "error", err, "count", len(snaps))
	}
}

// broadcastNotifier adapts wireserver.Server.Broadcast onto
// scheduler.Notifier; it lives in main rather than pkg/wire/server because
// the protocol server does not import agentmodel (see DESIGN.md).
type broadcastNotifier struct {
	server *wireserver.Server
}

type stateChangePayload struct {
	AgentID string              `json:"ai_id"`
	State   string              `json:"new_state"`
	Pos     agentmodel.Position `json:"position"`
}

func (n *broadcastNotifier) NotifyStateChange(agentID string, newState agentmodel.LifecycleState, pos agentmodel.Position) {
	data, err := wire.NewData(stateChangePayload{AgentID: agentID, State: newState.String(), Pos: pos})
	if err != nil {
		return
	}
	n.server.Broadcast(wire.Message{
		Kind:      wire.KindNotification,
		Cmd:       wire.NotifyAIStateChange,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

type battleEventPayload struct {
	AIID      string          `json:"ai_id"`
	EventType string          `json:"event_type"`
	Data      battleEventData `json:"data"`
}

type battleEventData struct {
	Target   string `json:"target"`
	Damage   int    `json:"damage"`
	TargetHP int    `json:"target_hp"`
}

func (n *broadcastNotifier) NotifyBattleEvent(agentID, targetID, eventType string, damage, targetHP int) {
	data, err := wire.NewData(battleEventPayload{
		AIID:      agentID,
		EventType: eventType,
		Data:      battleEventData{Target: targetID, Damage: damage, TargetHP: targetHP},
	})
	if err != nil {
		return
	}
	n.server.Broadcast(wire.Message{
		Kind:      wire.KindNotification,
		Cmd:       wire.NotifyBattleEvent,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

// sessionCounter adapts wireserver.Server.SessionCount onto
// apiserver.Counter.
type sessionCounter struct {
	server *wireserver.Server
}

func (s *sessionCounter) Count() int { return s.server.SessionCount() }

// shardAdapter adapts *balancer.Balancer onto apiserver.ShardSnapshotter.
type shardAdapter struct {
	balancer *balancer.Balancer
}

func (a *shardAdapter) Snapshot() []apiserver.ShardStatus {
	shards := a.balancer.Snapshot()
	out := make([]apiserver.ShardStatus, len(shards))
	for i, s := range shards {
		out[i] = apiserver.ShardStatus{
			ID: s.ID, CurrentCount: s.CurrentCount, Capacity: s.Capacity,
			Healthy: s.Healthy, LastHeartbeat: s.LastHeartbeat,
		}
	}
	return out
}

// backendAdapter adapts *llmdispatch.Dispatcher onto
// apiserver.BackendStatsReporter.
type backendAdapter struct {
	dispatcher *llmdispatch.Dispatcher
}

func (a *backendAdapter) Stats() []apiserver.BackendStatus {
	stats := a.dispatcher.Stats()
	out := make([]apiserver.BackendStatus, len(stats))
	for i, s := range stats {
		out[i] = apiserver.BackendStatus{
			BackendID: s.BackendID, Healthy: s.Healthy,
			Total: s.Total, Succeeded: s.Succeeded, Failed: s.Failed,
		}
	}
	return out
}

func persistenceConfigFromSection(c config.PersistenceConfig) persistence.Config {
	return persistence.Config{
		DSN: c.DSN, PoolSize: c.PoolSize, ConnectTimeout: c.ConnectTimeout,
		RetryInterval: c.RetryInterval, MaxRetries: c.MaxRetries,
		DirtyDrainPeriod: c.DirtyDrainPeriod, HeartbeatPeriod: c.HeartbeatPeriod,
		RetentionSweep: c.RetentionSweep, AgentRetention: c.AgentRetention,
		EventRetention: c.EventRetention, ServerID: c.ServerID,
	}
}

func balancerConfigFromSection(c config.BalancerConfig) balancer.Config {
	shards := make([]balancer.ShardConfig, len(c.Shards))
	for i, s := range c.Shards {
		shards[i] = balancer.ShardConfig{ID: s.ID, Capacity: s.Capacity, Weight: s.Weight, Enabled: s.Enabled}
	}
	return balancer.Config{
		Strategy: balancer.StrategyName(c.Strategy), Shards: shards,
		RebalanceTolerance: c.RebalanceTolerance, UnhealthyAfter: c.UnhealthyAfter,
	}
}

func wireConfigFromSection(c config.WireConfig) wireserver.Config {
	return wireserver.Config{
		Network: c.Network, Address: c.Address, BroadcastQueueLimit: c.BroadcastQueueLimit,
		WriteStallTimeout: c.WriteStallTimeout, CleanupInterval: c.CleanupInterval,
		HeartbeatInterval: c.HeartbeatInterval,
	}
}

func schedulerConfigFromSection(c config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		TickInterval: c.TickInterval, Workers: c.Workers,
		CommandDrainInterval: c.CommandDrainInterval, CommandBatchSize: c.CommandBatchSize,
		BalanceInterval: c.BalanceInterval, TickBudget: c.TickBudget,
		BudgetViolationsToDemote: c.BudgetViolationsToDemote, FailuresToDemote: c.FailuresToDemote,
		ShutdownGrace: c.ShutdownGrace,
	}
}

func llmDispatchConfigFromSection(c config.LLMDispatchConfig) llmdispatch.Config {
	return llmdispatch.Config{
		QueueCapacity: c.QueueCapacity, Strategy: llmdispatch.Strategy(c.Strategy),
		HealthInterval: c.HealthInterval, HealthTimeout: c.HealthTimeout,
		MaxRetries: c.MaxRetries, RetryDelay: c.RetryDelay, DispatchInterval: c.DispatchInterval,
	}
}

func defaultStrategyCatalog(qTableCap int) map[strategy.Name]strategy.Strategy {
	qcfg := strategy.DefaultQLearningConfig()
	qcfg.MaxEntries = qTableCap
	ql := strategy.NewQLearning(qcfg)
	return map[strategy.Name]strategy.Strategy{
		strategy.NameUtility:      strategy.NewUtility(strategy.DefaultUtilityConfig()),
		strategy.NameBehaviorTree: strategy.NewBehaviorTree(nil),
		strategy.NameQLearning:    ql,
		strategy.NameHierarchical: strategy.NewHierarchical(nil, nil),
		strategy.NameHybrid:       strategy.NewHybrid(nil, nil, ql),
	}
}
