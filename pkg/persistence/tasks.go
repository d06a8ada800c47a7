package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/dbmodel"
)

// DirtySource is the subset of *registry.Registry the synchronizer's
// periodic tasks need. Declared as an interface so store_test.go can supply
// a double with no database or load balancer involved.
type DirtySource interface {
	List(filter registry.Filter) []agentmodel.Snapshot
	ClearDirty(id string, atVersion int64) error
	Count() int
}

var dirtyFilter = registry.Filter{Match: func(s agentmodel.Snapshot) bool { return s.Dirty }}

// Tasks runs the synchronizer's three periodic background jobs: dirty-drain
// (5s), heartbeat (60s), and retention sweep (24h), per spec.md §4.K.
type Tasks struct {
	store  *Store
	source DirtySource
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTasks builds the task runner bound to store and source.
func NewTasks(store *Store, source DirtySource, logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{store: store, source: source, logger: logger.With("component", "persistence_tasks")}
}

// Start launches the three loops. Idempotent.
func (t *Tasks) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(3)
	go t.runDirtyDrainLoop(ctx)
	go t.runHeartbeatLoop(ctx)
	go t.runRetentionLoop(ctx)
}

// Stop cancels all loops and waits for the in-flight job (if any) to finish.
func (t *Tasks) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tasks) runDirtyDrainLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.store.cfg.DirtyDrainPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.drainDirty(ctx)
		}
	}
}

// drainDirty collects every dirty agent, upserts the batch in one
// transaction, and on success clears each agent's dirty flag — but only if
// its SyncVersion hasn't advanced since this snapshot was taken, so an
// agent re-dirtied mid-batch is picked up again next cycle (spec.md §5).
func (t *Tasks) drainDirty(ctx context.Context) {
	snaps := t.source.List(dirtyFilter)
	if len(snaps) == 0 {
		return
	}

	rows := make([]dbmodel.AgentRow, len(snaps))
	for i, s := range snaps {
		rows[i] = dbmodel.FromSnapshot(s)
	}

	if err := t.store.UpsertAgents(ctx, rows); err != nil {
		t.logger.Error("dirty-drain batch failed", "count", len(rows), "error", err)
		return
	}

	for _, s := range snaps {
		if err := t.source.ClearDirty(s.ID, s.SyncVersion); err != nil {
			t.logger.Warn("clearing dirty flag failed", "agent_id", s.ID, "error", err)
		}
	}
}

func (t *Tasks) runHeartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.store.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.store.Heartbeat(ctx, t.source.Count()); err != nil {
				t.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (t *Tasks) runRetentionLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.store.cfg.RetentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agentsDeleted, eventsDeleted, err := t.store.Retain(ctx)
			if err != nil {
				t.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			t.logger.Info("retention sweep complete", "agents_deleted", agentsDeleted, "events_deleted", eventsDeleted)
		}
	}
}
