package persistence

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/dbmodel"
)

// Shared container bootstrap, grounded on test/util/database.go's
// once-per-package pattern. Each test gets its own schema via search_path so
// migrations and data don't collide across parallel tests.
var (
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

func getOrCreateSharedDatabase(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		c, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("tarsy_ai_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		dsn, err := c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("connection string: %w", err)
			return
		}
		sharedDSN = dsn
	})
	require.NoError(t, containerErr)
	return sharedDSN
}

func testSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 32 {
		name = name[:32]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s,public", dsn, sep, schema)
}

// openTestStore starts (or reuses) the shared container, creates a fresh
// schema for this test, opens a Store against it (running migrations), and
// registers cleanup to drop the schema afterward.
func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	ctx := context.Background()
	base := getOrCreateSharedDatabase(t)
	schema := testSchemaName(t)

	admin, err := stdsql.Open("pgx", base)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	cfg.DSN = withSearchPath(base, schema)
	st, err := Open(ctx, cfg, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		st.Close()
		admin, err := stdsql.Open("pgx", base)
		if err == nil {
			_, _ = admin.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
			_ = admin.Close()
		}
	})
	return st
}

func sampleRow(id string, shard int, state string) dbmodel.AgentRow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return dbmodel.AgentRow{
		ID:          id,
		DisplayName: "Agent " + id,
		Academy:     "combat",
		Department:  "vanguard",
		ShardID:     shard,
		HP:          80,
		MaxHP:       100,
		MP:          20,
		MaxMP:       50,
		Level:       3,
		XP:          1200,
		MapID:       1,
		State:       state,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOpenRunsMigrationsAndIsIdempotent(t *testing.T) {
	st := openTestStore(t, Config{})
	require.NotNil(t, st.pool)

	// Re-running migrations against the same schema must be a no-op, not an
	// error (golang-migrate reports ErrNoChange, which Open swallows).
	require.NoError(t, runMigrations(st.cfg.DSN))
}

func TestUpsertAgentsThenLoadAgents(t *testing.T) {
	st := openTestStore(t, Config{})
	ctx := context.Background()

	rows := []dbmodel.AgentRow{
		sampleRow("agent-1", 1, "active"),
		sampleRow("agent-2", 2, "active"),
	}
	require.NoError(t, st.UpsertAgents(ctx, rows))

	all, err := st.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	shard1, err := st.LoadAgents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, shard1, 1)
	require.Equal(t, "agent-1", shard1[0].ID)
}

func TestUpsertAgentUpdatesExistingRow(t *testing.T) {
	st := openTestStore(t, Config{})
	ctx := context.Background()

	row := sampleRow("agent-1", 1, "active")
	require.NoError(t, st.UpsertAgent(ctx, row))

	row.HP = 10
	row.State = "offline"
	require.NoError(t, st.UpsertAgent(ctx, row))

	loaded, err := st.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, 10, loaded[0].HP)
	require.Equal(t, "offline", loaded[0].State)
}

func TestUpsertAgentsBatchFailsAtomically(t *testing.T) {
	st := openTestStore(t, Config{})
	ctx := context.Background()

	good := sampleRow("agent-1", 1, "active")
	bad := sampleRow("agent-2", 9999999999, "active") // shard_id overflows INTEGER (int32 max is ~2.1e9)

	err := st.UpsertAgents(ctx, []dbmodel.AgentRow{good, bad})
	require.ErrorIs(t, err, ErrBatchFailed)

	loaded, err := st.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, loaded, "a failed batch must not leave partial rows behind")
}

func TestLogEventInsertsRow(t *testing.T) {
	st := openTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, st.UpsertAgent(ctx, sampleRow("agent-1", 1, "active")))
	require.NoError(t, st.LogEvent(ctx, "agent-1", "spawned", []byte(`{"hp":100}`)))
	require.NoError(t, st.LogEvent(ctx, "agent-1", "leveled_up", nil))

	var count int
	require.NoError(t, st.pool.QueryRow(ctx, "SELECT count(*) FROM agent_events WHERE agent_id = $1", "agent-1").Scan(&count))
	require.Equal(t, 2, count)
}

func TestHeartbeatUpsertsServerStatusRow(t *testing.T) {
	st := openTestStore(t, Config{ServerID: "server-a"})
	ctx := context.Background()

	require.NoError(t, st.Heartbeat(ctx, 5))
	require.NoError(t, st.Heartbeat(ctx, 7))

	var count int
	require.NoError(t, st.pool.QueryRow(ctx, "SELECT agent_count FROM server_status WHERE server_id = $1", "server-a").Scan(&count))
	require.Equal(t, 7, count)
}

func TestRetainDeletesExpiredOfflineAgentsAndOldEvents(t *testing.T) {
	st := openTestStore(t, Config{AgentRetention: time.Hour, EventRetention: time.Hour})
	ctx := context.Background()

	stale := sampleRow("agent-stale", 1, "offline")
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	fresh := sampleRow("agent-fresh", 1, "offline")

	require.NoError(t, st.UpsertAgents(ctx, []dbmodel.AgentRow{stale, fresh}))
	_, err := st.pool.Exec(ctx,
		`UPDATE agents SET updated_at = $1 WHERE id = $2`, stale.UpdatedAt, "agent-stale")
	require.NoError(t, err)

	_, err = st.pool.Exec(ctx,
		`INSERT INTO agent_events (agent_id, kind, payload, created_at) VALUES ($1,$2,$3,$4)`,
		"agent-fresh", "old_event", []byte("{}"), time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.LogEvent(ctx, "agent-fresh", "recent_event", nil))

	agentsDeleted, eventsDeleted, err := st.Retain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), agentsDeleted)
	require.Equal(t, int64(1), eventsDeleted)

	remaining, err := st.LoadAgents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "agent-fresh", remaining[0].ID)
}

// fakeDirtySource is an in-memory DirtySource double so the dirty-drain
// logic (collect -> upsert -> conditionally clear) can be exercised against
// a real database without a real registry/load balancer.
type fakeDirtySource struct {
	mu        sync.Mutex
	snaps     map[string]agentmodel.Snapshot
	closed    map[string]int64 // id -> version at which ClearDirty was called
	afterList func()           // fires once, after the first List call returns
}

func newFakeDirtySource() *fakeDirtySource {
	return &fakeDirtySource{snaps: make(map[string]agentmodel.Snapshot), closed: make(map[string]int64)}
}

func (f *fakeDirtySource) put(s agentmodel.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.ID] = s
}

func (f *fakeDirtySource) List(filter registry.Filter) []agentmodel.Snapshot {
	f.mu.Lock()
	var out []agentmodel.Snapshot
	for _, s := range f.snaps {
		if filter.Match == nil || filter.Match(s) {
			out = append(out, s)
		}
	}
	hook := f.afterList
	f.afterList = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out
}

func (f *fakeDirtySource) ClearDirty(id string, atVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	if !ok {
		return agentmodel.ErrNotFound
	}
	if s.SyncVersion == atVersion {
		s.Dirty = false
		f.snaps[id] = s
	}
	f.closed[id] = atVersion
	return nil
}

func (f *fakeDirtySource) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

func snapshot(id string, shard int, dirty bool, version int64) agentmodel.Snapshot {
	now := time.Now()
	return agentmodel.Snapshot{
		ID:          id,
		DisplayName: "Agent " + id,
		ShardID:     shard,
		MaxHP:       100,
		HP:          100,
		MaxMP:       50,
		Level:       1,
		CreatedAt:   now,
		Dirty:       dirty,
		SyncVersion: version,
	}
}

func TestDrainDirtyUpsertsAndClearsFlags(t *testing.T) {
	st := openTestStore(t, Config{})
	src := newFakeDirtySource()
	src.put(snapshot("agent-1", 1, true, 1))
	src.put(snapshot("agent-2", 2, false, 1))

	tasks := NewTasks(st, src, slog.Default())
	tasks.drainDirty(context.Background())

	loaded, err := st.LoadAgents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "only the dirty agent should have been upserted")
	require.Equal(t, "agent-1", loaded[0].ID)

	require.Equal(t, int64(1), src.closed["agent-1"])
	require.False(t, src.snaps["agent-1"].Dirty)
}

func TestDrainDirtyLeavesReDirtiedAgentDirty(t *testing.T) {
	st := openTestStore(t, Config{})
	src := newFakeDirtySource()
	src.put(snapshot("agent-1", 1, true, 1))

	// Simulate a mutation landing between the dirty snapshot being collected
	// (List) and the flag being cleared (ClearDirty), by bumping the live
	// version right after List returns but before drainDirty's upsert and
	// ClearDirty calls run.
	src.afterList = func() {
		src.mu.Lock()
		s := src.snaps["agent-1"]
		s.SyncVersion = 2
		s.Dirty = true
		src.snaps["agent-1"] = s
		src.mu.Unlock()
	}

	tasks := NewTasks(st, src, slog.Default())
	tasks.drainDirty(context.Background())

	require.True(t, src.snaps["agent-1"].Dirty, "a re-dirtied agent must stay dirty for the next drain cycle")
	require.Equal(t, int64(1), src.closed["agent-1"], "ClearDirty is still called with the stale version it observed")
}

func TestTasksStartStopIsGraceful(t *testing.T) {
	st := openTestStore(t, Config{DirtyDrainPeriod: 20 * time.Millisecond, HeartbeatPeriod: 25 * time.Millisecond, RetentionSweep: 30 * time.Millisecond})
	src := newFakeDirtySource()
	src.put(snapshot("agent-1", 1, true, 1))

	tasks := NewTasks(st, src, slog.Default())
	tasks.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	tasks.Stop()

	require.NotEmpty(t, src.closed, "at least one dirty-drain tick should have run")
}
