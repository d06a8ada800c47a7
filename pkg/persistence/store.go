// Package persistence implements the persistence synchronizer (spec.md
// §4.K): a pooled PostgreSQL connection, batched transactional upserts, an
// append-only event log, and periodic dirty-drain / heartbeat / retention
// tasks.
//
// Grounded on the teacher's pkg/database/client.go pool-config and
// connect-then-migrate pattern, adapted from its database/sql + Ent
// driver-wrapping layer to direct github.com/jackc/pgx/v5/pgxpool queries
// (see DESIGN.md for why the Ent layer itself isn't reused); migration
// embedding follows the same file's //go:embed pattern via golang-migrate.
package persistence

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used only to run migrations

	"github.com/tarsy-ai/tarsy-ai/pkg/dbmodel"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the synchronizer's tunables (spec.md §4.K, §6).
type Config struct {
	DSN string

	PoolSize         int           // default 10, bounded [1,50]
	ConnectTimeout   time.Duration // default 30s ("connection_timeout")
	RetryInterval    time.Duration // default 5s
	MaxRetries       int           // default 0 (infinite)
	DirtyDrainPeriod time.Duration // default 5s
	HeartbeatPeriod  time.Duration // default 60s
	RetentionSweep   time.Duration // default 24h
	AgentRetention   time.Duration // default 60 * 24h
	EventRetention   time.Duration // default 30 * 24h

	ServerID string
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	if c.PoolSize > 50 {
		c.PoolSize = 50
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.DirtyDrainPeriod == 0 {
		c.DirtyDrainPeriod = 5 * time.Second
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = 60 * time.Second
	}
	if c.RetentionSweep == 0 {
		c.RetentionSweep = 24 * time.Hour
	}
	if c.AgentRetention == 0 {
		c.AgentRetention = 60 * 24 * time.Hour
	}
	if c.EventRetention == 0 {
		c.EventRetention = 30 * 24 * time.Hour
	}
	if c.ServerID == "" {
		c.ServerID = "default"
	}
}

// ErrBatchFailed wraps a per-row failure inside a batched upsert; the whole
// transaction is rolled back (spec.md §4.K).
var ErrBatchFailed = errors.New("persistence: batch upsert failed")

// Store is the persistence synchronizer.
type Store struct {
	cfg    Config
	logger *slog.Logger

	pool *pgxpool.Pool
}

// Open connects the pool, running embedded migrations, and returns a ready
// Store. Retries per cfg.RetryInterval/MaxRetries on initial connect
// failure, mirroring the synchronizer's reconnect-loop contract.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persistence")

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("persistence: parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	var pool *pgxpool.Pool
	for attempt := 0; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				break
			}
			pool.Close()
		}
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries {
			return nil, fmt.Errorf("persistence: connect failed after %d attempts: %w", attempt+1, err)
		}
		logger.Warn("connect failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: migrations: %w", err)
	}

	return &Store{cfg: cfg, logger: logger, pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the pool can currently reach the database, mirroring
// the teacher's database.Health check used by the HTTP health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// runMigrations follows the teacher's pkg/database/client.go pattern
// exactly: a standalone database/sql connection (via the pgx stdlib
// driver) dedicated to golang-migrate, separate from the pgxpool used for
// all runtime queries.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source driver; db is a connection dedicated to this
	// function and is released by the deferred db.Close() above.
	return sourceDriver.Close()
}

// UpsertAgent stores one agent row; equivalent to UpsertAgents with a
// single-element batch.
func (s *Store) UpsertAgent(ctx context.Context, row dbmodel.AgentRow) error {
	return s.UpsertAgents(ctx, []dbmodel.AgentRow{row})
}

const upsertAgentSQL = `
INSERT INTO agents (
	id, display_name, academy, department, team_id, shard_id,
	hp, max_hp, mp, max_mp, level, xp,
	pos_x, pos_y, pos_z, facing_rad, map_id,
	trait_aggression, trait_intelligence, trait_sociability,
	state, created_at, last_tick_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11, $12,
	$13, $14, $15, $16, $17,
	$18, $19, $20,
	$21, $22, $23, $24
)
ON CONFLICT (id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	academy = EXCLUDED.academy,
	department = EXCLUDED.department,
	team_id = EXCLUDED.team_id,
	shard_id = EXCLUDED.shard_id,
	hp = EXCLUDED.hp,
	max_hp = EXCLUDED.max_hp,
	mp = EXCLUDED.mp,
	max_mp = EXCLUDED.max_mp,
	level = EXCLUDED.level,
	xp = EXCLUDED.xp,
	pos_x = EXCLUDED.pos_x,
	pos_y = EXCLUDED.pos_y,
	pos_z = EXCLUDED.pos_z,
	facing_rad = EXCLUDED.facing_rad,
	map_id = EXCLUDED.map_id,
	trait_aggression = EXCLUDED.trait_aggression,
	trait_intelligence = EXCLUDED.trait_intelligence,
	trait_sociability = EXCLUDED.trait_sociability,
	state = EXCLUDED.state,
	last_tick_at = EXCLUDED.last_tick_at,
	updated_at = EXCLUDED.updated_at
`

// UpsertAgents performs a MERGE-equivalent batch upsert inside a single
// transaction. A per-row failure rolls back the whole batch and is
// returned wrapped in ErrBatchFailed (spec.md §4.K).
func (s *Store) UpsertAgents(ctx context.Context, rows []dbmodel.AgentRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persistence: begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once Commit succeeds

	for _, row := range rows {
		_, err := tx.Exec(ctx, upsertAgentSQL,
			row.ID, row.DisplayName, row.Academy, row.Department, row.TeamID, row.ShardID,
			row.HP, row.MaxHP, row.MP, row.MaxMP, row.Level, row.XP,
			row.PosX, row.PosY, row.PosZ, row.FacingRad, row.MapID,
			row.TraitAggression, row.TraitIntelligence, row.TraitSociability,
			row.State, row.CreatedAt, nullableTime(row.LastTickAt), row.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("%w: agent %s: %v", ErrBatchFailed, row.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrBatchFailed, err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// LogEvent appends one event row (append-only, spec.md §4.K).
func (s *Store) LogEvent(ctx context.Context, agentID, kind string, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_events (agent_id, kind, payload) VALUES ($1, $2, $3)`,
		agentID, kind, payload,
	)
	if err != nil {
		return fmt.Errorf("persistence: log_event: %w", err)
	}
	return nil
}

// LoadAgents reads agent rows, optionally filtered by shard (shardID == 0
// means all shards).
func (s *Store) LoadAgents(ctx context.Context, shardID int) ([]dbmodel.AgentRow, error) {
	query := `SELECT id, display_name, academy, department, team_id, shard_id,
		hp, max_hp, mp, max_mp, level, xp,
		pos_x, pos_y, pos_z, facing_rad, map_id,
		trait_aggression, trait_intelligence, trait_sociability,
		state, created_at, last_tick_at, updated_at
	FROM agents`
	args := []any{}
	if shardID != 0 {
		query += " WHERE shard_id = $1"
		args = append(args, shardID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: load_agents: %w", err)
	}
	defer rows.Close()

	var out []dbmodel.AgentRow
	for rows.Next() {
		var r dbmodel.AgentRow
		var lastTick *time.Time
		if err := rows.Scan(
			&r.ID, &r.DisplayName, &r.Academy, &r.Department, &r.TeamID, &r.ShardID,
			&r.HP, &r.MaxHP, &r.MP, &r.MaxMP, &r.Level, &r.XP,
			&r.PosX, &r.PosY, &r.PosZ, &r.FacingRad, &r.MapID,
			&r.TraitAggression, &r.TraitIntelligence, &r.TraitSociability,
			&r.State, &r.CreatedAt, &lastTick, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("persistence: scanning agent row: %w", err)
		}
		if lastTick != nil {
			r.LastTickAt = *lastTick
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: load_agents: %w", err)
	}
	return out, nil
}

// Heartbeat issues the 60s liveness check: a trivial SELECT 1 plus an
// upsert of this server's status row.
func (s *Store) Heartbeat(ctx context.Context, agentCount int) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("persistence: heartbeat select: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_status (server_id, last_heartbeat_at, agent_count)
		VALUES ($1, now(), $2)
		ON CONFLICT (server_id) DO UPDATE SET
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			agent_count = EXCLUDED.agent_count
	`, s.cfg.ServerID, agentCount)
	if err != nil {
		return fmt.Errorf("persistence: heartbeat upsert: %w", err)
	}
	return nil
}

// Retain deletes offline agents past AgentRetention and event rows past
// EventRetention (the 24h retention sweep, spec.md §4.K).
func (s *Store) Retain(ctx context.Context) (agentsDeleted, eventsDeleted int64, err error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE state = 'offline' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(s.cfg.AgentRetention.Seconds())),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("persistence: retention agents: %w", err)
	}
	agentsDeleted = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM agent_events WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(s.cfg.EventRetention.Seconds())),
	)
	if err != nil {
		return agentsDeleted, 0, fmt.Errorf("persistence: retention events: %w", err)
	}
	eventsDeleted = tag.RowsAffected()
	return agentsDeleted, eventsDeleted, nil
}
