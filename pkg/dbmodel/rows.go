// Package dbmodel defines the row types persisted by pkg/persistence: one
// struct per table (agents, agent_events, server_status), mapping directly
// onto spec.md §3's Agent value type and the persistence synchronizer's
// append-only event log and heartbeat record.
package dbmodel

import "time"

// AgentRow is the persisted projection of an agentmodel.Snapshot.
type AgentRow struct {
	ID          string
	DisplayName string
	Academy     string
	Department  string
	TeamID      int
	ShardID     int
	HP, MaxHP   int
	MP, MaxMP   int
	Level       int
	XP          int64

	PosX, PosY, PosZ float64
	FacingRad        float64
	MapID            int

	TraitAggression, TraitIntelligence, TraitSociability float64

	State      string
	CreatedAt  time.Time
	LastTickAt time.Time
	UpdatedAt  time.Time
}

// AgentEventRow is one append-only row in the agent event log.
type AgentEventRow struct {
	ID        int64
	AgentID   string
	Kind      string
	Payload   []byte // raw JSON
	CreatedAt time.Time
}

// ServerStatusRow is the single-row heartbeat/liveness record updated every
// 60s by the persistence synchronizer's heartbeat task.
type ServerStatusRow struct {
	ServerID        string
	LastHeartbeatAt time.Time
	AgentCount      int
}
