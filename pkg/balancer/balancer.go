// Package balancer implements the shard table and pluggable agent-to-shard
// assignment strategies (spec.md §4.F). It also satisfies
// pkg/aicore/registry.ShardAssigner, so the registry can consult it directly
// on create/delete without either package importing the other beyond this
// one interface boundary.
//
// Grounded structurally on other_examples' coordinator "AssignmentStrategy"
// enum + greedy scoring/rebalance shape (adapted here from task-to-agent
// scoring to agent-to-shard counts), and on the teacher's pkg/mcp/health.go
// missed-probe/re-promotion idiom for shard health tracking.
package balancer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
)

// StrategyName selects the assignment algorithm.
type StrategyName string

const (
	StrategyRoundRobin       StrategyName = "round_robin"
	StrategyLeastConnections StrategyName = "least_connections"
	StrategyWeighted         StrategyName = "weighted"
)

// Sentinel errors for the balancer domain.
var (
	ErrUnknownShard    = errors.New("not_found")
	ErrNoHealthyShards = agentmodel.ErrCapacityExceeded
)

// ShardConfig is the hot-configurable portion of a shard record.
type ShardConfig struct {
	ID       int
	Capacity int
	Weight   float64
	Enabled  bool
}

// Shard is the full shard record (spec.md §3 "Shard record").
type Shard struct {
	ShardConfig
	CurrentCount  int
	Healthy       bool
	LastHeartbeat time.Time
}

// Migration describes one agent that must move from one shard to another to
// satisfy rebalance's tolerance invariant.
type Migration struct {
	AgentID string
	From    int
	To      int
}

// Balancer holds the shard table and the current assignment strategy.
type Balancer struct {
	mu                 sync.Mutex
	shards             map[int]*Shard
	strategy           StrategyName
	rrCounter          uint64
	rebalanceTolerance float64
	unhealthyAfter     time.Duration

	// agentShards tracks which shard each agent id currently occupies, so
	// Rebalance can propose concrete (agent, from, to) migrations. The
	// caller (scheduler) is responsible for calling NoteAssignment /
	// NoteRelease to keep this in sync with registry state.
	agentShards map[string]int
}

// Config is the construction-time configuration (spec.md §6 Balancer keys).
type Config struct {
	Strategy           StrategyName
	Shards             []ShardConfig
	RebalanceTolerance float64 // default 0.15
	UnhealthyAfter     time.Duration // default 30s
}

// New builds a Balancer from cfg, applying spec.md's stated defaults for
// zero-valued fields.
func New(cfg Config) *Balancer {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLeastConnections
	}
	if cfg.RebalanceTolerance == 0 {
		cfg.RebalanceTolerance = 0.15
	}
	if cfg.UnhealthyAfter == 0 {
		cfg.UnhealthyAfter = 30 * time.Second
	}
	b := &Balancer{
		shards:             make(map[int]*Shard),
		strategy:           cfg.Strategy,
		rebalanceTolerance: cfg.RebalanceTolerance,
		unhealthyAfter:     cfg.UnhealthyAfter,
		agentShards:        make(map[string]int),
	}
	now := time.Now()
	for _, sc := range cfg.Shards {
		b.shards[sc.ID] = &Shard{ShardConfig: sc, Healthy: true, LastHeartbeat: now}
	}
	return b
}

func (b *Balancer) enabledHealthyShards() []*Shard {
	var out []*Shard
	for _, s := range b.shards {
		if s.Enabled && s.Healthy {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign chooses a shard under the current strategy (spec.md §4.F). It
// satisfies registry.ShardAssigner.
func (b *Balancer) Assign(hint registry.ShardHint) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.enabledHealthyShards()
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w: no enabled healthy shards", ErrNoHealthyShards)
	}

	var chosen *Shard
	switch b.strategy {
	case StrategyRoundRobin:
		chosen = candidates[int(b.rrCounter%uint64(len(candidates)))]
		b.rrCounter++
	case StrategyWeighted:
		chosen = b.pickWeighted(candidates)
	default: // StrategyLeastConnections
		chosen = candidates[0]
		for _, s := range candidates[1:] {
			if s.CurrentCount < chosen.CurrentCount {
				chosen = s
			}
		}
	}

	if chosen.Capacity > 0 && chosen.CurrentCount >= chosen.Capacity {
		// Fall back to least-connections among the rest when the chosen
		// shard (e.g. round-robin's pick) is already at capacity.
		chosen = nil
		for _, s := range candidates {
			if s.Capacity > 0 && s.CurrentCount >= s.Capacity {
				continue
			}
			if chosen == nil || s.CurrentCount < chosen.CurrentCount {
				chosen = s
			}
		}
		if chosen == nil {
			return 0, fmt.Errorf("%w: all enabled shards at capacity", ErrNoHealthyShards)
		}
	}

	chosen.CurrentCount++
	return chosen.ID, nil
}

func (b *Balancer) pickWeighted(candidates []*Shard) *Shard {
	total := 0.0
	for _, s := range candidates {
		total += s.Weight
	}
	if total <= 0 {
		return candidates[0]
	}
	// Deterministic proportional pick: choose the shard whose cumulative
	// weight share is most under-served relative to its target share,
	// breaking ties by ascending id (matches the least-connections
	// tie-break rule stated in spec.md §4.F).
	var best *Shard
	bestDeficit := 0.0
	totalAssigned := 0
	for _, s := range candidates {
		totalAssigned += s.CurrentCount
	}
	for _, s := range candidates {
		targetShare := s.Weight / total
		actualShare := 0.0
		if totalAssigned > 0 {
			actualShare = float64(s.CurrentCount) / float64(totalAssigned)
		}
		deficit := targetShare - actualShare
		if best == nil || deficit > bestDeficit || (deficit == bestDeficit && s.ID < best.ID) {
			best, bestDeficit = s, deficit
		}
	}
	return best
}

// Release decrements shardID's current count; underflow saturates at 0.
func (b *Balancer) Release(shardID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shards[shardID]
	if !ok {
		return
	}
	if s.CurrentCount <= 0 {
		s.CurrentCount = 0
		return
	}
	s.CurrentCount--
}

// SetStrategy hot-swaps the assignment strategy.
func (b *Balancer) SetStrategy(name StrategyName) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = name
}

// UpdateShard hot-configures shardID's capacity/weight/enabled fields.
func (b *Balancer) UpdateShard(shardID int, cfg ShardConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shards[shardID]
	if !ok {
		return fmt.Errorf("%w: shard %d", ErrUnknownShard, shardID)
	}
	s.Capacity = cfg.Capacity
	s.Weight = cfg.Weight
	s.Enabled = cfg.Enabled
	return nil
}

// Heartbeat marks shardID as having reported in, reviving it from
// unhealthy.
func (b *Balancer) Heartbeat(shardID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.shards[shardID]; ok {
		s.LastHeartbeat = time.Now()
		s.Healthy = true
	}
}

// SweepHealth marks any shard whose last heartbeat is older than the
// configured threshold as unhealthy. Intended to be called periodically by
// the scheduler's balance task.
func (b *Balancer) SweepHealth(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.shards {
		if now.Sub(s.LastHeartbeat) > b.unhealthyAfter {
			s.Healthy = false
		}
	}
}

// Snapshot returns a copy of the shard table for observability.
func (b *Balancer) Snapshot() []Shard {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Shard, 0, len(b.shards))
	for _, s := range b.shards {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NoteAssignment records that agentID now occupies shardID, for Rebalance's
// bookkeeping. The scheduler records every registry agent's shard here
// before each Rebalance, and again after each migration it applies.
func (b *Balancer) NoteAssignment(agentID string, shardID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentShards[agentID] = shardID
}

// NoteRelease forgets agentID's shard assignment, called after Delete.
func (b *Balancer) NoteRelease(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agentShards, agentID)
}

// MigrateCount adjusts from's and to's current counts for one agent moving
// between them. The scheduler calls this for every Migration it applies, so
// CurrentCount stays equal to the number of agents actually on each shard
// (spec.md §4.F's sum invariant) instead of only being updated by Assign and
// Release.
func (b *Balancer) MigrateCount(from, to int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.shards[from]; ok && s.CurrentCount > 0 {
		s.CurrentCount--
	}
	if s, ok := b.shards[to]; ok {
		s.CurrentCount++
	}
}

// Rebalance computes the greedy migration list that brings every shard's
// count within ±tolerance of the mean (spec.md §4.F). It does not itself
// move agents; the caller applies each Migration via the registry and then
// calls NoteAssignment/NoteRelease (or just NoteAssignment, since it
// overwrites).
func (b *Balancer) Rebalance() []Migration {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.enabledHealthyShards()
	if len(candidates) == 0 {
		return nil
	}
	candidateIDs := make(map[int]bool, len(candidates))
	for _, s := range candidates {
		candidateIDs[s.ID] = true
	}

	// Build per-shard agent lists from the tracked assignments so migrations
	// name concrete agent ids.
	byShard := make(map[int][]string)
	for agentID, shardID := range b.agentShards {
		byShard[shardID] = append(byShard[shardID], agentID)
	}
	for _, ids := range byShard {
		sort.Strings(ids)
	}

	counts := make(map[int]int, len(candidates))
	for _, s := range candidates {
		counts[s.ID] = s.CurrentCount
	}

	var migrations []Migration

	// Drain every agent stranded on an enabled-but-unhealthy shard onto the
	// least-loaded candidate before the balance loop below runs: unhealthy
	// shards aren't migration destinations, but spec.md §4.F still requires
	// their agents to move on the next rebalance.
	var strandedShards []int
	for shardID := range byShard {
		if candidateIDs[shardID] {
			continue
		}
		if s, ok := b.shards[shardID]; ok && s.Enabled && !s.Healthy {
			strandedShards = append(strandedShards, shardID)
		}
	}
	sort.Ints(strandedShards)
	for _, shardID := range strandedShards {
		for _, agentID := range byShard[shardID] {
			dest := leastLoaded(candidates, counts)
			migrations = append(migrations, Migration{AgentID: agentID, From: shardID, To: dest})
			counts[dest]++
			byShard[dest] = append(byShard[dest], agentID)
		}
		delete(byShard, shardID)
	}

	for {
		mostID, leastID := -1, -1
		for _, s := range candidates {
			if mostID == -1 || counts[s.ID] > counts[mostID] {
				mostID = s.ID
			}
			if leastID == -1 || counts[s.ID] < counts[leastID] {
				leastID = s.ID
			}
		}
		if mostID == leastID {
			break
		}
		// Stop once the global extremes differ by at most one agent: the
		// tightest balance achievable when the total isn't evenly
		// divisible, and exact equality when it is. This is always at
		// least as tight as the configured ±tolerance band, so the
		// invariant in spec.md §4.F holds; moving strictly between the
		// current global max and min each iteration also converges every
		// shard in between, not just the two endpoints.
		if counts[mostID]-counts[leastID] <= 1 {
			break
		}
		ids := byShard[mostID]
		if len(ids) == 0 {
			break // tracked state doesn't have a mover for this shard; avoid infinite loop
		}
		moveID := ids[len(ids)-1]
		byShard[mostID] = ids[:len(ids)-1]
		byShard[leastID] = append(byShard[leastID], moveID)

		migrations = append(migrations, Migration{AgentID: moveID, From: mostID, To: leastID})
		counts[mostID]--
		counts[leastID]++
	}

	for _, m := range migrations {
		b.agentShards[m.AgentID] = m.To
	}
	return migrations
}

// leastLoaded returns the id of whichever of candidates currently has the
// smallest count, ties broken by ascending id.
func leastLoaded(candidates []*Shard, counts map[int]int) int {
	best := candidates[0].ID
	for _, s := range candidates[1:] {
		if counts[s.ID] < counts[best] {
			best = s.ID
		}
	}
	return best
}
