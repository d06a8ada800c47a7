// Package registry implements the single logical owner of agent state
// (spec.md §4.C): create/get/update/delete/list, with per-bucket locking
// (32 buckets keyed by a hash of the agent id) so that registry operations
// are linearizable per agent while allowing concurrent access across buckets. Grounded on the teacher's
// pkg/queue/pool.go map+mutex bucketing idiom and pkg/events/manager.go's
// register/unregister pattern.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
)

// ShardAssigner is implemented by the load balancer; the registry consults
// it on create and release.
type ShardAssigner interface {
	Assign(hint ShardHint) (int, error)
	Release(shardID int)
}

// ShardHint carries whatever the caller already knows about an agent being
// created, in case the assigner wants to bias placement (e.g. co-locate a
// team).
type ShardHint struct {
	TeamID  int
	Academy agentmodel.Academy
}

// Filter selects a subset of agents for List. A nil Filter matches all
// agents. ShardID, when non-zero, restricts the match to that shard as a
// fast path, mirroring spec.md's "filter is a predicate or a shard id".
type Filter struct {
	ShardID int
	Match   func(agentmodel.Snapshot) bool
}

func (f Filter) matches(s agentmodel.Snapshot) bool {
	if f.ShardID != 0 && s.ShardID != f.ShardID {
		return false
	}
	if f.Match != nil && !f.Match(s) {
		return false
	}
	return true
}

const bucketCount = 32

type bucket struct {
	mu     sync.RWMutex
	agents map[string]*agentmodel.Agent
}

// Registry is the exclusive owner of Agent state.
type Registry struct {
	buckets  [bucketCount]*bucket
	balancer ShardAssigner

	// teams maps team id -> set of agent ids, guarded by teamsMu. Kept
	// separate from the per-agent buckets since team membership spans
	// shards and buckets.
	teamsMu sync.RWMutex
	teams   map[int]map[string]struct{}
}

// New builds an empty Registry backed by the given shard assigner.
func New(balancer ShardAssigner) *Registry {
	r := &Registry{balancer: balancer, teams: make(map[int]map[string]struct{})}
	for i := range r.buckets {
		r.buckets[i] = &bucket{agents: make(map[string]*agentmodel.Agent)}
	}
	return r
}

func bucketFor(id string) int {
	h := fnv32(id)
	return int(h % uint32(bucketCount))
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Create assigns a unique id, consults the balancer for a shard, inserts the
// agent, and returns its id. Fails with agentmodel.ErrCapacityExceeded if no
// shard can accept it.
func (r *Registry) Create(initial agentmodel.Agent) (string, error) {
	shardID, err := r.balancer.Assign(ShardHint{TeamID: initial.TeamID, Academy: initial.Academy})
	if err != nil {
		return "", err
	}

	initial.ID = uuid.NewString()
	initial.ShardID = shardID
	initial.CreatedAt = time.Now()
	initial.LastTickAt = time.Time{}
	if initial.Learning == nil {
		initial.Learning = make(map[agentmodel.QKey]agentmodel.QEntry)
	}
	initial.Dirty = true

	if err := initial.CheckInvariants(); err != nil {
		r.balancer.Release(shardID)
		return "", err
	}

	b := r.buckets[bucketFor(initial.ID)]
	b.mu.Lock()
	b.agents[initial.ID] = &initial
	b.mu.Unlock()

	if initial.TeamID > 0 {
		r.teamsMu.Lock()
		if r.teams[initial.TeamID] == nil {
			r.teams[initial.TeamID] = make(map[string]struct{})
		}
		r.teams[initial.TeamID][initial.ID] = struct{}{}
		r.teamsMu.Unlock()
	}

	return initial.ID, nil
}

// Get returns an immutable snapshot of the agent with id, or
// agentmodel.ErrNotFound.
func (r *Registry) Get(id string) (agentmodel.Snapshot, error) {
	b := r.buckets[bucketFor(id)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[id]
	if !ok {
		return agentmodel.Snapshot{}, agentmodel.ErrNotFound
	}
	return a.Snapshot(), nil
}

// Mutator is a caller-supplied function applied to an agent under the
// registry's lock. It must not retain a reference to a outside the call.
type Mutator func(a *agentmodel.Agent) error

// Update applies mutate under the bucket lock for id, rejecting any result
// that would violate an invariant. On success the agent's dirty flag is set.
func (r *Registry) Update(id string, mutate Mutator) error {
	b := r.buckets[bucketFor(id)]
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[id]
	if !ok {
		return agentmodel.ErrNotFound
	}

	prevTeam := a.TeamID
	cand := *a
	if err := mutate(&cand); err != nil {
		return err
	}
	if err := cand.CheckInvariants(); err != nil {
		return err
	}
	*a = cand
	a.Dirty = true
	a.SyncVersion++

	if a.TeamID != prevTeam {
		r.teamsMu.Lock()
		if prevTeam > 0 && r.teams[prevTeam] != nil {
			delete(r.teams[prevTeam], id)
		}
		if a.TeamID > 0 {
			if r.teams[a.TeamID] == nil {
				r.teams[a.TeamID] = make(map[string]struct{})
			}
			r.teams[a.TeamID][id] = struct{}{}
		}
		r.teamsMu.Unlock()
	}
	return nil
}

// Delete removes the agent with id, releasing its shard slot and team
// membership.
func (r *Registry) Delete(id string) error {
	b := r.buckets[bucketFor(id)]
	b.mu.Lock()
	a, ok := b.agents[id]
	if !ok {
		b.mu.Unlock()
		return agentmodel.ErrNotFound
	}
	delete(b.agents, id)
	shardID := a.ShardID
	teamID := a.TeamID
	b.mu.Unlock()

	r.balancer.Release(shardID)

	if teamID > 0 {
		r.teamsMu.Lock()
		if r.teams[teamID] != nil {
			delete(r.teams[teamID], id)
			if len(r.teams[teamID]) == 0 {
				delete(r.teams, teamID)
			}
		}
		r.teamsMu.Unlock()
	}
	return nil
}

// ClearDirty clears id's dirty flag if its SyncVersion still matches
// atVersion (the version observed when the caller collected its dirty
// batch). If a mutation bumped the version since then, the agent is left
// dirty so the next persistence sweep picks it up.
func (r *Registry) ClearDirty(id string, atVersion int64) error {
	b := r.buckets[bucketFor(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[id]
	if !ok {
		return agentmodel.ErrNotFound
	}
	if a.SyncVersion == atVersion {
		a.Dirty = false
	}
	return nil
}

// List returns snapshots of every agent matching filter. Order is
// unspecified, per spec.md §4.C.
func (r *Registry) List(filter Filter) []agentmodel.Snapshot {
	var out []agentmodel.Snapshot
	for _, b := range r.buckets {
		b.mu.RLock()
		for _, a := range b.agents {
			snap := a.Snapshot()
			if filter.matches(snap) {
				out = append(out, snap)
			}
		}
		b.mu.RUnlock()
	}
	return out
}

// TeamRoster returns the agent ids currently on teamID.
func (r *Registry) TeamRoster(teamID int) []string {
	r.teamsMu.RLock()
	defer r.teamsMu.RUnlock()
	ids := make([]string, 0, len(r.teams[teamID]))
	for id := range r.teams[teamID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the total number of agents in the registry.
func (r *Registry) Count() int {
	n := 0
	for _, b := range r.buckets {
		b.mu.RLock()
		n += len(b.agents)
		b.mu.RUnlock()
	}
	return n
}
