// Package strategy implements the five pluggable decision strategies
// (spec.md §4.B). Each strategy is a pure function of perception, traits,
// and (for Q-learning) a per-agent learning table; none hold agent-specific
// state themselves, so a single Strategy value may be shared across agents.
package strategy

import (
	"sort"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// Name identifies a strategy kind, used for hot-swap selection and for the
// demotion path (scheduler demotes a misbehaving agent to NameUtility).
type Name string

const (
	NameUtility       Name = "utility"
	NameBehaviorTree  Name = "behavior_tree"
	NameQLearning     Name = "q_learning"
	NameHierarchical  Name = "hierarchical"
	NameHybrid        Name = "hybrid"
)

// Strategy computes an action for one agent on one tick. Decide must never
// panic; a strategy that cannot safely recommend anything returns
// action.Idle() with confidence 0, per spec.md §4.B.
type Strategy interface {
	Name() Name
	Decide(p perception.Snapshot, traits agentmodel.Traits, learning map[agentmodel.QKey]agentmodel.QEntry) action.Action
}

// Learner is implemented by strategies that carry a learning operation
// (currently only Q-learning). The scheduler calls Learn after applying the
// tick's action and observing the next tick's perception as its outcome.
type Learner interface {
	Learn(prev, next perception.Snapshot, a action.Action, reward float64, learning map[agentmodel.QKey]agentmodel.QEntry)
}

// sortedKinds returns action.AllKinds already in lexical order, used as the
// deterministic tie-break sequence for the utility strategy.
func sortedKinds() []action.Kind {
	ks := append([]action.Kind(nil), action.AllKinds...)
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}
