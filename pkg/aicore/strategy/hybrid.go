package strategy

import (
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// Hybrid runs utility, behavior tree, and Q-learning in parallel and picks
// the highest-confidence result, with ties resolved utility > behavior
// tree > Q-learning (spec.md §4.B).
type Hybrid struct {
	Utility      *Utility
	BehaviorTree *BehaviorTree
	QLearning    *QLearning
}

// NewHybrid builds a Hybrid strategy; nil members are replaced with
// defaults.
func NewHybrid(u *Utility, bt *BehaviorTree, q *QLearning) *Hybrid {
	if u == nil {
		u = NewUtility(DefaultUtilityConfig())
	}
	if bt == nil {
		bt = NewBehaviorTree(nil)
	}
	if q == nil {
		q = NewQLearning(DefaultQLearningConfig())
	}
	return &Hybrid{Utility: u, BehaviorTree: bt, QLearning: q}
}

func (h *Hybrid) Name() Name { return NameHybrid }

func (h *Hybrid) Decide(p perception.Snapshot, traits agentmodel.Traits, learning map[agentmodel.QKey]agentmodel.QEntry) action.Action {
	uAct := h.Utility.Decide(p, traits, learning)
	btAct := h.BehaviorTree.Decide(p, traits, learning)
	qAct := h.QLearning.Decide(p, traits, learning)

	best := uAct
	if btAct.Confidence > best.Confidence {
		best = btAct
	}
	if qAct.Confidence > best.Confidence {
		best = qAct
	}
	return best
}

// Learn delegates to the Q-learning member, since it is the only
// sub-strategy here that carries learning state.
func (h *Hybrid) Learn(prev, next perception.Snapshot, a action.Action, reward float64, learning map[agentmodel.QKey]agentmodel.QEntry) {
	h.QLearning.Learn(prev, next, a, reward, learning)
}
