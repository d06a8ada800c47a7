package strategy

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// QLearningConfig holds the tunables spec.md §4.B lists as config, with its
// stated defaults.
type QLearningConfig struct {
	Epsilon    float64 // default 0.1
	Alpha      float64 // learning rate, default 0.1
	Gamma      float64 // discount, default 0.9
	MaxEntries int     // Q-table bound, default 10000
}

// DefaultQLearningConfig returns spec.md's stated defaults.
func DefaultQLearningConfig() QLearningConfig {
	return QLearningConfig{Epsilon: 0.1, Alpha: 0.1, Gamma: 0.9, MaxEntries: 10000}
}

// QLearning is the epsilon-greedy tabular strategy (spec.md §4.B). The
// learning table itself lives on the agent record (agentmodel.Agent.Learning)
// and is passed in on every call; QLearning holds only its hyperparameters.
type QLearning struct {
	Config QLearningConfig
}

// NewQLearning builds a QLearning strategy; a zero-value cfg is replaced
// with DefaultQLearningConfig.
func NewQLearning(cfg QLearningConfig) *QLearning {
	if cfg.MaxEntries == 0 {
		cfg = DefaultQLearningConfig()
	}
	return &QLearning{Config: cfg}
}

func (q *QLearning) Name() Name { return NameQLearning }

// bucketState discretizes a snapshot into the state key spec.md describes:
// (hp decile, mp decile, threat decile, nearest-enemy distance bucket). The
// distance bucket count (5) is an open-question decision recorded in
// DESIGN.md: 0-2m, 2-5m, 5-10m, 10-20m, >20m.
func bucketState(p perception.Snapshot) string {
	return fmt.Sprintf("hp%d_mp%d_th%d_d%d",
		decile(p.Own.HPRatio()), decile(p.Own.MPRatio()), decile(p.ThreatLevel), distanceBucket(p.NearestEnemyDistance()))
}

func decile(ratio float64) int {
	d := int(clamp(ratio, 0, 1) * 10)
	if d > 9 {
		d = 9
	}
	return d
}

func distanceBucket(d float64) int {
	switch {
	case d < 2:
		return 0
	case d < 5:
		return 1
	case d < 10:
		return 2
	case d < 20:
		return 3
	default:
		return 4
	}
}

func (q *QLearning) Decide(p perception.Snapshot, traits agentmodel.Traits, learning map[agentmodel.QKey]agentmodel.QEntry) action.Action {
	state := bucketState(p)

	var chosen action.Kind
	if rand.Float64() < q.Config.Epsilon {
		chosen = action.AllKinds[rand.Intn(len(action.AllKinds))]
	} else {
		chosen = argmaxAction(state, learning)
	}

	qv := learning[agentmodel.QKey{StateBucket: state, Action: string(chosen)}].Value
	act := action.Action{
		Kind:       chosen,
		Confidence: normalizeQ(qv),
		Priority:   basePriority(chosen),
		Valid:      true,
	}
	fillDefaultParams(&act, p)
	return act
}

func argmaxAction(state string, learning map[agentmodel.QKey]agentmodel.QEntry) action.Kind {
	best := action.AllKinds[0]
	bestVal := learning[agentmodel.QKey{StateBucket: state, Action: string(best)}].Value
	for _, k := range action.AllKinds[1:] {
		v := learning[agentmodel.QKey{StateBucket: state, Action: string(k)}].Value
		if v > bestVal {
			best, bestVal = k, v
		}
	}
	return best
}

// normalizeQ squashes an unbounded Q-value into [0,1] via a logistic
// sigmoid, satisfying spec.md's "normalized Q-value in [0,1]" confidence
// rule without assuming any particular reward scale.
func normalizeQ(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// Learn updates the Q-table for the (prev state, action) pair observed,
// using next to compute the successor state's max Q, per the update rule
// Q <- Q + alpha*(reward + gamma*max Q[next,.] - Q). spec.md's shorthand
// `learn(prev_perception, action, reward)` elides the successor state the
// formula requires; this is generalized here to take it explicitly (see
// DESIGN.md Open Question decisions).
func (q *QLearning) Learn(prev perception.Snapshot, next perception.Snapshot, a action.Action, reward float64, learning map[agentmodel.QKey]agentmodel.QEntry) {
	prevState := bucketState(prev)
	nextState := bucketState(next)
	key := agentmodel.QKey{StateBucket: prevState, Action: string(a.Kind)}

	maxNext := math.Inf(-1)
	for _, k := range action.AllKinds {
		v := learning[agentmodel.QKey{StateBucket: nextState, Action: string(k)}].Value
		if v > maxNext {
			maxNext = v
		}
	}
	if math.IsInf(maxNext, -1) {
		maxNext = 0
	}

	cur := learning[key].Value
	updated := cur + q.Config.Alpha*(reward+q.Config.Gamma*maxNext-cur)

	evictIfFull(learning, key, q.Config.MaxEntries)
	learning[key] = agentmodel.QEntry{Value: updated, UpdatedAt: time.Now()}
}

// evictIfFull removes the least-recently-updated entry when learning is at
// capacity and key is not already present, per spec.md's bounded Q-table
// rule.
func evictIfFull(learning map[agentmodel.QKey]agentmodel.QEntry, key agentmodel.QKey, maxEntries int) {
	if _, exists := learning[key]; exists {
		return
	}
	if len(learning) < maxEntries {
		return
	}
	var oldestKey agentmodel.QKey
	var oldestAt time.Time
	first := true
	for k, e := range learning {
		if first || e.UpdatedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.UpdatedAt
			first = false
		}
	}
	delete(learning, oldestKey)
}
