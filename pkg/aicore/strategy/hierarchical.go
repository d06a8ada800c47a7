package strategy

import (
	"sort"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// Goal is one of the four coarse goal categories the policy tier selects
// between.
type Goal string

const (
	GoalSurvive   Goal = "survive"
	GoalEngage    Goal = "engage"
	GoalExplore   Goal = "explore"
	GoalSocialize Goal = "socialize"
)

var allGoals = []Goal{GoalEngage, GoalExplore, GoalSocialize, GoalSurvive} // lexical order

// GoalWeights maps each goal to the coarse-feature weights used to score it.
type GoalWeights map[Goal][]FeatureWeight

// DefaultGoalWeights returns the policy tier's default scoring table.
func DefaultGoalWeights() GoalWeights {
	return GoalWeights{
		GoalSurvive: {
			{Name: "low_hp_drives_survive", Feature: FeatureHPRatio, Weight: -1.0, Min: 0, Max: 1},
			{Name: "threat_drives_survive", Feature: FeatureThreatLevel, Weight: 0.7, Min: 0, Max: 1},
		},
		GoalEngage: {
			{Name: "threat_drives_engage", Feature: FeatureThreatLevel, Weight: 0.8, Min: 0, Max: 1},
			{Name: "enemies_drive_engage", Feature: FeatureNumEnemies, Weight: 0.3, Min: 0, Max: 10},
		},
		GoalExplore: {
			{Name: "low_threat_drives_explore", Feature: FeatureThreatLevel, Weight: -0.6, Min: 0, Max: 1},
		},
		GoalSocialize: {
			{Name: "allies_drive_socialize", Feature: FeatureNumAllies, Weight: 0.5, Min: 0, Max: 10},
			{Name: "low_threat_drives_socialize", Feature: FeatureThreatLevel, Weight: -0.4, Min: 0, Max: 1},
		},
	}
}

// Hierarchical is the two-tier goal-then-substrategy strategy (spec.md
// §4.B). The sub-strategy set is one of the other four by construction;
// Hierarchical never nests itself.
type Hierarchical struct {
	GoalWeights  GoalWeights
	SubStrategies map[Goal]Strategy
}

// NewHierarchical builds a Hierarchical strategy with sensible sub-strategy
// defaults: survive favors item/flee-weighted utility, engage runs the
// default behavior tree, explore and socialize run utility configs tuned
// for movement and chat respectively.
func NewHierarchical(weights GoalWeights, subs map[Goal]Strategy) *Hierarchical {
	if weights == nil {
		weights = DefaultGoalWeights()
	}
	if subs == nil {
		subs = map[Goal]Strategy{
			GoalSurvive:   NewUtility(DefaultUtilityConfig()),
			GoalEngage:    NewBehaviorTree(nil),
			GoalExplore:   NewUtility(exploreUtilityConfig()),
			GoalSocialize: NewUtility(socializeUtilityConfig()),
		}
	}
	return &Hierarchical{GoalWeights: weights, SubStrategies: subs}
}

func exploreUtilityConfig() UtilityConfig {
	cfg := DefaultUtilityConfig()
	cfg.Weights[action.KindMove] = []FeatureWeight{
		{Name: "favor_move", Feature: FeatureThreatLevel, Weight: -0.2, Min: 0, Max: 1},
	}
	return cfg
}

func socializeUtilityConfig() UtilityConfig {
	cfg := DefaultUtilityConfig()
	cfg.Weights[action.KindChat] = []FeatureWeight{
		{Name: "favor_chat", Feature: FeatureNumAllies, Weight: 0.8, Min: 0, Max: 10},
	}
	return cfg
}

func (h *Hierarchical) Name() Name { return NameHierarchical }

func (h *Hierarchical) Decide(p perception.Snapshot, traits agentmodel.Traits, learning map[agentmodel.QKey]agentmodel.QEntry) action.Action {
	features := extractFeatures(p)

	goals := append([]Goal(nil), allGoals...)
	sort.Slice(goals, func(i, j int) bool { return goals[i] < goals[j] })

	type scoredGoal struct {
		goal  Goal
		score float64
	}
	var scored []scoredGoal
	sum := 0.0
	for _, g := range goals {
		score := 0.0
		for _, w := range h.GoalWeights[g] {
			score += clamp(features[w.Feature], w.Min, w.Max) * w.Weight
		}
		scored = append(scored, scoredGoal{g, score})
		if score > 0 {
			sum += score
		}
	}

	best := scored[0]
	for _, s := range scored[1:] {
		if s.score > best.score {
			best = s
		}
	}
	goalConfidence := 0.0
	if sum > 0 && best.score > 0 {
		goalConfidence = clamp(best.score/sum, 0, 1)
	}

	sub, ok := h.SubStrategies[best.goal]
	if !ok {
		return action.Idle()
	}
	act := sub.Decide(p, traits, learning)
	act.Confidence = clamp(goalConfidence*act.Confidence, 0, 1)
	return act
}
