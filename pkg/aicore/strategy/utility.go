package strategy

import (
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// FeatureWeight is one entry of the utility strategy's scoring config:
// {name, feature, weight, min, max}.
type FeatureWeight struct {
	Name    string
	Feature string
	Weight  float64
	Min     float64
	Max     float64
}

// UtilityConfig maps each candidate action kind to the feature weights used
// to score it. Utility keeps it in a plain field without synchronization;
// nothing in this package swaps or reloads it at runtime.
type UtilityConfig struct {
	Weights map[action.Kind][]FeatureWeight
}

// DefaultUtilityConfig returns the weight table used when no operator
// override is configured.
func DefaultUtilityConfig() UtilityConfig {
	return UtilityConfig{Weights: map[action.Kind][]FeatureWeight{
		action.KindFlee: {
			{Name: "low_hp_drives_flee", Feature: FeatureHPRatio, Weight: -1.0, Min: 0, Max: 1},
			{Name: "threat_drives_flee", Feature: FeatureThreatLevel, Weight: 0.8, Min: 0, Max: 1},
		},
		action.KindAttack: {
			{Name: "threat_drives_attack", Feature: FeatureThreatLevel, Weight: 0.6, Min: 0, Max: 1},
			{Name: "close_enemy_drives_attack", Feature: FeatureNearestEnemyDist, Weight: -0.05, Min: 0, Max: 20},
			{Name: "hp_margin_drives_attack", Feature: FeatureHPRatio, Weight: 0.3, Min: 0, Max: 1},
		},
		action.KindUseSkill: {
			{Name: "mp_available_drives_skill", Feature: FeatureMPRatio, Weight: 0.7, Min: 0, Max: 1},
			{Name: "threat_drives_skill", Feature: FeatureThreatLevel, Weight: 0.3, Min: 0, Max: 1},
		},
		action.KindUseItem: {
			{Name: "low_hp_drives_item", Feature: FeatureHPRatio, Weight: -0.7, Min: 0, Max: 1},
		},
		action.KindMove: {
			{Name: "low_threat_drives_move", Feature: FeatureThreatLevel, Weight: -0.4, Min: 0, Max: 1},
			{Name: "far_enemy_drives_move", Feature: FeatureNearestEnemyDist, Weight: 0.02, Min: 0, Max: 20},
		},
		action.KindInteract: {
			{Name: "allies_drive_interact", Feature: FeatureNumAllies, Weight: 0.1, Min: 0, Max: 10},
		},
		action.KindChat: {
			{Name: "allies_drive_chat", Feature: FeatureNumAllies, Weight: 0.2, Min: 0, Max: 10},
			{Name: "low_threat_drives_chat", Feature: FeatureThreatLevel, Weight: -0.5, Min: 0, Max: 1},
		},
		action.KindIdle: {
			{Name: "baseline", Feature: FeatureThreatLevel, Weight: 0.0, Min: 0, Max: 1},
		},
	}}
}

// Utility is the highest-scoring-action strategy (spec.md §4.B).
type Utility struct {
	Config UtilityConfig
}

// NewUtility builds a Utility strategy; a zero-value cfg is replaced with
// DefaultUtilityConfig.
func NewUtility(cfg UtilityConfig) *Utility {
	if cfg.Weights == nil {
		cfg = DefaultUtilityConfig()
	}
	return &Utility{Config: cfg}
}

func (u *Utility) Name() Name { return NameUtility }

func (u *Utility) Decide(p perception.Snapshot, traits agentmodel.Traits, _ map[agentmodel.QKey]agentmodel.QEntry) action.Action {
	features := extractFeatures(p)

	type scored struct {
		kind  action.Kind
		score float64
	}
	var candidates []scored
	sum := 0.0
	for _, kind := range sortedKinds() {
		weights := u.Config.Weights[kind]
		score := 0.0
		for _, w := range weights {
			v := clamp(features[w.Feature], w.Min, w.Max)
			score += v * w.Weight
		}
		candidates = append(candidates, scored{kind: kind, score: score})
		if score > 0 {
			sum += score
		}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
			continue
		}
		if c.score == best.score {
			if basePriority(c.kind) > basePriority(best.kind) {
				best = c
				continue
			}
			if basePriority(c.kind) == basePriority(best.kind) && c.kind < best.kind {
				best = c
			}
		}
	}

	if best.score <= 0 {
		return action.Idle()
	}

	confidence := 0.0
	if sum > 0 && best.score > 0 {
		confidence = best.score / sum
	}
	confidence = clamp(confidence, 0, 1)

	act := action.Action{
		Kind:       best.kind,
		Confidence: confidence,
		Priority:   basePriority(best.kind),
		Valid:      true,
	}
	fillDefaultParams(&act, p)
	return act
}

// fillDefaultParams populates the type-specific fields a winning kind needs
// to pass action.Validate, using the closest available perception targets.
func fillDefaultParams(act *action.Action, p perception.Snapshot) {
	switch act.Kind {
	case action.KindAttack, action.KindInteract:
		if len(p.Enemies) > 0 {
			act.Params.TargetID = p.Enemies[0].ID
		} else if act.Kind == action.KindInteract && len(p.Items) > 0 {
			act.Params.TargetID = p.Items[0].ID
		} else {
			act.Kind = action.KindIdle
			act.Confidence = 0
		}
	case action.KindUseSkill:
		act.Params.SkillID = "basic_strike"
	case action.KindUseItem:
		act.Params.ItemID = "potion_minor"
	case action.KindChat:
		act.Params.Text = "..."
	case action.KindMove:
		act.Params.TargetPos = [3]float64{0, 0, 0}
	}
}
