package strategy

import (
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// Feature names recognized by FeatureWeight.Feature.
const (
	FeatureHPRatio         = "hp_ratio"
	FeatureMPRatio         = "mp_ratio"
	FeatureThreatLevel     = "threat_level"
	FeatureNearestEnemyDist = "nearest_enemy_distance"
	FeatureNumAllies       = "num_allies"
	FeatureNumEnemies      = "num_enemies"
)

// extractFeatures computes the five scoring features from a snapshot, per
// spec.md §4.B's utility strategy feature list.
func extractFeatures(p perception.Snapshot) map[string]float64 {
	dist := p.NearestEnemyDistance()
	if dist > 1e6 {
		dist = 1e6 // no enemies in range; treat as effectively unbounded but finite
	}
	return map[string]float64{
		FeatureHPRatio:          p.Own.HPRatio(),
		FeatureMPRatio:          p.Own.MPRatio(),
		FeatureThreatLevel:      p.ThreatLevel,
		FeatureNearestEnemyDist: dist,
		FeatureNumAllies:        float64(len(p.Allies)),
		FeatureNumEnemies:       float64(len(p.Enemies)),
	}
}

// basePriority is the static per-kind priority used both as the tie-break
// key in the utility strategy and as the winning Action's Priority field.
func basePriority(k action.Kind) int {
	switch k {
	case action.KindFlee:
		return 9
	case action.KindAttack:
		return 8
	case action.KindUseSkill:
		return 7
	case action.KindUseItem:
		return 6
	case action.KindMove:
		return 5
	case action.KindInteract:
		return 4
	case action.KindChat:
		return 2
	default:
		return 0
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
