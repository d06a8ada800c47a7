package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

func lowHPSnapshot() perception.Snapshot {
	return perception.Snapshot{
		Own:         perception.Vitals{HP: 5, MaxHP: 100, MP: 50, MaxMP: 100},
		ThreatLevel: 0.9,
		Enemies: []perception.ActorRef{
			{ID: "enemy-1", RelativeX: 3, RelativeY: 0, RelativeZ: 0, HP: 50, Level: 5, ThreatRating: 0.8},
		},
	}
}

func TestUtilityFleesAtLowHP(t *testing.T) {
	u := NewUtility(DefaultUtilityConfig())
	act := u.Decide(lowHPSnapshot(), agentmodel.Traits{Aggression: 0.5, Intelligence: 0.5, Sociability: 0.5}, nil)
	require.NoError(t, act.Validate())
	require.Equal(t, action.KindFlee, act.Kind)
	require.Greater(t, act.Confidence, 0.0)
}

func TestUtilityFallsBackToIdleWithNoCandidates(t *testing.T) {
	cfg := UtilityConfig{Weights: map[action.Kind][]FeatureWeight{}}
	u := NewUtility(cfg)
	act := u.Decide(perception.Snapshot{}, agentmodel.Traits{}, nil)
	require.NoError(t, act.Validate())
	require.Equal(t, action.KindIdle, act.Kind)
}

func TestBehaviorTreeFleesAtLowHP(t *testing.T) {
	bt := NewBehaviorTree(nil)
	act := bt.Decide(lowHPSnapshot(), agentmodel.Traits{}, nil)
	require.NoError(t, act.Validate())
	require.Equal(t, action.KindFlee, act.Kind)
	require.Equal(t, 0.8, act.Confidence)
}

func TestBehaviorTreeIdleFallback(t *testing.T) {
	bt := NewBehaviorTree(Selector(Condition(func(perception.Snapshot, agentmodel.Traits) bool { return false })))
	act := bt.Decide(perception.Snapshot{}, agentmodel.Traits{}, nil)
	require.Equal(t, action.KindIdle, act.Kind)
	require.Equal(t, 0.0, act.Confidence)
}

func TestQLearningLearnUpdatesTable(t *testing.T) {
	q := NewQLearning(DefaultQLearningConfig())
	learning := map[agentmodel.QKey]agentmodel.QEntry{}
	prev := perception.Snapshot{Own: perception.Vitals{HP: 80, MaxHP: 100, MP: 80, MaxMP: 100}}
	next := perception.Snapshot{Own: perception.Vitals{HP: 70, MaxHP: 100, MP: 70, MaxMP: 100}}

	act := action.Action{Kind: action.KindAttack}
	q.Learn(prev, next, act, 1.0, learning)

	key := agentmodel.QKey{StateBucket: bucketState(prev), Action: string(action.KindAttack)}
	entry, ok := learning[key]
	require.True(t, ok)
	require.Greater(t, entry.Value, 0.0)
}

func TestQLearningEvictsLeastRecentlyUpdatedWhenFull(t *testing.T) {
	q := NewQLearning(QLearningConfig{Epsilon: 0, Alpha: 0.5, Gamma: 0.9, MaxEntries: 2})
	learning := map[agentmodel.QKey]agentmodel.QEntry{}

	snaps := []perception.Snapshot{
		{Own: perception.Vitals{HP: 10, MaxHP: 100, MP: 10, MaxMP: 100}},
		{Own: perception.Vitals{HP: 40, MaxHP: 100, MP: 40, MaxMP: 100}},
		{Own: perception.Vitals{HP: 90, MaxHP: 100, MP: 90, MaxMP: 100}},
	}
	for _, s := range snaps {
		q.Learn(s, s, action.Action{Kind: action.KindIdle}, 1.0, learning)
	}
	require.LessOrEqual(t, len(learning), 2)
}

func TestHybridPicksHighestConfidence(t *testing.T) {
	h := NewHybrid(nil, nil, nil)
	act := h.Decide(lowHPSnapshot(), agentmodel.Traits{}, map[agentmodel.QKey]agentmodel.QEntry{})
	require.NoError(t, act.Validate())
}

func TestHierarchicalProducesValidAction(t *testing.T) {
	h := NewHierarchical(nil, nil)
	act := h.Decide(lowHPSnapshot(), agentmodel.Traits{}, map[agentmodel.QKey]agentmodel.QEntry{})
	require.NoError(t, act.Validate())
}
