package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/queue"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/strategy"
	"github.com/tarsy-ai/tarsy-ai/pkg/balancer"
)

func perceptionWithHP(hp, maxHP int) perception.Snapshot {
	return perception.Snapshot{Own: perception.Vitals{HP: hp, MaxHP: maxHP}}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *registry.Registry, *balancer.Balancer) {
	t.Helper()
	bal := balancer.New(balancer.Config{
		Strategy: balancer.StrategyLeastConnections,
		Shards:   []balancer.ShardConfig{{ID: 1, Capacity: 100, Weight: 1, Enabled: true}},
	})
	reg := registry.New(bal)
	q := queue.New(100)
	catalog := map[strategy.Name]strategy.Strategy{
		strategy.NameUtility: strategy.NewUtility(strategy.DefaultUtilityConfig()),
	}
	sched := New(cfg, reg, bal, q, nil, catalog, nil)
	return sched, reg, bal
}

func createTestAgent(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	id, err := reg.Create(agentmodel.Agent{
		DisplayName: "bot1",
		Academy:     agentmodel.AcademyShengMen,
		Department:  agentmodel.DepartmentSword,
		HP:          80, MaxHP: 100,
		MP: 40, MaxMP: 100,
		Level: 10,
		State: agentmodel.StateIdle,
	})
	require.NoError(t, err)
	return id
}

func TestTickLoopAppliesActionAndAdvancesLastTick(t *testing.T) {
	sched, reg, _ := newTestScheduler(t, Config{TickInterval: 10 * time.Millisecond})
	id := createTestAgent(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(nil)

	require.Eventually(t, func() bool {
		snap, err := reg.Get(id)
		return err == nil && !snap.LastTickAt.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestMailboxActionOverridesStrategyOnNextTick(t *testing.T) {
	sched, reg, _ := newTestScheduler(t, Config{TickInterval: 10 * time.Millisecond})
	id := createTestAgent(t, reg)

	sched.Mailbox(id, action.Action{Kind: action.KindChat, Params: action.Params{Text: "hi"}, Confidence: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(nil)

	require.Eventually(t, func() bool {
		snap, err := reg.Get(id)
		return err == nil && snap.State == agentmodel.StateChatting
	}, time.Second, 5*time.Millisecond)
}

func TestDemoteSwitchesAgentToUtilityStrategy(t *testing.T) {
	sched, reg, _ := newTestScheduler(t, Config{})
	id := createTestAgent(t, reg)
	sched.SetAgentStrategy(id, strategy.NameHierarchical) // not in catalog, forces fallback

	sched.demote(id)

	rt := sched.runtimeFor(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Equal(t, strategy.NameUtility, rt.currentStrategy)
}

func TestDrainCommandsDispatchesDeleteAndForgetsRuntime(t *testing.T) {
	sched, reg, bal := newTestScheduler(t, Config{})
	id := createTestAgent(t, reg)
	bal.NoteAssignment(id, 1)
	sched.runtimeFor(id) // materialize runtime state

	require.NoError(t, sched.cmdQueue.Enqueue(queue.Command{
		Type:     queue.CommandDelete,
		TargetID: id,
		Priority: queue.PriorityCritical,
	}))
	sched.drainCommands()

	_, err := reg.Get(id)
	require.ErrorIs(t, err, agentmodel.ErrNotFound)

	sched.runtimesMu.Lock()
	_, ok := sched.runtimes[id]
	sched.runtimesMu.Unlock()
	require.False(t, ok)
}

func TestBalanceLoopAppliesMigrations(t *testing.T) {
	bal := balancer.New(balancer.Config{
		Strategy: balancer.StrategyLeastConnections,
		Shards: []balancer.ShardConfig{
			{ID: 1, Capacity: 100, Weight: 1, Enabled: true},
			{ID: 2, Capacity: 100, Weight: 1, Enabled: false}, // disabled until agents are placed, to force an imbalance
		},
	})
	reg := registry.New(bal)
	q := queue.New(100)
	catalog := map[strategy.Name]strategy.Strategy{
		strategy.NameUtility: strategy.NewUtility(strategy.DefaultUtilityConfig()),
	}
	sched := New(Config{}, reg, bal, q, nil, catalog, nil)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := reg.Create(agentmodel.Agent{
			DisplayName: "b", Academy: agentmodel.AcademyShengMen, Department: agentmodel.DepartmentSword,
			HP: 1, MaxHP: 1, MP: 0, MaxMP: 0, State: agentmodel.StateIdle,
		})
		require.NoError(t, err)
		ids = append(ids, id)
		bal.NoteAssignment(id, 1)
	}
	require.NoError(t, bal.UpdateShard(2, balancer.ShardConfig{ID: 2, Capacity: 100, Weight: 1, Enabled: true}))

	sched.runBalance()

	counts := map[int]int{}
	for _, id := range ids {
		snap, err := reg.Get(id)
		require.NoError(t, err)
		counts[snap.ShardID]++
	}
	require.Equal(t, 2, counts[1])
	require.Equal(t, 2, counts[2])
}

func TestBuildPerceptionSplitsAlliesAndEnemiesByTeamWithinRadius(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{})

	self := agentmodel.Snapshot{ID: "self", ShardID: 1, TeamID: 1, HP: 50, MaxHP: 100}
	ally := agentmodel.Snapshot{ID: "ally", ShardID: 1, TeamID: 1, HP: 50, MaxHP: 100, Level: 10, Pos: agentmodel.Position{X: 1}}
	enemy := agentmodel.Snapshot{ID: "enemy", ShardID: 1, TeamID: 2, HP: 50, MaxHP: 100, Level: 10, Pos: agentmodel.Position{X: 2}}
	farEnemy := agentmodel.Snapshot{ID: "far", ShardID: 1, TeamID: 2, HP: 50, MaxHP: 100, Pos: agentmodel.Position{X: 999}}
	otherShard := agentmodel.Snapshot{ID: "other-shard", ShardID: 2, TeamID: 2, HP: 50, MaxHP: 100}

	perc := sched.buildPerception(self, []agentmodel.Snapshot{self, ally, enemy, farEnemy, otherShard})

	require.Len(t, perc.Allies, 1)
	require.Equal(t, "ally", perc.Allies[0].ID)
	require.Len(t, perc.Enemies, 1)
	require.Equal(t, "enemy", perc.Enemies[0].ID)
}

func TestComputeRewardPenalizesDeathAndRewardsHPGain(t *testing.T) {
	alive := perceptionWithHP(80, 100)
	dead := perceptionWithHP(0, 100)
	require.Equal(t, -1.0, computeReward(alive, dead, action.Idle()))

	healed := perceptionWithHP(90, 100)
	require.Greater(t, computeReward(alive, healed, action.Idle()), 0.0)
}
