// Package scheduler implements the AI tick engine (spec.md §4.E): a worker
// pool running three periodic tasks (command-drain, tick, balance), with
// per-agent tick-budget enforcement and strategy demotion on repeated
// failure or budget overrun.
//
// Grounded on the teacher's pkg/queue/pool.go (WorkerPool lifecycle:
// started bool, stopOnce, wg, Start/Stop) and pkg/queue/worker.go (run()
// select loop honoring a stop channel), with the periodic tasks themselves
// driven by github.com/niceyeti/channerics's ticker helper as used in
// niceyeti-tabular's training loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/niceyeti/channerics/channels"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/queue"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/strategy"
	"github.com/tarsy-ai/tarsy-ai/pkg/balancer"
)

// Notifier is implemented by the protocol server; the scheduler emits a
// state-change notification through it after every tick that applies an
// action, and a battle-event notification whenever an attack resolves.
type Notifier interface {
	NotifyStateChange(agentID string, newState agentmodel.LifecycleState, pos agentmodel.Position)
	NotifyBattleEvent(agentID, targetID, eventType string, damage, targetHP int)
}

// Attack damage bounds (spec.md S2); actual skill/attack formulas are a
// non-goal, so this is a uniform range rather than a stat-derived value.
const (
	minAttackDamage = 50
	maxAttackDamage = 150
)

// PerceptionRadius bounds how far an agent can see allies/enemies when the
// scheduler builds its perception snapshot. spec.md leaves the exact
// perception-gathering geometry unspecified; this value and the
// same-team/opposite-team split below are this package's resolution of
// that open question (see DESIGN.md).
const PerceptionRadius = 20.0

// Config holds the scheduler's tunables (spec.md §6 "Scheduler" keys).
type Config struct {
	TickInterval             time.Duration // default 100ms
	Workers                  int           // default max(4, 2*NumCPU)
	CommandDrainInterval     time.Duration // default 100ms
	CommandBatchSize         int           // default 64
	BalanceInterval          time.Duration // default 5s
	TickBudget               time.Duration // soft budget, default 1ms
	BudgetViolationsToDemote int           // default 3
	FailuresToDemote         int           // default 3
	ShutdownGrace            time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.Workers == 0 {
		c.Workers = max(4, 2*runtime.NumCPU())
	}
	if c.CommandDrainInterval == 0 {
		c.CommandDrainInterval = 100 * time.Millisecond
	}
	if c.CommandBatchSize == 0 {
		c.CommandBatchSize = 64
	}
	if c.BalanceInterval == 0 {
		c.BalanceInterval = 5 * time.Second
	}
	if c.TickBudget == 0 {
		c.TickBudget = time.Millisecond
	}
	if c.BudgetViolationsToDemote == 0 {
		c.BudgetViolationsToDemote = 3
	}
	if c.FailuresToDemote == 0 {
		c.FailuresToDemote = 3
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// agentRuntime is the scheduler-private state kept per agent, separate from
// the agentmodel.Agent the registry owns: strategy selection and the
// previous tick's perception/action pair, needed to compute a Q-learning
// reward once the next tick's perception is available.
type agentRuntime struct {
	mu               sync.Mutex
	currentStrategy  strategy.Name
	budgetViolations int
	failures         int
	mailbox          []action.Action
	hasPrev          bool
	prevPerception   perception.Snapshot
	prevAction       action.Action
}

// Scheduler is the tick engine.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	balancer *balancer.Balancer
	cmdQueue *queue.Queue
	notifier Notifier
	catalog  map[strategy.Name]strategy.Strategy
	logger   *slog.Logger

	runtimesMu sync.Mutex
	runtimes   map[string]*agentRuntime

	defaultStrategy strategy.Name
	paused          atomic.Bool

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Scheduler. catalog must contain at least NameUtility, since
// that is the demotion target.
func New(cfg Config, reg *registry.Registry, bal *balancer.Balancer, q *queue.Queue, notifier Notifier, catalog map[strategy.Name]strategy.Strategy, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:             cfg,
		registry:        reg,
		balancer:        bal,
		cmdQueue:        q,
		notifier:        notifier,
		catalog:         catalog,
		logger:          logger.With("component", "scheduler"),
		runtimes:        make(map[string]*agentRuntime),
		defaultStrategy: strategy.NameUtility,
		stopCh:          make(chan struct{}),
	}
}

func (s *Scheduler) runtimeFor(agentID string) *agentRuntime {
	s.runtimesMu.Lock()
	defer s.runtimesMu.Unlock()
	rt, ok := s.runtimes[agentID]
	if !ok {
		rt = &agentRuntime{currentStrategy: s.defaultStrategy}
		s.runtimes[agentID] = rt
	}
	return rt
}

// DropAgent forgets an agent's scheduler-private runtime state. Called by
// the owner after a registry.Delete.
func (s *Scheduler) DropAgent(agentID string) {
	s.runtimesMu.Lock()
	defer s.runtimesMu.Unlock()
	delete(s.runtimes, agentID)
}

// SetAgentStrategy hot-swaps the strategy an agent's ticks use.
func (s *Scheduler) SetAgentStrategy(agentID string, name strategy.Name) {
	rt := s.runtimeFor(agentID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.currentStrategy = name
}

// Mailbox posts an action to agentID's mailbox; the next tick applies it
// directly instead of consulting the agent's strategy. This is how the
// command-drain task's broadcast_action commands reach a running agent.
func (s *Scheduler) Mailbox(agentID string, act action.Action) {
	rt := s.runtimeFor(agentID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.mailbox = append(rt.mailbox, act)
}

// Start launches the periodic tasks. Start is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	s.wg.Add(3)
	go s.runCommandDrainLoop(ctx)
	go s.runTickLoop(ctx)
	go s.runBalanceLoop(ctx)

	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "tick_interval", s.cfg.TickInterval)
	return nil
}

// Stop signals every task to exit and waits up to ShutdownGrace for them to
// drain, per spec.md §4.E's cancellation rule. snapshotFn, if non-nil, is
// called with every agent still in the registry once the tasks have
// stopped, so the caller can persist final state before the process exits;
// it is a seam toward the persistence package, which this package does not
// import.
func (s *Scheduler) Stop(snapshotFn func([]agentmodel.Snapshot)) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("scheduler shutdown exceeded grace period, snapshotting anyway", "grace", s.cfg.ShutdownGrace)
	}

	if snapshotFn != nil {
		snapshotFn(s.registry.List(registry.Filter{}))
	}
	return nil
}

func (s *Scheduler) runCommandDrainLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := channels.NewTicker(s.stopCh, s.cfg.CommandDrainInterval)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker:
			s.drainCommands()
		}
	}
}

func (s *Scheduler) drainCommands() {
	for _, cmd := range s.cmdQueue.DequeueBatch(s.cfg.CommandBatchSize) {
		s.dispatchCommand(cmd)
	}
}

func (s *Scheduler) dispatchCommand(cmd queue.Command) {
	switch cmd.Type {
	case queue.CommandUpdate:
		mutator, ok := cmd.Payload.(func(a *agentmodel.Agent) error)
		if !ok || cmd.TargetID == "" {
			s.logger.Warn("malformed update command", "target", cmd.TargetID)
			return
		}
		if err := s.registry.Update(cmd.TargetID, mutator); err != nil {
			s.logger.Warn("update command failed", "target", cmd.TargetID, "error", err)
		}
	case queue.CommandDelete:
		if err := s.registry.Delete(cmd.TargetID); err != nil {
			s.logger.Warn("delete command failed", "target", cmd.TargetID, "error", err)
			return
		}
		s.balancer.NoteRelease(cmd.TargetID)
		s.DropAgent(cmd.TargetID)
	case queue.CommandBroadcastAction:
		act, ok := cmd.Payload.(action.Action)
		if !ok || cmd.TargetID == "" {
			s.logger.Warn("malformed broadcast-action command", "target", cmd.TargetID)
			return
		}
		s.Mailbox(cmd.TargetID, act)
	case queue.CommandSystemControl:
		directive, _ := cmd.Payload.(string)
		if !s.SystemControl(directive) {
			s.logger.Warn("unrecognized system control directive", "directive", directive)
		}
	case queue.CommandCreate:
		// spawn_ai is applied synchronously by the protocol server's handler
		// via registry.Create; a queued create command only reaches here for
		// observability when it arrives out of band.
		s.logger.Debug("create command observed", "payload", cmd.Payload)
	}
}

func (s *Scheduler) runTickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := channels.NewTicker(s.stopCh, s.cfg.TickInterval)
	sem := make(chan struct{}, s.cfg.Workers)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker:
			if s.paused.Load() {
				continue
			}
			s.tickAll(ctx, sem)
		}
	}
}

// Pause suspends tick processing; agents already mid-tick finish, but no new
// tick starts until Resume. Grounded on the original's pauseAllAI.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
}

// Resume reverses Pause. Grounded on the original's resumeAllAI.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
}

// ResetAll restores every registered agent to full vitals and an idle state,
// the way the original's resetAllAI recycles bots back into the pool.
func (s *Scheduler) ResetAll() {
	for _, snap := range s.registry.List(registry.Filter{}) {
		_ = s.registry.Update(snap.ID, func(a *agentmodel.Agent) error {
			a.HP = a.MaxHP
			a.MP = a.MaxMP
			a.State = agentmodel.StateIdle
			return nil
		})
	}
}

// SystemControl applies one of the system_control directives (spec.md §4.G)
// and reports whether directive was recognized.
func (s *Scheduler) SystemControl(directive string) bool {
	switch directive {
	case "pause_all":
		s.Pause()
	case "resume_all":
		s.Resume()
	case "reset_all":
		s.ResetAll()
	default:
		return false
	}
	return true
}

func (s *Scheduler) tickAll(ctx context.Context, sem chan struct{}) {
	agents := s.registry.List(registry.Filter{})
	now := time.Now()
	var wg sync.WaitGroup
	for _, snap := range agents {
		if snap.State == agentmodel.StateOffline {
			continue
		}
		if !snap.LastTickAt.IsZero() && now.Sub(snap.LastTickAt) < s.cfg.TickInterval {
			continue
		}
		snap := snap
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.tickOne(snap, agents)
		}()
	}
	wg.Wait()
}

// buildPerception assembles a perception.Snapshot for snap from the rest of
// the current agent population: entries within PerceptionRadius on the same
// shard, split into allies (same team) and enemies (different team).
func (s *Scheduler) buildPerception(snap agentmodel.Snapshot, all []agentmodel.Snapshot) perception.Snapshot {
	p := perception.Snapshot{
		Own: perception.Vitals{HP: snap.HP, MaxHP: snap.MaxHP, MP: snap.MP, MaxMP: snap.MaxMP},
	}
	var threatTotal float64
	for _, other := range all {
		if other.ID == snap.ID || other.ShardID != snap.ShardID || other.State == agentmodel.StateDead {
			continue
		}
		dx, dy, dz := other.Pos.X-snap.Pos.X, other.Pos.Y-snap.Pos.Y, other.Pos.Z-snap.Pos.Z
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if dist > PerceptionRadius {
			continue
		}
		ref := perception.ActorRef{
			ID: other.ID, RelativeX: dx, RelativeY: dy, RelativeZ: dz,
			HP: other.HP, Level: other.Level,
			ThreatRating: threatRating(other),
		}
		if snap.TeamID > 0 && other.TeamID == snap.TeamID {
			p.Allies = append(p.Allies, ref)
		} else {
			p.Enemies = append(p.Enemies, ref)
			threatTotal += ref.ThreatRating
		}
	}
	if len(p.Enemies) > 0 {
		p.ThreatLevel = clamp01(threatTotal / float64(len(p.Enemies)))
	}
	return p
}

func threatRating(s agentmodel.Snapshot) float64 {
	if s.MaxHP == 0 {
		return 0
	}
	return clamp01(float64(s.Level)/100.0*0.5 + float64(s.HP)/float64(s.MaxHP)*0.5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// computeReward is this package's resolution of the Q-learning reward
// signal, which spec.md leaves unspecified beyond "learn(prev, action,
// reward)": positive for an improved relative HP, strongly negative on
// death, and scaled by threat reduction. See DESIGN.md's Open Question
// decisions.
func computeReward(prev, next perception.Snapshot, taken action.Action) float64 {
	if next.Own.HP == 0 && prev.Own.HP > 0 {
		return -1.0
	}
	hpDelta := next.Own.HPRatio() - prev.Own.HPRatio()
	threatDelta := prev.ThreatLevel - next.ThreatLevel
	reward := hpDelta + 0.5*threatDelta
	if taken.Kind == action.KindIdle && next.ThreatLevel > 0.5 {
		reward -= 0.1
	}
	if reward > 1 {
		reward = 1
	}
	if reward < -1 {
		reward = -1
	}
	return reward
}

func popMailbox(rt *agentRuntime) (action.Action, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.mailbox) == 0 {
		return action.Action{}, false
	}
	act := rt.mailbox[len(rt.mailbox)-1]
	rt.mailbox = nil
	return act, true
}

func (s *Scheduler) tickOne(snap agentmodel.Snapshot, all []agentmodel.Snapshot) {
	start := time.Now()
	rt := s.runtimeFor(snap.ID)

	rt.mu.Lock()
	currentStrategy := rt.currentStrategy
	hasPrev := rt.hasPrev
	prevPerception := rt.prevPerception
	prevAction := rt.prevAction
	rt.mu.Unlock()

	mailboxAction, hasMailbox := popMailbox(rt)
	perc := s.buildPerception(snap, all)

	var chosen action.Action
	var failed bool

	err := s.registry.Update(snap.ID, func(a *agentmodel.Agent) error {
		strat, ok := s.catalog[currentStrategy]
		if !ok {
			strat = s.catalog[s.defaultStrategy]
		}

		if learner, ok := strat.(strategy.Learner); ok && hasPrev {
			reward := computeReward(prevPerception, perc, prevAction)
			learner.Learn(prevPerception, perc, prevAction, reward, a.Learning)
		}

		if hasMailbox {
			chosen = mailboxAction
		} else {
			chosen = s.decideWithRecovery(strat, perc, a.Traits, a.Learning, snap.ID, &failed)
		}
		if verr := chosen.Validate(); verr != nil {
			failed = true
			chosen = action.Idle()
		}
		if chosen.Kind == action.KindAttack || chosen.Kind == action.KindUseSkill {
			// Resolved after this closure returns: both kinds may need to
			// touch a second agent (the attack target) or would otherwise
			// be re-entering this same agent's lock via ApplyCommand.
			return nil
		}
		return applyActionToAgent(a, chosen)
	})
	if err != nil {
		s.logger.Warn("failed to apply tick action", "agent", snap.ID, "error", err)
		return
	}

	if chosen.Kind == action.KindAttack || chosen.Kind == action.KindUseSkill {
		if ok, _ := s.ApplyCommand(snap.ID, chosen); !ok {
			failed = true
		}
	}

	rt.mu.Lock()
	rt.hasPrev = true
	rt.prevPerception = perc
	rt.prevAction = chosen
	if failed {
		rt.failures++
	} else {
		rt.failures = 0
	}
	failures := rt.failures
	rt.mu.Unlock()
	if failures >= s.cfg.FailuresToDemote {
		s.demote(snap.ID)
	}

	elapsed := time.Since(start)
	if elapsed > s.cfg.TickBudget {
		rt.mu.Lock()
		rt.budgetViolations++
		violations := rt.budgetViolations
		rt.mu.Unlock()
		if violations >= s.cfg.BudgetViolationsToDemote {
			s.demote(snap.ID)
		}
	} else {
		rt.mu.Lock()
		rt.budgetViolations = 0
		rt.mu.Unlock()
	}

	if s.notifier != nil {
		if updated, err := s.registry.Get(snap.ID); err == nil {
			s.notifier.NotifyStateChange(snap.ID, updated.State, updated.Pos)
		}
	}
}

// decideWithRecovery calls strat.Decide, treating a panic as a strategy
// failure: the agent's action for this tick becomes idle and *failed is set
// so the caller can advance its consecutive-failure counter.
func (s *Scheduler) decideWithRecovery(strat strategy.Strategy, perc perception.Snapshot, traits agentmodel.Traits, learning map[agentmodel.QKey]agentmodel.QEntry, agentID string, failed *bool) (act action.Action) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("strategy panicked", "agent", agentID, "strategy", strat.Name(), "panic", r)
			act = action.Idle()
			*failed = true
		}
	}()
	return strat.Decide(perc, traits, learning)
}

func (s *Scheduler) demote(agentID string) {
	rt := s.runtimeFor(agentID)
	rt.mu.Lock()
	alreadyUtility := rt.currentStrategy == strategy.NameUtility
	rt.currentStrategy = strategy.NameUtility
	rt.budgetViolations = 0
	rt.failures = 0
	rt.mu.Unlock()
	if !alreadyUtility {
		s.logger.Warn("agent strategy demoted to utility", "agent", agentID)
	}
}

// applyActionToAgent applies the non-combat action kinds, which only ever
// touch the acting agent itself. KindAttack and KindUseSkill are handled
// separately by applyAttack/applySkill, since they also mutate a second
// agent (the target) or the acting agent's mp, which this single-agent
// mutator has no way to express.
func applyActionToAgent(a *agentmodel.Agent, act action.Action) error {
	a.LastTickAt = time.Now()
	if a.State == agentmodel.StateDead {
		return nil
	}
	switch act.Kind {
	case action.KindMove, action.KindFlee:
		a.Pos.X, a.Pos.Y, a.Pos.Z = act.Params.TargetPos[0], act.Params.TargetPos[1], act.Params.TargetPos[2]
		a.State = agentmodel.StateMoving
	case action.KindChat:
		a.State = agentmodel.StateChatting
	case action.KindIdle, action.KindInteract, action.KindUseItem:
		a.State = agentmodel.StateIdle
	}
	return nil
}

// errKindFor maps a registry/balancer error onto the wire protocol's error
// kind strings (spec.md §7); the sentinel errors already carry these as
// their message text, so errors.Is just selects among them.
func errKindFor(err error) string {
	switch {
	case errors.Is(err, agentmodel.ErrNotFound):
		return "not_found"
	case errors.Is(err, agentmodel.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, agentmodel.ErrAlreadyExists):
		return "already_exists"
	default:
		return "invariant_violation"
	}
}

// ApplyCommand resolves act against agentID synchronously and reports
// whether it succeeded, so an explicit ai_command can answer its caller
// immediately instead of waiting for the next tick (spec.md S2/S3). It is
// also how tickOne applies a strategy-chosen attack or use_skill.
func (s *Scheduler) ApplyCommand(agentID string, act action.Action) (success bool, errKind string) {
	switch act.Kind {
	case action.KindAttack:
		return s.applyAttack(agentID, act)
	case action.KindUseSkill:
		return s.applySkill(agentID, act)
	default:
		err := s.registry.Update(agentID, func(a *agentmodel.Agent) error {
			return applyActionToAgent(a, act)
		})
		if err != nil {
			return false, errKindFor(err)
		}
		return true, ""
	}
}

// applyAttack resolves act.Params.TargetID taking 50-150 damage (S2),
// updates the acting agent's state to fighting, and broadcasts a
// battle_event notification. Grounded on the original's attackTarget +
// aiBattleEvent signal pair.
func (s *Scheduler) applyAttack(agentID string, act action.Action) (bool, string) {
	targetID := act.Params.TargetID
	if targetID == "" || targetID == agentID {
		return false, "invariant_violation"
	}

	damage := minAttackDamage + rand.Intn(maxAttackDamage-minAttackDamage+1)
	var targetHP int
	err := s.registry.Update(targetID, func(a *agentmodel.Agent) error {
		if a.State == agentmodel.StateDead {
			return fmt.Errorf("%w: target is already dead", agentmodel.ErrInvariantViolation)
		}
		a.HP -= damage
		if a.HP < 0 {
			a.HP = 0
		}
		if a.HP == 0 {
			a.State = agentmodel.StateDead
		}
		targetHP = a.HP
		return nil
	})
	if err != nil {
		return false, errKindFor(err)
	}

	if err := s.registry.Update(agentID, func(a *agentmodel.Agent) error {
		a.LastTickAt = time.Now()
		if a.State != agentmodel.StateDead {
			a.State = agentmodel.StateFighting
		}
		return nil
	}); err != nil {
		return false, errKindFor(err)
	}

	if s.notifier != nil {
		s.notifier.NotifyBattleEvent(agentID, targetID, "attack", damage, targetHP)
	}
	return true, ""
}

// applySkill deducts the skill's mp cost, rejecting with invariant_violation
// and leaving mp untouched if the acting agent can't afford it (S3).
// Grounded on the original's useSkill.
func (s *Scheduler) applySkill(agentID string, act action.Action) (bool, string) {
	cost := action.SkillMPCost(act.Params)
	err := s.registry.Update(agentID, func(a *agentmodel.Agent) error {
		if a.State == agentmodel.StateDead {
			return nil
		}
		if a.MP < cost {
			return fmt.Errorf("%w: skill %s costs %d mp, have %d", agentmodel.ErrInvariantViolation, act.Params.SkillID, cost, a.MP)
		}
		a.LastTickAt = time.Now()
		a.MP -= cost
		a.State = agentmodel.StateUsingSkill
		return nil
	})
	if err != nil {
		return false, errKindFor(err)
	}
	return true, ""
}

func (s *Scheduler) runBalanceLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := channels.NewTicker(s.stopCh, s.cfg.BalanceInterval)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker:
			s.runBalance()
		}
	}
}

func (s *Scheduler) runBalance() {
	s.balancer.SweepHealth(time.Now())
	for _, snap := range s.registry.List(registry.Filter{}) {
		s.balancer.NoteAssignment(snap.ID, snap.ShardID)
	}
	migrations := s.balancer.Rebalance()
	for _, m := range migrations {
		err := s.registry.Update(m.AgentID, func(a *agentmodel.Agent) error {
			a.ShardID = m.To
			return nil
		})
		if err != nil {
			s.logger.Warn("migration failed", "agent", m.AgentID, "from", m.From, "to", m.To, "error", err)
			continue
		}
		s.balancer.NoteAssignment(m.AgentID, m.To)
		s.balancer.MigrateCount(m.From, m.To)
	}
	if len(migrations) > 0 {
		s.logger.Info("rebalance applied", "migrations", len(migrations))
	}
}
