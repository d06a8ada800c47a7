package strategy

import (
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/perception"
)

// NodeKind is the role a behavior tree node plays during traversal.
type NodeKind int

const (
	NodeSequence NodeKind = iota
	NodeSelector
	NodeCondition
	NodeActionLeaf
)

// Predicate gates a condition node.
type Predicate func(p perception.Snapshot, traits agentmodel.Traits) bool

// Producer builds the action a leaf node contributes once reached.
type Producer func(p perception.Snapshot, traits agentmodel.Traits) action.Action

// Node is one element of a static behavior tree. Sequence nodes require all
// children to succeed in order; selector nodes take the first child that
// succeeds; condition nodes succeed iff Predicate holds; action leaves
// always succeed and contribute Produce's result.
type Node struct {
	Kind      NodeKind
	Children  []*Node
	Predicate Predicate
	Produce   Producer
}

// Sequence builds a sequence node.
func Sequence(children ...*Node) *Node { return &Node{Kind: NodeSequence, Children: children} }

// Selector builds a selector node.
func Selector(children ...*Node) *Node { return &Node{Kind: NodeSelector, Children: children} }

// Condition builds a condition node guarding its sibling(s) in a sequence.
func Condition(pred Predicate) *Node { return &Node{Kind: NodeCondition, Predicate: pred} }

// ActionLeaf builds a leaf node that produces an action unconditionally once
// reached.
func ActionLeaf(produce Producer) *Node { return &Node{Kind: NodeActionLeaf, Produce: produce} }

// eval walks the subtree depth-first left-to-right. ok reports whether the
// subtree succeeded; produced reports whether an action leaf fired within
// it (a bare condition can succeed without producing anything).
func (n *Node) eval(p perception.Snapshot, traits agentmodel.Traits) (act action.Action, produced bool, ok bool) {
	switch n.Kind {
	case NodeActionLeaf:
		return n.Produce(p, traits), true, true
	case NodeCondition:
		if n.Predicate(p, traits) {
			return action.Action{}, false, true
		}
		return action.Action{}, false, false
	case NodeSequence:
		for _, c := range n.Children {
			childAct, childProduced, childOK := c.eval(p, traits)
			if !childOK {
				return action.Action{}, false, false
			}
			if childProduced {
				return childAct, true, true
			}
		}
		return action.Action{}, false, true
	case NodeSelector:
		for _, c := range n.Children {
			childAct, childProduced, childOK := c.eval(p, traits)
			if childOK {
				if childProduced {
					return childAct, true, true
				}
				return action.Action{}, false, true
			}
		}
		return action.Action{}, false, false
	default:
		return action.Action{}, false, false
	}
}

// BehaviorTree is the static-tree strategy (spec.md §4.B).
type BehaviorTree struct {
	Root *Node
}

// NewBehaviorTree builds a BehaviorTree strategy; a nil root is replaced
// with DefaultBehaviorTree.
func NewBehaviorTree(root *Node) *BehaviorTree {
	if root == nil {
		root = DefaultBehaviorTree()
	}
	return &BehaviorTree{Root: root}
}

func (b *BehaviorTree) Name() Name { return NameBehaviorTree }

func (b *BehaviorTree) Decide(p perception.Snapshot, traits agentmodel.Traits, _ map[agentmodel.QKey]agentmodel.QEntry) action.Action {
	act, produced, ok := b.Root.eval(p, traits)
	if !ok || !produced {
		return action.Idle()
	}
	act.Confidence = 0.8
	act.Valid = true
	if act.Priority == 0 && act.Kind != action.KindIdle {
		act.Priority = basePriority(act.Kind)
	}
	return act
}

// DefaultBehaviorTree returns a reasonable survive-then-fight tree used when
// no operator-supplied tree is configured.
func DefaultBehaviorTree() *Node {
	return Selector(
		Sequence(
			Condition(func(p perception.Snapshot, _ agentmodel.Traits) bool { return p.Own.HPRatio() < 0.3 }),
			ActionLeaf(func(p perception.Snapshot, _ agentmodel.Traits) action.Action {
				return action.Action{Kind: action.KindFlee, Priority: basePriority(action.KindFlee)}
			}),
		),
		Sequence(
			Condition(func(p perception.Snapshot, _ agentmodel.Traits) bool { return len(p.Enemies) > 0 }),
			ActionLeaf(func(p perception.Snapshot, _ agentmodel.Traits) action.Action {
				return action.Action{
					Kind:     action.KindAttack,
					Params:   action.Params{TargetID: p.Enemies[0].ID},
					Priority: basePriority(action.KindAttack),
				}
			}),
		),
		Sequence(
			Condition(func(p perception.Snapshot, _ agentmodel.Traits) bool { return p.Own.MPRatio() > 0.5 && p.ThreatLevel > 0.5 }),
			ActionLeaf(func(p perception.Snapshot, _ agentmodel.Traits) action.Action {
				return action.Action{
					Kind:     action.KindUseSkill,
					Params:   action.Params{SkillID: "basic_strike"},
					Priority: basePriority(action.KindUseSkill),
				}
			}),
		),
		ActionLeaf(func(p perception.Snapshot, _ agentmodel.Traits) action.Action {
			return action.Action{Kind: action.KindIdle, Priority: 0}
		}),
	)
}
