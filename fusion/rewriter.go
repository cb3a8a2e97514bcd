// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/dotfusion/graph"
	"github.com/gomlx/dotfusion/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
)

// DefaultMaxParametersPerScope is the leaf budget used when Config doesn't set
// one. Each fused kernel argument costs registers and pointer arithmetic in
// the generated code, so the cap is small.
const DefaultMaxParametersPerScope = 4

// Config tunes the fusion planner.
type Config struct {
	// MaxParametersPerScope caps the number of distinct leaf inputs each scope
	// (LHS, RHS, OUTPUT) of one fused region may have. Zero or negative means
	// DefaultMaxParametersPerScope.
	MaxParametersPerScope int
}

func (c Config) withDefaults() Config {
	if c.MaxParametersPerScope <= 0 {
		c.MaxParametersPerScope = DefaultMaxParametersPerScope
	}
	return c
}

// Rewriter finds dot nodes whose neighborhoods can be fused and replaces each
// with an opaque FusedCall node carrying the fused region.
type Rewriter struct {
	config Config
}

// NewRewriter returns a Rewriter with the given configuration.
func NewRewriter(config Config) *Rewriter {
	return &Rewriter{config: config.withDefaults()}
}

// Run plans and applies a fusion for every eligible dot in g. It returns
// whether the graph changed. A dot that cannot be fused is left untouched and
// is not an error; running again on the rewritten graph changes nothing.
func (r *Rewriter) Run(g *graph.Graph) (bool, error) {
	changed := false
	for _, n := range g.Nodes() {
		if n.IsDead() || n.OpType() != graph.OpTypeDot {
			continue
		}
		plan := r.planDot(n)
		if plan == nil {
			continue
		}
		if err := plan.apply(g); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// planDot builds a fusion plan for one dot, or returns nil when the dot is not
// a legal fusion root.
func (r *Rewriter) planDot(dot *graph.Node) *fusionPlan {
	if err := checkDotIsSupported(dot); err != nil {
		klog.V(1).Infof("not fusing %s: %v", dot.Name(), err)
		return nil
	}
	budget := r.config.MaxParametersPerScope
	plan := &fusionPlan{dot: dot, scopes: make(map[Scope]*scopeState)}
	for _, scope := range []Scope{ScopeLHS, ScopeRHS} {
		operand := dot.Input(int(scope))
		state := newScopeState(budget, contractingAndBatchDims(dot, scope))
		state.addLeaf(operand, rootDimOrder(operand.Shape()))
		state.expand()
		plan.scopes[scope] = state
	}
	plan.chain, plan.scopes[ScopeOutput] = planOutputChain(dot, budget)
	if klog.V(1).Enabled() {
		klog.Infof("fusing %s: chain=%d leaves lhs=%d rhs=%d output=%d",
			dot.Name(), len(plan.chain),
			len(plan.scopes[ScopeLHS].leaves),
			len(plan.scopes[ScopeRHS].leaves),
			len(plan.scopes[ScopeOutput].leaves))
	}
	return plan
}

// checkDotIsSupported gates fusion on the dot itself: supported element types,
// a single contracting dimension per side and exactly one non-degenerate
// non-contracting dimension per side.
func checkDotIsSupported(dot *graph.Node) error {
	dims := dot.DotDims()
	if len(dims.LhsContractingAxes) != 1 {
		return errors.Errorf("dot has %d contracting dimensions per side, kernels support 1",
			len(dims.LhsContractingAxes))
	}
	for _, n := range []*graph.Node{dot.Input(0), dot.Input(1), dot} {
		if !SupportedDTypes.Has(n.Shape().DType) {
			return errors.Errorf("%s is not a supported element type", n.Shape().DType)
		}
	}
	sides := []struct {
		operand     *graph.Node
		contracting []int
		batch       []int
	}{
		{dot.Input(0), dims.LhsContractingAxes, dims.LhsBatchAxes},
		{dot.Input(1), dims.RhsContractingAxes, dims.RhsBatchAxes},
	}
	for _, side := range sides {
		shape := side.operand.Shape()
		nonDegenerate := 0
		for _, axis := range graph.NonContractingAxes(shape.Rank(), side.contracting, side.batch) {
			if shape.Dimensions[axis] > 1 {
				nonDegenerate++
			}
		}
		if nonDegenerate != 1 {
			return errors.Errorf("operand %q has %d non-degenerate non-contracting dimensions, kernels need exactly 1",
				side.operand.Name(), nonDegenerate)
		}
	}
	return nil
}

// planOutputChain extends the fusion forward from the dot along its
// single-user chain, absorbing elementwise epilogues and layout shuffles. Side
// operands of absorbed elementwise nodes are expanded backward against the
// OUTPUT scope's own budget.
func planOutputChain(dot *graph.Node, budget int) ([]*graph.Node, *scopeState) {
	state := newScopeState(budget, outputBatchDims(dot))
	var chain []*graph.Node
	cur := dot
	order := rootDimOrder(dot.Shape())
	for {
		users := cur.Users()
		if len(users) != 1 {
			break
		}
		user := users[0]
		if !SupportedDTypes.Has(user.Shape().DType) {
			klog.V(2).Infof("output chain of %s stops at %s: %s is not a supported element type",
				dot.Name(), user.Name(), user.Shape().DType)
			break
		}
		newOrder, err := propagateToUser(user, order)
		if err != nil {
			klog.V(2).Infof("output chain of %s stops at %s: %v", dot.Name(), user.Name(), err)
			break
		}
		if _, err := buildIterationSpec(newOrder, user.Shape()); err != nil {
			klog.V(2).Infof("output chain of %s stops at %s: %v", dot.Name(), user.Name(), err)
			break
		}
		var sides []*graph.Node
		newLeaves := 0
		conflict := false
		for _, operand := range user.Inputs() {
			if operand == cur {
				continue
			}
			if prev, seen := state.orders[operand]; seen && !prev.equal(order) {
				conflict = true
				break
			}
			if !slices.Contains(sides, operand) {
				sides = append(sides, operand)
				if operand.OpType() != graph.OpTypeConstant && !state.isLeaf(operand) {
					newLeaves++
				}
			}
		}
		if conflict || len(state.leaves)+newLeaves > budget {
			break
		}
		for _, side := range sides {
			state.addLeaf(side, order)
		}
		chain = append(chain, user)
		cur, order = user, newOrder
	}
	state.expand()
	return chain, state
}

// scopeState is the expansion state machine of one scope: every reached node
// carries the iteration order it was reached under; boundary nodes (leaves)
// feed the fused region from outside, absorbed nodes are cloned into it.
type scopeState struct {
	budget  int
	illegal types.Set[int]

	orders   map[*graph.Node]dimOrder
	absorbed types.Set[*graph.Node]
	leaves   []*graph.Node
}

func newScopeState(budget int, illegal types.Set[int]) *scopeState {
	return &scopeState{
		budget:   budget,
		illegal:  illegal,
		orders:   make(map[*graph.Node]dimOrder),
		absorbed: types.MakeSet[*graph.Node](),
	}
}

func (s *scopeState) isLeaf(n *graph.Node) bool { return slices.Contains(s.leaves, n) }

func (s *scopeState) removeLeaf(n *graph.Node) {
	if i := slices.Index(s.leaves, n); i >= 0 {
		s.leaves = slices.Delete(s.leaves, i, i+1)
	}
}

func (s *scopeState) addLeaf(n *graph.Node, order dimOrder) {
	if _, seen := s.orders[n]; !seen {
		s.orders[n] = order
	}
	// Constants are cloned into the region, never passed as arguments.
	if n.OpType() == graph.OpTypeConstant {
		s.absorbed.Insert(n)
		return
	}
	if !s.isLeaf(n) && !s.absorbed.Has(n) {
		s.leaves = append(s.leaves, n)
	}
}

// expand absorbs boundary nodes until a fixed point. Nodes rejected in one
// round are retried in the next: absorbing a shared producer can merge leaves
// and free budget for a previously rejected node.
func (s *scopeState) expand() {
	for {
		progress := false
		for _, n := range slices.Clone(s.leaves) {
			if s.tryAbsorb(n) {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func (s *scopeState) tryAbsorb(n *graph.Node) bool {
	if s.absorbed.Has(n) || n.OpType() == graph.OpTypeParameter {
		return false
	}
	order := s.orders[n]
	if n.OpType() == graph.OpTypeConcatenate {
		axis := n.ConcatenateAxis()
		if len(order.axes[axis]) == 1 && s.illegal.Has(order.axes[axis][0].dstDim) {
			klog.V(2).Infof("not absorbing %s: concatenation along a contracting or batch dimension", n.Name())
			return false
		}
	}
	operandOrders, err := propagateToOperands(n, order)
	if err != nil {
		klog.V(2).Infof("not absorbing %s: %v", n.Name(), err)
		return false
	}
	for i, operandOrder := range operandOrders {
		operand := n.Input(i)
		if prev, seen := s.orders[operand]; seen && !prev.equal(operandOrder) {
			klog.V(2).Infof("not absorbing %s: conflicting iteration orders on %s", n.Name(), operand.Name())
			return false
		}
		if _, err := buildIterationSpec(operandOrder, operand.Shape()); err != nil {
			klog.V(2).Infof("not absorbing %s: %v", n.Name(), err)
			return false
		}
	}

	// The absorbed node stops being a leaf; its unabsorbed non-constant
	// operands become leaves. Constants are absorbed for free.
	prospective := types.MakeSet[*graph.Node](len(s.leaves))
	for _, l := range s.leaves {
		if l != n {
			prospective.Insert(l)
		}
	}
	for i := range operandOrders {
		operand := n.Input(i)
		if operand.OpType() != graph.OpTypeConstant && !s.absorbed.Has(operand) {
			prospective.Insert(operand)
		}
	}
	if len(prospective) > s.budget {
		klog.V(2).Infof("not absorbing %s: %d leaves would exceed the budget of %d", n.Name(), len(prospective), s.budget)
		return false
	}

	s.absorbed.Insert(n)
	s.removeLeaf(n)
	for i, operandOrder := range operandOrders {
		operand := n.Input(i)
		if _, seen := s.orders[operand]; !seen {
			s.orders[operand] = operandOrder
		}
		if operand.OpType() == graph.OpTypeConstant {
			s.absorbed.Insert(operand)
			continue
		}
		if !s.absorbed.Has(operand) && !s.isLeaf(operand) {
			s.leaves = append(s.leaves, operand)
		}
	}
	return true
}

// fusionPlan is the committed partition for one dot: per-scope absorbed sets
// plus the output chain. apply clones the absorbed nodes into a fresh region
// graph and swaps the target node for a FusedCall.
type fusionPlan struct {
	dot    *graph.Node
	chain  []*graph.Node
	scopes map[Scope]*scopeState
}

// target is the outer node the FusedCall replaces: the end of the output
// chain, or the dot itself when nothing follows it.
func (p *fusionPlan) target() *graph.Node {
	if len(p.chain) > 0 {
		return p.chain[len(p.chain)-1]
	}
	return p.dot
}

// operands returns the distinct boundary nodes feeding the region, ordered
// LHS leaves, then RHS, then OUTPUT.
func (p *fusionPlan) operands() []*graph.Node {
	var ops []*graph.Node
	seen := types.MakeSet[*graph.Node]()
	for _, scope := range []Scope{ScopeLHS, ScopeRHS, ScopeOutput} {
		for _, leaf := range p.scopes[scope].leaves {
			if !seen.Has(leaf) {
				seen.Insert(leaf)
				ops = append(ops, leaf)
			}
		}
	}
	return ops
}

func (p *fusionPlan) apply(g *graph.Graph) error {
	region := graph.New(fmt.Sprintf("gemm_fusion_%s", p.dot.Name()))
	operands := p.operands()
	paramOf := make(map[*graph.Node]*graph.Node, len(operands))
	for _, o := range operands {
		param, err := region.Parameter(o.Name(), o.Shape())
		if err != nil {
			return err
		}
		paramOf[o] = param
	}

	// Scopes are cloned independently: a node needed by both operand sides is
	// materialized once per scope.
	lhs, err := cloneScoped(region, p.dot.Input(0), p.scopes[ScopeLHS], paramOf, map[*graph.Node]*graph.Node{})
	if err != nil {
		return err
	}
	rhs, err := cloneScoped(region, p.dot.Input(1), p.scopes[ScopeRHS], paramOf, map[*graph.Node]*graph.Node{})
	if err != nil {
		return err
	}
	root, err := region.Dot(lhs, rhs, p.dot.DotDims())
	if err != nil {
		return err
	}
	outMemo := map[*graph.Node]*graph.Node{}
	prevOuter := p.dot
	for _, u := range p.chain {
		inputs := make([]*graph.Node, u.NumInputs())
		for i, operand := range u.Inputs() {
			if operand == prevOuter {
				inputs[i] = root
				continue
			}
			inputs[i], err = cloneScoped(region, operand, p.scopes[ScopeOutput], paramOf, outMemo)
			if err != nil {
				return err
			}
		}
		root, err = buildLike(region, u, inputs)
		if err != nil {
			return err
		}
		prevOuter = u
	}
	region.SetRoot(root)

	call, err := g.ReplaceWithFusedCall(p.target(), graph.KindGemmFusion, region, operands)
	if err != nil {
		return err
	}
	// The region must be fully analyzable; anything else is a planner defect.
	if _, err := Execute(region); err != nil {
		return errors.WithMessagef(err, "planned region %q failed analysis", region.Name())
	}
	klog.V(1).Infof("replaced %s with %s (%d operands)", p.target().Name(), call.Name(), len(operands))
	return nil
}

// cloneScoped recursively clones the scope's absorbed producer subgraph of n
// into the region. Boundary nodes resolve to their region parameter; memo
// keeps the clone unique within the scope.
func cloneScoped(region *graph.Graph, n *graph.Node, state *scopeState, paramOf, memo map[*graph.Node]*graph.Node) (*graph.Node, error) {
	if c, ok := memo[n]; ok {
		return c, nil
	}
	if !state.absorbed.Has(n) {
		param, ok := paramOf[n]
		if !ok {
			return nil, errors.Errorf("boundary node %q has no region parameter", n.Name())
		}
		memo[n] = param
		return param, nil
	}
	if n.OpType() == graph.OpTypeConstant {
		c, err := region.Constant(n.Shape(), n.ConstantValue())
		if err != nil {
			return nil, err
		}
		memo[n] = c
		return c, nil
	}
	inputs := make([]*graph.Node, n.NumInputs())
	for i, operand := range n.Inputs() {
		c, err := cloneScoped(region, operand, state, paramOf, memo)
		if err != nil {
			return nil, err
		}
		inputs[i] = c
	}
	c, err := buildLike(region, n, inputs)
	if err != nil {
		return nil, err
	}
	memo[n] = c
	return c, nil
}

// buildLike recreates n's operation in region over the given inputs.
func buildLike(region *graph.Graph, n *graph.Node, inputs []*graph.Node) (*graph.Node, error) {
	opType := n.OpType()
	switch {
	case graph.UnaryOperations.Has(opType):
		return region.Unary(opType, inputs[0])
	case graph.BinaryOperations.Has(opType):
		return region.Binary(opType, inputs[0], inputs[1])
	case opType == graph.OpTypeSelect:
		return region.Select(inputs[0], inputs[1], inputs[2])
	case opType == graph.OpTypeConvert:
		return region.Convert(inputs[0], n.Shape().DType)
	case opType == graph.OpTypeCopy:
		return region.Copy(inputs[0], n.Shape().Layout...)
	case opType == graph.OpTypeReshape:
		return region.ReshapeToShape(inputs[0], n.Shape())
	case opType == graph.OpTypeTranspose:
		return region.Transpose(inputs[0], n.Permutation()...)
	case opType == graph.OpTypeBroadcast:
		return region.Broadcast(inputs[0], n.Shape().Dimensions, n.BroadcastAxes())
	case opType == graph.OpTypeSlice:
		return region.Slice(inputs[0], n.SliceStarts(), n.SliceLimits())
	case opType == graph.OpTypeConcatenate:
		return region.Concatenate(n.ConcatenateAxis(), inputs...)
	case opType == graph.OpTypeDot:
		return region.Dot(inputs[0], inputs[1], n.DotDims())
	default:
		return nil, errors.Errorf("cannot clone %s into a fused region", opType)
	}
}
