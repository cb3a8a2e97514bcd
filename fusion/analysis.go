// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/dotfusion/graph"
	"github.com/gomlx/dotfusion/types"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Scope tags which side of the matrix multiplication a node or leaf
// contributes to.
type Scope int

//go:generate go tool enumer -type=Scope -trimprefix=Scope -output=gen_scope_enumer.go analysis.go

const (
	ScopeLHS Scope = iota
	ScopeRHS
	ScopeOutput
)

// SupportedDTypes are the element types the fused kernels can compute with.
var SupportedDTypes = types.SetWith(
	dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32,
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32,
)

// Analysis is the iteration-spec table of one fused region: for every scope
// and every leaf tensor feeding that scope, how each logical dot dimension
// traverses the leaf's physical memory.
type Analysis struct {
	dot  *graph.Node
	root *graph.Node

	specs  map[Scope]map[*graph.Node]TensorIterationSpec
	params map[Scope][]*graph.Node
}

// Execute analyzes a fused region graph and returns its Analysis.
//
// If the region contains a dot, its operands are analyzed as the LHS and RHS
// scopes and the single-user chain from the dot to the region root (plus the
// side operands feeding it) as the OUTPUT scope. A region without a dot is
// analyzed as OUTPUT only, with the root's dimensions as the logical
// dimensions; this covers fused reductions and other elementwise epilogues.
//
// Execute fails when the region contains an operation the fragment model
// cannot express, or when a node is reachable within one scope under two
// different iteration orders. Regions produced by the Rewriter always pass.
func Execute(region *graph.Graph) (*Analysis, error) {
	a := &Analysis{
		specs:  make(map[Scope]map[*graph.Node]TensorIterationSpec),
		params: make(map[Scope][]*graph.Node),
	}
	for _, n := range region.Nodes() {
		if n.OpType() == graph.OpTypeDot {
			if a.dot != nil {
				return nil, errors.Errorf("region %q has more than one dot", region.Name())
			}
			a.dot = n
		}
	}
	if a.dot == nil {
		return a.executeOutputOnly(region)
	}

	for _, scope := range []Scope{ScopeLHS, ScopeRHS} {
		operand := a.dot.Input(int(scope))
		walk := &scopeWalk{
			orders:  make(map[*graph.Node]dimOrder),
			illegal: contractingAndBatchDims(a.dot, scope),
		}
		if err := walk.walk(operand, rootDimOrder(operand.Shape())); err != nil {
			return nil, errors.WithMessagef(err, "region %q, %s scope", region.Name(), scope)
		}
		if err := a.record(scope, walk, operand.Shape().Dimensions); err != nil {
			return nil, err
		}
	}
	if err := a.executeOutput(region); err != nil {
		return nil, err
	}
	return a, nil
}

// executeOutput walks the chain from the dot to the region root, deriving the
// root's iteration order and backward-analyzing the side operands of any
// elementwise nodes on the chain.
func (a *Analysis) executeOutput(region *graph.Graph) error {
	walk := &scopeWalk{
		orders:  make(map[*graph.Node]dimOrder),
		illegal: outputBatchDims(a.dot),
	}
	cur := a.dot
	order := rootDimOrder(a.dot.Shape())
	for {
		users := cur.Users()
		if len(users) == 0 {
			break
		}
		if len(users) > 1 {
			return errors.Errorf("region %q: %q has %d users, the output must form a single chain",
				region.Name(), cur.Name(), len(users))
		}
		user := users[0]
		newOrder, err := propagateToUser(user, order)
		if err != nil {
			return errors.WithMessagef(err, "region %q, output scope", region.Name())
		}
		for _, operand := range user.Inputs() {
			if operand == cur {
				continue
			}
			if err := walk.walk(operand, order); err != nil {
				return errors.WithMessagef(err, "region %q, output scope", region.Name())
			}
		}
		cur, order = user, newOrder
	}
	if cur != region.Root() {
		return errors.Errorf("region %q: output chain ends at %q, root is %q",
			region.Name(), cur.Name(), region.Root().Name())
	}
	a.root = cur
	if err := a.record(ScopeOutput, walk, a.dot.Shape().Dimensions); err != nil {
		return err
	}
	rootSpec, err := buildIterationSpec(order, cur.Shape())
	if err != nil {
		return errors.WithMessagef(err, "region %q, output root", region.Name())
	}
	a.specs[ScopeOutput][cur] = rootSpec
	return nil
}

// executeOutputOnly analyzes a region with no dot: everything propagates
// backward from the root, whose dimensions serve as the logical dimensions.
func (a *Analysis) executeOutputOnly(region *graph.Graph) (*Analysis, error) {
	root := region.Root()
	if root == nil {
		return nil, errors.Errorf("region %q is empty", region.Name())
	}
	a.root = root
	walk := &scopeWalk{
		orders:  make(map[*graph.Node]dimOrder),
		illegal: types.MakeSet[int](),
	}
	if err := walk.walk(root, rootDimOrder(root.Shape())); err != nil {
		return nil, errors.WithMessagef(err, "region %q, output scope", region.Name())
	}
	if err := a.record(ScopeOutput, walk, root.Shape().Dimensions); err != nil {
		return nil, err
	}
	rootSpec, err := buildIterationSpec(rootDimOrder(root.Shape()), root.Shape())
	if err != nil {
		return nil, err
	}
	a.specs[ScopeOutput][root] = rootSpec
	return a, nil
}

// record builds and validates the iteration specs for one scope's parameters.
// extents are the declared logical dimension sizes; every spec present must
// multiply out to its dimension's extent.
func (a *Analysis) record(scope Scope, walk *scopeWalk, extents []int) error {
	specs := make(map[*graph.Node]TensorIterationSpec, len(walk.params))
	for _, p := range walk.params {
		spec, err := buildIterationSpec(walk.orders[p], p.Shape())
		if err != nil {
			return errors.WithMessagef(err, "%s scope, leaf %q", scope, p.Name())
		}
		for dim, ds := range spec {
			// A concatenated input covers only its share of the dimension, so
			// the product may be a divisor of the declared size.
			if got, want := ds.TotalCount(), extents[dim]; got != want && (got == 0 || want%got != 0) {
				return errors.Errorf("%s scope, leaf %q: logical dim %d iterates %d elements, declared size is %d",
					scope, p.Name(), dim, got, want)
			}
		}
		specs[p] = spec
	}
	a.specs[scope] = specs
	a.params[scope] = walk.params
	return nil
}

// Dot returns the region's dot node, or nil for an output-only region.
func (a *Analysis) Dot() *graph.Node { return a.dot }

// Root returns the last node of the output chain (the region's result).
func (a *Analysis) Root() *graph.Node { return a.root }

// ScopeParameters returns the parameter leaves of the scope, in discovery
// order.
func (a *Analysis) ScopeParameters(scope Scope) []*graph.Node { return a.params[scope] }

// IterSpec returns how the given logical dimension of the dot traverses the
// leaf's memory, or nil when the leaf does not vary along it (a broadcast
// source or a size-1 dimension).
func (a *Analysis) IterSpec(scope Scope, leaf *graph.Node, logicalDim int) DimIterationSpec {
	specs := a.specs[scope]
	if specs == nil {
		return nil
	}
	return specs[leaf].Dim(logicalDim)
}

// scopeWalk propagates iteration orders backward from one or more starting
// points of a scope down to the parameter leaves.
type scopeWalk struct {
	orders map[*graph.Node]dimOrder
	params []*graph.Node

	// illegal lists the logical dimensions along which concatenation is
	// rejected (contracting and batch).
	illegal types.Set[int]
}

func (w *scopeWalk) walk(start *graph.Node, order dimOrder) error {
	type item struct {
		node  *graph.Node
		order dimOrder
	}
	worklist := []item{{start, order}}
	for len(worklist) > 0 {
		it := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if prev, seen := w.orders[it.node]; seen {
			if !prev.equal(it.order) {
				return errors.Errorf("%q is reachable under two different iteration orders", it.node.Name())
			}
			continue
		}
		w.orders[it.node] = it.order
		switch it.node.OpType() {
		case graph.OpTypeParameter:
			w.params = append(w.params, it.node)
			continue
		case graph.OpTypeConstant:
			continue
		case graph.OpTypeConcatenate:
			if err := w.checkConcatenate(it.node, it.order); err != nil {
				return err
			}
		}
		operandOrders, err := propagateToOperands(it.node, it.order)
		if err != nil {
			return errors.WithMessagef(err, "propagating through %q", it.node.Name())
		}
		for i, operandOrder := range operandOrders {
			worklist = append(worklist, item{it.node.Input(i), operandOrder})
		}
	}
	return nil
}

func (w *scopeWalk) checkConcatenate(node *graph.Node, order dimOrder) error {
	axis := node.ConcatenateAxis()
	if len(order.axes[axis]) != 1 {
		return nil // concatenateDimOrders rejects with a better message.
	}
	if w.illegal.Has(order.axes[axis][0].dstDim) {
		return errors.Errorf("concatenate %q joins along a contracting or batch dimension", node.Name())
	}
	return nil
}

// contractingAndBatchDims returns the logical dimensions of the scope's
// operand that are contracted or batched by the dot.
func contractingAndBatchDims(dot *graph.Node, scope Scope) types.Set[int] {
	dims := dot.DotDims()
	s := types.MakeSet[int]()
	switch scope {
	case ScopeLHS:
		s.Insert(dims.LhsContractingAxes...)
		s.Insert(dims.LhsBatchAxes...)
	case ScopeRHS:
		s.Insert(dims.RhsContractingAxes...)
		s.Insert(dims.RhsBatchAxes...)
	}
	return s
}

// outputBatchDims returns the dot output dimensions that are batch dimensions:
// they come first in the output shape.
func outputBatchDims(dot *graph.Node) types.Set[int] {
	s := types.MakeSet[int]()
	for d := range dot.DotDims().LhsBatchAxes {
		s.Insert(d)
	}
	return s
}
