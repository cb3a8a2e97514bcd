// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion_test

import (
	"testing"

	"github.com/gomlx/dotfusion/fusion"
	"github.com/gomlx/dotfusion/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFusedCalls(g *graph.Graph) []*graph.Node {
	var calls []*graph.Node
	for _, n := range g.Nodes() {
		if n.OpType() == graph.OpTypeFusedCall {
			calls = append(calls, n)
		}
	}
	return calls
}

func runRewriter(t *testing.T, g *graph.Graph, config fusion.Config) bool {
	changed, err := fusion.NewRewriter(config).Run(g)
	require.NoError(t, err)
	return changed
}

func TestEndToEndFusion(t *testing.T) {
	tg := newTestGraph(t, "end_to_end")
	a := tg.param("A", "f32[32,3]")
	b := tg.param("B", "f16[32,7]")
	tr := tg.n(tg.g.Transpose(a, 1, 0))
	r1 := tg.n(tg.g.Reshape(tr, 3, 8, 4))
	r2 := tg.n(tg.g.Reshape(r1, 3, 32))
	cv := tg.n(tg.g.Convert(b, tr.Shape().DType))
	dot := tg.n(tg.g.Dot(r2, cv, matmulDims(1, 0)))
	tg.g.SetRoot(dot)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))

	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, graph.KindGemmFusion, call.FusedKind())
	assert.Equal(t, []*graph.Node{a, b}, call.Inputs(), "the whole chain must absorb, leaving exactly A and B")
	assert.Len(t, tg.g.Nodes(), 3, "outer graph is A, B and the call")
	assert.Same(t, call, tg.g.Root())

	an, err := fusion.Execute(call.FusedRegion())
	require.NoError(t, err)
	lhsParams := an.ScopeParameters(fusion.ScopeLHS)
	require.Len(t, lhsParams, 1)
	assert.Equal(t, "A", lhsParams[0].Name())
	// The transpose+reshape chain resolves A's 32 into contiguous runs of 4
	// and 8 that merge back into a single stride-3 fragment.
	assert.Equal(t, fusion.DimIterationSpec{frag(3, 32, 4, 8)}, an.IterSpec(fusion.ScopeLHS, lhsParams[0], 1))
	assert.Equal(t, fusion.DimIterationSpec{frag(1, 3)}, an.IterSpec(fusion.ScopeLHS, lhsParams[0], 0))

	rhsParams := an.ScopeParameters(fusion.ScopeRHS)
	require.Len(t, rhsParams, 1)
	assert.Equal(t, "B", rhsParams[0].Name())
}

func TestFusionIsIdempotent(t *testing.T) {
	tg := newTestGraph(t, "idempotent")
	p0 := tg.param("p0", "f32[48,4]")
	p1 := tg.param("p1", "f32[4,16]")
	neg := tg.n(tg.g.Unary(graph.OpTypeNeg, p0))
	dot := tg.n(tg.g.Dot(neg, p1, matmulDims(1, 0)))
	tg.g.SetRoot(dot)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	after := tg.g.String()

	assert.False(t, runRewriter(t, tg.g, fusion.Config{}), "second run must not change the graph")
	assert.Equal(t, after, tg.g.String())
}

func TestLeafBudget(t *testing.T) {
	build := func(t *testing.T) (*testGraph, []*graph.Node, *graph.Node) {
		tg := newTestGraph(t, "budget")
		params := make([]*graph.Node, 5)
		for i, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
			params[i] = tg.param(name, "f32[48,4]")
		}
		sum := params[0]
		var first *graph.Node
		for i := 1; i < len(params); i++ {
			sum = tg.n(tg.g.Binary(graph.OpTypeAdd, sum, params[i]))
			if first == nil {
				first = sum
			}
		}
		q := tg.param("q", "f32[4,16]")
		dot := tg.n(tg.g.Dot(sum, q, matmulDims(1, 0)))
		tg.g.SetRoot(dot)
		return tg, params, first
	}

	t.Run("default budget of 4 stops the chain", func(t *testing.T) {
		tg, _, firstAdd := build(t)
		require.True(t, runRewriter(t, tg.g, fusion.Config{}))
		calls := findFusedCalls(tg.g)
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].Inputs(), 5, "4 LHS leaves plus the RHS")
		assert.Contains(t, calls[0].Inputs(), firstAdd, "the innermost add stays outside as a boundary")
		assert.False(t, firstAdd.IsDead())

		an, err := fusion.Execute(calls[0].FusedRegion())
		require.NoError(t, err)
		assert.LessOrEqual(t, len(an.ScopeParameters(fusion.ScopeLHS)), 4)
	})

	t.Run("budget of 8 absorbs everything", func(t *testing.T) {
		tg, params, firstAdd := build(t)
		require.True(t, runRewriter(t, tg.g, fusion.Config{MaxParametersPerScope: 8}))
		calls := findFusedCalls(tg.g)
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].Inputs(), 6, "all 5 LHS parameters plus the RHS")
		for _, p := range params {
			assert.Contains(t, calls[0].Inputs(), p)
		}
		assert.True(t, firstAdd.IsDead())
	})
}

func TestRejectedNodesAreRetried(t *testing.T) {
	tg := newTestGraph(t, "retry")
	p1 := tg.param("p1", "f32[48,4]")
	p2 := tg.param("p2", "f32[48,4]")
	q := tg.param("q", "f32[4,16]")
	x1 := tg.n(tg.g.Binary(graph.OpTypeAdd, p1, p2))
	y := tg.n(tg.g.Unary(graph.OpTypeNeg, p1))
	lhs := tg.n(tg.g.Binary(graph.OpTypeMul, x1, y))
	dot := tg.n(tg.g.Dot(lhs, q, matmulDims(1, 0)))
	tg.g.SetRoot(dot)

	// With a budget of 2, absorbing the add is first rejected (it would
	// expose 3 leaves) and succeeds on the retry after the neg is absorbed
	// and its p1 leaf is shared.
	require.True(t, runRewriter(t, tg.g, fusion.Config{MaxParametersPerScope: 2}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []*graph.Node{p1, p2, q}, calls[0].Inputs())
	assert.True(t, x1.IsDead())
	assert.True(t, y.IsDead())
}

func TestDegenerateSliceStaysOutside(t *testing.T) {
	tg := newTestGraph(t, "slice_boundary")
	p0 := tg.param("p0", "f32[3,32]")
	p1 := tg.param("p1", "f32[32,5]")
	sl := tg.n(tg.g.Slice(p0, []int{0, 0}, []int{1, 32}))
	rs := tg.n(tg.g.Reshape(sl, 32))
	bc := tg.n(tg.g.Broadcast(rs, []int{3, 32}, []int{1}))
	lhs := tg.n(tg.g.Binary(graph.OpTypeMul, p0, bc))
	dot := tg.n(tg.g.Dot(lhs, p1, matmulDims(1, 0)))
	tg.g.SetRoot(dot)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	call := calls[0]

	assert.False(t, sl.IsDead(), "the degenerate slice must remain a boundary")
	assert.Contains(t, call.Inputs(), sl)
	assert.Contains(t, call.Inputs(), p0)
	for _, n := range call.FusedRegion().Nodes() {
		assert.NotEqual(t, graph.OpTypeSlice, n.OpType(), "no slice may be pulled into the region")
	}
}

func TestSharedOperandIsDuplicatedPerScope(t *testing.T) {
	tg := newTestGraph(t, "per_scope")
	p0 := tg.param("p0", "f32[4,4]")
	x := tg.n(tg.g.Unary(graph.OpTypeExp, p0))
	dot := tg.n(tg.g.Dot(x, x, matmulDims(1, 0)))
	tg.g.SetRoot(dot)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	call := calls[0]

	assert.Equal(t, []*graph.Node{p0}, call.Inputs(), "the shared leaf is passed once")
	assert.True(t, x.IsDead())
	exps := 0
	for _, n := range call.FusedRegion().Nodes() {
		if n.OpType() == graph.OpTypeExp {
			exps++
		}
	}
	assert.Equal(t, 2, exps, "each scope materializes its own copy")
}

func TestUnsupportedDotsAreLeftAlone(t *testing.T) {
	t.Run("unsupported dtype", func(t *testing.T) {
		tg := newTestGraph(t, "f64")
		p0 := tg.param("p0", "f64[8,4]")
		p1 := tg.param("p1", "f64[4,8]")
		dot := tg.n(tg.g.Dot(p0, p1, matmulDims(1, 0)))
		tg.g.SetRoot(dot)
		assert.False(t, runRewriter(t, tg.g, fusion.Config{}))
		assert.Empty(t, findFusedCalls(tg.g))
	})

	t.Run("multiple contracting dimensions", func(t *testing.T) {
		tg := newTestGraph(t, "multi_contracting")
		p0 := tg.param("p0", "f32[6,8,4]")
		p1 := tg.param("p1", "f32[8,4,7]")
		dot := tg.n(tg.g.Dot(p0, p1, graph.DotDimensionNumbers{
			LhsContractingAxes: []int{1, 2}, RhsContractingAxes: []int{0, 1},
		}))
		tg.g.SetRoot(dot)
		assert.False(t, runRewriter(t, tg.g, fusion.Config{}))
	})

	t.Run("matrix-vector", func(t *testing.T) {
		tg := newTestGraph(t, "matvec")
		p0 := tg.param("p0", "f32[8,4]")
		p1 := tg.param("p1", "f32[4]")
		dot := tg.n(tg.g.Dot(p0, p1, matmulDims(1, 0)))
		tg.g.SetRoot(dot)
		assert.False(t, runRewriter(t, tg.g, fusion.Config{}))
	})
}

func TestChainedDotsFuseSeparately(t *testing.T) {
	tg := newTestGraph(t, "chained")
	a := tg.param("a", "f32[8,4]")
	b := tg.param("b", "f32[4,8]")
	c := tg.param("c", "f32[8,16]")
	dot1 := tg.n(tg.g.Dot(a, b, matmulDims(1, 0)))
	dot2 := tg.n(tg.g.Dot(dot1, c, matmulDims(1, 0)))
	tg.g.SetRoot(dot2)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 2)
	assert.True(t, dot1.IsDead())
	assert.True(t, dot2.IsDead())
	// The first fusion's result feeds the second as a plain operand.
	assert.Contains(t, calls[1].Inputs(), calls[0])
}

func TestDotWithMultipleUsersFusesWithoutEpilogue(t *testing.T) {
	tg := newTestGraph(t, "multi_user")
	p0 := tg.param("p0", "f32[48,4]")
	p1 := tg.param("p1", "f32[4,16]")
	dot := tg.n(tg.g.Dot(p0, p1, matmulDims(1, 0)))
	u1 := tg.n(tg.g.Unary(graph.OpTypeExp, dot))
	u2 := tg.n(tg.g.Unary(graph.OpTypeNeg, dot))
	root := tg.n(tg.g.Binary(graph.OpTypeAdd, u1, u2))
	tg.g.SetRoot(root)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	call := calls[0]

	assert.Same(t, call, u1.Input(0))
	assert.Same(t, call, u2.Input(0))
	assert.False(t, u1.IsDead())
	assert.Equal(t, graph.OpTypeDot, call.FusedRegion().Root().OpType(),
		"with two consumers nothing past the dot is absorbed")
}

func TestUnsupportedConvertStopsOutputChain(t *testing.T) {
	tg := newTestGraph(t, "f64_epilogue")
	p0 := tg.param("p0", "f32[48,4]")
	p1 := tg.param("p1", "f32[4,16]")
	dot := tg.n(tg.g.Dot(p0, p1, matmulDims(1, 0)))
	cv := tg.n(tg.g.Convert(dot, mustShape(t, "f64").DType))
	tg.g.SetRoot(cv)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	call := calls[0]

	assert.Same(t, call, cv.Input(0), "the f64 convert stays outside")
	assert.False(t, cv.IsDead())
	assert.Equal(t, graph.OpTypeDot, call.FusedRegion().Root().OpType())
}

func TestEpilogueFusion(t *testing.T) {
	tg := newTestGraph(t, "epilogue_fusion")
	p0 := tg.param("p0", "f32[48,4]")
	p1 := tg.param("p1", "f32[4,16]")
	p2 := tg.param("p2", "f32[16]")
	dot := tg.n(tg.g.Dot(p0, p1, matmulDims(1, 0)))
	bc := tg.n(tg.g.Broadcast(p2, []int{48, 16}, []int{1}))
	sum := tg.n(tg.g.Binary(graph.OpTypeAdd, dot, bc))
	act := tg.n(tg.g.Unary(graph.OpTypeTanh, sum))
	tg.g.SetRoot(act)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	call := calls[0]

	assert.Equal(t, []*graph.Node{p0, p1, p2}, call.Inputs())
	assert.Equal(t, []int{48, 16}, call.Shape().Dimensions)
	assert.Same(t, call, tg.g.Root())
	assert.True(t, sum.IsDead())
	assert.True(t, bc.IsDead())
	assert.Equal(t, graph.OpTypeTanh, call.FusedRegion().Root().OpType())

	an, err := fusion.Execute(call.FusedRegion())
	require.NoError(t, err)
	outParams := an.ScopeParameters(fusion.ScopeOutput)
	require.Len(t, outParams, 1)
	assert.Equal(t, "p2", outParams[0].Name())
	assert.Equal(t, fusion.DimIterationSpec{frag(1, 16)}, an.IterSpec(fusion.ScopeOutput, outParams[0], 1))
	assert.Nil(t, an.IterSpec(fusion.ScopeOutput, outParams[0], 0))
}

func TestConstantsAreClonedNotPassed(t *testing.T) {
	tg := newTestGraph(t, "constants")
	p0 := tg.param("p0", "f32[48,4]")
	p1 := tg.param("p1", "f32[4,16]")
	k := tg.n(tg.g.Constant(mustShape(t, "f32[48,4]"), nil))
	lhs := tg.n(tg.g.Binary(graph.OpTypeMul, p0, k))
	dot := tg.n(tg.g.Dot(lhs, p1, matmulDims(1, 0)))
	tg.g.SetRoot(dot)

	require.True(t, runRewriter(t, tg.g, fusion.Config{}))
	calls := findFusedCalls(tg.g)
	require.Len(t, calls, 1)
	assert.Equal(t, []*graph.Node{p0, p1}, calls[0].Inputs(), "constants don't become call operands")
	constants := 0
	for _, n := range calls[0].FusedRegion().Nodes() {
		if n.OpType() == graph.OpTypeConstant {
			constants++
		}
	}
	assert.Equal(t, 1, constants)
}

func mustShape(t *testing.T, text string) graph.Shape {
	s, err := graph.ParseShape(text)
	require.NoError(t, err)
	return s
}
