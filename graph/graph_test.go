// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpConstructors(t *testing.T) {
	g := New("ops")
	p0, err := g.Parameter("p0", MakeShape(dtypes.Float32, 32, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, p0.ParameterIndex())
	assert.Equal(t, "p0", p0.ParameterName())

	_, err = g.Parameter("p0", MakeShape(dtypes.Float32, 2))
	assert.Error(t, err, "duplicate parameter names must be rejected")

	tr, err := g.Transpose(p0, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 32}, tr.Shape().Dimensions)
	assert.Equal(t, []int{1, 0}, tr.Permutation())

	rs, err := g.Reshape(tr, 3, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 4}, rs.Shape().Dimensions)

	_, err = g.Reshape(tr, 3, 8, 5)
	assert.Error(t, err, "reshape must preserve the element count")

	neg, err := g.Unary(OpTypeNeg, rs)
	require.NoError(t, err)
	assert.True(t, neg.Shape().Equal(rs.Shape()))

	_, err = g.Unary(OpTypeAdd, rs)
	assert.Error(t, err)

	cv, err := g.Convert(neg, dtypes.BFloat16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, cv.Shape().DType)
	assert.Equal(t, []int{3, 8, 4}, cv.Shape().Dimensions)
}

func TestBinaryAndSelect(t *testing.T) {
	g := New("binsel")
	a, err := g.Parameter("a", MakeShape(dtypes.Float32, 2, 3))
	require.NoError(t, err)
	b, err := g.Parameter("b", MakeShape(dtypes.Float32, 2, 3))
	require.NoError(t, err)

	sum, err := g.Binary(OpTypeAdd, a, b)
	require.NoError(t, err)
	assert.Equal(t, OpTypeAdd, sum.OpType())
	assert.True(t, sum.Shape().EqualDimensions(a.Shape()))

	cmp, err := g.Binary(OpTypeCompare, a, b)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Bool, cmp.Shape().DType)

	sel, err := g.Select(cmp, a, b)
	require.NoError(t, err)
	assert.True(t, sel.Shape().Equal(a.Shape()))

	_, err = g.Select(a, a, b)
	assert.Error(t, err, "predicate must be pred")

	c, err := g.Parameter("c", MakeShape(dtypes.Float32, 3, 2))
	require.NoError(t, err)
	_, err = g.Binary(OpTypeMul, a, c)
	assert.Error(t, err, "implicit broadcast is not allowed")
}

func TestBroadcastSliceConcatenate(t *testing.T) {
	g := New("bsc")
	scalar, err := g.Parameter("s", MakeShape(dtypes.Float32))
	require.NoError(t, err)
	vec, err := g.Parameter("v", MakeShape(dtypes.Float32, 4))
	require.NoError(t, err)

	bs, err := g.Broadcast(scalar, []int{2, 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, bs.Shape().Dimensions)
	assert.Empty(t, bs.BroadcastAxes())

	bv, err := g.Broadcast(vec, []int{2, 4}, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, bv.BroadcastAxes())

	_, err = g.Broadcast(vec, []int{2, 4}, []int{0})
	assert.Error(t, err, "mapped axis dimension must match the operand")

	m, err := g.Parameter("m", MakeShape(dtypes.Float32, 6, 8))
	require.NoError(t, err)
	sl, err := g.Slice(m, []int{2, 0}, []int{5, 8})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8}, sl.Shape().Dimensions)
	assert.Equal(t, []int{2, 0}, sl.SliceStarts())
	assert.Equal(t, []int{5, 8}, sl.SliceLimits())

	_, err = g.Slice(m, []int{2, 0}, []int{2, 8})
	assert.Error(t, err, "empty slices are rejected")

	m2, err := g.Parameter("m2", MakeShape(dtypes.Float32, 6, 8))
	require.NoError(t, err)
	cat, err := g.Concatenate(0, m, m2)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 8}, cat.Shape().Dimensions)
	assert.Equal(t, 0, cat.ConcatenateAxis())

	_, err = g.Concatenate(1, m, vec)
	assert.Error(t, err)
}

func TestDotShapeInference(t *testing.T) {
	g := New("dot")
	lhs, err := g.Parameter("lhs", MakeShape(dtypes.Float16, 5, 32, 64))
	require.NoError(t, err)
	rhs, err := g.Parameter("rhs", MakeShape(dtypes.Float16, 5, 64, 16))
	require.NoError(t, err)

	dot, err := g.Dot(lhs, rhs, DotDimensionNumbers{
		LhsContractingAxes: []int{2}, LhsBatchAxes: []int{0},
		RhsContractingAxes: []int{1}, RhsBatchAxes: []int{0},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 32, 16}, dot.Shape().Dimensions)
	assert.Equal(t, []int{2}, dot.DotDims().LhsContractingAxes)

	_, err = g.Dot(lhs, rhs, DotDimensionNumbers{
		LhsContractingAxes: []int{1}, RhsContractingAxes: []int{1},
	})
	assert.Error(t, err, "contracting extents disagree")
}

func TestTopologicalOrderAndUsers(t *testing.T) {
	g := New("topo")
	p, err := g.Parameter("p", MakeShape(dtypes.Float32, 4))
	require.NoError(t, err)
	n1, err := g.Unary(OpTypeExp, p)
	require.NoError(t, err)
	n2, err := g.Unary(OpTypeNeg, n1)
	require.NoError(t, err)

	assert.Less(t, p.ID(), n1.ID())
	assert.Less(t, n1.ID(), n2.ID())
	assert.Equal(t, []*Node{n1}, p.Users())
	assert.Same(t, n2, g.Root(), "root defaults to the last node")

	g.SetRoot(n1)
	assert.Same(t, n1, g.Root())
}

func TestReplaceWithFusedCall(t *testing.T) {
	g := New("main")
	a, err := g.Parameter("a", MakeShape(dtypes.Float32, 32, 3))
	require.NoError(t, err)
	b, err := g.Parameter("b", MakeShape(dtypes.Float32, 8, 4))
	require.NoError(t, err)
	at, err := g.Transpose(a, 1, 0)
	require.NoError(t, err)
	ar, err := g.Reshape(at, 3, 8, 4)
	require.NoError(t, err)
	dot, err := g.Dot(ar, b, DotDimensionNumbers{
		LhsContractingAxes: []int{1, 2}, RhsContractingAxes: []int{0, 1},
	})
	require.NoError(t, err)
	tail, err := g.Unary(OpTypeTanh, dot)
	require.NoError(t, err)
	g.SetRoot(tail)

	region := New("gemm")
	ra, err := region.Parameter("a", a.Shape())
	require.NoError(t, err)
	rb, err := region.Parameter("b", b.Shape())
	require.NoError(t, err)
	rat, err := region.Transpose(ra, 1, 0)
	require.NoError(t, err)
	rar, err := region.Reshape(rat, 3, 8, 4)
	require.NoError(t, err)
	_, err = region.Dot(rar, rb, DotDimensionNumbers{
		LhsContractingAxes: []int{1, 2}, RhsContractingAxes: []int{0, 1},
	})
	require.NoError(t, err)

	call, err := g.ReplaceWithFusedCall(dot, KindGemmFusion, region, []*Node{a, b})
	require.NoError(t, err)
	assert.Equal(t, OpTypeFusedCall, call.OpType())
	assert.Equal(t, KindGemmFusion, call.FusedKind())
	assert.Same(t, region, call.FusedRegion())

	// The tail now consumes the call; the absorbed producers are gone.
	assert.Equal(t, []*Node{call}, tail.Inputs())
	assert.True(t, dot.IsDead())
	assert.True(t, at.IsDead())
	assert.True(t, ar.IsDead())
	assert.False(t, a.IsDead(), "parameters always survive")
	assert.False(t, b.IsDead())
	assert.Equal(t, []*Node{call}, a.Users())

	// Replacing the root updates it.
	g2 := New("main2")
	p, err := g2.Parameter("p", MakeShape(dtypes.Float32, 2, 2))
	require.NoError(t, err)
	exp, err := g2.Unary(OpTypeExp, p)
	require.NoError(t, err)
	g2.SetRoot(exp)
	region2 := New("r2")
	rp, err := region2.Parameter("p", p.Shape())
	require.NoError(t, err)
	_, err = region2.Unary(OpTypeExp, rp)
	require.NoError(t, err)
	call2, err := g2.ReplaceWithFusedCall(exp, KindGemmFusion, region2, []*Node{p})
	require.NoError(t, err)
	assert.Same(t, call2, g2.Root())
}

func TestReachableFrom(t *testing.T) {
	g := New("reach")
	a, err := g.Parameter("a", MakeShape(dtypes.Float32, 4))
	require.NoError(t, err)
	b, err := g.Parameter("b", MakeShape(dtypes.Float32, 4))
	require.NoError(t, err)
	sum, err := g.Binary(OpTypeAdd, a, b)
	require.NoError(t, err)
	other, err := g.Unary(OpTypeNeg, b)
	require.NoError(t, err)

	reached := ReachableFrom(sum)
	assert.True(t, reached.Has(a))
	assert.True(t, reached.Has(b))
	assert.True(t, reached.Has(sum))
	assert.False(t, reached.Has(other))
}
