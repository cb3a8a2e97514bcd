// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"slices"
)

// KindGemmFusion is the opaque kind tag carried by FusedCall nodes produced by
// the dot-fusion rewriter. The code generator recognizes fused regions by it.
const KindGemmFusion = "__gemm_fusion"

// KindReduceFusion tags fused regions built around a reduction instead of a dot.
const KindReduceFusion = "__reduce_fusion"

// Parameter declares a graph input with the given name and shape.
func (g *Graph) Parameter(name string, shape Shape) (*Node, error) {
	if name == "" {
		return nil, errors.Errorf("graph %q: parameters require a name", g.name)
	}
	for _, p := range g.parameters {
		if p.ParameterName() == name {
			return nil, errors.Errorf("graph %q: duplicate parameter name %q", g.name, name)
		}
	}
	n := g.newNode(OpTypeParameter, shape, &parameterData{name: name, inputIdx: len(g.parameters)})
	n.name = name
	g.parameters = append(g.parameters, n)
	return n, nil
}

// Constant creates a constant node of the given shape. The value is kept as an
// opaque payload: the planner only ever looks at the shape.
func (g *Graph) Constant(shape Shape, value any) (*Node, error) {
	return g.newNode(OpTypeConstant, shape, &constantData{value: value}), nil
}

// Unary applies an elementwise single-operand operation; the shape is unchanged.
func (g *Graph) Unary(opType OpType, x *Node) (*Node, error) {
	if !UnaryOperations.Has(opType) {
		return nil, errors.Errorf("graph %q: %s is not a unary elementwise operation", g.name, opType)
	}
	return g.newNode(opType, x.shape.Clone(), nil, x), nil
}

// Binary applies an elementwise two-operand operation. Operands must agree on
// dimensions and dtype. Compare yields a boolean tensor.
func (g *Graph) Binary(opType OpType, lhs, rhs *Node) (*Node, error) {
	if !BinaryOperations.Has(opType) {
		return nil, errors.Errorf("graph %q: %s is not a binary elementwise operation", g.name, opType)
	}
	if !lhs.shape.EqualDimensions(rhs.shape) {
		return nil, errors.Errorf("graph %q: %s operands have mismatching shapes %s and %s — broadcast explicitly first",
			g.name, opType, lhs.shape, rhs.shape)
	}
	shape := lhs.shape.Clone()
	if opType == OpTypeCompare {
		shape.DType = dtypes.Bool
	}
	return g.newNode(opType, shape, nil, lhs, rhs), nil
}

// Select picks elementwise between onTrue and onFalse according to pred.
func (g *Graph) Select(pred, onTrue, onFalse *Node) (*Node, error) {
	if pred.shape.DType != dtypes.Bool {
		return nil, errors.Errorf("graph %q: Select predicate must be pred, got %s", g.name, pred.shape)
	}
	if !onTrue.shape.Equal(onFalse.shape) || !slices.Equal(pred.shape.Dimensions, onTrue.shape.Dimensions) {
		return nil, errors.Errorf("graph %q: Select branches must match: pred=%s onTrue=%s onFalse=%s",
			g.name, pred.shape, onTrue.shape, onFalse.shape)
	}
	return g.newNode(OpTypeSelect, onTrue.shape.Clone(), nil, pred, onTrue, onFalse), nil
}

// Convert changes the element dtype, keeping dimensions and layout.
func (g *Graph) Convert(x *Node, dtype dtypes.DType) (*Node, error) {
	shape := x.shape.Clone()
	shape.DType = dtype
	return g.newNode(OpTypeConvert, shape, nil, x), nil
}

// Copy materializes x with a different physical layout.
func (g *Graph) Copy(x *Node, minorToMajor ...int) (*Node, error) {
	if !isPermutation(minorToMajor, x.shape.Rank()) {
		return nil, errors.Errorf("graph %q: Copy layout %v is not a permutation of %d axes", g.name, minorToMajor, x.shape.Rank())
	}
	return g.newNode(OpTypeCopy, x.shape.WithLayout(minorToMajor...), nil, x), nil
}

// Reshape reinterprets x with new dimensions (default layout). The element
// count must be preserved.
func (g *Graph) Reshape(x *Node, dimensions ...int) (*Node, error) {
	return g.ReshapeToShape(x, MakeShape(x.shape.DType, dimensions...))
}

// ReshapeToShape reinterprets x as the given shape, which may carry a
// non-default layout. Dtype and element count must be preserved; no data moves.
func (g *Graph) ReshapeToShape(x *Node, shape Shape) (*Node, error) {
	if shape.DType != x.shape.DType {
		return nil, errors.Errorf("graph %q: Reshape cannot change dtype %s to %s", g.name, x.shape.DType, shape.DType)
	}
	if shape.Size() != x.shape.Size() {
		return nil, errors.Errorf("graph %q: Reshape from %s to %s changes the element count", g.name, x.shape, shape)
	}
	return g.newNode(OpTypeReshape, shape.Clone(), nil, x), nil
}

// Transpose permutes axes: output axis d takes input axis permutation[d].
func (g *Graph) Transpose(x *Node, permutation ...int) (*Node, error) {
	rank := x.shape.Rank()
	if !isPermutation(permutation, rank) {
		return nil, errors.Errorf("graph %q: Transpose permutation %v is not a permutation of %d axes", g.name, permutation, rank)
	}
	dims := make([]int, rank)
	for d, src := range permutation {
		dims[d] = x.shape.Dimensions[src]
	}
	shape := MakeShape(x.shape.DType, dims...)
	return g.newNode(OpTypeTranspose, shape, &transposeData{permutation: slices.Clone(permutation)}, x), nil
}

// Broadcast expands x to the given output dimensions. Axis i of x is mapped to
// output axis axes[i]; the remaining output axes don't vary with x. A broadcast
// from a scalar takes empty axes.
func (g *Graph) Broadcast(x *Node, outputDimensions []int, axes []int) (*Node, error) {
	if len(axes) != x.shape.Rank() {
		return nil, errors.Errorf("graph %q: Broadcast needs one output axis per operand axis, got %d for %s",
			g.name, len(axes), x.shape)
	}
	for i, axis := range axes {
		if axis < 0 || axis >= len(outputDimensions) {
			return nil, errors.Errorf("graph %q: Broadcast axis %d out of range [0, %d)", g.name, axis, len(outputDimensions))
		}
		if i > 0 && axes[i] <= axes[i-1] {
			return nil, errors.Errorf("graph %q: Broadcast axes %v must be strictly increasing", g.name, axes)
		}
		if outputDimensions[axis] != x.shape.Dimensions[i] {
			return nil, errors.Errorf("graph %q: Broadcast output axis %d has dimension %d, operand has %d",
				g.name, axis, outputDimensions[axis], x.shape.Dimensions[i])
		}
	}
	shape := MakeShape(x.shape.DType, outputDimensions...)
	return g.newNode(OpTypeBroadcast, shape, &broadcastData{axes: slices.Clone(axes)}, x), nil
}

// Slice extracts the hyper-rectangle [starts, limits) from x.
func (g *Graph) Slice(x *Node, starts, limits []int) (*Node, error) {
	rank := x.shape.Rank()
	if len(starts) != rank || len(limits) != rank {
		return nil, errors.Errorf("graph %q: Slice needs starts and limits for all %d axes", g.name, rank)
	}
	dims := make([]int, rank)
	for d := range starts {
		if starts[d] < 0 || starts[d] >= limits[d] || limits[d] > x.shape.Dimensions[d] {
			return nil, errors.Errorf("graph %q: Slice bounds [%d:%d) invalid for axis %d of %s",
				g.name, starts[d], limits[d], d, x.shape)
		}
		dims[d] = limits[d] - starts[d]
	}
	shape := MakeShape(x.shape.DType, dims...)
	return g.newNode(OpTypeSlice, shape, &sliceData{starts: slices.Clone(starts), limits: slices.Clone(limits)}, x), nil
}

// DynamicSlice extracts a window of the given sizes from x at runtime-computed
// start offsets, one scalar integer start node per axis.
func (g *Graph) DynamicSlice(x *Node, starts []*Node, sizes []int) (*Node, error) {
	rank := x.shape.Rank()
	if len(starts) != rank || len(sizes) != rank {
		return nil, errors.Errorf("graph %q: DynamicSlice needs starts and sizes for all %d axes", g.name, rank)
	}
	for d, size := range sizes {
		if size <= 0 || size > x.shape.Dimensions[d] {
			return nil, errors.Errorf("graph %q: DynamicSlice size %d invalid for axis %d of %s", g.name, size, d, x.shape)
		}
		if !starts[d].shape.IsScalar() {
			return nil, errors.Errorf("graph %q: DynamicSlice start for axis %d must be a scalar, got %s",
				g.name, d, starts[d].shape)
		}
	}
	shape := MakeShape(x.shape.DType, sizes...)
	inputs := append([]*Node{x}, starts...)
	return g.newNode(OpTypeDynamicSlice, shape, &dynamicSliceData{sizes: slices.Clone(sizes)}, inputs...), nil
}

// Concatenate joins the operands along the given axis. All other axes must
// agree in dimension, and dtypes must match.
func (g *Graph) Concatenate(axis int, operands ...*Node) (*Node, error) {
	if len(operands) < 2 {
		return nil, errors.Errorf("graph %q: Concatenate needs at least 2 operands, got %d", g.name, len(operands))
	}
	first := operands[0].shape
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Errorf("graph %q: Concatenate axis %d out of range for %s", g.name, axis, first)
	}
	dims := slices.Clone(first.Dimensions)
	for _, operand := range operands[1:] {
		s := operand.shape
		if s.DType != first.DType || s.Rank() != first.Rank() {
			return nil, errors.Errorf("graph %q: Concatenate operands disagree: %s vs %s", g.name, first, s)
		}
		for d := range dims {
			if d == axis {
				continue
			}
			if s.Dimensions[d] != first.Dimensions[d] {
				return nil, errors.Errorf("graph %q: Concatenate operands disagree on axis %d: %s vs %s", g.name, d, first, s)
			}
		}
		dims[axis] += s.Dimensions[axis]
	}
	shape := MakeShape(first.DType, dims...)
	return g.newNode(OpTypeConcatenate, shape, &concatenateData{axis: axis}, operands...), nil
}

// Dot computes a generalized matrix multiplication of lhs and rhs according to
// the dimension numbers. The output axes are the batch axes (in lhs order),
// then the lhs non-contracting axes, then the rhs non-contracting axes.
func (g *Graph) Dot(lhs, rhs *Node, dims DotDimensionNumbers) (*Node, error) {
	if lhs.shape.DType != rhs.shape.DType {
		return nil, errors.Errorf("graph %q: Dot operand dtypes don't match: %s and %s", g.name, lhs.shape, rhs.shape)
	}
	if len(dims.LhsContractingAxes) != len(dims.RhsContractingAxes) {
		return nil, errors.Errorf("graph %q: Dot contracting axes count mismatch: lhs %v, rhs %v",
			g.name, dims.LhsContractingAxes, dims.RhsContractingAxes)
	}
	if len(dims.LhsBatchAxes) != len(dims.RhsBatchAxes) {
		return nil, errors.Errorf("graph %q: Dot batch axes count mismatch: lhs %v, rhs %v",
			g.name, dims.LhsBatchAxes, dims.RhsBatchAxes)
	}
	for i, lhsAxis := range dims.LhsContractingAxes {
		rhsAxis := dims.RhsContractingAxes[i]
		if lhs.shape.Dimensions[lhsAxis] != rhs.shape.Dimensions[rhsAxis] {
			return nil, errors.Errorf("graph %q: Dot contracting dimensions disagree: lhs axis %d is %d, rhs axis %d is %d",
				g.name, lhsAxis, lhs.shape.Dimensions[lhsAxis], rhsAxis, rhs.shape.Dimensions[rhsAxis])
		}
	}
	var outDims []int
	for i, lhsAxis := range dims.LhsBatchAxes {
		rhsAxis := dims.RhsBatchAxes[i]
		if lhs.shape.Dimensions[lhsAxis] != rhs.shape.Dimensions[rhsAxis] {
			return nil, errors.Errorf("graph %q: Dot batch dimensions disagree: lhs axis %d is %d, rhs axis %d is %d",
				g.name, lhsAxis, lhs.shape.Dimensions[lhsAxis], rhsAxis, rhs.shape.Dimensions[rhsAxis])
		}
		outDims = append(outDims, lhs.shape.Dimensions[lhsAxis])
	}
	for _, axis := range NonContractingAxes(lhs.shape.Rank(), dims.LhsContractingAxes, dims.LhsBatchAxes) {
		outDims = append(outDims, lhs.shape.Dimensions[axis])
	}
	for _, axis := range NonContractingAxes(rhs.shape.Rank(), dims.RhsContractingAxes, dims.RhsBatchAxes) {
		outDims = append(outDims, rhs.shape.Dimensions[axis])
	}
	shape := MakeShape(lhs.shape.DType, outDims...)
	return g.newNode(OpTypeDot, shape, &dotData{dims: dims}, lhs, rhs), nil
}

// NonContractingAxes returns, in increasing order, the axes of a rank-sized
// operand that are neither contracting nor batch.
func NonContractingAxes(rank int, contracting, batch []int) []int {
	var axes []int
	for axis := 0; axis < rank; axis++ {
		if slices.Contains(contracting, axis) || slices.Contains(batch, axis) {
			continue
		}
		axes = append(axes, axis)
	}
	return axes
}

// FusedCall creates an opaque call node computing region over the operands.
// Usually created through ReplaceWithFusedCall; exposed for tests and loaders
// that build fused graphs directly.
func (g *Graph) FusedCall(kind string, region *Graph, operands ...*Node) (*Node, error) {
	if len(region.Parameters()) != len(operands) {
		return nil, errors.Errorf("graph %q: FusedCall region %q has %d parameters, %d operands given",
			g.name, region.Name(), len(region.Parameters()), len(operands))
	}
	root := region.Root()
	if root == nil {
		return nil, errors.Errorf("graph %q: FusedCall region %q is empty", g.name, region.Name())
	}
	for i, operand := range operands {
		param := region.Parameters()[i]
		if !operand.shape.EqualDimensions(param.shape) {
			return nil, errors.Errorf("graph %q: FusedCall operand %d is %s, region parameter %q is %s",
				g.name, i, operand.shape, param.ParameterName(), param.shape)
		}
	}
	return g.newNode(OpTypeFusedCall, root.Shape().Clone(), &fusedCallData{kind: kind, region: region}, operands...), nil
}

// Rename gives the node a user-visible name, so diagnostics match the source
// file a loader read it from. Returns the node.
func (n *Node) Rename(name string) *Node {
	if name != "" {
		n.name = name
	}
	return n
}
