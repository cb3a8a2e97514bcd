// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"sort"

	"github.com/gomlx/dotfusion/graph"
	"github.com/pkg/errors"
	"slices"
)

// dimFragment is one piece of a logical dot dimension as it appears on some
// intermediate tensor during propagation. It is the working form of Fragment:
// it knows which logical dimension it contributes to and where it ranks within
// that dimension, but not yet its physical stride (computed at spec-build time
// from the leaf's own layout).
type dimFragment struct {
	// dstDim is the logical dimension index, or -1 for filler fragments
	// covering size-1 axes introduced by reshapes.
	dstDim int

	// ord ranks the fragment within its logical dimension, minor first: the
	// logical index decomposes as i = ... + i2*c1*c0 + i1*c0 + i0 where
	// fragment ord k contributes i_k.
	ord int

	count                  int
	sliceStart, sliceLimit int
}

func makeDimFragment(dstDim, count int) dimFragment {
	return dimFragment{dstDim: dstDim, count: count, sliceLimit: count}
}

func (f dimFragment) isSliced() bool   { return f.sliceStart != 0 || f.sliceLimit != f.count }
func (f dimFragment) slicedCount() int { return f.sliceLimit - f.sliceStart }

// dimOrder describes how every axis of one node's tensor decomposes into
// fragments of the logical dot dimensions. It is attached to a node during
// scope expansion and transformed across each absorbed operation.
type dimOrder struct {
	// axes[d] holds the fragments composing tensor axis d, minor first.
	// A size-1 axis may have an empty list.
	axes [][]dimFragment
}

// rootDimOrder is the identity order of a dot operand (or output): tensor axis
// d is exactly logical dimension d.
func rootDimOrder(shape graph.Shape) dimOrder {
	axes := make([][]dimFragment, shape.Rank())
	for d, extent := range shape.Dimensions {
		axes[d] = []dimFragment{makeDimFragment(d, extent)}
	}
	return dimOrder{axes: axes}
}

// scalarDimOrder is the order of a rank-0 tensor: nothing varies.
func scalarDimOrder() dimOrder { return dimOrder{} }

func (o dimOrder) equal(other dimOrder) bool {
	if len(o.axes) != len(other.axes) {
		return false
	}
	for d := range o.axes {
		if !slices.Equal(o.axes[d], other.axes[d]) {
			return false
		}
	}
	return true
}

// physical flattens the per-axis fragments into the tensor's physical
// traversal order, minor-to-major per the shape's layout.
func (o dimOrder) physical(shape graph.Shape) []dimFragment {
	var out []dimFragment
	for _, axis := range shape.Layout {
		out = append(out, o.axes[axis]...)
	}
	return out
}

// logicalDims returns the set of logical dimensions the order varies along.
func (o dimOrder) logicalDims() map[int]bool {
	dims := make(map[int]bool)
	for _, frags := range o.axes {
		for _, f := range frags {
			if f.dstDim >= 0 && f.slicedCount() > 1 {
				dims[f.dstDim] = true
			}
		}
	}
	return dims
}

// propagateToOperands transforms the dim order attached to node's output into
// one dim order per operand, inverting the node's effect. An error means the
// operation cannot be expressed in the fragment model and must stay outside
// the fused region; it is the normal "not fusible" signal, not a failure.
func propagateToOperands(node *graph.Node, out dimOrder) ([]dimOrder, error) {
	opType := node.OpType()
	switch {
	case opType == graph.OpTypeParameter || opType == graph.OpTypeConstant:
		return nil, nil

	case opType.IsElementwise():
		// All operands share the output's dimensions; rank-0 operands cannot
		// occur here (broadcasts are explicit).
		orders := make([]dimOrder, node.NumInputs())
		for i := range orders {
			orders[i] = out
		}
		return orders, nil

	case opType == graph.OpTypeCopy:
		// Pure layout change. Axes map one to one; the different physical
		// order is picked up from each side's own shape.
		return []dimOrder{out}, nil

	case opType == graph.OpTypeTranspose:
		perm := node.Permutation()
		in := dimOrder{axes: make([][]dimFragment, len(perm))}
		for d, frags := range out.axes {
			in.axes[perm[d]] = frags
		}
		return []dimOrder{in}, nil

	case opType == graph.OpTypeBroadcast:
		operand := node.Input(0)
		bAxes := node.BroadcastAxes()
		in := dimOrder{axes: make([][]dimFragment, operand.Shape().Rank())}
		for i, axis := range bAxes {
			in.axes[i] = out.axes[axis]
		}
		return []dimOrder{in}, nil

	case opType == graph.OpTypeReshape:
		in, err := reshapeDimOrder(node.Shape(), out, node.Input(0).Shape())
		if err != nil {
			return nil, err
		}
		return []dimOrder{in}, nil

	case opType == graph.OpTypeSlice:
		in, err := sliceDimOrder(node, out)
		if err != nil {
			return nil, err
		}
		return []dimOrder{in}, nil

	case opType == graph.OpTypeConcatenate:
		return concatenateDimOrders(node, out)

	default:
		return nil, errors.Errorf("%s is not absorbable into a fused region", opType)
	}
}

// propagateToUser transforms the dim order of user's first operand into the
// order of user's output. Used walking forward along the output chain of the
// dot; only shape-preserving and layout/shuffle operations are supported there.
func propagateToUser(user *graph.Node, in dimOrder) (dimOrder, error) {
	opType := user.OpType()
	switch {
	case opType.IsElementwise():
		return in, nil
	case opType == graph.OpTypeCopy:
		return in, nil
	case opType == graph.OpTypeTranspose:
		perm := user.Permutation()
		out := dimOrder{axes: make([][]dimFragment, len(perm))}
		for d := range out.axes {
			out.axes[d] = in.axes[perm[d]]
		}
		return out, nil
	case opType == graph.OpTypeReshape:
		return reshapeDimOrder(user.Input(0).Shape(), in, user.Shape())
	default:
		return dimOrder{}, errors.Errorf("%s cannot follow the fusion output", opType)
	}
}

// sliceDimOrder inverts a static slice: the operand iterates the full extent
// but only the sliced window is read. Composes with slices already accumulated
// downstream.
func sliceDimOrder(node *graph.Node, out dimOrder) (dimOrder, error) {
	operand := node.Input(0)
	starts, limits := node.SliceStarts(), node.SliceLimits()
	in := dimOrder{axes: make([][]dimFragment, operand.Shape().Rank())}
	for d := range in.axes {
		inExtent := operand.Shape().Dimensions[d]
		outExtent := limits[d] - starts[d]
		if inExtent == outExtent {
			in.axes[d] = out.axes[d]
			continue
		}
		if outExtent == 1 {
			return dimOrder{}, errors.Errorf("slice of %q reduces axis %d to a degenerate dimension", node.Name(), d)
		}
		if len(out.axes[d]) != 1 {
			return dimOrder{}, errors.Errorf("slice of %q: axis %d spans %d fragments, must be exactly one",
				node.Name(), d, len(out.axes[d]))
		}
		f := out.axes[d][0]
		in.axes[d] = []dimFragment{{
			dstDim:     f.dstDim,
			ord:        f.ord,
			count:      inExtent,
			sliceStart: starts[d] + f.sliceStart,
			sliceLimit: starts[d] + f.sliceLimit,
		}}
	}
	return in, nil
}

// minConcatFragmentSize is the smallest extent each concatenated input may
// contribute along the concatenation axis. Smaller pieces would force the
// tiled kernel below its minimum tile size.
const minConcatFragmentSize = 128

// concatenateDimOrders inverts a concatenation: each operand receives the
// shared order with the concatenation axis narrowed to its own extent. The
// scope-level legality of the concatenation axis (must be a non-contracting,
// non-batch dimension) is checked by the caller, which knows the dot's
// dimension numbers.
func concatenateDimOrders(node *graph.Node, out dimOrder) ([]dimOrder, error) {
	axis := node.ConcatenateAxis()
	if len(out.axes[axis]) != 1 {
		return nil, errors.Errorf("concatenate %q: axis %d spans %d fragments, must be exactly one",
			node.Name(), axis, len(out.axes[axis]))
	}
	f := out.axes[axis][0]
	if f.isSliced() {
		return nil, errors.Errorf("concatenate %q: axis %d is sliced", node.Name(), axis)
	}
	orders := make([]dimOrder, node.NumInputs())
	for i := range orders {
		operand := node.Input(i)
		extent := operand.Shape().Dimensions[axis]
		if extent%minConcatFragmentSize != 0 {
			return nil, errors.Errorf("concatenate %q: operand %d extent %d along axis %d is not a multiple of %d",
				node.Name(), i, extent, axis, minConcatFragmentSize)
		}
		in := dimOrder{axes: make([][]dimFragment, len(out.axes))}
		for d := range out.axes {
			if d == axis {
				in.axes[d] = []dimFragment{{dstDim: f.dstDim, ord: f.ord, count: extent, sliceLimit: extent}}
			} else {
				in.axes[d] = out.axes[d]
			}
		}
		orders[i] = in
	}
	return orders, nil
}

// reshapeDimOrder rebuilds the fragment decomposition across a reshape: the
// physical fragment stream of the src side is redistributed over the dst
// side's axes, splitting fragments where a dst axis boundary falls inside one
// and merging nothing (merging happens at spec-build time when strides line
// up). Both directions of propagation use it, swapping src and dst.
//
// Legal only when every dst axis extent is a product of whole (possibly split)
// fragment counts. Sliced fragments cannot be split.
func reshapeDimOrder(srcShape graph.Shape, srcOrder dimOrder, dstShape graph.Shape) (dimOrder, error) {
	stream := slices.Clone(srcOrder.physical(srcShape))
	dst := dimOrder{axes: make([][]dimFragment, dstShape.Rank())}
	si := 0
	lastAxis := -1
	for _, axis := range dstShape.Layout {
		extent := dstShape.Dimensions[axis]
		remaining := extent
		var frags []dimFragment
		for remaining > 1 {
			if si >= len(stream) {
				return dimOrder{}, errors.Errorf("reshape %s to %s: ran out of fragments for axis %d",
					srcShape, dstShape, axis)
			}
			f := stream[si]
			switch {
			case f.count == 1:
				frags = append(frags, f)
				si++
			case remaining%f.count == 0:
				frags = append(frags, f)
				remaining /= f.count
				si++
			case f.count%remaining == 0:
				if f.isSliced() {
					return dimOrder{}, errors.Errorf("reshape %s to %s: cannot split sliced fragment of logical dim %d",
						srcShape, dstShape, f.dstDim)
				}
				frags = append(frags, dimFragment{dstDim: f.dstDim, ord: f.ord, count: remaining, sliceLimit: remaining})
				rest := f.count / remaining
				stream[si] = dimFragment{dstDim: f.dstDim, ord: f.ord, count: rest, sliceLimit: rest}
				remaining = 1
			default:
				return dimOrder{}, errors.Errorf("reshape %s to %s: fragment of %d does not divide axis remainder %d",
					srcShape, dstShape, f.count, remaining)
			}
		}
		dst.axes[axis] = frags
		lastAxis = axis
	}
	// Trailing size-1 fragments attach to the most-major dst axis.
	for ; si < len(stream); si++ {
		if stream[si].count != 1 {
			return dimOrder{}, errors.Errorf("reshape %s to %s: %d unconsumed elements",
				srcShape, dstShape, stream[si].count)
		}
		if lastAxis >= 0 {
			dst.axes[lastAxis] = append(dst.axes[lastAxis], stream[si])
		}
	}
	renumberOrdinals(&dst, dstShape)
	return dst, nil
}

// renumberOrdinals reassigns fragment ordinals per logical dimension after a
// reshape split. Physical minor-to-major order restricted to one logical
// dimension preserves the relative significance of pre-existing fragments;
// split parts inherit their parent's ordinal and are emitted minor first, so a
// stable sort by old ordinal yields the new significance order.
func renumberOrdinals(o *dimOrder, shape graph.Shape) {
	perDim := make(map[int][]*dimFragment)
	for _, axis := range shape.Layout {
		frags := o.axes[axis]
		for i := range frags {
			f := &frags[i]
			if f.dstDim < 0 {
				continue
			}
			perDim[f.dstDim] = append(perDim[f.dstDim], f)
		}
	}
	for _, frags := range perDim {
		sort.SliceStable(frags, func(i, j int) bool { return frags[i].ord < frags[j].ord })
		for i, f := range frags {
			f.ord = i
		}
	}
}

// buildIterationSpec derives the final per-logical-dimension iteration spec of
// a leaf from its dim order and its own shape: walking the physical layout
// minor-to-major, each fragment's stride is the accumulated extent of the
// fragments before it. Physically and logically adjacent unsliced fragments of
// the same dimension collapse into one, recording the constituents as
// subfragments.
func buildIterationSpec(o dimOrder, shape graph.Shape) (TensorIterationSpec, error) {
	spec := TensorIterationSpec{}
	lastOrd := make(map[int]int)
	stride := 1
	for _, f := range o.physical(shape) {
		if f.dstDim < 0 || f.count == 1 {
			stride *= f.count
			continue
		}
		ds := spec[f.dstDim]
		if len(ds) > 0 {
			prev := &ds[len(ds)-1]
			if prev.IsSliced() || f.isSliced() {
				return nil, errors.Errorf("logical dim %d: sliced fragment must be the dimension's only fragment", f.dstDim)
			}
			if f.ord == lastOrd[f.dstDim]+1 && stride == prev.Stride*prev.Count {
				prev.Count *= f.count
				prev.SliceLimit = prev.Count
				prev.Subfragments = append(prev.Subfragments, f.count)
				lastOrd[f.dstDim] = f.ord
				stride *= f.count
				continue
			}
		}
		spec[f.dstDim] = append(ds, Fragment{
			Stride:       stride,
			Count:        f.count,
			SliceStart:   f.sliceStart,
			SliceLimit:   f.sliceLimit,
			Subfragments: []int{f.slicedCount()},
		})
		lastOrd[f.dstDim] = f.ord
		stride *= f.count
	}
	return spec, nil
}
