// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion plans GEMM fusions: it decides which neighborhood of a Dot
// can be absorbed into a single fused kernel call and describes, per fused
// input, how the kernel must iterate over that input's memory.
//
// The description is a TensorIterationSpec: for each logical dimension of the
// dot (a batch, contracting or non-contracting dimension), an ordered list of
// Fragments that together traverse the physical memory of the input. The
// planner computes these by propagating dimension orders through the operand
// chains of the dot, refusing to absorb any operation whose effect on the
// traversal cannot be expressed as fragments.
package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/dotfusion/types"
	"github.com/gomlx/exceptions"
)

// Fragment is one stretch of a logical dimension's traversal of physical
// memory: Count elements Stride apart. A fragment may be sliced, in which case
// only the [SliceStart, SliceLimit) sub-range is actually read.
//
// Subfragments record the extents of the source dimensions that were merged
// to form this fragment, minor-first; a fragment built from a single source
// dimension holds just its own count. Kernel emitters use them to re-split
// the fragment when tiling.
type Fragment struct {
	Stride int
	Count  int

	// Slice bounds within the fragment. An unsliced fragment has
	// SliceStart == 0 and SliceLimit == Count.
	SliceStart int
	SliceLimit int

	// Subfragments of the merged extents, minor-first.
	Subfragments []int
}

// MakeFragment returns an unsliced Fragment.
func MakeFragment(stride, count int) Fragment {
	if stride < 0 || count <= 0 {
		exceptions.Panicf("fusion.MakeFragment(%d, %d): count must be positive and stride non-negative", stride, count)
	}
	return Fragment{Stride: stride, Count: count, SliceStart: 0, SliceLimit: count}
}

// IsSliced reports whether the fragment reads only a sub-range of its Count.
func (f Fragment) IsSliced() bool {
	return f.SliceStart != 0 || f.SliceLimit != f.Count
}

// SlicedCount returns the number of elements actually read.
func (f Fragment) SlicedCount() int {
	return f.SliceLimit - f.SliceStart
}

func (f Fragment) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{stride=%d count=%d", f.Stride, f.Count)
	if f.IsSliced() {
		fmt.Fprintf(&sb, " slice=%d:%d", f.SliceStart, f.SliceLimit)
	}
	if len(f.Subfragments) > 0 {
		fmt.Fprintf(&sb, " sub=%v", f.Subfragments)
	}
	sb.WriteString("}")
	return sb.String()
}

// DimIterationSpec describes how one logical dimension traverses an input's
// memory: the fragments ordered fastest-varying first, so the dimension's
// index decomposes minor to major across them.
type DimIterationSpec []Fragment

// TotalCount returns the product of the fragments' (sliced) counts, i.e. the
// extent of the logical dimension as seen by the kernel.
func (d DimIterationSpec) TotalCount() int {
	total := 1
	for _, f := range d {
		total *= f.SlicedCount()
	}
	return total
}

func (d DimIterationSpec) String() string {
	parts := make([]string, len(d))
	for i, f := range d {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// TensorIterationSpec maps each logical dimension index to its iteration
// fragments for one fused input (or output). Logical dimensions that the input
// does not vary with are absent.
type TensorIterationSpec map[int]DimIterationSpec

// Dim returns the spec of the given logical dimension, or nil if the tensor
// does not vary along it.
func (t TensorIterationSpec) Dim(logicalDim int) DimIterationSpec {
	return t[logicalDim]
}

func (t TensorIterationSpec) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	first := true
	for _, dim := range types.SortedKeys(t) {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%d: %s", dim, t[dim])
	}
	sb.WriteString("}")
	return sb.String()
}
