// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/dotfusion/graph"
	"github.com/pkg/errors"
)

// ArgsIndices locates the three GEMM buffers within the flat kernel argument
// array the runtime passes at launch: the fused call's operands in order,
// followed by the output buffer.
type ArgsIndices struct {
	Lhs, Rhs, Out int
}

// DynamicSliceIndices is set when the fused output is written through a
// runtime-computed offset instead of a static address. Out, when non-nil, is
// the position of the offset argument in the flat argument array. Only the
// output's leading dimension may be dynamically offset.
type DynamicSliceIndices struct {
	Out *int
}

// DynamicSliceParams carries the runtime offset value matching
// DynamicSliceIndices; the launch path fills it in per iteration.
type DynamicSliceParams struct {
	Out *int64
}

// BindArguments maps a fused call's operand list to kernel argument roles. The
// call must be a GEMM fusion whose LHS and RHS scopes each resolve to a single
// leaf; richer fusions are launched through the generic path and don't bind.
//
// If the call's only consumer is a dynamic slice along the output's leading
// dimension, the returned DynamicSliceIndices points at the extra offset
// argument appended after the output buffer. A dynamic slice along any other
// dimension is an error: the planner must keep such slices outside the fusion.
func BindArguments(call *graph.Node) (ArgsIndices, DynamicSliceIndices, error) {
	var none DynamicSliceIndices
	if call.OpType() != graph.OpTypeFusedCall || call.FusedKind() != graph.KindGemmFusion {
		return ArgsIndices{}, none, errors.Errorf("%q is not a GEMM fusion call", call.Name())
	}
	analysis, err := Execute(call.FusedRegion())
	if err != nil {
		return ArgsIndices{}, none, err
	}
	lhs := analysis.ScopeParameters(ScopeLHS)
	rhs := analysis.ScopeParameters(ScopeRHS)
	if len(lhs) != 1 || len(rhs) != 1 {
		return ArgsIndices{}, none, errors.Errorf("%q has %d LHS and %d RHS leaves, argument binding needs exactly one each",
			call.Name(), len(lhs), len(rhs))
	}
	indices := ArgsIndices{
		Lhs: lhs[0].ParameterIndex(),
		Rhs: rhs[0].ParameterIndex(),
		Out: call.NumInputs(),
	}

	users := call.Users()
	if len(users) != 1 || users[0].OpType() != graph.OpTypeDynamicSlice || users[0].Input(0) != call {
		return indices, none, nil
	}
	slice := users[0]
	sizes := slice.DynamicSliceSizes()
	for d := 1; d < call.Shape().Rank(); d++ {
		if sizes[d] != call.Shape().Dimensions[d] {
			return ArgsIndices{}, none, errors.Errorf("%q is dynamically sliced along dimension %d; only the leading dimension is supported",
				call.Name(), d)
		}
	}
	offsetIdx := call.NumInputs() + 1
	return indices, DynamicSliceIndices{Out: &offsetIdx}, nil
}
