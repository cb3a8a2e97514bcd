// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/gomlx/dotfusion/types"

// OpType is a closed enum of the operations a Graph node can perform.
//
// The fusion planner's fragment-propagation step switches exhaustively over this
// enum, so adding a new operation here forces a decision on how (or whether) it
// propagates iteration fragments.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant

	// Unary elementwise.
	OpTypeAbs
	OpTypeCeil
	OpTypeCos
	OpTypeErf
	OpTypeExp
	OpTypeExpm1
	OpTypeFloor
	OpTypeLog
	OpTypeLogicalNot
	OpTypeLogistic
	OpTypeNeg
	OpTypeRsqrt
	OpTypeSign
	OpTypeSin
	OpTypeSqrt
	OpTypeTanh

	// Binary elementwise.
	OpTypeAdd
	OpTypeAnd
	OpTypeCompare
	OpTypeDiv
	OpTypeMax
	OpTypeMin
	OpTypeMul
	OpTypeOr
	OpTypePow
	OpTypeRem
	OpTypeSub
	OpTypeXor

	// Ternary elementwise.
	OpTypeSelect

	// Shape and layout transformations.
	OpTypeConvert
	OpTypeCopy
	OpTypeReshape
	OpTypeTranspose
	OpTypeBroadcast
	OpTypeSlice
	OpTypeDynamicSlice
	OpTypeConcatenate

	OpTypeDot
	OpTypeFusedCall
)

var (
	// UnaryOperations are elementwise with a single operand; they never change
	// the shape and pass iteration fragments through untouched.
	UnaryOperations = types.SetWith(
		OpTypeAbs, OpTypeCeil, OpTypeCos, OpTypeErf, OpTypeExp, OpTypeExpm1,
		OpTypeFloor, OpTypeLog, OpTypeLogicalNot, OpTypeLogistic, OpTypeNeg,
		OpTypeRsqrt, OpTypeSign, OpTypeSin, OpTypeSqrt, OpTypeTanh,
	)

	// BinaryOperations are elementwise over two operands of identical dimensions.
	BinaryOperations = types.SetWith(
		OpTypeAdd, OpTypeAnd, OpTypeCompare, OpTypeDiv, OpTypeMax, OpTypeMin,
		OpTypeMul, OpTypeOr, OpTypePow, OpTypeRem, OpTypeSub, OpTypeXor,
	)
)

// IsElementwise reports whether the op computes each output element from the
// same position of every operand.
func (t OpType) IsElementwise() bool {
	return UnaryOperations.Has(t) || BinaryOperations.Has(t) || t == OpTypeSelect || t == OpTypeConvert
}
