// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeString(t *testing.T) {
	s := MakeShape(dtypes.Float32, 48, 4)
	assert.Equal(t, "f32[48,4]", s.String())
	assert.True(t, s.HasDefaultLayout())

	s = s.WithLayout(1, 0)
	assert.Equal(t, "f32[48,4]", s.String())

	s = s.WithLayout(0, 1)
	assert.Equal(t, "f32[48,4]{0,1}", s.String())
	assert.False(t, s.HasDefaultLayout())

	assert.Equal(t, "bf16[1,8,6,4]", MakeShape(dtypes.BFloat16, 1, 8, 6, 4).String())
	assert.Equal(t, "pred[]", MakeShape(dtypes.Bool).String())
}

func TestParseShape(t *testing.T) {
	s, err := ParseShape("f32[48,4]")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, s.DType)
	assert.Equal(t, []int{48, 4}, s.Dimensions)
	assert.Equal(t, []int{1, 0}, s.Layout)

	s, err = ParseShape("s8[3,8,6,4]{3,2,1,0}")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int8, s.DType)
	assert.True(t, s.HasDefaultLayout())

	s, err = ParseShape("f16[8,6,4]{2,0,1}")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, s.Layout)
	assert.False(t, s.HasDefaultLayout())

	s, err = ParseShape("f32[]")
	require.NoError(t, err)
	assert.True(t, s.IsScalar())

	s, err = ParseShape("bf16")
	require.NoError(t, err)
	assert.True(t, s.IsScalar())
	assert.Equal(t, dtypes.BFloat16, s.DType)

	// Round trip through String.
	for _, text := range []string{"f32[48,4]", "f16[8,6,4]{2,0,1}", "pred[2]", "u8[1,1000]"} {
		s, err := ParseShape(text)
		require.NoError(t, err)
		assert.Equal(t, text, s.String())
	}

	_, err = ParseShape("q8[2]")
	assert.Error(t, err)
	_, err = ParseShape("f32[2,0]")
	assert.Error(t, err)
	_, err = ParseShape("f32[2,3]{0,0}")
	assert.Error(t, err)
	_, err = ParseShape("f32[2,3")
	assert.Error(t, err)
}

func TestShapeSizeAndMemory(t *testing.T) {
	s := MakeShape(dtypes.Float32, 3, 8, 6, 4)
	assert.Equal(t, 576, s.Size())
	assert.Equal(t, uintptr(576*4), s.Memory())

	scalar := MakeShape(dtypes.Int8)
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, uintptr(1), scalar.Memory())
}

func TestShapeEqual(t *testing.T) {
	a := MakeShape(dtypes.Float32, 2, 3)
	b := MakeShape(dtypes.Float32, 2, 3).WithLayout(0, 1)
	assert.False(t, a.Equal(b))
	assert.True(t, a.EqualDimensions(b))
	assert.False(t, a.EqualDimensions(MakeShape(dtypes.Float16, 2, 3)))
}
