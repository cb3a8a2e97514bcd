// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"slices"
)

// Shape describes the type and geometry of a tensor value: the DType of its
// elements, its dimensions, and its physical layout.
//
// Layout lists the dimension indices from the fastest-varying ("minor") to the
// slowest-varying ("major") in memory. The default layout is descending order,
// which corresponds to a row-major dense tensor. A Shape is a value type and is
// never mutated after creation.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
	Layout     []int
}

// MakeShape returns a Shape with the default (row-major) layout.
func MakeShape(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("graph.MakeShape(%s): dimensions must be positive, got %v", dtype, dimensions)
		}
	}
	s.Layout = defaultLayout(len(dimensions))
	return s
}

// WithLayout returns a copy of the shape with the given minor-to-major layout.
// It panics if the layout is not a permutation of the shape's dimension indices.
func (s Shape) WithLayout(minorToMajor ...int) Shape {
	if !isPermutation(minorToMajor, s.Rank()) {
		exceptions.Panicf("Shape.WithLayout(%v): not a permutation of %d dimensions", minorToMajor, s.Rank())
	}
	s2 := s.Clone()
	s2.Layout = slices.Clone(minorToMajor)
	return s2
}

func defaultLayout(rank int) []int {
	layout := make([]int, rank)
	for i := range layout {
		layout[i] = rank - 1 - i
	}
	return layout
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions), Layout: slices.Clone(s.Layout)}
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Size returns the total number of elements.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape's elements.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// HasDefaultLayout returns whether the layout is the row-major default.
func (s Shape) HasDefaultLayout() bool {
	return slices.Equal(s.Layout, defaultLayout(s.Rank()))
}

// Equal compares dtype, dimensions and layout.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType &&
		slices.Equal(s.Dimensions, other.Dimensions) &&
		slices.Equal(s.Layout, other.Layout)
}

// EqualDimensions compares dtype and dimensions, ignoring the layout.
func (s Shape) EqualDimensions(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// String prints the shape in the compact form used throughout the package and
// by the HCL graph files, e.g. "f32[48,4]{1,0}". The layout suffix is omitted
// when it is the default.
func (s Shape) String() string {
	var sb strings.Builder
	sb.WriteString(dtypeToName(s.DType))
	sb.WriteByte('[')
	for i, dim := range s.Dimensions {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(dim))
	}
	sb.WriteByte(']')
	if !s.HasDefaultLayout() {
		sb.WriteByte('{')
		for i, axis := range s.Layout {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(axis))
		}
		sb.WriteByte('}')
	}
	return sb.String()
}

var dtypeNames = map[string]dtypes.DType{
	"pred": dtypes.Bool,
	"s8":   dtypes.Int8,
	"s16":  dtypes.Int16,
	"s32":  dtypes.Int32,
	"s64":  dtypes.Int64,
	"u8":   dtypes.Uint8,
	"u32":  dtypes.Uint32,
	"f16":  dtypes.Float16,
	"bf16": dtypes.BFloat16,
	"f32":  dtypes.Float32,
	"f64":  dtypes.Float64,
}

func dtypeToName(dtype dtypes.DType) string {
	for name, d := range dtypeNames {
		if d == dtype {
			return name
		}
	}
	return fmt.Sprintf("invalid(%s)", dtype)
}

// ParseShape parses the compact shape notation produced by Shape.String:
// "<dtype>[dim,dim,...]" with an optional "{minor,to,major}" layout suffix.
// A bare "<dtype>" parses to a scalar shape.
func ParseShape(text string) (Shape, error) {
	text = strings.TrimSpace(text)
	dtypeEnd := strings.IndexByte(text, '[')
	if dtypeEnd == -1 {
		dtype, ok := dtypeNames[text]
		if !ok {
			return Shape{}, errors.Errorf("ParseShape(%q): unknown dtype %q", text, text)
		}
		return Shape{DType: dtype, Layout: []int{}}, nil
	}
	dtype, ok := dtypeNames[text[:dtypeEnd]]
	if !ok {
		return Shape{}, errors.Errorf("ParseShape(%q): unknown dtype %q", text, text[:dtypeEnd])
	}
	dimsEnd := strings.IndexByte(text, ']')
	if dimsEnd == -1 {
		return Shape{}, errors.Errorf("ParseShape(%q): missing closing ']'", text)
	}
	dims, err := parseIntList(text[dtypeEnd+1 : dimsEnd])
	if err != nil {
		return Shape{}, errors.WithMessagef(err, "ParseShape(%q): bad dimensions", text)
	}
	for _, dim := range dims {
		if dim <= 0 {
			return Shape{}, errors.Errorf("ParseShape(%q): dimensions must be positive", text)
		}
	}
	s := Shape{DType: dtype, Dimensions: dims, Layout: defaultLayout(len(dims))}
	rest := strings.TrimSpace(text[dimsEnd+1:])
	if rest == "" {
		return s, nil
	}
	if !strings.HasPrefix(rest, "{") || !strings.HasSuffix(rest, "}") {
		return Shape{}, errors.Errorf("ParseShape(%q): malformed layout suffix %q", text, rest)
	}
	layout, err := parseIntList(rest[1 : len(rest)-1])
	if err != nil {
		return Shape{}, errors.WithMessagef(err, "ParseShape(%q): bad layout", text)
	}
	if !isPermutation(layout, len(dims)) {
		return Shape{}, errors.Errorf("ParseShape(%q): layout %v is not a permutation of %d dimensions", text, layout, len(dims))
	}
	s.Layout = layout
	return s, nil
}

func parseIntList(text string) ([]int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []int{}, nil
	}
	parts := strings.Split(text, ",")
	values := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q", part)
		}
		values[i] = v
	}
	return values, nil
}

func isPermutation(perm []int, rank int) bool {
	if len(perm) != rank {
		return false
	}
	seen := make([]bool, rank)
	for _, axis := range perm {
		if axis < 0 || axis >= rank || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}
