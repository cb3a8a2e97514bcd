// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hclgraph loads tensor graphs from HCL files.
//
// A file holds one or more graph blocks, each listing its nodes in dependency
// order:
//
//	graph "matmul" {
//	  node "a"   { op = "parameter" shape = "f32[48,4]" }
//	  node "b"   { op = "parameter" shape = "f32[4,16]" }
//	  node "dot" {
//	    op              = "dot"
//	    inputs          = ["a", "b"]
//	    lhs_contracting = [1]
//	    rhs_contracting = [0]
//	  }
//	  root = "dot"
//	}
//
// Operation names are the OpType names, case-insensitive. Shapes use the
// compact notation of graph.ParseShape.
package hclgraph

import (
	"math/big"

	"github.com/gomlx/dotfusion/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

type fileRoot struct {
	Graphs []*graphBlock `hcl:"graph,block"`
}

type graphBlock struct {
	Name  string       `hcl:"name,label"`
	Root  *string      `hcl:"root,optional"`
	Nodes []*nodeBlock `hcl:"node,block"`
}

// nodeBlock is the union of all per-operation attributes; buildNode checks
// that the ones the operation needs are present.
type nodeBlock struct {
	Name   string   `hcl:"name,label"`
	Op     string   `hcl:"op"`
	Inputs []string `hcl:"inputs,optional"`

	Shape       *string   `hcl:"shape,optional"`
	DType       *string   `hcl:"dtype,optional"`
	Value       cty.Value `hcl:"value,optional"`
	Dims        []int     `hcl:"dims,optional"`
	Permutation []int     `hcl:"permutation,optional"`
	Layout      []int     `hcl:"layout,optional"`
	OutputDims  []int     `hcl:"output_dims,optional"`
	Axes        []int     `hcl:"axes,optional"`
	Starts      []int     `hcl:"starts,optional"`
	Limits      []int     `hcl:"limits,optional"`
	Sizes       []int     `hcl:"sizes,optional"`
	Axis        *int      `hcl:"axis,optional"`

	LhsContracting []int `hcl:"lhs_contracting,optional"`
	RhsContracting []int `hcl:"rhs_contracting,optional"`
	LhsBatch       []int `hcl:"lhs_batch,optional"`
	RhsBatch       []int `hcl:"rhs_batch,optional"`
}

// LoadFile parses the HCL file at path and builds its graphs.
func LoadFile(path string) ([]*graph.Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Errorf("parsing %s: %s", path, diags.Error())
	}
	return build(path, file)
}

// Load parses HCL source from memory; filename only labels diagnostics.
func Load(filename string, src []byte) ([]*graph.Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf("parsing %s: %s", filename, diags.Error())
	}
	return build(filename, file)
}

func build(filename string, file *hcl.File) ([]*graph.Graph, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, errors.Errorf("decoding %s: %s", filename, diags.Error())
	}
	if len(root.Graphs) == 0 {
		return nil, errors.Errorf("%s declares no graph blocks", filename)
	}
	graphs := make([]*graph.Graph, 0, len(root.Graphs))
	for _, block := range root.Graphs {
		g, err := buildGraph(block)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s, graph %q", filename, block.Name)
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

func buildGraph(block *graphBlock) (*graph.Graph, error) {
	g := graph.New(block.Name)
	byName := make(map[string]*graph.Node, len(block.Nodes))
	for _, nb := range block.Nodes {
		if _, dup := byName[nb.Name]; dup {
			return nil, errors.Errorf("duplicate node %q", nb.Name)
		}
		inputs := make([]*graph.Node, len(nb.Inputs))
		for i, name := range nb.Inputs {
			operand, ok := byName[name]
			if !ok {
				return nil, errors.Errorf("node %q: unknown input %q (nodes must be declared before use)", nb.Name, name)
			}
			inputs[i] = operand
		}
		n, err := buildNode(g, nb, inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q", nb.Name)
		}
		byName[nb.Name] = n.Rename(nb.Name)
	}
	if block.Root != nil {
		rootNode, ok := byName[*block.Root]
		if !ok {
			return nil, errors.Errorf("root %q is not a declared node", *block.Root)
		}
		g.SetRoot(rootNode)
	}
	return g, nil
}

func buildNode(g *graph.Graph, nb *nodeBlock, inputs []*graph.Node) (*graph.Node, error) {
	opType, err := graph.OpTypeString(nb.Op)
	if err != nil {
		return nil, errors.Errorf("unknown operation %q", nb.Op)
	}
	one := func() (*graph.Node, error) {
		if len(inputs) != 1 {
			return nil, errors.Errorf("%s takes 1 input, got %d", opType, len(inputs))
		}
		return inputs[0], nil
	}

	switch {
	case opType == graph.OpTypeParameter:
		s, err := requireShape(nb)
		if err != nil {
			return nil, err
		}
		return g.Parameter(nb.Name, s)

	case opType == graph.OpTypeConstant:
		s, err := requireShape(nb)
		if err != nil {
			return nil, err
		}
		value, err := constantValue(s.DType, nb.Value)
		if err != nil {
			return nil, err
		}
		return g.Constant(s, value)

	case graph.UnaryOperations.Has(opType):
		x, err := one()
		if err != nil {
			return nil, err
		}
		return g.Unary(opType, x)

	case graph.BinaryOperations.Has(opType):
		if len(inputs) != 2 {
			return nil, errors.Errorf("%s takes 2 inputs, got %d", opType, len(inputs))
		}
		return g.Binary(opType, inputs[0], inputs[1])

	case opType == graph.OpTypeSelect:
		if len(inputs) != 3 {
			return nil, errors.Errorf("select takes 3 inputs, got %d", len(inputs))
		}
		return g.Select(inputs[0], inputs[1], inputs[2])

	case opType == graph.OpTypeConvert:
		x, err := one()
		if err != nil {
			return nil, err
		}
		if nb.DType == nil {
			return nil, errors.Errorf("convert requires a dtype attribute")
		}
		s, err := graph.ParseShape(*nb.DType)
		if err != nil {
			return nil, err
		}
		return g.Convert(x, s.DType)

	case opType == graph.OpTypeCopy:
		x, err := one()
		if err != nil {
			return nil, err
		}
		return g.Copy(x, nb.Layout...)

	case opType == graph.OpTypeReshape:
		x, err := one()
		if err != nil {
			return nil, err
		}
		if nb.Shape != nil {
			s, err := graph.ParseShape(*nb.Shape)
			if err != nil {
				return nil, err
			}
			return g.ReshapeToShape(x, s)
		}
		return g.Reshape(x, nb.Dims...)

	case opType == graph.OpTypeTranspose:
		x, err := one()
		if err != nil {
			return nil, err
		}
		return g.Transpose(x, nb.Permutation...)

	case opType == graph.OpTypeBroadcast:
		x, err := one()
		if err != nil {
			return nil, err
		}
		return g.Broadcast(x, nb.OutputDims, nb.Axes)

	case opType == graph.OpTypeSlice:
		x, err := one()
		if err != nil {
			return nil, err
		}
		return g.Slice(x, nb.Starts, nb.Limits)

	case opType == graph.OpTypeDynamicSlice:
		if len(inputs) < 2 {
			return nil, errors.Errorf("DynamicSlice takes the operand plus one start per axis")
		}
		return g.DynamicSlice(inputs[0], inputs[1:], nb.Sizes)

	case opType == graph.OpTypeConcatenate:
		if nb.Axis == nil {
			return nil, errors.Errorf("concatenate requires an axis attribute")
		}
		return g.Concatenate(*nb.Axis, inputs...)

	case opType == graph.OpTypeDot:
		if len(inputs) != 2 {
			return nil, errors.Errorf("dot takes 2 inputs, got %d", len(inputs))
		}
		return g.Dot(inputs[0], inputs[1], graph.DotDimensionNumbers{
			LhsContractingAxes: nb.LhsContracting,
			RhsContractingAxes: nb.RhsContracting,
			LhsBatchAxes:       nb.LhsBatch,
			RhsBatchAxes:       nb.RhsBatch,
		})
	}
	return nil, errors.Errorf("%s nodes cannot be declared in a graph file", opType)
}

func requireShape(nb *nodeBlock) (graph.Shape, error) {
	if nb.Shape == nil {
		return graph.Shape{}, errors.Errorf("%s requires a shape attribute", nb.Op)
	}
	return graph.ParseShape(*nb.Shape)
}

// constantValue converts an HCL literal to the Go value matching the dtype.
// Constants may omit the value; the planner only looks at shapes.
func constantValue(dtype dtypes.DType, v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if dtype == dtypes.Bool {
		b, err := convert.Convert(v, cty.Bool)
		if err != nil {
			return nil, errors.Wrapf(err, "constant value %#v is not a bool", v)
		}
		return b.True(), nil
	}
	num, err := convert.Convert(v, cty.Number)
	if err != nil {
		return nil, errors.Wrapf(err, "constant value %#v is not a number", v)
	}
	f := num.AsBigFloat()
	switch dtype {
	case dtypes.Float16:
		f32, _ := f.Float32()
		return float16.Fromfloat32(f32), nil
	case dtypes.BFloat16, dtypes.Float32:
		f32, _ := f.Float32()
		return f32, nil
	case dtypes.Float64:
		f64, _ := f.Float64()
		return f64, nil
	default:
		i, acc := f.Int64()
		if acc != big.Exact {
			return nil, errors.Errorf("constant value %s is not an integer, dtype is %s", f, dtype)
		}
		return i, nil
	}
}
