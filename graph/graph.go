// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the dataflow graph the fusion planner operates on:
// an arena of immutable tensor-producing nodes forming a DAG.
//
// Nodes are created through the Graph's op-constructor methods, which validate
// operands and infer the output shape. Nodes are only created after their
// operands, so the arena order is a natural topological order of the DAG — the
// planner relies on this invariance.
//
// The only mutation the graph supports after construction is
// ReplaceWithFusedCall, which swaps a set of nodes for a single opaque call
// node carrying the fused region; everything else is read-only.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/dotfusion/types"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"slices"
)

// Graph is an arena of nodes forming a directed acyclic dataflow graph.
// All nodes are owned by the Graph and never outlive it.
type Graph struct {
	name string

	// nodes in creation order; a node's operands always precede it.
	nodes []*Node

	// parameters in declaration order; parameters are also present in nodes.
	parameters []*Node

	root *Node
}

// New creates an empty Graph with the given name.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Node in a computation Graph: an operation applied to the outputs of its
// input nodes, producing one output tensor. Immutable after creation.
type Node struct {
	id    int
	graph *Graph
	name  string

	opType OpType
	inputs []*Node
	shape  Shape

	// users is maintained by the graph as new nodes reference this one.
	users []*Node

	// dead is set when the node is replaced by a fused call.
	dead bool

	// data holds the attribute payload for the specific node type.
	data any
}

// Attribute payloads, one per op kind that needs extra fields. The propagation
// code retrieves them through the typed accessors below.
type parameterData struct {
	name     string
	inputIdx int
}
type constantData struct{ value any }
type transposeData struct{ permutation []int }
type broadcastData struct{ axes []int }
type sliceData struct{ starts, limits []int }
type dynamicSliceData struct{ sizes []int }
type concatenateData struct{ axis int }
type dotData struct{ dims DotDimensionNumbers }
type fusedCallData struct {
	kind   string
	region *Graph
}

// DotDimensionNumbers declares which axes of a Dot's operands are contracted
// and which are batch axes. All remaining axes are non-contracting.
type DotDimensionNumbers struct {
	LhsContractingAxes, LhsBatchAxes []int
	RhsContractingAxes, RhsBatchAxes []int
}

// ID returns the node's stable index in the owning graph's arena.
func (n *Node) ID() int { return n.id }

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// Name returns the node's name, unique within its graph.
func (n *Node) Name() string { return n.name }

// OpType of the node.
func (n *Node) OpType() OpType { return n.opType }

// Shape of the node's output tensor.
func (n *Node) Shape() Shape { return n.shape }

// NumInputs returns the number of operands.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the i-th operand node.
func (n *Node) Input(i int) *Node { return n.inputs[i] }

// Inputs returns the operand nodes. The returned slice must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// Users returns the live nodes that take this node as an operand.
func (n *Node) Users() []*Node {
	users := make([]*Node, 0, len(n.users))
	for _, u := range n.users {
		if !u.dead {
			users = append(users, u)
		}
	}
	return users
}

// IsDead reports whether the node was removed from the graph by a rewrite.
func (n *Node) IsDead() bool { return n.dead }

// ParameterName returns the name a Parameter node was declared with.
func (n *Node) ParameterName() string { return n.data.(*parameterData).name }

// ParameterIndex returns the position of a Parameter in the graph's inputs.
func (n *Node) ParameterIndex() int { return n.data.(*parameterData).inputIdx }

// ConstantValue returns the value a Constant node was created with (may be nil,
// the planner only needs its shape).
func (n *Node) ConstantValue() any { return n.data.(*constantData).value }

// Permutation returns a Transpose node's axes permutation: output axis d takes
// input axis Permutation()[d].
func (n *Node) Permutation() []int { return n.data.(*transposeData).permutation }

// BroadcastAxes maps each operand axis i of a Broadcast to output axis
// BroadcastAxes()[i]. Empty for a broadcast from a scalar.
func (n *Node) BroadcastAxes() []int { return n.data.(*broadcastData).axes }

// SliceStarts returns a Slice node's per-axis start offsets.
func (n *Node) SliceStarts() []int { return n.data.(*sliceData).starts }

// SliceLimits returns a Slice node's per-axis exclusive end offsets.
func (n *Node) SliceLimits() []int { return n.data.(*sliceData).limits }

// DynamicSliceSizes returns a DynamicSlice node's per-axis output sizes.
func (n *Node) DynamicSliceSizes() []int { return n.data.(*dynamicSliceData).sizes }

// ConcatenateAxis returns the axis along which a Concatenate joins its operands.
func (n *Node) ConcatenateAxis() int { return n.data.(*concatenateData).axis }

// DotDims returns a Dot node's dimension numbers.
func (n *Node) DotDims() DotDimensionNumbers { return n.data.(*dotData).dims }

// FusedKind returns the kind tag of a FusedCall node, e.g. KindGemmFusion.
func (n *Node) FusedKind() string { return n.data.(*fusedCallData).kind }

// FusedRegion returns the nested graph a FusedCall node computes.
func (n *Node) FusedRegion() *Graph { return n.data.(*fusedCallData).region }

func (n *Node) String() string {
	var args strings.Builder
	for i, input := range n.inputs {
		if i > 0 {
			args.WriteString(", ")
		}
		args.WriteString(input.name)
	}
	return fmt.Sprintf("%s = %s %s(%s)", n.name, n.shape, n.opType, args.String())
}

// newNode adds a node of the given opType and shape to the arena. It's used by
// the op constructors after they validated operands and inferred the shape.
func (g *Graph) newNode(opType OpType, shape Shape, data any, inputs ...*Node) *Node {
	for _, input := range inputs {
		if input.graph != g {
			exceptions.Panicf("graph %q: operand %q belongs to graph %q", g.name, input.name, input.graph.name)
		}
		if input.dead {
			exceptions.Panicf("graph %q: operand %q was removed by a rewrite", g.name, input.name)
		}
	}
	n := &Node{
		id:     len(g.nodes),
		graph:  g,
		opType: opType,
		shape:  shape,
		inputs: slices.Clone(inputs),
		data:   data,
	}
	n.name = fmt.Sprintf("%s.%d", strings.ToLower(opType.String()), n.id)
	g.nodes = append(g.nodes, n)
	for _, input := range inputs {
		input.users = append(input.users, n)
	}
	return n
}

// NumNodes returns the arena size, including dead nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given arena index.
func (g *Graph) Node(id int) *Node { return g.nodes[id] }

// Nodes returns the live nodes in topological (creation) order.
func (g *Graph) Nodes() []*Node {
	live := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if !n.dead {
			live = append(live, n)
		}
	}
	return live
}

// Parameters returns the graph's input nodes in declaration order.
func (g *Graph) Parameters() []*Node { return g.parameters }

// SetRoot declares the node whose value is the graph's result.
func (g *Graph) SetRoot(n *Node) {
	if n.graph != g {
		exceptions.Panicf("graph %q: SetRoot with node from graph %q", g.name, n.graph.name)
	}
	g.root = n
}

// Root returns the graph's result node. Defaults to the last live node created
// if SetRoot was never called.
func (g *Graph) Root() *Node {
	if g.root != nil {
		return g.root
	}
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if !g.nodes[i].dead {
			return g.nodes[i]
		}
	}
	return nil
}

// String lists the live nodes, one per line, parameters first.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s {\n", g.name)
	for _, n := range g.Nodes() {
		prefix := "  "
		if n == g.Root() {
			prefix = "  ROOT "
		}
		fmt.Fprintf(&sb, "%s%s\n", prefix, n)
	}
	sb.WriteString("}")
	return sb.String()
}

// ReplaceWithFusedCall replaces target (and whatever part of its producer
// subgraph becomes unreachable) with one opaque FusedCall node of the given
// kind, computing region over the given operands. It returns the call node.
//
// The region is a self-contained Graph whose parameters correspond one to one,
// in order, to operands. Consumers of target are rewired to the call node; any
// non-parameter node left without live users is marked dead.
func (g *Graph) ReplaceWithFusedCall(target *Node, kind string, region *Graph, operands []*Node) (*Node, error) {
	if target.graph != g {
		return nil, errors.Errorf("ReplaceWithFusedCall: target %q belongs to graph %q, not %q", target.name, target.graph.name, g.name)
	}
	if target.dead {
		return nil, errors.Errorf("ReplaceWithFusedCall: target %q is already dead", target.name)
	}
	if len(region.Parameters()) != len(operands) {
		return nil, errors.Errorf("ReplaceWithFusedCall: region %q has %d parameters, %d operands given",
			region.Name(), len(region.Parameters()), len(operands))
	}
	root := region.Root()
	if root == nil {
		return nil, errors.Errorf("ReplaceWithFusedCall: region %q is empty", region.Name())
	}
	if !root.Shape().EqualDimensions(target.Shape()) {
		return nil, errors.Errorf("ReplaceWithFusedCall: region root is %s, target is %s", root.Shape(), target.Shape())
	}
	call := g.newNode(OpTypeFusedCall, target.shape.Clone(), &fusedCallData{kind: kind, region: region}, operands...)

	// Rewire consumers of target to the call.
	for _, user := range target.users {
		if user.dead || user == call {
			continue
		}
		for i, input := range user.inputs {
			if input == target {
				user.inputs[i] = call
				call.users = append(call.users, user)
			}
		}
	}
	if g.root == target {
		g.root = call
	}
	target.dead = true

	// Sweep producers that just became unreachable. Parameters always stay.
	g.removeDeadProducers(target)
	return call, nil
}

func (g *Graph) removeDeadProducers(from *Node) {
	worklist := slices.Clone(from.inputs)
	for len(worklist) > 0 {
		n := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if n.dead || n.opType == OpTypeParameter || n == g.Root() {
			continue
		}
		if len(n.Users()) > 0 {
			continue
		}
		n.dead = true
		worklist = append(worklist, n.inputs...)
	}
}

// ReachableFrom returns the set of live nodes reachable from n through operand
// edges, including n itself.
func ReachableFrom(n *Node) types.Set[*Node] {
	reached := types.MakeSet[*Node]()
	worklist := []*Node{n}
	for len(worklist) > 0 {
		cur := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if cur.dead || reached.Has(cur) {
			continue
		}
		reached.Insert(cur)
		worklist = append(worklist, cur.inputs...)
	}
	return reached
}
