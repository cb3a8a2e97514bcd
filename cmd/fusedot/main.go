// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fusedot plans GEMM fusions for tensor graphs stored in HCL files.
//
//	fusedot plan model.hcl
//
// It loads every graph in the file, runs the fusion rewriter, and prints one
// table per fused dot describing the leaf tensors of each scope and how the
// dot's logical dimensions traverse them. With --show-buffer it also records
// the launches into a command buffer and prints it.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dotfusion/cmdbuf"
	"github.com/gomlx/dotfusion/fusion"
	"github.com/gomlx/dotfusion/graph"
	"github.com/gomlx/dotfusion/hclgraph"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagMaxParams  int
	flagNoColor    bool
	flagShowBuffer bool
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func main() {
	klog.InitFlags(nil)

	rootCmd := &cobra.Command{
		Use:           "fusedot",
		Short:         "fusedot plans GEMM fusions for tensor graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false,
		"Disable colors and styling in the output.")

	planCmd := &cobra.Command{
		Use:   "plan <graph.hcl>",
		Short: "Run the fusion rewriter over the graphs in an HCL file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	planCmd.Flags().IntVar(&flagMaxParams, "max-parameters-per-scope", fusion.DefaultMaxParametersPerScope,
		"Leaf budget per fusion scope; larger values absorb more of the graph into each kernel.")
	planCmd.Flags().BoolVar(&flagShowBuffer, "show-buffer", false,
		"Record the planned launches into a command buffer and print it.")
	rootCmd.AddCommand(planCmd)

	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	if flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	graphs, err := hclgraph.LoadFile(args[0])
	if err != nil {
		return err
	}
	for _, g := range graphs {
		if err := planGraph(g); err != nil {
			return err
		}
	}
	return nil
}

func planGraph(g *graph.Graph) error {
	rewriter := fusion.NewRewriter(fusion.Config{MaxParametersPerScope: flagMaxParams})
	changed, err := rewriter.Run(g)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Graph %q", g.Name())))
	if !changed {
		fmt.Println("  no fusible dots")
		return nil
	}

	var calls []*graph.Node
	for _, n := range g.Nodes() {
		if n.OpType() == graph.OpTypeFusedCall && n.FusedKind() == graph.KindGemmFusion {
			calls = append(calls, n)
		}
	}
	for _, call := range calls {
		if err := printFusion(call); err != nil {
			return err
		}
	}

	if flagShowBuffer {
		buffer, err := recordCommandBuffer(calls)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("Command buffer"))
		fmt.Println(buffer)
	}
	return nil
}

func newPlanTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 1:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func printFusion(call *graph.Node) error {
	analysis, err := fusion.Execute(call.FusedRegion())
	if err != nil {
		return err
	}
	fmt.Printf("\n%s: %s, %s output\n", call.Name(), call.Shape(),
		humanize.Bytes(uint64(call.Shape().Memory())))

	table := newPlanTable()
	table.Row("Scope", "Leaf", "Shape", "Bytes", "Iteration")
	for _, scope := range []fusion.Scope{fusion.ScopeLHS, fusion.ScopeRHS, fusion.ScopeOutput} {
		for _, leaf := range analysis.ScopeParameters(scope) {
			table.Row(scope.String(), leaf.Name(), leaf.Shape().String(),
				humanize.Bytes(uint64(leaf.Shape().Memory())),
				iterationColumn(analysis, scope, leaf))
		}
	}
	fmt.Println(table.Render())
	return nil
}

// iterationColumn renders the leaf's per-logical-dimension specs, skipping the
// dimensions the leaf does not vary along.
func iterationColumn(analysis *fusion.Analysis, scope fusion.Scope, leaf *graph.Node) string {
	rank := logicalRank(analysis, scope)
	var parts []string
	for dim := 0; dim < rank; dim++ {
		spec := analysis.IterSpec(scope, leaf, dim)
		if spec == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("d%d: %s", dim, spec))
	}
	if len(parts) == 0 {
		return "constant over all dims"
	}
	return strings.Join(parts, "  ")
}

func logicalRank(analysis *fusion.Analysis, scope fusion.Scope) int {
	dot := analysis.Dot()
	if dot == nil {
		return analysis.Root().Shape().Rank()
	}
	switch scope {
	case fusion.ScopeLHS, fusion.ScopeRHS:
		return dot.Input(int(scope)).Shape().Rank()
	default:
		return dot.Shape().Rank()
	}
}

const blockSize = 128

// recordCommandBuffer plays the planned fusions into a finalized primary
// buffer, one kernel launch per fused call, with one device allocation per
// distinct tensor.
func recordCommandBuffer(calls []*graph.Node) (*cmdbuf.CommandBuffer, error) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	memory := make(map[*graph.Node]cmdbuf.DeviceMemory)
	alloc := func(n *graph.Node) cmdbuf.DeviceMemory {
		m, ok := memory[n]
		if !ok {
			m = cmdbuf.NewDeviceMemory(n.Shape().Memory())
			memory[n] = m
		}
		return m
	}

	for _, call := range calls {
		args := make([]cmdbuf.DeviceMemory, 0, call.NumInputs()+1)
		for _, operand := range call.Inputs() {
			args = append(args, alloc(operand))
		}
		if indices, _, err := fusion.BindArguments(call); err == nil {
			klog.V(1).Infof("%s binds lhs=%d rhs=%d out=%d", call.Name(), indices.Lhs, indices.Rhs, indices.Out)
		}
		args = append(args, alloc(call))

		elements := uint64(call.Shape().Size())
		grid := cmdbuf.Dims{X: (elements + blockSize - 1) / blockSize}
		block := cmdbuf.Dims{X: blockSize}
		if err := cb.Launch(call.FusedRegion().Name(), grid, block, args...); err != nil {
			return nil, err
		}
	}
	must.M(cb.Finalize())
	return cb, nil
}
