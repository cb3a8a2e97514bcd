// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cmdbuf records reusable sequences of device operations.
//
// A CommandBuffer is built once in the Create state, finalized, and then
// launched many times; a finalized primary buffer can be re-opened with Update
// to patch the recorded commands in place (same structure, new arguments)
// without paying the construction cost again. This is a host-side recording
// model: it captures what would be submitted to a device, it does not talk to
// one.
package cmdbuf

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Mode distinguishes top-level buffers from the nested ones recorded inside
// conditional and loop commands.
type Mode int

const (
	// ModePrimary buffers are submitted directly and support Update.
	ModePrimary Mode = iota
	// ModeNested buffers only exist as children of another buffer.
	ModeNested
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "Primary"
	case ModeNested:
		return "Nested"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// State is the lifecycle phase of a CommandBuffer. Commands can be recorded in
// Create and Update; a Finalized buffer is immutable until re-opened with
// Update.
type State int

//go:generate go tool enumer -type=State -trimprefix=State -output=gen_state_enumer.go cmdbuf.go

const (
	StateCreate State = iota
	StateUpdate
	StateFinalized
)

// DeviceMemory identifies one device allocation. Identity, not contents: two
// values compare equal only when they refer to the same allocation.
type DeviceMemory struct {
	id   uuid.UUID
	size uintptr
}

// NewDeviceMemory allocates a fresh identity for a buffer of the given size.
func NewDeviceMemory(size uintptr) DeviceMemory {
	return DeviceMemory{id: uuid.New(), size: size}
}

// Size returns the allocation size in bytes.
func (m DeviceMemory) Size() uintptr { return m.size }

// IsZero reports whether m is the zero value, i.e. no allocation.
func (m DeviceMemory) IsZero() bool { return m.id == uuid.Nil }

func (m DeviceMemory) String() string {
	return fmt.Sprintf("mem:%s[%d]", m.id.String()[:8], m.size)
}

// Dims is a 3-dimensional launch extent. Zero components count as 1.
type Dims struct {
	X, Y, Z uint64
}

func (d Dims) withDefaults() Dims {
	if d.X == 0 {
		d.X = 1
	}
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

func (d Dims) String() string { return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z) }

// Command is one recorded device operation. It is a closed set: Launch,
// Memcpy, Child, If, Case and For.
type Command interface {
	fmt.Stringer

	// kind discriminates command types during in-place updates.
	kind() string
}

// LaunchCommand runs a kernel over a grid of thread blocks.
type LaunchCommand struct {
	Kernel string
	Grid   Dims
	Block  Dims
	Args   []DeviceMemory
}

func (LaunchCommand) kind() string { return "launch" }

func (c LaunchCommand) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("launch %s grid=%s block=%s args=[%s]", c.Kernel, c.Grid, c.Block, strings.Join(args, ", "))
}

// MemcpyCommand copies bytes between two device allocations.
type MemcpyCommand struct {
	Dst, Src DeviceMemory
	NumBytes uintptr
}

func (MemcpyCommand) kind() string { return "memcpy" }

func (c MemcpyCommand) String() string {
	return fmt.Sprintf("memcpy %s <- %s (%d bytes)", c.Dst, c.Src, c.NumBytes)
}

// ChildCommand executes a finalized nested command buffer.
type ChildCommand struct {
	Child *CommandBuffer
}

func (ChildCommand) kind() string { return "child" }

func (c ChildCommand) String() string {
	return fmt.Sprintf("child %s (%d commands)", c.Child.id.String()[:8], len(c.Child.commands))
}

// IfCommand executes Then when the predicate buffer holds true, and Else, when
// present, otherwise.
type IfCommand struct {
	Pred DeviceMemory
	Then *CommandBuffer
	Else *CommandBuffer
}

func (IfCommand) kind() string { return "if" }

func (c IfCommand) String() string {
	if c.Else == nil {
		return fmt.Sprintf("if %s then(%d commands)", c.Pred, len(c.Then.commands))
	}
	return fmt.Sprintf("if %s then(%d commands) else(%d commands)", c.Pred, len(c.Then.commands), len(c.Else.commands))
}

// CaseCommand executes the branch selected by the index buffer. An out of
// range index selects the last branch.
type CaseCommand struct {
	Index    DeviceMemory
	Branches []*CommandBuffer
}

func (CaseCommand) kind() string { return "case" }

func (c CaseCommand) String() string {
	return fmt.Sprintf("case %s with %d branches", c.Index, len(c.Branches))
}

// ForCommand executes the body a fixed number of times, incrementing the
// counter buffer each iteration.
type ForCommand struct {
	NumIterations int32
	Counter       DeviceMemory
	Body          *CommandBuffer
}

func (ForCommand) kind() string { return "for" }

func (c ForCommand) String() string {
	return fmt.Sprintf("for %d iterations body(%d commands)", c.NumIterations, len(c.Body.commands))
}

// Builder populates a nested command buffer for a conditional or loop body.
type Builder func(*CommandBuffer) error

// CommandBuffer is an ordered sequence of commands with a Create, Finalize,
// Update lifecycle. Not safe for concurrent use.
type CommandBuffer struct {
	id    uuid.UUID
	mode  Mode
	state State

	commands []Command

	// updateIdx is the next command to be overwritten while in StateUpdate.
	updateIdx int
}

// New returns an empty command buffer in the Create state.
func New(mode Mode) *CommandBuffer {
	return &CommandBuffer{id: uuid.New(), mode: mode}
}

// Mode returns whether the buffer is primary or nested.
func (cb *CommandBuffer) Mode() Mode { return cb.mode }

// State returns the buffer's lifecycle state.
func (cb *CommandBuffer) State() State { return cb.state }

// Commands returns the recorded commands in submission order.
func (cb *CommandBuffer) Commands() []Command { return cb.commands }

func (cb *CommandBuffer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s command buffer %s (%s):\n", cb.mode, cb.id.String()[:8], cb.state)
	for i, cmd := range cb.commands {
		fmt.Fprintf(&sb, "  %3d: %s\n", i, cmd)
	}
	return sb.String()
}

// record appends cmd, or in the Update state overwrites the command at the
// update cursor, which must be of the same kind: updates patch arguments, they
// never change the buffer's structure.
func (cb *CommandBuffer) record(cmd Command) error {
	switch cb.state {
	case StateCreate:
		cb.commands = append(cb.commands, cmd)
		return nil
	case StateUpdate:
		if cb.updateIdx >= len(cb.commands) {
			return errors.Errorf("command buffer %s: update records %d commands, finalized with %d",
				cb.id, cb.updateIdx+1, len(cb.commands))
		}
		if prev := cb.commands[cb.updateIdx]; prev.kind() != cmd.kind() {
			return errors.Errorf("command buffer %s: update command %d is %q, was recorded as %q",
				cb.id, cb.updateIdx, cmd.kind(), prev.kind())
		}
		cb.commands[cb.updateIdx] = cmd
		cb.updateIdx++
		return nil
	default:
		return errors.Errorf("command buffer %s is %s, recording requires %s or %s",
			cb.id, cb.state, StateCreate, StateUpdate)
	}
}

// Launch records a kernel launch.
func (cb *CommandBuffer) Launch(kernel string, grid, block Dims, args ...DeviceMemory) error {
	if kernel == "" {
		return errors.Errorf("command buffer %s: Launch requires a kernel name", cb.id)
	}
	for i, a := range args {
		if a.IsZero() {
			return errors.Errorf("command buffer %s: Launch %q argument %d is unallocated", cb.id, kernel, i)
		}
	}
	return cb.record(LaunchCommand{Kernel: kernel, Grid: grid.withDefaults(), Block: block.withDefaults(), Args: args})
}

// MemcpyDeviceToDevice records a device-to-device copy of numBytes.
func (cb *CommandBuffer) MemcpyDeviceToDevice(dst, src DeviceMemory, numBytes uintptr) error {
	if dst.IsZero() || src.IsZero() {
		return errors.Errorf("command buffer %s: Memcpy requires allocated buffers", cb.id)
	}
	if numBytes > dst.Size() || numBytes > src.Size() {
		return errors.Errorf("command buffer %s: Memcpy of %d bytes overflows dst %s or src %s",
			cb.id, numBytes, dst, src)
	}
	return cb.record(MemcpyCommand{Dst: dst, Src: src, NumBytes: numBytes})
}

// AddNestedCommandBuffer records the execution of an already finalized nested
// buffer.
func (cb *CommandBuffer) AddNestedCommandBuffer(nested *CommandBuffer) error {
	if nested.mode != ModeNested {
		return errors.Errorf("command buffer %s: %s buffer %s cannot be nested", cb.id, nested.mode, nested.id)
	}
	if nested.state != StateFinalized {
		return errors.Errorf("command buffer %s: nested buffer %s is %s, must be finalized first",
			cb.id, nested.id, nested.state)
	}
	return cb.record(ChildCommand{Child: nested})
}

// buildNested runs the builder on a fresh nested buffer and finalizes it.
func (cb *CommandBuffer) buildNested(build Builder) (*CommandBuffer, error) {
	nested := New(ModeNested)
	if err := build(nested); err != nil {
		return nil, errors.WithMessagef(err, "command buffer %s: building nested buffer", cb.id)
	}
	if err := nested.Finalize(); err != nil {
		return nil, err
	}
	return nested, nil
}

// If records a conditional that executes then when pred holds true.
func (cb *CommandBuffer) If(pred DeviceMemory, then Builder) error {
	thenCB, err := cb.buildNested(then)
	if err != nil {
		return err
	}
	return cb.record(IfCommand{Pred: pred, Then: thenCB})
}

// IfElse records a two-way conditional.
func (cb *CommandBuffer) IfElse(pred DeviceMemory, then, otherwise Builder) error {
	thenCB, err := cb.buildNested(then)
	if err != nil {
		return err
	}
	elseCB, err := cb.buildNested(otherwise)
	if err != nil {
		return err
	}
	return cb.record(IfCommand{Pred: pred, Then: thenCB, Else: elseCB})
}

// Case records an n-way branch selected by the index buffer.
func (cb *CommandBuffer) Case(index DeviceMemory, branches ...Builder) error {
	if len(branches) == 0 {
		return errors.Errorf("command buffer %s: Case requires at least one branch", cb.id)
	}
	built := make([]*CommandBuffer, len(branches))
	for i, branch := range branches {
		b, err := cb.buildNested(branch)
		if err != nil {
			return err
		}
		built[i] = b
	}
	return cb.record(CaseCommand{Index: index, Branches: built})
}

// For records a counted loop: the body runs numIterations times with the
// counter buffer incremented each pass.
func (cb *CommandBuffer) For(numIterations int32, counter DeviceMemory, body Builder) error {
	if numIterations < 0 {
		return errors.Errorf("command buffer %s: For requires a non-negative iteration count, got %d",
			cb.id, numIterations)
	}
	bodyCB, err := cb.buildNested(body)
	if err != nil {
		return err
	}
	return cb.record(ForCommand{NumIterations: numIterations, Counter: counter, Body: bodyCB})
}

// Finalize closes the buffer for recording. From Update it additionally checks
// that every recorded command was re-recorded.
func (cb *CommandBuffer) Finalize() error {
	switch cb.state {
	case StateCreate:
		cb.state = StateFinalized
		return nil
	case StateUpdate:
		if cb.updateIdx != len(cb.commands) {
			return errors.Errorf("command buffer %s: update re-recorded %d of %d commands",
				cb.id, cb.updateIdx, len(cb.commands))
		}
		cb.state = StateFinalized
		return nil
	default:
		return errors.Errorf("command buffer %s is already %s", cb.id, cb.state)
	}
}

// Update re-opens a finalized primary buffer so its commands can be recorded
// again in place.
func (cb *CommandBuffer) Update() error {
	if cb.mode != ModePrimary {
		return errors.Errorf("command buffer %s is %s, only primary buffers can be updated", cb.id, cb.mode)
	}
	if cb.state != StateFinalized {
		return errors.Errorf("command buffer %s is %s, only finalized buffers can be updated", cb.id, cb.state)
	}
	cb.state = StateUpdate
	cb.updateIdx = 0
	return nil
}
