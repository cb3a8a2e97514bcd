// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cmdbuf_test

import (
	"testing"

	"github.com/gomlx/dotfusion/cmdbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	assert.Equal(t, cmdbuf.StateCreate, cb.State())

	a := cmdbuf.NewDeviceMemory(1024)
	b := cmdbuf.NewDeviceMemory(1024)
	require.NoError(t, cb.Launch("gemm", cmdbuf.Dims{X: 8}, cmdbuf.Dims{X: 128}, a, b))
	require.NoError(t, cb.MemcpyDeviceToDevice(b, a, 512))
	require.NoError(t, cb.Finalize())
	assert.Equal(t, cmdbuf.StateFinalized, cb.State())
	assert.Len(t, cb.Commands(), 2)

	err := cb.Launch("gemm", cmdbuf.Dims{}, cmdbuf.Dims{}, a)
	require.Error(t, err, "finalized buffers reject new commands")
	assert.Contains(t, err.Error(), "Finalized")

	require.Error(t, cb.Finalize(), "double finalize")
}

func TestUpdateReplacesInPlace(t *testing.T) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	a := cmdbuf.NewDeviceMemory(1024)
	b := cmdbuf.NewDeviceMemory(1024)
	require.NoError(t, cb.Launch("gemm", cmdbuf.Dims{X: 8}, cmdbuf.Dims{X: 128}, a, b))
	require.NoError(t, cb.Finalize())

	require.NoError(t, cb.Update())
	assert.Equal(t, cmdbuf.StateUpdate, cb.State())

	c := cmdbuf.NewDeviceMemory(1024)
	require.NoError(t, cb.Launch("gemm", cmdbuf.Dims{X: 8}, cmdbuf.Dims{X: 128}, a, c))
	require.NoError(t, cb.Finalize())

	require.Len(t, cb.Commands(), 1, "the update must not grow the buffer")
	launch, ok := cb.Commands()[0].(cmdbuf.LaunchCommand)
	require.True(t, ok)
	assert.Equal(t, []cmdbuf.DeviceMemory{a, c}, launch.Args)
}

func TestUpdateRejectsStructuralChanges(t *testing.T) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	a := cmdbuf.NewDeviceMemory(64)
	b := cmdbuf.NewDeviceMemory(64)
	require.NoError(t, cb.Launch("gemm", cmdbuf.Dims{}, cmdbuf.Dims{}, a))
	require.NoError(t, cb.Finalize())
	require.NoError(t, cb.Update())

	err := cb.MemcpyDeviceToDevice(b, a, 64)
	require.Error(t, err, "a launch cannot become a memcpy")
	assert.Contains(t, err.Error(), `"memcpy"`)
}

func TestUpdateMustReRecordEverything(t *testing.T) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	a := cmdbuf.NewDeviceMemory(64)
	require.NoError(t, cb.Launch("gemm", cmdbuf.Dims{}, cmdbuf.Dims{}, a))
	require.NoError(t, cb.Launch("epilogue", cmdbuf.Dims{}, cmdbuf.Dims{}, a))
	require.NoError(t, cb.Finalize())
	require.NoError(t, cb.Update())

	require.NoError(t, cb.Launch("gemm", cmdbuf.Dims{}, cmdbuf.Dims{}, a))
	err := cb.Finalize()
	require.Error(t, err, "finalizing a partial update")
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestUpdateRequiresFinalizedPrimary(t *testing.T) {
	nested := cmdbuf.New(cmdbuf.ModeNested)
	require.NoError(t, nested.Finalize())
	require.Error(t, nested.Update(), "nested buffers cannot be updated")

	cb := cmdbuf.New(cmdbuf.ModePrimary)
	require.Error(t, cb.Update(), "cannot update before finalizing")
}

func TestNestedCommandBuffers(t *testing.T) {
	nested := cmdbuf.New(cmdbuf.ModeNested)
	a := cmdbuf.NewDeviceMemory(256)
	require.NoError(t, nested.Launch("gemm", cmdbuf.Dims{}, cmdbuf.Dims{}, a))

	cb := cmdbuf.New(cmdbuf.ModePrimary)
	require.Error(t, cb.AddNestedCommandBuffer(nested), "unfinalized children are rejected")
	require.NoError(t, nested.Finalize())
	require.NoError(t, cb.AddNestedCommandBuffer(nested))

	primaryChild := cmdbuf.New(cmdbuf.ModePrimary)
	require.NoError(t, primaryChild.Finalize())
	require.Error(t, cb.AddNestedCommandBuffer(primaryChild), "primary buffers cannot be nested")
}

func TestConditionals(t *testing.T) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	pred := cmdbuf.NewDeviceMemory(1)
	a := cmdbuf.NewDeviceMemory(64)

	launchGemm := func(nested *cmdbuf.CommandBuffer) error {
		return nested.Launch("gemm", cmdbuf.Dims{}, cmdbuf.Dims{}, a)
	}
	launchFallback := func(nested *cmdbuf.CommandBuffer) error {
		return nested.Launch("fallback", cmdbuf.Dims{}, cmdbuf.Dims{}, a)
	}

	require.NoError(t, cb.If(pred, launchGemm))
	require.NoError(t, cb.IfElse(pred, launchGemm, launchFallback))

	index := cmdbuf.NewDeviceMemory(4)
	require.NoError(t, cb.Case(index, launchGemm, launchFallback))
	require.Error(t, cb.Case(index), "a case needs branches")

	counter := cmdbuf.NewDeviceMemory(4)
	require.NoError(t, cb.For(3, counter, launchGemm))
	require.Error(t, cb.For(-1, counter, launchGemm))

	require.Len(t, cb.Commands(), 4)
	ifCmd := cb.Commands()[0].(cmdbuf.IfCommand)
	assert.Nil(t, ifCmd.Else)
	assert.Equal(t, cmdbuf.StateFinalized, ifCmd.Then.State())
	assert.Equal(t, cmdbuf.ModeNested, ifCmd.Then.Mode())

	ifElseCmd := cb.Commands()[1].(cmdbuf.IfCommand)
	require.NotNil(t, ifElseCmd.Else)
	assert.Len(t, ifElseCmd.Else.Commands(), 1)

	caseCmd := cb.Commands()[2].(cmdbuf.CaseCommand)
	assert.Len(t, caseCmd.Branches, 2)

	forCmd := cb.Commands()[3].(cmdbuf.ForCommand)
	assert.Equal(t, int32(3), forCmd.NumIterations)
}

func TestMemcpyBounds(t *testing.T) {
	cb := cmdbuf.New(cmdbuf.ModePrimary)
	small := cmdbuf.NewDeviceMemory(16)
	big := cmdbuf.NewDeviceMemory(64)
	require.Error(t, cb.MemcpyDeviceToDevice(small, big, 64), "copy overflows the destination")
	require.NoError(t, cb.MemcpyDeviceToDevice(big, small, 16))
	require.Error(t, cb.MemcpyDeviceToDevice(big, cmdbuf.DeviceMemory{}, 1), "unallocated source")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "Create", cmdbuf.StateCreate.String())
	assert.Equal(t, "Update", cmdbuf.StateUpdate.String())
	assert.Equal(t, "Finalized", cmdbuf.StateFinalized.String())
	state, err := cmdbuf.StateString("finalized")
	require.NoError(t, err)
	assert.Equal(t, cmdbuf.StateFinalized, state)
}

func TestDeviceMemoryIdentity(t *testing.T) {
	a := cmdbuf.NewDeviceMemory(64)
	b := cmdbuf.NewDeviceMemory(64)
	assert.NotEqual(t, a, b, "each allocation has its own identity")
	assert.False(t, a.IsZero())
	assert.True(t, cmdbuf.DeviceMemory{}.IsZero())
}
