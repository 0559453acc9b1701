// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/arautava/stackimage/image"
	"github.com/arautava/stackimage/state"
	"github.com/arautava/stackimage/trap"
	"github.com/arautava/stackimage/wire"
)

func testImage() *image.Image {
	f := &state.FuncStateMap{
		Initial: state.MachineState{
			RegisterValues: []state.MachineValue{state.VMContext{}, state.Undefined{}},
		},
		Diffs: []state.StateDiff{
			{
				Last: -1,
				PrevFrameDiff: map[uint32]state.MachineValue{
					4: state.FrameSlot{Offset: -8},
				},
			},
		},
	}
	f.CallOffsets.Put(10, state.OffsetInfo{EndOffset: 50, DiffID: 0, ActivateOffset: 10})

	im := &image.Image{
		Code:             []byte{0x55, 0x48, 0x89, 0xe5, 0xc3},
		FunctionPointers: []uint64{0},
		FunctionOffsets:  []uint64{0},
		FuncImportCount:  2,
		StateMap: state.ModuleStateMap{
			Functions: map[uint32]*state.FuncStateMap{0: f},
			TotalSize: 50,
		},
	}
	im.ExceptionTable.Put(14, trap.MemoryOutOfBounds)
	im.ExceptionTable.Put(30, trap.Unreachable)
	return im
}

func TestRoundTrip(t *testing.T) {
	im := testImage()

	decoded, err := image.Decode(im.Encode())
	require.NoError(t, err)
	assert.Equal(t, im, decoded)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	buf := testImage().Encode()

	decoded, err := image.Decode(buf)
	require.NoError(t, err)

	for i := range buf {
		buf[i] = 0xff
	}
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}, decoded.Code)
}

// Encode a map with one function (baseline with two registers, one diff
// adding frame-slot 4, a call site covering [10, 50)), decode it, and query
// reconstruction inside and outside the covered range.
func TestEndToEnd(t *testing.T) {
	decoded, err := image.Decode(testImage().Encode())
	require.NoError(t, err)

	f, found := decoded.StateMap.FunctionByID(0)
	require.True(t, found)

	s, info, err := f.StateAtCall(20)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), info.ActivateOffset)

	assert.Equal(t, []state.MachineValue{state.VMContext{}, state.Undefined{}}, s.RegisterValues)
	assert.Equal(t, map[uint32]state.MachineValue{4: state.FrameSlot{Offset: -8}}, s.PrevFrame)

	_, _, err = f.StateAtCall(60)
	var oe *state.OffsetError
	require.ErrorAs(t, err, &oe)

	code, found := decoded.ExceptionTable.Lookup(14)
	require.True(t, found)
	assert.Equal(t, trap.MemoryOutOfBounds, code)
	_, found = decoded.ExceptionTable.Lookup(15)
	assert.False(t, found)
}

func TestEmptyImageRoundTrip(t *testing.T) {
	im := &image.Image{}

	decoded, err := image.Decode(im.Encode())
	require.NoError(t, err)
	assert.Equal(t, im, decoded)
}

func TestTruncatedAtEveryLength(t *testing.T) {
	buf := testImage().Encode()

	for n := 0; n < len(buf); n++ {
		_, err := image.Decode(buf[:n])
		require.Error(t, err, "length %d", n)
	}
}

func TestTruncatedError(t *testing.T) {
	buf := testImage().Encode()

	_, err := image.Decode(buf[:len(buf)-1])
	assert.True(t, xerrors.Is(err, wire.ErrTruncated), "error: %v", err)
}

func TestFunctionTableLengthMismatch(t *testing.T) {
	im := testImage()
	im.FunctionPointers = append(im.FunctionPointers, 64)

	_, err := image.Decode(im.Encode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "function pointers")
}

func TestSizeMismatchWarning(t *testing.T) {
	im := testImage()
	im.StateMap.TotalSize = 1000

	var warnings []error
	config := image.Config{Warn: func(err error) { warnings = append(warnings, err) }}

	_, err := config.Decode(im.Encode())
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	var sm *image.SizeMismatchError
	require.ErrorAs(t, warnings[0], &sm)
	assert.Equal(t, uint64(1000), sm.Recorded)
	assert.Equal(t, uint64(50), sm.Governed)
}

func TestSizeMismatchStrict(t *testing.T) {
	im := testImage()
	im.StateMap.TotalSize = 1000

	_, err := image.Config{StrictSize: true}.Decode(im.Encode())

	var sm *image.SizeMismatchError
	require.ErrorAs(t, err, &sm)
}

// Decoding must reject what it does not recognize rather than defaulting.
func TestCorruptDiscriminant(t *testing.T) {
	im := testImage()
	buf := im.Encode()

	// The exception table is the last field; its final byte is a trap code
	// discriminant.
	buf[len(buf)-1] = 99

	_, err := image.Decode(buf)
	var ve *wire.VariantError
	require.ErrorAs(t, err, &ve)
	assert.EqualValues(t, 99, ve.Tag)
}

func TestStepwiseReader(t *testing.T) {
	im := testImage()
	r := image.NewReader(im.Encode())

	code, err := r.Code()
	require.NoError(t, err)
	assert.Equal(t, im.Code, code)

	ptrs, err := r.FunctionPointers()
	require.NoError(t, err)
	assert.Equal(t, im.FunctionPointers, ptrs)

	offs, err := r.FunctionOffsets()
	require.NoError(t, err)
	assert.Equal(t, im.FunctionOffsets, offs)

	n, err := r.FuncImportCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	msm, err := r.StateMap()
	require.NoError(t, err)
	assert.Equal(t, im.StateMap, msm)

	table, err := r.ExceptionTable()
	require.NoError(t, err)
	assert.Equal(t, im.ExceptionTable, table)

	assert.Zero(t, r.Remaining())
}
