// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package state models the machine-state checkpoints which an ahead-of-time
// compiler records at safepoints of the generated code, the diffs between
// consecutive checkpoints, and the per-function and per-module maps which
// locate a checkpoint for a given code offset.
//
// Everything here is produced once by the compiler, serialized, and
// thereafter only decoded and read.  Decoded structures are never mutated, so
// concurrent read-only use needs no locking.
package state

import (
	"sort"

	"github.com/arautava/stackimage/wire"
)

// MachineState is a fully-materialized snapshot of the machine at one
// safepoint.  Stack and register sequences use position as identity.
type MachineState struct {
	StackValues    []MachineValue
	RegisterValues []MachineValue

	// PrevFrame maps frame-slot keys to the caller's values preserved in
	// this function's frame.
	PrevFrame map[uint32]MachineValue

	WasmStack []WasmValue

	// PrivateDepth is the depth into WasmStack below which values are not
	// under the function's exclusive control.
	PrivateDepth uint32

	// WasmInstOffset is the absolute wasm instruction offset of the
	// safepoint.
	WasmInstOffset uint64
}

func (s *MachineState) clone() MachineState {
	c := MachineState{
		StackValues:    append([]MachineValue(nil), s.StackValues...),
		RegisterValues: append([]MachineValue(nil), s.RegisterValues...),
		WasmStack:      append([]WasmValue(nil), s.WasmStack...),
		PrivateDepth:   s.PrivateDepth,
		WasmInstOffset: s.WasmInstOffset,
	}

	c.PrevFrame = make(map[uint32]MachineValue, len(s.PrevFrame))
	for k, v := range s.PrevFrame {
		c.PrevFrame[k] = v
	}
	return c
}

func (s *MachineState) encode(w *wire.Writer) {
	encodeValues(w, s.StackValues)
	encodeValues(w, s.RegisterValues)
	encodeFrameValues(w, s.PrevFrame)
	encodeWasmValues(w, s.WasmStack)
	w.Uint32(s.PrivateDepth)
	w.Uint64(s.WasmInstOffset)
}

func decodeMachineState(r *wire.Reader) (s MachineState, err error) {
	if s.StackValues, err = decodeValues(r); err != nil {
		return
	}
	if s.RegisterValues, err = decodeValues(r); err != nil {
		return
	}
	if s.PrevFrame, err = decodeFrameValues(r); err != nil {
		return
	}
	if s.WasmStack, err = decodeWasmValues(r); err != nil {
		return
	}
	if s.PrivateDepth, err = r.Uint32(); err != nil {
		return
	}
	s.WasmInstOffset, err = r.Uint64()
	return
}

// encodeFrameValues writes a frame-slot mapping in ascending key order, so
// that the output is independent of map iteration order.
func encodeFrameValues(w *wire.Writer, m map[uint32]MachineValue) {
	keys := sortedFrameKeys(m)

	w.Count(len(keys))
	for _, k := range keys {
		w.Uint32(k)
		m[k].encode(w)
	}
}

func decodeFrameValues(r *wire.Reader) (map[uint32]MachineValue, error) {
	n, err := r.Count(5)
	if err != nil || n == 0 {
		return nil, err
	}

	m := make(map[uint32]MachineValue, n)
	for i := 0; i < n; i++ {
		k, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if m[k], err = decodeMachineValue(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func sortedFrameKeys(m map[uint32]MachineValue) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// RegChange overrides one register's value.
type RegChange struct {
	Reg   RegisterIndex
	Value MachineValue
}

// StateDiff is an incremental change from a predecessor checkpoint.  Last
// names the predecessor diff within the same chain; -1 means the predecessor
// is the function's baseline state.
//
// PrivateDepth and WasmInstOffset are absolute values, not deltas: applying a
// diff overwrites them.
type StateDiff struct {
	Last int32

	StackPush []MachineValue
	StackPop  uint32

	RegDiff []RegChange

	// PrevFrameDiff entries with a nil value remove the key.
	PrevFrameDiff map[uint32]MachineValue

	WasmStackPush []WasmValue
	WasmStackPop  uint32

	PrivateDepth   uint32
	WasmInstOffset uint64
}

// apply mutates s in place.  s must be a private copy.
func (d *StateDiff) apply(s *MachineState) error {
	s.StackValues = append(s.StackValues, d.StackPush...)
	if int(d.StackPop) > len(s.StackValues) {
		return &ChainError{"stack pop count exceeds stack depth"}
	}
	s.StackValues = s.StackValues[:len(s.StackValues)-int(d.StackPop)]

	for _, c := range d.RegDiff {
		if int(c.Reg) >= len(s.RegisterValues) {
			return &ChainError{"register override out of range"}
		}
		s.RegisterValues[c.Reg] = c.Value
	}

	for k, v := range d.PrevFrameDiff {
		if v == nil {
			delete(s.PrevFrame, k)
		} else {
			s.PrevFrame[k] = v
		}
	}

	s.WasmStack = append(s.WasmStack, d.WasmStackPush...)
	if int(d.WasmStackPop) > len(s.WasmStack) {
		return &ChainError{"wasm stack pop count exceeds stack depth"}
	}
	s.WasmStack = s.WasmStack[:len(s.WasmStack)-int(d.WasmStackPop)]

	s.PrivateDepth = d.PrivateDepth
	s.WasmInstOffset = d.WasmInstOffset
	return nil
}

func (d *StateDiff) encode(w *wire.Writer) {
	if d.Last >= 0 {
		w.Byte(1)
		w.Uint32(uint32(d.Last))
	} else {
		w.Byte(0)
	}

	encodeValues(w, d.StackPush)
	w.Uint32(d.StackPop)

	w.Count(len(d.RegDiff))
	for _, c := range d.RegDiff {
		w.Uint16(uint16(c.Reg))
		c.Value.encode(w)
	}

	encodeFrameDiff(w, d.PrevFrameDiff)

	encodeWasmValues(w, d.WasmStackPush)
	w.Uint32(d.WasmStackPop)
	w.Uint32(d.PrivateDepth)
	w.Uint64(d.WasmInstOffset)
}

// decodeStateDiff decodes the diff at position index of its chain.  A Last
// reference at or beyond index would permit forward references and cycles, so
// it is rejected here; reconstruction can then assume the references are
// strictly decreasing.
func decodeStateDiff(r *wire.Reader, index int) (d StateDiff, err error) {
	present, err := r.Bool()
	if err != nil {
		return
	}
	d.Last = -1
	if present {
		last, err2 := r.Uint32()
		if err2 != nil {
			return d, err2
		}
		if int64(last) >= int64(index) {
			return d, &ChainError{"diff back-reference is not strictly decreasing"}
		}
		d.Last = int32(last)
	}

	if d.StackPush, err = decodeValues(r); err != nil {
		return
	}
	if d.StackPop, err = r.Uint32(); err != nil {
		return
	}

	n, err := r.Count(3)
	if err != nil {
		return
	}
	if n > 0 {
		d.RegDiff = make([]RegChange, n)
	}
	for i := range d.RegDiff {
		reg, err2 := r.Uint16()
		if err2 != nil {
			return d, err2
		}
		value, err2 := decodeMachineValue(r)
		if err2 != nil {
			return d, err2
		}
		d.RegDiff[i] = RegChange{RegisterIndex(reg), value}
	}

	if d.PrevFrameDiff, err = decodeFrameDiff(r); err != nil {
		return
	}

	if d.WasmStackPush, err = decodeWasmValues(r); err != nil {
		return
	}
	if d.WasmStackPop, err = r.Uint32(); err != nil {
		return
	}
	if d.PrivateDepth, err = r.Uint32(); err != nil {
		return
	}
	d.WasmInstOffset, err = r.Uint64()
	return
}

// encodeFrameDiff writes set/remove entries in ascending key order.  A nil
// value encodes a removal tombstone.
func encodeFrameDiff(w *wire.Writer, m map[uint32]MachineValue) {
	keys := sortedFrameKeys(m)

	w.Count(len(keys))
	for _, k := range keys {
		w.Uint32(k)
		if v := m[k]; v != nil {
			w.Byte(1)
			v.encode(w)
		} else {
			w.Byte(0)
		}
	}
}

func decodeFrameDiff(r *wire.Reader) (map[uint32]MachineValue, error) {
	n, err := r.Count(5)
	if err != nil || n == 0 {
		return nil, err
	}

	m := make(map[uint32]MachineValue, n)
	for i := 0; i < n; i++ {
		k, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		present, err := r.Bool()
		if err != nil {
			return nil, err
		}
		if present {
			if m[k], err = decodeMachineValue(r); err != nil {
				return nil, err
			}
		} else {
			m[k] = nil
		}
	}
	return m, nil
}
