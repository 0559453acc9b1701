// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"sort"

	"github.com/arautava/stackimage/wire"
)

// SuspendKind classifies why a safepoint exists at a code offset.
type SuspendKind byte

const (
	SuspendLoop = SuspendKind(iota)
	SuspendCall
	SuspendTrappable

	numSuspendKinds
)

func (k SuspendKind) String() string {
	switch k {
	case SuspendLoop:
		return "loop"

	case SuspendCall:
		return "call"

	case SuspendTrappable:
		return "trappable"

	default:
		return "unknown suspend kind"
	}
}

// SuspendOffset is a classified code offset.
type SuspendOffset struct {
	Kind   SuspendKind
	Offset uint64
}

func (so SuspendOffset) encode(w *wire.Writer) {
	w.Byte(byte(so.Kind))
	w.Uint64(so.Offset)
}

func decodeSuspendOffset(r *wire.Reader) (so SuspendOffset, err error) {
	tag, err := r.Byte()
	if err != nil {
		return
	}
	if tag >= byte(numSuspendKinds) {
		return so, wire.UnknownVariant("suspend offset", tag)
	}
	so.Kind = SuspendKind(tag)
	so.Offset, err = r.Uint64()
	return
}

// OffsetInfo locates the checkpoint governing a half-open code range.
type OffsetInfo struct {
	// EndOffset is the exclusive upper bound of the governed range.
	EndOffset uint64

	// DiffID indexes the owning function's diff sequence.
	DiffID uint32

	// ActivateOffset is the offset within the governed range at which the
	// reconstructed state becomes valid.  Loop headers may be queried
	// below it; whether that matters is the caller's concern.
	ActivateOffset uint64
}

// OffsetEntry associates the start offset of a governed range with its info.
type OffsetEntry struct {
	Offset uint64
	Info   OffsetInfo
}

// OffsetIndex maps range start offsets to offset infos.  Entries are in
// ascending offset order with unique keys.
type OffsetIndex []OffsetEntry

// Put appends an entry.  Entries must be added in ascending offset order (the
// order the code generator encounters them).
func (x *OffsetIndex) Put(offset uint64, info OffsetInfo) {
	if n := len(*x); n > 0 && (*x)[n-1].Offset >= offset {
		panic("offset index entries are not in ascending order")
	}
	*x = append(*x, OffsetEntry{offset, info})
}

// Find returns the info of the range containing offset: the entry with the
// greatest key not above offset, provided that its EndOffset (an excluded
// bound) lies beyond offset.
func (x OffsetIndex) Find(offset uint64) (OffsetInfo, bool) {
	i := sort.Search(len(x), func(i int) bool {
		return x[i].Offset > offset
	})
	if i == 0 {
		return OffsetInfo{}, false
	}

	info := x[i-1].Info
	if offset >= info.EndOffset {
		return OffsetInfo{}, false
	}
	return info, true
}

func (x OffsetIndex) encode(w *wire.Writer) {
	w.Count(len(x))
	for _, e := range x {
		w.Uint64(e.Offset)
		w.Uint64(e.Info.EndOffset)
		w.Uint32(e.Info.DiffID)
		w.Uint64(e.Info.ActivateOffset)
	}
}

func decodeOffsetIndex(r *wire.Reader) (OffsetIndex, error) {
	n, err := r.Count(28)
	if err != nil || n == 0 {
		return nil, err
	}

	x := make(OffsetIndex, n)
	for i := range x {
		e := &x[i]
		if e.Offset, err = r.Uint64(); err != nil {
			return nil, err
		}
		if i > 0 && x[i-1].Offset >= e.Offset {
			return nil, &ChainError{"offset index keys are not strictly ascending"}
		}
		if e.Info.EndOffset, err = r.Uint64(); err != nil {
			return nil, err
		}
		if e.Info.DiffID, err = r.Uint32(); err != nil {
			return nil, err
		}
		if e.Info.ActivateOffset, err = r.Uint64(); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// FuncStateMap is the stack map of one compiled function: the baseline
// checkpoint, the diff sequence, and offset indexes locating the checkpoint
// for a given offset.
//
// LoopOffsets, CallOffsets and TrappableOffsets are keyed by machine-code
// offsets; WasmOffsetTargets is keyed by wasm instruction offsets.
type FuncStateMap struct {
	Initial     MachineState
	LocalFuncID uint32

	// Locals hold one abstract value per wasm local.
	Locals []WasmValue

	// ShadowSize is the number of scratch bytes reserved below the
	// checkpointed stack.
	ShadowSize uint32

	Diffs []StateDiff

	// HeaderTarget is the function's own entry safepoint, if any.
	HeaderTarget *SuspendOffset

	WasmOffsetTargets OffsetIndex
	LoopOffsets       OffsetIndex
	CallOffsets       OffsetIndex
	TrappableOffsets  OffsetIndex
}

// Reconstruct materializes the machine state at the given diff by replaying
// the back-reference chain from the baseline.  The walk is iterative, so an
// arbitrarily long chain cannot overflow the goroutine stack.
func (f *FuncStateMap) Reconstruct(diffID uint32) (MachineState, error) {
	chain := make([]int, 0, 16)

	for i := int64(diffID); i >= 0; {
		if i >= int64(len(f.Diffs)) {
			return MachineState{}, &ChainError{"diff reference out of range"}
		}

		chain = append(chain, int(i))

		last := int64(f.Diffs[i].Last)
		if last >= i {
			// A non-decreasing reference would make the walk loop.
			return MachineState{}, &ChainError{"diff back-reference is not strictly decreasing"}
		}
		i = last
	}

	s := f.Initial.clone()
	for i := len(chain) - 1; i >= 0; i-- {
		if err := f.Diffs[chain[i]].apply(&s); err != nil {
			return MachineState{}, err
		}
	}
	return s, nil
}

func (f *FuncStateMap) stateIn(x OffsetIndex, offset uint64) (MachineState, OffsetInfo, error) {
	info, found := x.Find(offset)
	if !found {
		return MachineState{}, OffsetInfo{}, &OffsetError{offset}
	}

	s, err := f.Reconstruct(info.DiffID)
	if err != nil {
		return MachineState{}, OffsetInfo{}, err
	}
	return s, info, nil
}

// StateAtLoop reconstructs the state at a loop-header code offset.
func (f *FuncStateMap) StateAtLoop(offset uint64) (MachineState, OffsetInfo, error) {
	return f.stateIn(f.LoopOffsets, offset)
}

// StateAtCall reconstructs the state at a call-site code offset.
func (f *FuncStateMap) StateAtCall(offset uint64) (MachineState, OffsetInfo, error) {
	return f.stateIn(f.CallOffsets, offset)
}

// StateAtTrappable reconstructs the state at a trap-capable code offset.
func (f *FuncStateMap) StateAtTrappable(offset uint64) (MachineState, OffsetInfo, error) {
	return f.stateIn(f.TrappableOffsets, offset)
}

// StateAtWasmOffset reconstructs the state at a wasm instruction offset.
func (f *FuncStateMap) StateAtWasmOffset(offset uint64) (MachineState, OffsetInfo, error) {
	return f.stateIn(f.WasmOffsetTargets, offset)
}

// GovernedSize returns the extent of machine code covered by the function's
// code-offset indexes.
func (f *FuncStateMap) GovernedSize() uint64 {
	var size uint64

	for _, x := range []OffsetIndex{f.LoopOffsets, f.CallOffsets, f.TrappableOffsets} {
		if n := len(x); n > 0 {
			if end := x[n-1].Info.EndOffset; end > size {
				size = end
			}
		}
	}
	return size
}

func (f *FuncStateMap) encode(w *wire.Writer) {
	f.Initial.encode(w)
	w.Uint32(f.LocalFuncID)
	encodeWasmValues(w, f.Locals)
	w.Uint32(f.ShadowSize)

	w.Count(len(f.Diffs))
	for i := range f.Diffs {
		f.Diffs[i].encode(w)
	}

	if f.HeaderTarget != nil {
		w.Byte(1)
		f.HeaderTarget.encode(w)
	} else {
		w.Byte(0)
	}

	f.WasmOffsetTargets.encode(w)
	f.LoopOffsets.encode(w)
	f.CallOffsets.encode(w)
	f.TrappableOffsets.encode(w)
}

func decodeFuncStateMap(r *wire.Reader) (f FuncStateMap, err error) {
	if f.Initial, err = decodeMachineState(r); err != nil {
		return
	}
	if f.LocalFuncID, err = r.Uint32(); err != nil {
		return
	}
	if f.Locals, err = decodeWasmValues(r); err != nil {
		return
	}
	if f.ShadowSize, err = r.Uint32(); err != nil {
		return
	}

	n, err := r.Count(1)
	if err != nil {
		return
	}
	if n > 0 {
		f.Diffs = make([]StateDiff, n)
		for i := range f.Diffs {
			if f.Diffs[i], err = decodeStateDiff(r, i); err != nil {
				return
			}
		}
	}

	present, err := r.Bool()
	if err != nil {
		return
	}
	if present {
		so, err2 := decodeSuspendOffset(r)
		if err2 != nil {
			return f, err2
		}
		f.HeaderTarget = &so
	}

	if f.WasmOffsetTargets, err = decodeOffsetIndex(r); err != nil {
		return
	}
	if f.LoopOffsets, err = decodeOffsetIndex(r); err != nil {
		return
	}
	if f.CallOffsets, err = decodeOffsetIndex(r); err != nil {
		return
	}
	f.TrappableOffsets, err = decodeOffsetIndex(r)
	return
}
