// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"github.com/arautava/stackimage/wire"
)

// RegisterIndex identifies a machine register.  The numbering is defined by
// the code generator; this package only stores and compares it.
type RegisterIndex uint16

// MachineValue describes where one logical value lives at a checkpoint: in a
// register, in a stack slot, behind the vmctx pointer, or nowhere at all.
//
// The discriminant bytes are part of the persisted format and will not change
// between versions.
type MachineValue interface {
	encode(w *wire.Writer)
	machineValue()
}

// Undefined is a location holding no meaningful value.
type Undefined struct{}

// VMContext is the runtime's per-instance context pointer.
type VMContext struct{}

// VMContextDeref is the value reached by dereferencing vmctx through a chain
// of byte offsets.
type VMContextDeref struct {
	Chain []uint64
}

// PreservedReg is a callee-saved register spilled by the current function.
type PreservedReg struct {
	Reg RegisterIndex
}

// FrameSlot is a memory location at a signed byte offset from the base
// pointer.
type FrameSlot struct {
	Offset int32
}

// ShadowBoundary separates values below the shadow (scratch) region from
// values above it on the conceptual stack.
type ShadowBoundary struct{}

// StackSlot refers to a slot of the abstract value stack.
type StackSlot struct {
	Index uint64
}

// LocalSlot refers to a wasm local.
type LocalSlot struct {
	Index uint64
}

// SplitValue is a 64-bit logical value stored across two 32-bit halves.
type SplitValue struct {
	First  MachineValue
	Second MachineValue
}

const (
	tagUndefined = iota
	tagVMContext
	tagVMContextDeref
	tagPreservedReg
	tagFrameSlot
	tagShadowBoundary
	tagStackSlot
	tagLocalSlot
	tagSplitValue
)

func (Undefined) machineValue()      {}
func (VMContext) machineValue()      {}
func (VMContextDeref) machineValue() {}
func (PreservedReg) machineValue()   {}
func (FrameSlot) machineValue()      {}
func (ShadowBoundary) machineValue() {}
func (StackSlot) machineValue()      {}
func (LocalSlot) machineValue()      {}
func (SplitValue) machineValue()     {}

func (Undefined) encode(w *wire.Writer) { w.Byte(tagUndefined) }
func (VMContext) encode(w *wire.Writer) { w.Byte(tagVMContext) }

func (v VMContextDeref) encode(w *wire.Writer) {
	w.Byte(tagVMContextDeref)
	w.Count(len(v.Chain))
	for _, off := range v.Chain {
		w.Uint64(off)
	}
}

func (v PreservedReg) encode(w *wire.Writer) {
	w.Byte(tagPreservedReg)
	w.Uint16(uint16(v.Reg))
}

func (v FrameSlot) encode(w *wire.Writer) {
	w.Byte(tagFrameSlot)
	w.Int32(v.Offset)
}

func (ShadowBoundary) encode(w *wire.Writer) { w.Byte(tagShadowBoundary) }

func (v StackSlot) encode(w *wire.Writer) {
	w.Byte(tagStackSlot)
	w.Uint64(v.Index)
}

func (v LocalSlot) encode(w *wire.Writer) {
	w.Byte(tagLocalSlot)
	w.Uint64(v.Index)
}

func (v SplitValue) encode(w *wire.Writer) {
	w.Byte(tagSplitValue)
	v.First.encode(w)
	v.Second.encode(w)
}

func decodeMachineValue(r *wire.Reader) (MachineValue, error) {
	tag, err := r.Byte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagUndefined:
		return Undefined{}, nil

	case tagVMContext:
		return VMContext{}, nil

	case tagVMContextDeref:
		n, err := r.Count(8)
		if err != nil {
			return nil, err
		}
		v := VMContextDeref{Chain: make([]uint64, n)}
		for i := range v.Chain {
			if v.Chain[i], err = r.Uint64(); err != nil {
				return nil, err
			}
		}
		return v, nil

	case tagPreservedReg:
		reg, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		return PreservedReg{RegisterIndex(reg)}, nil

	case tagFrameSlot:
		off, err := r.Int32()
		if err != nil {
			return nil, err
		}
		return FrameSlot{off}, nil

	case tagShadowBoundary:
		return ShadowBoundary{}, nil

	case tagStackSlot:
		index, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		return StackSlot{index}, nil

	case tagLocalSlot:
		index, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		return LocalSlot{index}, nil

	case tagSplitValue:
		first, err := decodeMachineValue(r)
		if err != nil {
			return nil, err
		}
		second, err := decodeMachineValue(r)
		if err != nil {
			return nil, err
		}
		return SplitValue{first, second}, nil
	}

	return nil, wire.UnknownVariant("machine value", tag)
}

func encodeValues(w *wire.Writer, values []MachineValue) {
	w.Count(len(values))
	for _, v := range values {
		v.encode(w)
	}
}

func decodeValues(r *wire.Reader) ([]MachineValue, error) {
	n, err := r.Count(1)
	if err != nil || n == 0 {
		return nil, err
	}

	values := make([]MachineValue, n)
	for i := range values {
		if values[i], err = decodeMachineValue(r); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// WasmValue is one wasm-level operand: either a value known only at run time,
// or a compile-time constant.
type WasmValue struct {
	IsConst bool
	Const   uint64 // Valid when IsConst is set.
}

// RuntimeValue returns the runtime-known wasm value.
func RuntimeValue() WasmValue { return WasmValue{} }

// ConstValue returns a constant wasm value.
func ConstValue(v uint64) WasmValue { return WasmValue{IsConst: true, Const: v} }

func (v WasmValue) encode(w *wire.Writer) {
	if v.IsConst {
		w.Byte(1)
		w.Uint64(v.Const)
	} else {
		w.Byte(0)
	}
}

func decodeWasmValue(r *wire.Reader) (WasmValue, error) {
	tag, err := r.Byte()
	if err != nil {
		return WasmValue{}, err
	}

	switch tag {
	case 0:
		return WasmValue{}, nil

	case 1:
		c, err := r.Uint64()
		if err != nil {
			return WasmValue{}, err
		}
		return ConstValue(c), nil
	}

	return WasmValue{}, wire.UnknownVariant("wasm value", tag)
}

func encodeWasmValues(w *wire.Writer, values []WasmValue) {
	w.Count(len(values))
	for _, v := range values {
		v.encode(w)
	}
}

func decodeWasmValues(r *wire.Reader) ([]WasmValue, error) {
	n, err := r.Count(1)
	if err != nil || n == 0 {
		return nil, err
	}

	values := make([]WasmValue, n)
	for i := range values {
		if values[i], err = decodeWasmValue(r); err != nil {
			return nil, err
		}
	}
	return values, nil
}
