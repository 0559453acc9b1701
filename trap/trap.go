// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trap classifies the ways generated machine code can fault, and maps
// faulting instruction offsets to those classifications.
package trap

import (
	"errors"
	"sort"

	"github.com/arautava/stackimage/wire"
)

var errTableOrder = errors.New("trap table offsets are not strictly ascending")

// Code identifies a trap reason.  The numeric values are part of the
// persisted format.
type Code byte

const (
	Unreachable = Code(iota)
	IncorrectCallIndirectSignature
	MemoryOutOfBounds
	CallIndirectOutOfBounds
	IllegalArithmetic
	MisalignedAtomicAccess

	NumCodes
)

func (c Code) String() string {
	switch c {
	case Unreachable:
		return "unreachable"

	case IncorrectCallIndirectSignature:
		return "indirect call signature mismatch"

	case MemoryOutOfBounds:
		return "out of bounds memory access"

	case CallIndirectOutOfBounds:
		return "indirect call index out of bounds"

	case IllegalArithmetic:
		return "illegal arithmetic operation"

	case MisalignedAtomicAccess:
		return "misaligned atomic access"

	default:
		return "unknown trap"
	}
}

func (c Code) Error() string {
	return "trap: " + c.String()
}

// Table maps machine code offsets to trap codes.  Lookup is by exact offset:
// every trapping instruction has its own entry.
type Table struct {
	OffsetToCode map[uint64]Code
}

// Put records the trap code of one instruction offset.
func (t *Table) Put(offset uint64, code Code) {
	if t.OffsetToCode == nil {
		t.OffsetToCode = make(map[uint64]Code)
	}
	t.OffsetToCode[offset] = code
}

// Lookup returns the trap code recorded for an instruction offset.  A missing
// entry is distinguished from a zero-valued one by the boolean.
func (t *Table) Lookup(offset uint64) (Code, bool) {
	code, found := t.OffsetToCode[offset]
	return code, found
}

// Encode writes the table as (offset, code) pairs in ascending offset order,
// so that the output depends only on the final key set.
func (t *Table) Encode(w *wire.Writer) {
	offsets := make([]uint64, 0, len(t.OffsetToCode))
	for offset := range t.OffsetToCode {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	w.Count(len(offsets))
	for _, offset := range offsets {
		w.Uint64(offset)
		w.Byte(byte(t.OffsetToCode[offset]))
	}
}

// DecodeTable reads a table encoded by Encode.
func DecodeTable(r *wire.Reader) (t Table, err error) {
	n, err := r.Count(9)
	if err != nil || n == 0 {
		return
	}

	t.OffsetToCode = make(map[uint64]Code, n)

	var prev uint64
	for i := 0; i < n; i++ {
		offset, err2 := r.Uint64()
		if err2 != nil {
			return t, err2
		}
		if i > 0 && offset <= prev {
			return t, errTableOrder
		}
		prev = offset

		tag, err2 := r.Byte()
		if err2 != nil {
			return t, err2
		}
		if tag >= byte(NumCodes) {
			return t, wire.UnknownVariant("trap code", tag)
		}

		t.OffsetToCode[offset] = Code(tag)
	}
	return
}
