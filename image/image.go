// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image implements the persisted container which bundles a module's
// machine code with the metadata needed to walk its stack frames and diagnose
// its traps.
package image

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/arautava/stackimage/state"
	"github.com/arautava/stackimage/trap"
	"github.com/arautava/stackimage/wire"
)

// Image is a compiled module ready for persistence: opaque machine code plus
// the metadata produced alongside it.
//
// FunctionPointers and FunctionOffsets have one element per function, indexed
// by local function id.  FunctionPointers includes the entry trampoline
// (where the target architecture has one); FunctionOffsets is the entry point
// after it.  On architectures without trampolines the two are identical.
type Image struct {
	Code             []byte
	FunctionPointers []uint64
	FunctionOffsets  []uint64
	FuncImportCount  uint64
	StateMap         state.ModuleStateMap
	ExceptionTable   trap.Table
}

// Encode serializes the image.  Each field is self-delimiting, so a reader
// can decode and validate them one at a time.
func (im *Image) Encode() []byte {
	var w wire.Writer

	w.Prefixed(im.Code)
	encodeOffsets(&w, im.FunctionPointers)
	encodeOffsets(&w, im.FunctionOffsets)
	w.Uint64(im.FuncImportCount)
	im.StateMap.Encode(&w)
	im.ExceptionTable.Encode(&w)

	return w.Bytes()
}

func encodeOffsets(w *wire.Writer, offsets []uint64) {
	w.Count(len(offsets))
	for _, off := range offsets {
		w.Uint64(off)
	}
}

func decodeOffsets(r *wire.Reader) ([]uint64, error) {
	n, err := r.Count(8)
	if err != nil || n == 0 {
		return nil, err
	}

	offsets := make([]uint64, n)
	for i := range offsets {
		if offsets[i], err = r.Uint64(); err != nil {
			return nil, err
		}
	}
	return offsets, nil
}

// SizeMismatchError reports disagreement between the recorded total code size
// and the extent actually covered by the decoded function maps.
type SizeMismatchError struct {
	Recorded uint64
	Governed uint64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("state map total size %d disagrees with governed code size %d", e.Recorded, e.Governed)
}

// Config controls decoding policy.  The zero value decodes permissively.
type Config struct {
	// StrictSize escalates a total size mismatch from a warning to a hard
	// decode error.
	StrictSize bool

	// Warn receives recoverable inconsistencies when StrictSize is unset.
	// Nil discards them.
	Warn func(error)
}

// Decode deserializes an image with default policy.  The result does not
// alias buf.
func Decode(buf []byte) (*Image, error) {
	return Config{}.Decode(buf)
}

// Decode deserializes an image.
func (c Config) Decode(buf []byte) (*Image, error) {
	r := NewReader(buf)

	var (
		im  Image
		err error
	)

	if im.Code, err = r.Code(); err != nil {
		return nil, err
	}
	if im.FunctionPointers, err = r.FunctionPointers(); err != nil {
		return nil, err
	}
	if im.FunctionOffsets, err = r.FunctionOffsets(); err != nil {
		return nil, err
	}
	if im.FuncImportCount, err = r.FuncImportCount(); err != nil {
		return nil, err
	}
	if im.StateMap, err = r.StateMap(); err != nil {
		return nil, err
	}
	if im.ExceptionTable, err = r.ExceptionTable(); err != nil {
		return nil, err
	}

	if len(im.FunctionPointers) != len(im.FunctionOffsets) {
		return nil, xerrors.Errorf("image has %d function pointers but %d function offsets", len(im.FunctionPointers), len(im.FunctionOffsets))
	}

	if governed := im.StateMap.GovernedSize(); governed != im.StateMap.TotalSize {
		err := &SizeMismatchError{im.StateMap.TotalSize, governed}
		if c.StrictSize {
			return nil, err
		}
		if c.Warn != nil {
			c.Warn(err)
		}
	}

	return &im, nil
}

// Reader decodes the image fields one at a time, in their order of
// appearance.  It exists so that large code buffers can be consumed
// incrementally, and so that timing or other observation can wrap individual
// fields without instrumenting the codec itself.
type Reader struct {
	r *wire.Reader
}

func NewReader(buf []byte) *Reader {
	return &Reader{wire.NewReader(buf)}
}

// Remaining returns the number of undecoded input bytes.
func (r *Reader) Remaining() int { return r.r.Len() }

func (r *Reader) Code() ([]byte, error) {
	code, err := r.r.Prefixed()
	if err != nil {
		return nil, xerrors.Errorf("decoding code: %w", err)
	}
	return code, nil
}

func (r *Reader) FunctionPointers() ([]uint64, error) {
	offsets, err := decodeOffsets(r.r)
	if err != nil {
		return nil, xerrors.Errorf("decoding function pointers: %w", err)
	}
	return offsets, nil
}

func (r *Reader) FunctionOffsets() ([]uint64, error) {
	offsets, err := decodeOffsets(r.r)
	if err != nil {
		return nil, xerrors.Errorf("decoding function offsets: %w", err)
	}
	return offsets, nil
}

func (r *Reader) FuncImportCount() (uint64, error) {
	n, err := r.r.Uint64()
	if err != nil {
		return 0, xerrors.Errorf("decoding import count: %w", err)
	}
	return n, nil
}

func (r *Reader) StateMap() (state.ModuleStateMap, error) {
	m, err := state.DecodeModuleStateMap(r.r)
	if err != nil {
		return state.ModuleStateMap{}, xerrors.Errorf("decoding module state map: %w", err)
	}
	return m, nil
}

func (r *Reader) ExceptionTable() (trap.Table, error) {
	t, err := trap.DecodeTable(r.r)
	if err != nil {
		return trap.Table{}, xerrors.Errorf("decoding exception table: %w", err)
	}
	return t, nil
}
