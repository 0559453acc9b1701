// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the fixed-width little-endian primitives of the
// state image format.  All multi-byte integers are little-endian; sequence
// counts and byte-string lengths are 32-bit.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated indicates that the input buffer ended in the middle of a
// field.
var ErrTruncated = errors.New("truncated input")

// VariantError indicates a discriminant byte outside the known set.  Decoding
// never defaults an unknown discriminant.
type VariantError struct {
	Kind string // Human-readable name of the variant type.
	Tag  byte
}

func (e *VariantError) Error() string {
	return fmt.Sprintf("unexpected %s variant %d", e.Kind, e.Tag)
}

// UnknownVariant returns a decode error for an unrecognized discriminant.
func UnknownVariant(kind string, tag byte) error {
	return &VariantError{kind, tag}
}

// Writer appends wire-format fields to a buffer.  The zero value is ready for
// use.  Writing cannot fail.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded buffer.  It aliases the Writer's storage.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *Writer) Bool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Uint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Int32(v int32) {
	w.Uint32(uint32(v))
}

// Count writes a sequence or mapping element count.
func (w *Writer) Count(n int) {
	w.Uint32(uint32(n))
}

// Prefixed writes a length-prefixed byte string.
func (w *Writer) Prefixed(b []byte) {
	w.Count(len(b))
	w.buf = append(w.buf, b...)
}

// Reader consumes wire-format fields from a buffer.  The buffer is not
// modified; decoded byte strings are copied out so that the result does not
// alias the input.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unconsumed input bytes.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, UnknownVariant("boolean", b)
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Count reads a sequence or mapping element count.  elemSize is the minimum
// encoded size of one element; a count which could not possibly fit in the
// remaining input is rejected up front so that corrupt input cannot trigger
// a huge allocation.
func (r *Reader) Count(elemSize int) (int, error) {
	v, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	if int64(v)*int64(elemSize) > int64(r.Len()) {
		return 0, ErrTruncated
	}
	return int(v), nil
}

// Prefixed reads a length-prefixed byte string into freshly allocated
// storage.
func (r *Reader) Prefixed() ([]byte, error) {
	n, err := r.Count(1)
	if err != nil || n == 0 {
		return nil, err
	}
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}
