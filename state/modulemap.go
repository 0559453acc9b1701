// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"sort"

	"github.com/arautava/stackimage/wire"
)

// ModuleStateMap collects the stack maps of all local functions of a module.
type ModuleStateMap struct {
	// Functions is keyed by local function id.
	Functions map[uint32]*FuncStateMap

	// TotalSize is the machine code size covered by the module, recorded
	// by the compiler.  It is advisory: decoding uses it only as a sanity
	// bound and never recomputes it.
	TotalSize uint64
}

// FunctionByID looks up one function's stack map.
func (m *ModuleStateMap) FunctionByID(id uint32) (*FuncStateMap, bool) {
	f, found := m.Functions[id]
	return f, found
}

// GovernedSize sums the code extents of all function maps.  It may disagree
// with TotalSize; see the image decoding policy.
func (m *ModuleStateMap) GovernedSize() uint64 {
	var size uint64

	for _, f := range m.Functions {
		size += f.GovernedSize()
	}
	return size
}

// Encode writes the module state map in ascending function id order.
func (m *ModuleStateMap) Encode(w *wire.Writer) {
	ids := make([]uint32, 0, len(m.Functions))
	for id := range m.Functions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w.Count(len(ids))
	for _, id := range ids {
		w.Uint32(id)
		m.Functions[id].encode(w)
	}

	w.Uint64(m.TotalSize)
}

// DecodeModuleStateMap reads a module state map.
func DecodeModuleStateMap(r *wire.Reader) (m ModuleStateMap, err error) {
	n, err := r.Count(4)
	if err != nil {
		return
	}

	if n > 0 {
		m.Functions = make(map[uint32]*FuncStateMap, n)

		prev := int64(-1)
		for i := 0; i < n; i++ {
			id, err2 := r.Uint32()
			if err2 != nil {
				return m, err2
			}
			if int64(id) <= prev {
				return m, &ChainError{"function ids are not strictly ascending"}
			}
			prev = int64(id)

			f, err2 := decodeFuncStateMap(r)
			if err2 != nil {
				return m, err2
			}
			m.Functions[id] = &f
		}
	}

	m.TotalSize, err = r.Uint64()
	return
}
