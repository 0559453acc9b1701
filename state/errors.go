// Copyright (c) 2019 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"fmt"
)

// OffsetError indicates a reconstruction query which falls outside every
// range of the selected offset index.
type OffsetError struct {
	Offset uint64
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("no state checkpoint covers offset 0x%x", e.Offset)
}

// ChainError indicates a corrupt diff chain: an out-of-range reference, a
// reference which is not strictly decreasing (which would permit a cycle), or
// a diff whose application is inconsistent with the state it is applied to.
type ChainError struct {
	text string
}

func (e *ChainError) Error() string {
	return "corrupt state diff chain: " + e.text
}
