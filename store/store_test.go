// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arautava/stackimage/image"
	"github.com/arautava/stackimage/state"
	"github.com/arautava/stackimage/trap"
)

func testImage() *image.Image {
	im := &image.Image{
		Code:             []byte{0x90, 0x90, 0xc3},
		FunctionPointers: []uint64{0},
		FunctionOffsets:  []uint64{0},
		StateMap: state.ModuleStateMap{
			Functions: map[uint32]*state.FuncStateMap{
				0: {Diffs: []state.StateDiff{{Last: -1}}},
			},
		},
	}
	im.ExceptionTable.Put(1, trap.Unreachable)
	return im
}

func TestMemoryStore(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	key := []byte("module-hash")

	_, found, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, found)

	im := testImage()
	require.NoError(t, s.Put(key, im))

	loaded, found, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, im, loaded)

	require.NoError(t, s.Delete(key))

	_, found, err = s.Get(key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	key := []byte{1, 2, 3}
	im := testImage()
	require.NoError(t, s.Put(key, im))
	require.NoError(t, s.Close())

	// Reopen and read back.
	s, err = Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer s.Close()

	loaded, found, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, im, loaded)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_image")
	im := testImage()
	require.NoError(t, os.WriteFile(path, im.Encode(), 0o644))

	loaded, err := LoadFile(path, image.Config{})
	require.NoError(t, err)
	assert.Equal(t, im, loaded)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent"), image.Config{})
	require.Error(t, err)
}

func TestLoadFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_image")
	buf := testImage().Encode()
	require.NoError(t, os.WriteFile(path, buf[:len(buf)-2], 0o644))

	_, err := LoadFile(path, image.Config{})
	require.Error(t, err)
}
