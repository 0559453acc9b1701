// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package store

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/arautava/stackimage/image"
)

// LoadFile decodes an image file without reading it into the heap first: the
// file is mapped read-only and unmapped once decoding has copied the fields
// out.
func LoadFile(path string, config image.Config) (*image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, xerrors.Errorf("decoding image file %q: empty file", path)
	}
	if size != int64(int(size)) {
		return nil, xerrors.Errorf("image file %q is too large to map", path)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, xerrors.Errorf("mapping image file %q: %w", path, err)
	}
	defer unix.Munmap(buf)

	im, err := config.Decode(buf)
	if err != nil {
		return nil, xerrors.Errorf("decoding image file %q: %w", path, err)
	}

	Logger().Debug("image file loaded",
		zap.String("path", path),
		zap.Int64("size", size))
	return im, nil
}
