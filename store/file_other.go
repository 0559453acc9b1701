// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package store

import (
	"os"

	"golang.org/x/xerrors"

	"github.com/arautava/stackimage/image"
)

// LoadFile decodes an image file.
func LoadFile(path string, config image.Config) (*image.Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	im, err := config.Decode(buf)
	if err != nil {
		return nil, xerrors.Errorf("decoding image file %q: %w", path, err)
	}
	return im, nil
}
