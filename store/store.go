// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store persists encoded state images.  It is the thin loader around
// the codec: the core packages never touch files or databases.
package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/arautava/stackimage/image"
)

// Store is a LevelDB-backed cache of encoded images, keyed by caller-chosen
// bytes (typically a hash of the source module).  LevelDB handles its own
// synchronization.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates a store at the given path.  An empty path opens an
// in-memory store.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, xerrors.Errorf("opening image store at %q: %w", path, err)
	}

	Logger().Info("image store opened", zap.String("path", path))
	return &Store{db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put encodes an image and stores it under key.
func (s *Store) Put(key []byte, im *image.Image) error {
	buf := im.Encode()

	if err := s.db.Put(key, buf, nil); err != nil {
		return xerrors.Errorf("storing image %x: %w", key, err)
	}

	Logger().Debug("image stored",
		zap.Binary("key", key),
		zap.Int("size", len(buf)),
		zap.Int("code_size", len(im.Code)))
	return nil
}

// Get loads and decodes the image stored under key.  A missing key is not an
// error; it is reported by the boolean.
func (s *Store) Get(key []byte) (*Image, bool, error) {
	return s.GetConfig(key, image.Config{})
}

// Image is re-exported for the convenience of store-only importers.
type Image = image.Image

// GetConfig is Get with explicit decoding policy.
func (s *Store) GetConfig(key []byte, config image.Config) (*Image, bool, error) {
	buf, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("loading image %x: %w", key, err)
	}

	im, err := config.Decode(buf)
	if err != nil {
		return nil, false, xerrors.Errorf("decoding stored image %x: %w", key, err)
	}
	return im, true, nil
}

// Delete removes the image stored under key, if any.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}
