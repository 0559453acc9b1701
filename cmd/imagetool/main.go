// Copyright (c) 2020 Aleksi Rautava. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Program imagetool inspects and caches persisted state images.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arautava/stackimage/image"
	"github.com/arautava/stackimage/store"
)

var (
	timings    bool
	strictSize bool
	storePath  string
)

func main() {
	root := &cobra.Command{
		Use:           "imagetool",
		Short:         "Inspect and cache wasm state images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Decode an image file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0])
		},
	}
	inspect.Flags().BoolVar(&timings, "timings", false, "print per-field decode timings")
	inspect.Flags().BoolVar(&strictSize, "strict-size", false, "treat total size mismatch as an error")

	put := &cobra.Command{
		Use:   "put <hexkey> <file>",
		Short: "Store an image file in the cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(args[0], args[1])
		},
	}

	get := &cobra.Command{
		Use:   "get <hexkey> <file>",
		Short: "Extract a cached image into a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0], args[1])
		},
	}

	root.PersistentFlags().StringVar(&storePath, "store", "imagecache", "image cache directory")
	root.AddCommand(inspect, put, get)

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	store.SetLogger(logger)

	if err := root.Execute(); err != nil {
		logger.Fatal("imagetool failed", zap.Error(err))
	}
}

func runInspect(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var im image.Image

	start := time.Now()
	r := image.NewReader(buf)

	steps := []struct {
		name   string
		decode func() error
	}{
		{"code", func() (err error) { im.Code, err = r.Code(); return }},
		{"function_pointers", func() (err error) { im.FunctionPointers, err = r.FunctionPointers(); return }},
		{"function_offsets", func() (err error) { im.FunctionOffsets, err = r.FunctionOffsets(); return }},
		{"func_import_count", func() (err error) { im.FuncImportCount, err = r.FuncImportCount(); return }},
		{"module_state_map", func() (err error) { im.StateMap, err = r.StateMap(); return }},
		{"exception_table", func() (err error) { im.ExceptionTable, err = r.ExceptionTable(); return }},
	}

	for _, step := range steps {
		fieldStart := time.Now()
		if err := step.decode(); err != nil {
			return err
		}
		if timings {
			fmt.Printf("%-20s %12v\n", step.name, time.Since(fieldStart))
		}
	}
	total := time.Since(start)

	governed := im.StateMap.GovernedSize()
	if governed != im.StateMap.TotalSize {
		err := &image.SizeMismatchError{Recorded: im.StateMap.TotalSize, Governed: governed}
		if strictSize {
			return err
		}
		fmt.Fprintln(os.Stderr, "warning:", err)
	}

	fmt.Printf("code size:        %d\n", len(im.Code))
	fmt.Printf("functions:        %d (%d imported)\n", len(im.FunctionPointers), im.FuncImportCount)
	fmt.Printf("state maps:       %d\n", len(im.StateMap.Functions))
	fmt.Printf("exception sites:  %d\n", len(im.ExceptionTable.OffsetToCode))
	fmt.Printf("trailing bytes:   %d\n", r.Remaining())
	if timings {
		fmt.Printf("decode time:      %v\n", total)
	}
	return nil
}

func runPut(hexKey, path string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("bad key %q: %w", hexKey, err)
	}

	im, err := store.LoadFile(path, image.Config{StrictSize: strictSize})
	if err != nil {
		return err
	}

	s, err := store.Open(storePath)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Put(key, im)
}

func runGet(hexKey, path string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("bad key %q: %w", hexKey, err)
	}

	s, err := store.Open(storePath)
	if err != nil {
		return err
	}
	defer s.Close()

	im, found, err := s.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no image stored under %s", hexKey)
	}

	return os.WriteFile(path, im.Encode(), 0o644)
}
