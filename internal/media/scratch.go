// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/vidchat/internal/util"
)

// Scratch holds copies of submitted media under random file names.
type Scratch struct {
	Dir string
}

// NewScratch creates the scratch directory if needed.
func NewScratch(dir string) (*Scratch, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Scratch{Dir: dir}, nil
}

// Store copies src into the scratch directory and returns the new path.
// The original extension is kept so the file is served with a sensible type.
func (s *Scratch) Store(src string) (string, error) {
	dst := filepath.Join(s.Dir, uuid.NewString()+strings.ToLower(filepath.Ext(src)))
	if err := util.CopyFileAtomic(src, dst, 0600); err != nil {
		return "", err
	}
	return dst, nil
}

// Save streams r into a new scratch file with the given extension and
// returns its path. At most limit bytes are accepted when limit > 0.
func (s *Scratch) Save(r io.Reader, ext string, limit int64) (string, error) {
	ext = strings.ToLower(ext)
	if ext != "" && (ext != filepath.Ext("x"+ext) || strings.ContainsAny(ext, `/\`)) {
		return "", ErrInvalidName
	}

	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}
	if limit > 0 && n > limit {
		return "", ErrMediaTooLarge
	}
	if n == 0 {
		return "", ErrEmptyMedia
	}

	dst := filepath.Join(s.Dir, uuid.NewString()+ext)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to commit scratch file: %w", err)
	}
	return dst, nil
}

// Contains reports whether path already lives in the scratch directory.
func (s *Scratch) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

// Path maps a bare file name back to its location, rejecting anything that
// is not a plain name inside the directory.
func (s *Scratch) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	path := filepath.Join(s.Dir, name)
	if !Exists(path) {
		return "", os.ErrNotExist
	}
	return path, nil
}

// Cleanup removes files older than maxAge and returns how many were deleted.
func (s *Scratch) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read scratch directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(s.Dir, e.Name())) == nil {
			removed++
		}
	}
	return removed, nil
}
