// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// DefaultNumFrames matches the frame count the 16-frame video models are
// trained on.
const DefaultNumFrames = 16

// DefaultMaxImageBytes bounds images read into memory.
const DefaultMaxImageBytes = 20 << 20

// Input is a resolved media file ready to hand to the model endpoint.
type Input struct {
	Kind   Kind
	Path   string
	MIME   string
	Frames [][]byte
}

// Resolver turns a path into a model input of the given kind.
type Resolver interface {
	Resolve(ctx context.Context, path string, kind Kind) (*Input, error)
}

// FileResolver resolves local files. Videos are sampled through Extractor.
type FileResolver struct {
	Extractor     FrameExtractor
	NumFrames     int
	MaxImageBytes int64
}

// NewFileResolver creates a resolver with default limits.
func NewFileResolver(extractor FrameExtractor, numFrames int) *FileResolver {
	if numFrames <= 0 {
		numFrames = DefaultNumFrames
	}
	return &FileResolver{
		Extractor:     extractor,
		NumFrames:     numFrames,
		MaxImageBytes: DefaultMaxImageBytes,
	}
}

// Resolve checks the file content against kind and loads it.
func (r *FileResolver) Resolve(ctx context.Context, path string, kind Kind) (*Input, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat media: %w", err)
	}
	if info.Size() == 0 {
		return nil, ErrEmptyMedia
	}

	detected, mime, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if detected == KindNone {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mime.String())
	}
	if detected != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, detected, kind)
	}

	in := &Input{Kind: kind, Path: path, MIME: mime.String()}
	switch kind {
	case KindImage:
		if r.MaxImageBytes > 0 && info.Size() > r.MaxImageBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, info.Size())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		in.Frames = [][]byte{data}

	case KindVideo:
		if r.Extractor == nil {
			return nil, ErrFFmpegNotFound
		}
		frames, err := r.Extractor.ExtractFrames(ctx, path, r.NumFrames)
		if err != nil {
			return nil, err
		}
		in.Frames = frames
	}

	log.Debug().
		Str("path", path).
		Str("kind", kind.String()).
		Str("mime", in.MIME).
		Int("frames", len(in.Frames)).
		Msg("resolved media")
	return in, nil
}
