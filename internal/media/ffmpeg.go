// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const float64BitSize = 64

// FrameExtractor samples still frames out of a video.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, path string, n int) ([][]byte, error)
}

// FFmpeg samples frames by shelling out to ffmpeg and ffprobe.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	// FrameWidth scales frames to this width, keeping aspect. Zero keeps the
	// source size.
	FrameWidth int
}

// NewFFmpeg returns an extractor using the binaries found in PATH.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", FrameWidth: 336}
}

// CheckInstalled verifies that both binaries can be found.
func (f *FFmpeg) CheckInstalled() error {
	if _, err := exec.LookPath(f.FFmpegPath); err != nil {
		return fmt.Errorf("%w (looked for %q)", ErrFFmpegNotFound, f.FFmpegPath)
	}
	if _, err := exec.LookPath(f.FFprobePath); err != nil {
		return fmt.Errorf("%w (looked for %q)", ErrFFprobeNotFound, f.FFprobePath)
	}
	return nil
}

// Duration returns the duration of a video in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to get video duration: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	duration, err := strconv.ParseFloat(durationStr, float64BitSize)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration '%s': %w", durationStr, err)
	}
	return duration, nil
}

// ExtractFrames samples n evenly spaced JPEG frames from the video.
func (f *FFmpeg) ExtractFrames(ctx context.Context, path string, n int) ([][]byte, error) {
	if n <= 0 {
		n = DefaultNumFrames
	}
	if err := f.CheckInstalled(); err != nil {
		return nil, err
	}

	duration, err := f.Duration(ctx, path)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: video has no duration", ErrNoFrames)
	}

	outDir, err := os.MkdirTemp("", "vidchat-frames-")
	if err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, f.FFmpegPath, f.frameArgs(path, outDir, n, duration)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	frames, err := readFrames(outDir, n)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("path", path).
		Float64("duration", duration).
		Int("frames", len(frames)).
		Msg("sampled video frames")
	return frames, nil
}

// frameArgs builds the ffmpeg command line. Frames are taken at a constant
// rate of n/duration so they cover the whole clip.
func (f *FFmpeg) frameArgs(path, outDir string, n int, duration float64) []string {
	filter := "fps=" + strconv.FormatFloat(float64(n)/duration, 'f', 6, float64BitSize)
	if f.FrameWidth > 0 {
		filter += ",scale=" + strconv.Itoa(f.FrameWidth) + ":-2"
	}
	return []string{
		"-v", "error",
		"-i", path,
		"-vf", filter,
		"-frames:v", strconv.Itoa(n),
		"-q:v", "3",
		"-y",
		filepath.Join(outDir, "frame_%04d.jpg"),
	}
}

func readFrames(dir string, limit int) ([][]byte, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	sort.Strings(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	if len(matches) == 0 {
		return nil, ErrNoFrames
	}

	frames := make([][]byte, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}
