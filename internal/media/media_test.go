// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	mp4Header = []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2\x00\x00\x00\x08free")
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

type fakeExtractor struct {
	frames [][]byte
	err    error
	calls  int
	n      int
}

func (f *fakeExtractor) ExtractFrames(_ context.Context, _ string, n int) ([][]byte, error) {
	f.calls++
	f.n = n
	return f.frames, f.err
}

// =============================================================================
// KIND TESTS
// =============================================================================

func TestKind(t *testing.T) {
	assert.Equal(t, "<image>", KindImage.Placeholder())
	assert.Equal(t, "<video>", KindVideo.Placeholder())
	assert.Equal(t, "", KindNone.Placeholder())
	assert.Equal(t, "video", KindVideo.String())
}

func TestStripPlaceholders(t *testing.T) {
	assert.Equal(t, "what is this?", StripPlaceholders("<image>\nwhat is this?"))
	assert.Equal(t, "a  b", StripPlaceholders("<video>a <image> b<video>"))
	assert.Equal(t, "plain", StripPlaceholders("plain"))
}

// =============================================================================
// DETECTION TESTS
// =============================================================================

func TestExistsAndDetect(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, dir, "cat.png", pngHeader)
	vid := writeFile(t, dir, "clip.mp4", mp4Header)
	txt := writeFile(t, dir, "notes.txt", []byte("hello there"))

	assert.True(t, Exists(img))
	assert.False(t, Exists(""))
	assert.False(t, Exists(dir))
	assert.False(t, Exists(filepath.Join(dir, "missing.png")))

	kind, mime, err := Detect(img)
	require.NoError(t, err)
	assert.Equal(t, KindImage, kind)
	assert.Equal(t, "image/png", mime.String())

	kind, _, err = Detect(vid)
	require.NoError(t, err)
	assert.Equal(t, KindVideo, kind)

	kind, _, err = Detect(txt)
	require.NoError(t, err)
	assert.Equal(t, KindNone, kind)
}

// =============================================================================
// RESOLVER TESTS
// =============================================================================

func TestFileResolver_Image(t *testing.T) {
	img := writeFile(t, t.TempDir(), "cat.png", pngHeader)
	r := NewFileResolver(nil, 0)

	in, err := r.Resolve(context.Background(), img, KindImage)
	require.NoError(t, err)
	assert.Equal(t, KindImage, in.Kind)
	assert.Equal(t, "image/png", in.MIME)
	require.Len(t, in.Frames, 1)
	assert.Equal(t, pngHeader, in.Frames[0])
	assert.Equal(t, DefaultNumFrames, r.NumFrames)
}

func TestFileResolver_Video(t *testing.T) {
	vid := writeFile(t, t.TempDir(), "clip.mp4", mp4Header)
	ex := &fakeExtractor{frames: [][]byte{{1}, {2}}}
	r := NewFileResolver(ex, 8)

	in, err := r.Resolve(context.Background(), vid, KindVideo)
	require.NoError(t, err)
	assert.Equal(t, KindVideo, in.Kind)
	assert.Len(t, in.Frames, 2)
	assert.Equal(t, 1, ex.calls)
	assert.Equal(t, 8, ex.n)
}

func TestFileResolver_Errors(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, dir, "cat.png", pngHeader)
	vid := writeFile(t, dir, "clip.mp4", mp4Header)
	txt := writeFile(t, dir, "notes.txt", []byte("hello"))
	empty := writeFile(t, dir, "empty.png", nil)

	extractErr := errors.New("decode failed")
	r := NewFileResolver(&fakeExtractor{err: extractErr}, 4)
	ctx := context.Background()

	_, err := r.Resolve(ctx, img, KindVideo)
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = r.Resolve(ctx, txt, KindImage)
	assert.ErrorIs(t, err, ErrUnsupportedMedia)

	_, err = r.Resolve(ctx, empty, KindImage)
	assert.ErrorIs(t, err, ErrEmptyMedia)

	_, err = r.Resolve(ctx, filepath.Join(dir, "nope.png"), KindImage)
	assert.Error(t, err)

	_, err = r.Resolve(ctx, vid, KindVideo)
	assert.ErrorIs(t, err, extractErr)

	r.MaxImageBytes = 4
	_, err = r.Resolve(ctx, img, KindImage)
	assert.ErrorIs(t, err, ErrMediaTooLarge)

	noFFmpeg := NewFileResolver(nil, 4)
	_, err = noFFmpeg.Resolve(ctx, vid, KindVideo)
	assert.ErrorIs(t, err, ErrFFmpegNotFound)
}

// =============================================================================
// FFMPEG TESTS
// =============================================================================

func TestFFmpeg_FrameArgs(t *testing.T) {
	f := NewFFmpeg()
	args := f.frameArgs("in.mp4", "/tmp/out", 16, 8)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-i in.mp4")
	assert.Contains(t, joined, "fps=2.000000,scale=336:-2")
	assert.Contains(t, joined, "-frames:v 16")
	assert.Equal(t, filepath.Join("/tmp/out", "frame_%04d.jpg"), args[len(args)-1])

	f.FrameWidth = 0
	joined = strings.Join(f.frameArgs("in.mp4", "/tmp/out", 4, 2), " ")
	assert.NotContains(t, joined, "scale=")
}

func TestFFmpeg_MissingBinaries(t *testing.T) {
	f := &FFmpeg{FFmpegPath: "vidchat-no-such-ffmpeg", FFprobePath: "vidchat-no-such-ffprobe"}
	assert.ErrorIs(t, f.CheckInstalled(), ErrFFmpegNotFound)

	_, err := f.ExtractFrames(context.Background(), "clip.mp4", 4)
	assert.ErrorIs(t, err, ErrFFmpegNotFound)
}

func TestReadFrames(t *testing.T) {
	dir := t.TempDir()
	_, err := readFrames(dir, 4)
	assert.ErrorIs(t, err, ErrNoFrames)

	for _, name := range []string{"frame_0002.jpg", "frame_0001.jpg", "frame_0003.jpg"} {
		writeFile(t, dir, name, []byte(name))
	}
	frames, err := readFrames(dir, 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "frame_0001.jpg", string(frames[0]))
}

// =============================================================================
// SCRATCH TESTS
// =============================================================================

func TestScratch_StoreAndPath(t *testing.T) {
	src := writeFile(t, t.TempDir(), "Cat.PNG", pngHeader)
	s, err := NewScratch(filepath.Join(t.TempDir(), "scratch"))
	require.NoError(t, err)

	stored, err := s.Store(src)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(stored, ".png"))
	assert.True(t, s.Contains(stored))
	assert.False(t, s.Contains(src))

	path, err := s.Path(filepath.Base(stored))
	require.NoError(t, err)
	assert.Equal(t, stored, path)

	for _, bad := range []string{"", "../etc/passwd", ".hidden", "a/b"} {
		_, err := s.Path(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
	_, err = s.Path("missing.png")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScratch_Save(t *testing.T) {
	s, err := NewScratch(t.TempDir())
	require.NoError(t, err)

	path, err := s.Save(bytes.NewReader(pngHeader), ".PNG", 1024)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".png"))
	assert.True(t, s.Contains(path))

	_, err = s.Save(bytes.NewReader(pngHeader), ".png", 4)
	assert.ErrorIs(t, err, ErrMediaTooLarge)

	_, err = s.Save(bytes.NewReader(nil), ".png", 0)
	assert.ErrorIs(t, err, ErrEmptyMedia)

	_, err = s.Save(bytes.NewReader(pngHeader), "/../x", 0)
	assert.ErrorIs(t, err, ErrInvalidName)

	entries, err := os.ReadDir(s.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed saves leave no files behind")
}

func TestScratch_Cleanup(t *testing.T) {
	s, err := NewScratch(t.TempDir())
	require.NoError(t, err)

	old := writeFile(t, s.Dir, "old.png", pngHeader)
	writeFile(t, s.Dir, "new.png", pngHeader)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	removed, err := s.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, Exists(old))
}

// =============================================================================
// MARKUP TESTS
// =============================================================================

func TestMarkup(t *testing.T) {
	img := Markup(KindImage, FileURL("/tmp/cat.jpg"))
	assert.Equal(t, `<img src="./file=/tmp/cat.jpg" style="display: inline-block;width: 250px;max-height: 400px;">`, img)

	vid := Markup(KindVideo, "/files/a.mp4")
	assert.True(t, strings.HasPrefix(vid, `<video controls playsinline width="500"`))
	assert.Contains(t, vid, `src="/files/a.mp4"></video>`)

	assert.Equal(t, "", Markup(KindNone, "x"))
	assert.Contains(t, Markup(KindImage, `a"b`), `src="a&#34;b"`)
}
