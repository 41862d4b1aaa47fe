package subtitles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kman0001/tubesync-plex/internal/ffmpeg"
	"github.com/kman0001/tubesync-plex/internal/plex"
)

type uploadCall struct {
	path string
	lang string
}

type uploadRecorder struct {
	mu    sync.Mutex
	calls []uploadCall
	err   error
}

func (u *uploadRecorder) UploadSubtitle(_ context.Context, _ *plex.Item, path, lang string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.calls = append(u.calls, uploadCall{path: path, lang: lang})
	return nil
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// probeScript emits the given JSON document regardless of arguments.
func probeScript(t *testing.T, dir, doc string) string {
	t.Helper()
	return writeScript(t, dir, "ffprobe", "cat <<'EOF'\n"+doc+"\nEOF")
}

// extractScript appends its arguments to argsFile and creates its final
// argument, mimicking a successful ffmpeg extraction.
func extractScript(t *testing.T, dir, argsFile string) string {
	t.Helper()
	body := fmt.Sprintf("echo \"$*\" >> %s\nfor last; do :; done\nprintf 'stub subtitle' > \"$last\"", argsFile)
	return writeScript(t, dir, "ffmpeg", body)
}

func extractArgs(t *testing.T, argsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

const threeStreamsDoc = `{
  "streams": [
    {"index": 2, "codec_name": "subrip", "tags": {"language": "eng"}},
    {"index": 3, "codec_name": "hdmv_pgs_subtitle", "tags": {"language": "deu"}},
    {"index": 4, "codec_name": "ass", "tags": {}}
  ]
}`

func newFixture(t *testing.T, probeDoc string) (*Extractor, *uploadRecorder, string, string) {
	t.Helper()
	bins := t.TempDir()
	media := t.TempDir()
	argsFile := filepath.Join(bins, "ffmpeg.args")
	up := &uploadRecorder{}
	e := New(ffmpeg.Paths{
		FFmpeg:  extractScript(t, bins, argsFile),
		FFprobe: probeScript(t, bins, probeDoc),
	}, up)
	require.True(t, e.Enabled())
	video := filepath.Join(media, "episode.mkv")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0o644))
	return e, up, video, argsFile
}

func TestProcessExtractsAndUploads(t *testing.T) {
	e, up, video, argsFile := newFixture(t, threeStreamsDoc)
	item := &plex.Item{RatingKey: "101", Type: "episode"}

	uploaded, err := e.Process(t.Context(), video, item)
	require.NoError(t, err)
	assert.Equal(t, 2, uploaded)

	base := strings.TrimSuffix(video, ".mkv")
	assert.FileExists(t, base+".eng.srt")
	assert.FileExists(t, base+".und.srt")

	require.Len(t, up.calls, 2)
	assert.Equal(t, uploadCall{path: base + ".eng.srt", lang: "eng"}, up.calls[0])
	assert.Equal(t, uploadCall{path: base + ".und.srt", lang: "und"}, up.calls[1])

	// The image stream sits between the two text streams, so the mapped
	// subtitle positions must be 0 and 2, not 0 and 1.
	args := extractArgs(t, argsFile)
	require.Len(t, args, 2)
	assert.Contains(t, args[0], "0:s:0")
	assert.Contains(t, args[1], "0:s:2")
}

func TestProcessSkipsExistingSidecar(t *testing.T) {
	doc := `{"streams": [{"index": 2, "codec_name": "subrip", "tags": {"language": "eng"}}]}`
	e, up, video, argsFile := newFixture(t, doc)

	existing := strings.TrimSuffix(video, ".mkv") + ".eng.srt"
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0o644))

	uploaded, err := e.Process(t.Context(), video, &plex.Item{RatingKey: "101"})
	require.NoError(t, err)
	assert.Zero(t, uploaded)
	assert.Empty(t, up.calls)
	assert.Empty(t, extractArgs(t, argsFile))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))
}

func TestProcessDisabledWithoutBinaries(t *testing.T) {
	up := &uploadRecorder{}
	e := New(ffmpeg.Paths{}, up)
	assert.False(t, e.Enabled())

	uploaded, err := e.Process(t.Context(), "/nonexistent/video.mkv", &plex.Item{RatingKey: "101"})
	require.NoError(t, err)
	assert.Zero(t, uploaded)
	assert.Empty(t, up.calls)
}

func TestProcessDisabledWithOneBinary(t *testing.T) {
	bins := t.TempDir()
	e := New(ffmpeg.Paths{
		FFmpeg:  writeScript(t, bins, "ffmpeg", "exit 0"),
		FFprobe: filepath.Join(bins, "missing-ffprobe"),
	}, &uploadRecorder{})
	assert.False(t, e.Enabled())
}

func TestProcessProbeFailure(t *testing.T) {
	bins := t.TempDir()
	media := t.TempDir()
	e := New(ffmpeg.Paths{
		FFmpeg:  writeScript(t, bins, "ffmpeg", "exit 0"),
		FFprobe: writeScript(t, bins, "ffprobe", "echo boom >&2\nexit 1"),
	}, &uploadRecorder{})
	require.True(t, e.Enabled())

	video := filepath.Join(media, "episode.mkv")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0o644))

	_, err := e.Process(t.Context(), video, &plex.Item{RatingKey: "101"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffprobe")
}

func TestProcessProbeGarbageOutput(t *testing.T) {
	bins := t.TempDir()
	media := t.TempDir()
	e := New(ffmpeg.Paths{
		FFmpeg:  writeScript(t, bins, "ffmpeg", "exit 0"),
		FFprobe: writeScript(t, bins, "ffprobe", "echo not-json"),
	}, &uploadRecorder{})

	video := filepath.Join(media, "episode.mkv")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0o644))

	_, err := e.Process(t.Context(), video, &plex.Item{RatingKey: "101"})
	require.Error(t, err)
}

func TestProcessExtractFailureIsSkipped(t *testing.T) {
	doc := `{"streams": [{"index": 2, "codec_name": "subrip", "tags": {"language": "eng"}}]}`
	bins := t.TempDir()
	media := t.TempDir()
	up := &uploadRecorder{}
	e := New(ffmpeg.Paths{
		FFmpeg:  writeScript(t, bins, "ffmpeg", "echo broken >&2\nexit 1"),
		FFprobe: probeScript(t, bins, doc),
	}, up)

	video := filepath.Join(media, "episode.mkv")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0o644))

	uploaded, err := e.Process(t.Context(), video, &plex.Item{RatingKey: "101"})
	require.NoError(t, err)
	assert.Zero(t, uploaded)
	assert.Empty(t, up.calls)
	assert.NoFileExists(t, strings.TrimSuffix(video, ".mkv")+".eng.srt")
}

func TestProcessUploadFailureKeepsFile(t *testing.T) {
	doc := `{"streams": [{"index": 2, "codec_name": "subrip", "tags": {"language": "eng"}}]}`
	e, up, video, _ := newFixture(t, doc)
	up.err = errors.New("server said no")

	uploaded, err := e.Process(t.Context(), video, &plex.Item{RatingKey: "101"})
	require.NoError(t, err)
	assert.Zero(t, uploaded)
	// The extracted file stays on disk where the server's own scanner can
	// still pick it up.
	assert.FileExists(t, strings.TrimSuffix(video, ".mkv")+".eng.srt")
}

func TestProcessNilItem(t *testing.T) {
	e, up, video, argsFile := newFixture(t, threeStreamsDoc)

	uploaded, err := e.Process(t.Context(), video, nil)
	require.NoError(t, err)
	assert.Zero(t, uploaded)
	assert.Empty(t, up.calls)
	assert.Empty(t, extractArgs(t, argsFile))
}
