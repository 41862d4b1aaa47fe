package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

// tmpRoot resolves the test temp dir so expected paths match the walker's
// canonical output even when the temp root itself sits behind a symlink.
func tmpRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestWalkCollectsVideosAndSidecars(t *testing.T) {
	root := tmpRoot(t)
	touch(t, filepath.Join(root, "show", "s01e01.mkv"))
	touch(t, filepath.Join(root, "show", "s01e01.nfo"))
	touch(t, filepath.Join(root, "show", "s01e02.MP4"))
	touch(t, filepath.Join(root, "films", "plan9.avi"))
	touch(t, filepath.Join(root, "films", "notes.txt"))

	res, err := New().Walk(context.Background(), []string{root})
	require.NoError(t, err)

	require.Len(t, res.Videos, 3)
	assert.Contains(t, res.Videos, filepath.Join(root, "films", "plan9.avi"))
	assert.Contains(t, res.Videos, filepath.Join(root, "show", "s01e02.MP4"))
	assert.Equal(t, []string{filepath.Join(root, "show", "s01e01.nfo")}, res.Sidecars)
	assert.IsIncreasing(t, res.Videos)
}

func TestWalkSkipsHiddenAndSystemDirs(t *testing.T) {
	root := tmpRoot(t)
	touch(t, filepath.Join(root, ".hidden", "secret.mkv"))
	touch(t, filepath.Join(root, "@eaDir", "thumb.mkv"))
	touch(t, filepath.Join(root, ".stash.mkv"))
	touch(t, filepath.Join(root, "keep.mkv"))

	res, err := New().Walk(context.Background(), []string{root})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "keep.mkv")}, res.Videos)
}

func TestWalkMissingRootIsSkipped(t *testing.T) {
	root := tmpRoot(t)
	touch(t, filepath.Join(root, "a.mkv"))

	res, err := New().Walk(context.Background(), []string{filepath.Join(root, "gone"), root})
	require.NoError(t, err)
	assert.Len(t, res.Videos, 1)
}

func TestWalkBreaksSymlinkLoop(t *testing.T) {
	root := tmpRoot(t)
	sub := filepath.Join(root, "sub")
	touch(t, filepath.Join(sub, "e1.mkv"))
	// sub/loop -> root: following it twice would never terminate.
	require.NoError(t, os.Symlink(root, filepath.Join(sub, "loop")))

	res, err := New().Walk(context.Background(), []string{root})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(sub, "e1.mkv")}, res.Videos)
}

func TestWalkDeduplicatesAcrossRoots(t *testing.T) {
	root := tmpRoot(t)
	touch(t, filepath.Join(root, "one.mkv"))

	res, err := New().Walk(context.Background(), []string{root, root})
	require.NoError(t, err)
	assert.Len(t, res.Videos, 1)
}

func TestWalkFollowsSymlinkedDirOnce(t *testing.T) {
	root := tmpRoot(t)
	real := filepath.Join(root, "real")
	touch(t, filepath.Join(real, "movie.m4v"))
	require.NoError(t, os.Symlink(real, filepath.Join(root, "alias")))

	res, err := New().Walk(context.Background(), []string{root})
	require.NoError(t, err)
	assert.Len(t, res.Videos, 1, "aliased directory must contribute each file once")
}

func TestWalkHonoursCancellation(t *testing.T) {
	root := tmpRoot(t)
	touch(t, filepath.Join(root, "a.mkv"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Walk(ctx, []string{root})
	assert.ErrorIs(t, err, context.Canceled)
}
