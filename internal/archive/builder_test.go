package archive

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, r.Close())
	}()
	out := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, zip.Deflate, f.Method)
		out[f.Name] = string(data)
	}
	return out
}

func TestBuildFlattensDirectChildren(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.mp4"), []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.mp4"), []byte("bbbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "c.mp4"), []byte("cccc"), 0o644))

	dest := filepath.Join(root, "work.zip")
	art, err := New().Build(context.Background(), src, dest)
	require.NoError(t, err)
	require.Equal(t, dest, art.LocalPath)
	require.Equal(t, 2, art.Entries)
	require.Positive(t, art.SizeBytes)

	require.Equal(t, map[string]string{"a.mp4": "aaaa", "b.mp4": "bbbb"}, readZip(t, dest))
}

func TestBuildEmptyDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "empty")
	require.NoError(t, os.Mkdir(src, 0o755))

	art, err := New().Build(context.Background(), src, filepath.Join(root, "empty.zip"))
	require.NoError(t, err)
	require.Zero(t, art.Entries)
	require.Empty(t, readZip(t, art.LocalPath))
}

func TestBuildMissingDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	art, err := New().Build(context.Background(), filepath.Join(root, "missing"), filepath.Join(root, "m.zip"))
	require.NoError(t, err)
	require.Empty(t, readZip(t, art.LocalPath))
}

func TestBuildCanceledRemovesPartial(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "work")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(root, "work.zip")
	_, err := New().Build(ctx, src, dest)
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(dest)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestBuildUnwritableDestination(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := New().Build(context.Background(), root, filepath.Join(blocker, "out.zip"))
	require.Error(t, err)
}
