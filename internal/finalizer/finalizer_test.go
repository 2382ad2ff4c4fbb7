package finalizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizeRemovesEverything(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	jobDir := filepath.Join(root, "job-1")
	workDir := filepath.Join(jobDir, "bundle")
	archivePath := filepath.Join(jobDir, "bundle.zip")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.mp4"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(archivePath, []byte("zip"), 0o644))

	require.NoError(t, New(nil).Finalize("job-1", workDir, archivePath))

	_, err := os.Stat(jobDir)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(root)
	require.NoError(t, err)
}

func TestFinalizeToleratesMissingPaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := New(nil)
	workDir := filepath.Join(root, "job-2", "bundle")
	archivePath := filepath.Join(root, "job-2", "bundle.zip")

	require.NoError(t, f.Finalize("job-2", workDir, archivePath))
	require.NoError(t, f.Finalize("job-2", workDir, archivePath))
	require.NoError(t, f.Finalize("job-2", "", ""))
}

func TestFinalizeKeepsNonEmptyJobDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	jobDir := filepath.Join(root, "job-3")
	workDir := filepath.Join(jobDir, "bundle")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	other := filepath.Join(jobDir, "other.zip")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	require.NoError(t, New(nil).Finalize("job-3", workDir, ""))

	_, err := os.Stat(workDir)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(other)
	require.NoError(t, err)
}

func TestFinalizePrunesEmptyDirsUpToRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	runDir := filepath.Join(root, "job-4", "run-a")
	workDir := filepath.Join(runDir, "bundle")
	archivePath := filepath.Join(runDir, "bundle.zip")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.WriteFile(archivePath, []byte("zip"), 0o644))

	require.NoError(t, New(nil, WithRoot(root)).Finalize("job-4", workDir, archivePath))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFinalizeLeavesSiblingExecutionAlone(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	jobDir := filepath.Join(root, "job-5")
	mine := filepath.Join(jobDir, "run-a", "bundle")
	theirs := filepath.Join(jobDir, "run-b", "bundle")
	require.NoError(t, os.MkdirAll(mine, 0o755))
	require.NoError(t, os.MkdirAll(theirs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(theirs, "a.mp4"), []byte("a"), 0o644))

	require.NoError(t, New(nil, WithRoot(root)).Finalize("job-5", mine, filepath.Join(jobDir, "run-a", "bundle.zip")))

	_, err := os.Stat(filepath.Join(jobDir, "run-a"))
	require.ErrorIs(t, err, os.ErrNotExist)
	data, err := os.ReadFile(filepath.Join(theirs, "a.mp4"))
	require.NoError(t, err)
	require.Equal(t, "a", string(data))
}
