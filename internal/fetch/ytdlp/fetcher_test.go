package ytdlp

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestFetchStreamsStdout(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, `printf 'media:%s' "$2"`)
	var buf bytes.Buffer
	n, err := New(Config{BinaryPath: bin}).
		Fetch(context.Background(), "https://youtu.be/abc", bundle.FormatMP3, &buf)
	require.NoError(t, err)
	require.Equal(t, "media:bestaudio/best", buf.String())
	require.Equal(t, int64(buf.Len()), n)
}

func TestFetchFailureIncludesStderr(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, `echo "ERROR: video unavailable" >&2; exit 1`)
	_, err := New(Config{BinaryPath: bin}).
		Fetch(context.Background(), "https://youtu.be/abc", bundle.FormatMP4, &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "video unavailable")
}

func TestFetchEmptyOutput(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, `exit 0`)
	_, err := New(Config{BinaryPath: bin}).
		Fetch(context.Background(), "https://youtu.be/abc", bundle.FormatNone, &bytes.Buffer{})
	require.ErrorContains(t, err, "no output")
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, `exec sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{BinaryPath: bin}).Fetch(ctx, "https://youtu.be/abc", bundle.FormatNone, &bytes.Buffer{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestArgs(t *testing.T) {
	t.Parallel()

	f := New(Config{ExtraArgs: []string{"--limit-rate", "1M"}})
	require.Equal(t,
		[]string{"-f", "best[ext=mp4]/best", "-o", "-", "--no-warnings", "--no-playlist", "--quiet", "--limit-rate", "1M", "https://x"},
		f.Args("https://x", bundle.FormatMP4),
	)
}
