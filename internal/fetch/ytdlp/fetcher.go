// Package ytdlp implements the VideoHosting fetch strategy by streaming the
// output of the yt-dlp binary straight into the destination file.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

const maxStderr = 4 << 10

// Config controls the yt-dlp invocation.
type Config struct {
	BinaryPath string
	// ExtraArgs are inserted before the link, after the built-in flags.
	ExtraArgs []string
}

// Fetcher runs yt-dlp once per link.
type Fetcher struct {
	cfg Config
}

// New returns a Fetcher. An empty BinaryPath resolves yt-dlp from PATH.
func New(cfg Config) *Fetcher {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "yt-dlp"
	}
	return &Fetcher{cfg: cfg}
}

// Selector maps the requested format onto a yt-dlp format selector.
func Selector(format bundle.Format) string {
	switch format {
	case bundle.FormatMP3:
		return "bestaudio/best"
	case bundle.FormatMP4:
		return "best[ext=mp4]/best"
	default:
		return "best"
	}
}

// Args returns the command line used for link.
func (f *Fetcher) Args(link string, format bundle.Format) []string {
	args := []string{"-f", Selector(format), "-o", "-", "--no-warnings", "--no-playlist", "--quiet"}
	args = append(args, f.cfg.ExtraArgs...)
	return append(args, link)
}

// Fetch streams the extracted media for link into w.
func (f *Fetcher) Fetch(ctx context.Context, link string, format bundle.Format, w io.Writer) (int64, error) {
	cmd := exec.CommandContext(ctx, f.cfg.BinaryPath, f.Args(link, format)...)
	counter := &countingWriter{w: w}
	stderr := &limitedBuffer{limit: maxStderr}
	cmd.Stdout = counter
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return counter.n, fmt.Errorf("yt-dlp canceled: %w", errors.Join(ctxErr, err))
		}
		return counter.n, fmt.Errorf("yt-dlp failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	if counter.n == 0 {
		return 0, errors.New("yt-dlp produced no output")
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
