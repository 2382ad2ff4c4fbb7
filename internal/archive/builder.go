// Package archive streams a working directory into a single zip artifact.
package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Builder writes zip archives at maximum compression.
type Builder struct {
	level int
}

// New returns a Builder using flate.BestCompression.
func New() *Builder {
	return &Builder{level: flate.BestCompression}
}

// Build zips the regular files directly inside srcDir (no recursion) into
// destPath. An empty or missing source directory yields a valid empty archive.
// A partially written archive is removed on failure.
func (b *Builder) Build(ctx context.Context, srcDir, destPath string) (bundle.ArchiveArtifact, error) {
	names, err := listFiles(srcDir)
	if err != nil {
		return bundle.ArchiveArtifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return bundle.ArchiveArtifact{}, fmt.Errorf("create archive dir: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return bundle.ArchiveArtifact{}, fmt.Errorf("create archive: %w", err)
	}

	if err := b.write(ctx, out, srcDir, names); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return bundle.ArchiveArtifact{}, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(destPath)
		return bundle.ArchiveArtifact{}, fmt.Errorf("close archive: %w", err)
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return bundle.ArchiveArtifact{}, fmt.Errorf("stat archive: %w", err)
	}
	return bundle.ArchiveArtifact{LocalPath: destPath, SizeBytes: info.Size(), Entries: len(names)}, nil
}

func (b *Builder) write(ctx context.Context, out io.Writer, srcDir string, names []string) error {
	zw := zip.NewWriter(out)
	level := b.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return fmt.Errorf("archive canceled: %w", err)
		}
		if err := addFile(zw, srcDir, name); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip copy %s: %w", name, err)
	}
	return nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read working dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
