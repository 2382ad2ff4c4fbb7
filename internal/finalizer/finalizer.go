// Package finalizer removes a job's local state after the pipeline finishes.
package finalizer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Finalizer deletes working directories and archives. Every delete tolerates
// paths that are already gone.
type Finalizer struct {
	root   string
	logger *zap.Logger
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithRoot lets Finalize prune every empty directory between the working
// directory and root. root itself is never removed.
func WithRoot(root string) Option {
	return func(f *Finalizer) {
		f.root = filepath.Clean(root)
	}
}

// New returns a Finalizer. Without WithRoot only the working directory's
// immediate parent is pruned.
func New(logger *zap.Logger, opts ...Option) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Finalizer{logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize removes workingDir and archivePath, then the directories above
// them that are left empty. Empty arguments are skipped.
func (f *Finalizer) Finalize(jobID, workingDir, archivePath string) error {
	var errs []error
	if workingDir != "" {
		if err := os.RemoveAll(workingDir); err != nil {
			errs = append(errs, fmt.Errorf("remove working dir: %w", err))
		}
	}
	if archivePath != "" {
		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove archive: %w", err))
		}
	}
	if workingDir != "" {
		if err := f.prune(filepath.Dir(filepath.Clean(workingDir))); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		f.logger.Error("cleanup failed", zap.String("job_id", jobID), zap.Error(err))
		return err
	}
	f.logger.Debug("cleanup finished", zap.String("job_id", jobID))
	return nil
}

// prune removes dir and its ancestors while they are empty and below root.
func (f *Finalizer) prune(dir string) error {
	if f.root == "" {
		_, err := removeIfEmpty(dir)
		return err
	}
	for dir != f.root && strings.HasPrefix(dir, f.root+string(filepath.Separator)) {
		removed, err := removeIfEmpty(dir)
		if err != nil || !removed {
			return err
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// removeIfEmpty reports whether dir is gone afterwards.
func removeIfEmpty(dir string) (bool, error) {
	d, err := os.Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("open job dir: %w", err)
	}
	_, err = d.Readdirnames(1)
	_ = d.Close()
	if !errors.Is(err, io.EOF) {
		return false, nil
	}
	if err := os.Remove(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		// Another execution created an entry after the emptiness check.
		if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
			return false, nil
		}
		return false, fmt.Errorf("remove job dir: %w", err)
	}
	return true, nil
}
