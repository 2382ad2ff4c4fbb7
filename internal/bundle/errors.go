package bundle

import (
	"errors"
	"fmt"
)

// Error taxonomy for pipeline stages.
var (
	ErrDownload          = errors.New("download failed")
	ErrArchive           = errors.New("archive failed")
	ErrPublishUpload     = errors.New("publish upload failed")
	ErrPublishGrant      = errors.New("publish grant failed")
	ErrGrantCompensated  = errors.New("uploaded object deleted after grant failure")
	ErrNotify            = errors.New("notify failed")
	ErrUnsupportedOrigin = errors.New("unsupported origin")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrQueueClosed       = errors.New("queue closed")
	ErrLeaseLost         = errors.New("delivery lease lost")
)

// Stage names a pipeline step.
type Stage string

// Pipeline stages.
const (
	StageDownload Stage = "download"
	StageArchive  Stage = "archive"
	StageUpload   Stage = "upload"
	StageGrant    Stage = "grant"
	StageNotify   Stage = "notify"
	StageCleanup  Stage = "cleanup"
)

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of the first StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
