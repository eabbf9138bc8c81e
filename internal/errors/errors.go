// Package errors provides structured error handling for render jobs.
// It defines the error taxonomy used to decide how far a failure propagates:
// frame errors are recovered inside a job, preflight/encoder/unexpected errors
// end one job, and setup errors end the whole run.
package errors

import (
	"errors"
	"fmt"
)

// Error types for classification
type ErrorType string

const (
	// ErrorTypeSetup indicates a missing or unusable input for a selected job
	ErrorTypeSetup ErrorType = "setup"
	// ErrorTypePreflight indicates parse or asset loading failures
	ErrorTypePreflight ErrorType = "preflight"
	// ErrorTypeFrame indicates a single frame could not be produced
	ErrorTypeFrame ErrorType = "frame"
	// ErrorTypeEncoder indicates the encoder process or its input stream failed
	ErrorTypeEncoder ErrorType = "encoder"
	// ErrorTypeStorage indicates render history persistence errors
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeUnexpected indicates anything else escaping the render loop
	ErrorTypeUnexpected ErrorType = "unexpected"
)

// Sentinel errors, one per type, usable with errors.Is
var (
	ErrSetup      = errors.New("setup error")
	ErrPreflight  = errors.New("preflight failed")
	ErrFrame      = errors.New("frame render failed")
	ErrEncoder    = errors.New("encoder failed")
	ErrStorage    = errors.New("storage error")
	ErrUnexpected = errors.New("unexpected error")

	// ErrMissingInput indicates a required .mid or .mp3 file is absent
	ErrMissingInput = errors.New("missing required file")

	// ErrInputClosed indicates a frame write after the input side was closed
	ErrInputClosed = errors.New("encoder input closed")
)

var sentinels = map[ErrorType]error{
	ErrorTypeSetup:      ErrSetup,
	ErrorTypePreflight:  ErrPreflight,
	ErrorTypeFrame:      ErrFrame,
	ErrorTypeEncoder:    ErrEncoder,
	ErrorTypeStorage:    ErrStorage,
	ErrorTypeUnexpected: ErrUnexpected,
}

// JobError provides structured error information with context
type JobError struct {
	Type    ErrorType              // Error classification
	Op      string                 // Operation that failed (e.g., "parse_midi", "encode")
	JobID   string                 // Related job if applicable
	Err     error                  // Underlying error
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s error in %s for job %s: %v", e.Type, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *JobError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's type as well as wrapped errors
func (e *JobError) Is(target error) bool {
	if sentinel, ok := sentinels[e.Type]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new JobError
func New(errType ErrorType, op string, err error) *JobError {
	return &JobError{
		Type:    errType,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithJob adds job context to the error
func (e *JobError) WithJob(jobID string) *JobError {
	e.JobID = jobID
	return e
}

// WithDetail adds a key-value detail to the error
func (e *JobError) WithDetail(key string, value interface{}) *JobError {
	e.Details[key] = value
	return e
}

// IsRecoverable reports whether the job can continue after this error.
// Only single frame failures qualify.
func (e *JobError) IsRecoverable() bool {
	return e.Type == ErrorTypeFrame
}

// IsFatalToRun reports whether the error must stop the whole batch
func (e *JobError) IsFatalToRun() bool {
	return e.Type == ErrorTypeSetup
}

// Error creation helpers

// SetupError creates a run-fatal setup error
func SetupError(op string, err error) *JobError {
	return New(ErrorTypeSetup, op, err)
}

// PreflightError creates a job-fatal preflight error
func PreflightError(op string, err error) *JobError {
	return New(ErrorTypePreflight, op, err)
}

// FrameError creates a recoverable frame error
func FrameError(op string, err error) *JobError {
	return New(ErrorTypeFrame, op, err)
}

// EncoderError creates a job-fatal encoder error
func EncoderError(op string, err error) *JobError {
	return New(ErrorTypeEncoder, op, err)
}

// StorageError creates a render history error
func StorageError(op string, err error) *JobError {
	return New(ErrorTypeStorage, op, err)
}

// UnexpectedError creates a job-fatal error for anything unclassified
func UnexpectedError(op string, err error) *JobError {
	return New(ErrorTypeUnexpected, op, err)
}

// Wrap wraps an error with operation context if it's not already a JobError
func Wrap(err error, errType ErrorType, op string) error {
	if err == nil {
		return nil
	}

	var jErr *JobError
	if errors.As(err, &jErr) {
		return err
	}

	return New(errType, op, err)
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var jErr *JobError
	if errors.As(err, &jErr) {
		return jErr.Type
	}
	return ErrorTypeUnexpected
}

// GetOperation extracts the operation from an error
func GetOperation(err error) string {
	var jErr *JobError
	if errors.As(err, &jErr) {
		return jErr.Op
	}
	return "unknown"
}

// GetJobID extracts the job ID from an error
func GetJobID(err error) string {
	var jErr *JobError
	if errors.As(err, &jErr) {
		return jErr.JobID
	}
	return ""
}

// IsFatalToRun reports whether err should terminate the whole batch
func IsFatalToRun(err error) bool {
	var jErr *JobError
	return errors.As(err, &jErr) && jErr.IsFatalToRun()
}
