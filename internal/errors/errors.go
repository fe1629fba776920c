// Package errors holds the error definitions shared by the recorder packages.
//
// It provides:
//   - control wire error codes
//   - sentinel errors for every recorder error condition
//   - category checks (IsRetriable, IsStateError)
//   - wrapping helpers and a validation error collector
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Control wire error codes
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeInvalidRequest   int32 = 2
	CodeNotRecording     int32 = 3
	CodeAlreadyRecording int32 = 4
	CodeIO               int32 = 5
	CodeInternal         int32 = 6
	CodeClosed           int32 = 7
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotRecording:
		return "NotRecording"
	case CodeAlreadyRecording:
		return "AlreadyRecording"
	case CodeIO:
		return "IO"
	case CodeInternal:
		return "Internal"
	case CodeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Allocation and backpressure
	ErrPoolExhausted   = errors.New("buffer pool exhausted")
	ErrAllocation      = errors.New("buffer allocation failed")
	ErrDataLost        = errors.New("event data lost")
	ErrBufferTooLarge  = errors.New("requested size exceeds maximum buffer size")
	ErrPoolInitialized = errors.New("memory space initialization failed")

	// Recording state
	ErrNotRecording        = errors.New("not recording")
	ErrAlreadyRecording    = errors.New("already recording")
	ErrRotationInProgress  = errors.New("rotation already in progress")
	ErrRecursiveRotation   = errors.New("recursive rotation attempt")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRecorderNotRunning  = errors.New("recorder thread not running")
	ErrParticipantUnknown  = errors.New("participant not registered")
	ErrPauseAlreadyPending = errors.New("pause already requested")

	// Chunk I/O
	ErrChunkNotOpen   = errors.New("chunk not open")
	ErrChunkOpen      = errors.New("chunk already open")
	ErrInvalidChunk   = errors.New("invalid chunk")
	ErrTornWrite      = errors.New("chunk write in progress or torn")
	ErrTruncated      = errors.New("truncated record")
	ErrWriterClosed   = errors.New("chunk writer closed")
	ErrRepositoryPath = errors.New("invalid repository path")

	// Messaging
	ErrClosed      = errors.New("closed")
	ErrUnknownKind = errors.New("unknown message kind")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Internal
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsStateError returns true if err is a recording state error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotRecording) ||
		errors.Is(err, ErrAlreadyRecording) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsChunkError returns true if err concerns chunk I/O or chunk validity.
func IsChunkError(err error) bool {
	return errors.Is(err, ErrChunkNotOpen) ||
		errors.Is(err, ErrChunkOpen) ||
		errors.Is(err, ErrInvalidChunk) ||
		errors.Is(err, ErrTornWrite) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrWriterClosed)
}

// IsRetriable returns true if the failed operation may succeed on a later attempt.
// A failed rotation is retried on the next scheduled rotation.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrAllocation) ||
		errors.Is(err, ErrRotationInProgress) ||
		errors.Is(err, ErrChunkNotOpen)
}

// ErrorToCode maps a sentinel error to its control wire code.
func ErrorToCode(err error) int32 {
	switch {
	case err == nil:
		return CodeUnknown
	case Is(err, ErrInvalidConfig), Is(err, ErrMissingField), Is(err, ErrUnknownKind):
		return CodeInvalidRequest
	case Is(err, ErrNotRecording):
		return CodeNotRecording
	case Is(err, ErrAlreadyRecording):
		return CodeAlreadyRecording
	case IsChunkError(err):
		return CodeIO
	case Is(err, ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code back to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotRecording:
		return ErrNotRecording
	case CodeAlreadyRecording:
		return ErrAlreadyRecording
	case CodeIO:
		return ErrInvalidChunk
	case CodeClosed:
		return ErrClosed
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
