package errors

import (
	stderrors "errors"
	"fmt"
)

// IndexError is the structured error type for gsindex.
// It provides rich context for error handling, logging, and user presentation.
type IndexError struct {
	// Code is the unique error code (e.g., "ERR_401_STALE_SNAPSHOT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Lock, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried after reopening state.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work against the sentinels below.
func (e *IndexError) Is(target error) bool {
	if t, ok := target.(*IndexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *IndexError) WithDetail(key, value string) *IndexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *IndexError) WithSuggestion(suggestion string) *IndexError {
	e.Suggestion = suggestion
	return e
}

// New creates a new IndexError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *IndexError {
	return &IndexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an IndexError from an existing error.
// The error's message becomes the IndexError message.
func Wrap(code string, err error) *IndexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is. They carry no cause and must not be mutated.
var (
	ErrStaleSnapshot   = New(ErrCodeStaleSnapshot, "reader snapshot is stale", nil)
	ErrCorruptIndex    = New(ErrCodeCorruptIndex, "index is corrupt", nil)
	ErrLockTimeout     = New(ErrCodeLockTimeout, "write lock timeout", nil)
	ErrLockHeld        = New(ErrCodeLockHeld, "write lock held", nil)
	ErrUnknownBackend  = New(ErrCodeUnknownBackend, "unknown backend", nil)
	ErrUnknownAnalyzer = New(ErrCodeUnknownAnalyzer, "unknown analyzer", nil)
	ErrRegistryClosed  = New(ErrCodeRegistryClosed, "registry is closed", nil)
	ErrHandleClosed    = New(ErrCodeHandleClosed, "handle is closed", nil)
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *IndexError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// UnknownBackendError reports a backend id missing from the resolver.
func UnknownBackendError(id string, known []string) *IndexError {
	return New(ErrCodeUnknownBackend, fmt.Sprintf("unknown backend: %q", id), nil).
		WithDetail("backend", id).
		WithSuggestion(fmt.Sprintf("valid backends: %v", known))
}

// UnknownAnalyzerError reports an analyzer id missing from the analyzer registry.
func UnknownAnalyzerError(id string, known []string) *IndexError {
	return New(ErrCodeUnknownAnalyzer, fmt.Sprintf("unknown analyzer: %q", id), nil).
		WithDetail("analyzer", id).
		WithSuggestion(fmt.Sprintf("valid analyzers: %v", known))
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *IndexError {
	return New(ErrCodeIO, message, cause)
}

// LockError creates a lock timeout error for the given lock path.
func LockError(path string, cause error) *IndexError {
	return New(ErrCodeLockTimeout, "timed out waiting for write lock", cause).
		WithDetail("lock", path).
		WithSuggestion("another process may hold the index; raise write_lock_timeout_ms or stop the other writer")
}

// StaleError reports that a reader snapshot no longer reflects the index.
func StaleError(message string) *IndexError {
	return New(ErrCodeStaleSnapshot, message, nil)
}

// CorruptionError reports an index whose files fail integrity checks.
func CorruptionError(path string, cause error) *IndexError {
	return New(ErrCodeCorruptIndex, "index is corrupt", cause).
		WithDetail("path", path).
		WithSuggestion("run 'gsindex recreate <index>' and re-ingest the documents")
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *IndexError {
	return New(ErrCodeInternal, message, cause)
}

// OperationError is the error every registry operation returns on failure.
// It names the index and operation and wraps the classified cause.
type OperationError struct {
	Index string
	Op    string
	Err   error
}

// Op wraps err with the index and operation name. A nil err stays nil.
func Op(index, op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if stderrors.As(err, &oe) && oe.Index == index && oe.Op == op {
		return err
	}
	return &OperationError{Index: index, Op: op, Err: err}
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s index=%s: %v", e.Op, e.Index, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// asIndexError returns the first IndexError in the chain.
func asIndexError(err error) (*IndexError, bool) {
	var ie *IndexError
	if err == nil || !stderrors.As(err, &ie) {
		return nil, false
	}
	return ie, true
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	ie, ok := asIndexError(err)
	return ok && ie.Retryable
}

// IsTransient reports whether err is a stale-state fault the retry loop may
// recover from by reopening the reader view.
func IsTransient(err error) bool {
	return IsRetryable(err)
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation and drop cached engine state.
func IsFatal(err error) bool {
	ie, ok := asIndexError(err)
	return ok && ie.Severity == SeverityFatal
}

// GetCode extracts the error code from the first IndexError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	if ie, ok := asIndexError(err); ok {
		return ie.Code
	}
	return ""
}

// GetCategory extracts the category from the first IndexError in the chain.
func GetCategory(err error) Category {
	if ie, ok := asIndexError(err); ok {
		return ie.Category
	}
	return ""
}
