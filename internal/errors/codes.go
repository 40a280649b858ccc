// Package errors provides structured error handling for gsindex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Write lock errors
//   - 4XX: Consistency errors (stale snapshots, corruption)
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration errors: bad values, unknown analyzer or backend.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryLock indicates the exclusive write lock could not be obtained.
	CategoryLock Category = "LOCK"
	// CategoryConsistency indicates stale reader state or index corruption.
	CategoryConsistency Category = "CONSISTENCY"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates a transient fault that may clear on retry.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid   = "ERR_101_CONFIG_INVALID"
	ErrCodeUnknownAnalyzer = "ERR_102_UNKNOWN_ANALYZER"
	ErrCodeUnknownBackend  = "ERR_103_UNKNOWN_BACKEND"
	ErrCodeBackendInit     = "ERR_104_BACKEND_INIT"

	// IO errors (200-299)
	ErrCodeIO       = "ERR_201_IO"
	ErrCodeDiskFull = "ERR_202_DISK_FULL"

	// Lock errors (300-399)
	ErrCodeLockTimeout = "ERR_301_LOCK_TIMEOUT"
	ErrCodeLockHeld    = "ERR_302_LOCK_HELD"

	// Consistency errors (400-499)
	ErrCodeStaleSnapshot = "ERR_401_STALE_SNAPSHOT"
	ErrCodeCorruptIndex  = "ERR_402_CORRUPT_INDEX"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeHandleClosed   = "ERR_502_HANDLE_CLOSED"
	ErrCodeRegistryClosed = "ERR_503_REGISTRY_CLOSED"
	ErrCodeRetryExhausted = "ERR_504_RETRY_EXHAUSTED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_INVALID"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryLock
	case '4':
		return CategoryConsistency
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeIO, ErrCodeDiskFull:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether a fault may clear by reopening reader
// state and trying again.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStaleSnapshot, ErrCodeLockTimeout, ErrCodeLockHeld:
		return true
	default:
		return false
	}
}
