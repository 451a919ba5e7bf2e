// Package errors provides structured error handling for codescope.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Timeout and cancellation errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Embedding provider errors
//   - 4XX: LSP session errors
//   - 5XX: Query validation errors
//   - 6XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryTimeout indicates an operation exceeded its deadline.
	CategoryTimeout Category = "TIMEOUT"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryEmbedding indicates embedding provider errors.
	CategoryEmbedding Category = "EMBEDDING"
	// CategorySession indicates LSP session and process errors.
	CategorySession Category = "SESSION"
	// CategoryValidation indicates query validation errors.
	CategoryValidation Category = "VALIDATION"
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
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Timeout errors (100-199)
	ErrCodeTimeout = "ERR_101_TIMEOUT"

	// IO errors (200-299)
	ErrCodeUnreadableFile = "ERR_201_UNREADABLE_FILE"
	ErrCodeFileTooLarge   = "ERR_202_FILE_TOO_LARGE"
	ErrCodeCorruptIndex   = "ERR_203_CORRUPT_INDEX"

	// Embedding errors (300-399)
	ErrCodeEmbeddingUnavailable = "ERR_301_EMBEDDING_UNAVAILABLE"
	ErrCodeDimensionMismatch    = "ERR_302_DIMENSION_MISMATCH"

	// LSP session errors (400-499)
	ErrCodeLSPInit            = "ERR_401_LSP_INIT"
	ErrCodeSessionUnavailable = "ERR_402_SESSION_UNAVAILABLE"
	ErrCodeSessionCrashed     = "ERR_403_SESSION_CRASHED"

	// Query errors (500-599)
	ErrCodeInvalidQuery = "ERR_501_INVALID_QUERY"
	ErrCodeNoResults    = "ERR_502_NO_RESULTS"

	// Internal errors (600-699)
	ErrCodeInternal      = "ERR_601_INTERNAL"
	ErrCodeConfigInvalid = "ERR_602_CONFIG_INVALID"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract leading digit of the numeric portion (e.g., "4" from "ERR_401_LSP_INIT")
	switch code[4] {
	case '1':
		return CategoryTimeout
	case '2':
		return CategoryIO
	case '3':
		return CategoryEmbedding
	case '4':
		return CategorySession
	case '5':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from error code.
// Per-file and per-unit failures are isolated, so IO errors are warnings.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeUnreadableFile, ErrCodeFileTooLarge:
		return SeverityWarning
	case ErrCodeCorruptIndex, ErrCodeConfigInvalid:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code
// may be retried with backoff.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeEmbeddingUnavailable, ErrCodeSessionUnavailable:
		return true
	default:
		return false
	}
}
