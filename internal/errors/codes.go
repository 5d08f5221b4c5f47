package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Validation errors, rejected before touching the backing store
	ErrCodeInvalidArgument       ErrorCode = 1000
	ErrCodeInvalidTable          ErrorCode = 1001
	ErrCodeInvalidColumn         ErrorCode = 1002
	ErrCodeInvalidOperator       ErrorCode = 1003
	ErrCodeInvalidSort           ErrorCode = 1004
	ErrCodeInvalidPagination     ErrorCode = 1005
	ErrCodeConflictingPagination ErrorCode = 1006
	ErrCodeUnscopedMutation      ErrorCode = 1007

	// Runtime errors
	ErrCodeInternal            ErrorCode = 2000
	ErrCodePoolExhausted       ErrorCode = 2001
	ErrCodePoolClosed          ErrorCode = 2002
	ErrCodeStatement           ErrorCode = 2003
	ErrCodeTransientConnection ErrorCode = 2004
	ErrCodeCacheCompute        ErrorCode = 2005
)

// QueryError represents a structured error with code and context
type QueryError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *QueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Sanitized returns the client-safe message. The cause may carry raw
// backing-store detail and is never included, except for statement
// errors, where the store's own message is the useful part.
func (e *QueryError) Sanitized() string {
	if e.Code == ErrCodeStatement && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// IsValidation reports whether the error was rejected at validation
func (e *QueryError) IsValidation() bool {
	return e.Code >= 1000 && e.Code < 2000
}

// Retryable reports whether the caller may usefully retry
func (e *QueryError) Retryable() bool {
	return e.Code == ErrCodePoolExhausted || e.Code == ErrCodeTransientConnection
}

// NewQueryError creates a new QueryError
func NewQueryError(code ErrorCode, message string, cause error) *QueryError {
	return &QueryError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *QueryError) WithDetail(key string, value interface{}) *QueryError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string) *QueryError {
	return NewQueryError(ErrCodeInvalidArgument, message, nil)
}

func InvalidTable(table string) *QueryError {
	return NewQueryError(ErrCodeInvalidTable, fmt.Sprintf("unknown table '%s'", table), nil).
		WithDetail("table", table)
}

func InvalidColumn(table, column string) *QueryError {
	return NewQueryError(ErrCodeInvalidColumn, fmt.Sprintf("unknown column '%s' on table '%s'", column, table), nil).
		WithDetail("table", table).
		WithDetail("column", column)
}

func InvalidOperator(operator string) *QueryError {
	return NewQueryError(ErrCodeInvalidOperator, fmt.Sprintf("operator '%s' is not allowed", operator), nil).
		WithDetail("operator", operator)
}

func InvalidSort(direction string) *QueryError {
	return NewQueryError(ErrCodeInvalidSort, fmt.Sprintf("sort direction '%s' is not allowed", direction), nil).
		WithDetail("direction", direction)
}

func InvalidPagination(page, pageSize int) *QueryError {
	return NewQueryError(ErrCodeInvalidPagination,
		fmt.Sprintf("invalid pagination: page %d, page size %d", page, pageSize), nil).
		WithDetail("page", page).
		WithDetail("page_size", pageSize)
}

func ConflictingPagination() *QueryError {
	return NewQueryError(ErrCodeConflictingPagination,
		"statement already contains LIMIT or OFFSET", nil)
}

func UnscopedMutation(operation, table string) *QueryError {
	return NewQueryError(ErrCodeUnscopedMutation,
		fmt.Sprintf("%s on '%s' has no conditions; set force to mutate the whole table", operation, table), nil).
		WithDetail("operation", operation).
		WithDetail("table", table)
}

func PoolExhausted(timeoutMsg string) *QueryError {
	return NewQueryError(ErrCodePoolExhausted,
		fmt.Sprintf("connection pool exhausted: %s", timeoutMsg), nil)
}

func PoolClosed() *QueryError {
	return NewQueryError(ErrCodePoolClosed, "connection pool is closed", nil)
}

func StatementFailed(cause error) *QueryError {
	return NewQueryError(ErrCodeStatement, "statement failed", cause)
}

func TransientConnection(cause error) *QueryError {
	return NewQueryError(ErrCodeTransientConnection, "connection error", cause)
}

func CacheComputeFailed(cause error) *QueryError {
	return NewQueryError(ErrCodeCacheCompute, "cached computation failed", cause)
}

func InternalError(message string, cause error) *QueryError {
	return NewQueryError(ErrCodeInternal, message, cause)
}

// IsQueryError checks if an error is a QueryError
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ErrCodeInternal
}

// Sanitize returns a client-safe message for any error
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Sanitized()
	}
	return "internal error"
}
