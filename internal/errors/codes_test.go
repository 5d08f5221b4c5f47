package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := TransientConnection(cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "connection error: connection reset", err.Error())
}

func TestSanitized_HidesCauseExceptStatementErrors(t *testing.T) {
	cause := fmt.Errorf("duplicate key value violates unique constraint")

	stmt := StatementFailed(cause)
	assert.Equal(t, "statement failed: duplicate key value violates unique constraint", stmt.Sanitized())

	internal := InternalError("something broke", cause)
	assert.Equal(t, "something broke", internal.Sanitized())

	cacheErr := CacheComputeFailed(cause)
	assert.Equal(t, "cached computation failed", cacheErr.Sanitized())
}

func TestSanitize_NonQueryError(t *testing.T) {
	assert.Equal(t, "internal error", Sanitize(fmt.Errorf("dial tcp 10.0.0.1: refused")))
	assert.Equal(t, "", Sanitize(nil))
}

func TestSanitize_WrappedQueryError(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", InvalidTable("ghost"))
	assert.Equal(t, "unknown table 'ghost'", Sanitize(wrapped))
	assert.Equal(t, ErrCodeInvalidTable, GetCode(wrapped))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, InvalidOperator("~~").IsValidation())
	assert.True(t, UnscopedMutation("DELETE", "users").IsValidation())
	assert.False(t, PoolExhausted("5s").IsValidation())
	assert.False(t, InternalError("x", nil).IsValidation())
}

func TestRetryable(t *testing.T) {
	assert.True(t, PoolExhausted("5s").Retryable())
	assert.True(t, TransientConnection(nil).Retryable())
	assert.False(t, StatementFailed(nil).Retryable())
	assert.False(t, InvalidArgument("x").Retryable())
}

func TestGetCode_UnknownError(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := InvalidColumn("users", "nope")
	assert.Equal(t, "users", err.Details["table"])
	assert.Equal(t, "nope", err.Details["column"])

	err.WithDetail("hint", "did you mean 'name'")
	assert.Equal(t, "did you mean 'name'", err.Details["hint"])
}
