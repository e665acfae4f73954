package posting

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindTaxonomy(t *testing.T) {
	assert.Equal(t, "VALIDATION", KindValidation.String())
	assert.Equal(t, "UNBALANCED_JOURNAL", KindUnbalanced.String())
	assert.Equal(t, "INSUFFICIENT_FUNDS", KindInsufficientFunds.String())
	assert.Equal(t, "ACCOUNT_FROZEN", KindAccountFrozen.String())
	assert.Equal(t, "PERIOD_CLOSED", KindPeriodClosed.String())
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", KindIdempotencyConflict.String())
	assert.Equal(t, "STATE_CONFLICT", KindStateConflict.String())
	assert.Equal(t, "NOT_FOUND", KindNotFound.String())
	assert.Equal(t, "CONCURRENCY_RETRY_EXHAUSTED", KindRetryExhausted.String())
	assert.Equal(t, "CANCELLED", KindCancelled.String())
	assert.Equal(t, "STORAGE", KindStorage.String())
	assert.Equal(t, "INTERNAL", KindInternal.String())

	assert.True(t, KindRetryExhausted.Retryable())
	assert.True(t, KindStorage.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindInsufficientFunds.Retryable())
}

func TestErrorEnvelope(t *testing.T) {
	cause := errors.New("connection reset")
	err := wrapError(KindStorage, "post.apply", cause, "balance update")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.True(t, IsKind(err, KindStorage))
	assert.False(t, IsKind(err, KindValidation))
	assert.Contains(t, err.Error(), "post.apply")
	assert.Contains(t, err.Error(), "STORAGE")

	plain := newError(KindNotFound, "reverse", "journal %s not found", "jrn-1")
	assert.Contains(t, plain.Error(), "journal jrn-1 not found")
	assert.Nil(t, errors.Unwrap(plain))

	// Unclassified errors default to INTERNAL.
	assert.Equal(t, KindInternal, KindOf(errors.New("anything")))
	assert.False(t, IsKind(errors.New("anything"), KindInternal))
}
