package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	errMissing := New(KindNotFound, "subscription_not_found", "subscription not found")

	wrapped := fmt.Errorf("load: %w", errMissing)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.True(t, errors.Is(wrapped, errMissing))
	assert.False(t, errors.Is(wrapped, ErrInvalidState))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestWithfKeepsIdentity(t *testing.T) {
	errTransition := New(KindInvalidState, "invalid_transition", "invalid transition")
	detailed := errTransition.Withf("cannot renew a %s subscription", "cancelled")

	assert.True(t, errors.Is(detailed, errTransition))
	assert.True(t, errors.Is(detailed, ErrInvalidState))
	assert.Equal(t, "cannot renew a cancelled subscription", Message(detailed))
}

func TestDistinctCodesDoNotMatch(t *testing.T) {
	a := New(KindValidation, "amount_required", "amount required")
	b := New(KindValidation, "reason_required", "reason required")

	assert.False(t, errors.Is(a, b))
	assert.True(t, errors.Is(a, ErrValidation))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Nil(t, Wrap(KindInternal, "x", nil))
}
