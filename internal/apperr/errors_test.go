package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	timeout := &OCRTimeoutError{Timeout: time.Second}
	assert.True(t, IsRetryable(timeout))
	assert.True(t, IsRetryable(fmt.Errorf("processing: %w", timeout)))
	assert.False(t, IsRetryable(NewParseError(ParseEmpty, "no rows")))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestErrorMessages(t *testing.T) {
	id := uuid.MustParse("6f1c1a2e-7a2b-4d8e-9a55-3c0f3e0e1b11")
	assert.Contains(t, (&DuplicateError{OriginalID: id}).Error(), id.String())

	mismatch := &SplitAmountMismatchError{Expected: decimal.RequireFromString("100"), Actual: decimal.RequireFromString("99.99")}
	assert.Equal(t, "split amounts sum to 99.99, transaction amount is 100.00", mismatch.Error())

	state := &InvalidStateError{MatchID: id, Op: "approve", Status: "rejected"}
	assert.Contains(t, state.Error(), `cannot approve match`)
	assert.Contains(t, state.Error(), `"rejected"`)
}

func TestParseErrorUnwrap(t *testing.T) {
	inner := errors.New("bad quote")
	err := &ParseError{Kind: ParseMalformed, Detail: "row 3", Err: inner}
	assert.ErrorIs(t, err, inner)

	var pe *ParseError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &pe))
	assert.Equal(t, ParseMalformed, pe.Kind)
}
