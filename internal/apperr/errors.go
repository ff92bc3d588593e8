// Package apperr holds the error taxonomy shared by the ingestion, matching
// and review services.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRunInProgress     = errors.New("matching run already in progress for company")
	ErrJobNotCancellable = errors.New("job is no longer queued")
	ErrJobInProgress     = errors.New("statement has a queued or running job")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrMatchConflict     = errors.New("transaction or expense already has an approved match")
)

// ParseErrorKind classifies why a parser could not produce any rows.
type ParseErrorKind string

const (
	ParseMalformed         ParseErrorKind = "malformed"
	ParseUnsupportedLocale ParseErrorKind = "unsupported-locale"
	ParseEmpty             ParseErrorKind = "empty"
)

type ParseError struct {
	Kind   ParseErrorKind
	Detail string
	Err    error
}

func NewParseError(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error (%s): %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("parse error (%s): %s", e.Kind, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DuplicateError is informational: the statement bytes were already ingested
// for the same account.
type DuplicateError struct {
	OriginalID  uuid.UUID
	Fingerprint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate statement: already ingested as %s", e.OriginalID)
}

type CurrencyResolutionError struct {
	From string
	To   string
	Date time.Time
	Err  error
}

func (e *CurrencyResolutionError) Error() string {
	return fmt.Sprintf("no exchange rate %s->%s on or before %s: %v", e.From, e.To, e.Date.Format("2006-01-02"), e.Err)
}

func (e *CurrencyResolutionError) Unwrap() error { return e.Err }

type OCRTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *OCRTimeoutError) Error() string {
	return fmt.Sprintf("ocr recognition timed out after %s", e.Timeout)
}

func (e *OCRTimeoutError) Unwrap() error { return e.Err }

func (e *OCRTimeoutError) Retryable() bool { return true }

// InvalidStateError is returned when a review operation targets a match whose
// current status does not allow it.
type InvalidStateError struct {
	MatchID uuid.UUID
	Op      string
	Status  string
	Detail  string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s match %s in status %q", e.Op, e.MatchID, e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

type SplitAmountMismatchError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *SplitAmountMismatchError) Error() string {
	return fmt.Sprintf("split amounts sum to %s, transaction amount is %s", e.Actual.StringFixed(2), e.Expected.StringFixed(2))
}

// IsRetryable reports whether err (or anything it wraps) asks to be retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
