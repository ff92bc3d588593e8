// Package currency converts transaction amounts into the company's base
// currency.
package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

type Normalizer struct {
	rates           RateLookup
	maxFallbackDays int
}

func NewNormalizer(rates RateLookup, maxFallbackDays int) *Normalizer {
	if maxFallbackDays < 0 {
		maxFallbackDays = 0
	}
	return &Normalizer{rates: rates, maxFallbackDays: maxFallbackDays}
}

// Resolution is the outcome of one conversion.
type Resolution struct {
	Amount   decimal.Decimal
	Rate     decimal.Decimal
	RateDate time.Time
}

// Convert turns amount in from into base using the rate of asOf, or of the
// nearest earlier business day when asOf has none.
func (n *Normalizer) Convert(ctx context.Context, amount decimal.Decimal, from, base string, asOf time.Time) (Resolution, error) {
	from, base = strings.ToUpper(from), strings.ToUpper(base)
	day := truncateDay(asOf)

	baseUnit, err := currency.ParseISO(base)
	if err != nil {
		return Resolution{}, &apperr.CurrencyResolutionError{From: from, To: base, Date: day, Err: err}
	}
	if from == base {
		return Resolution{Amount: Round(amount, baseUnit), Rate: decimal.NewFromInt(1), RateDate: day}, nil
	}
	if _, err := currency.ParseISO(from); err != nil {
		return Resolution{}, &apperr.CurrencyResolutionError{From: from, To: base, Date: day, Err: err}
	}

	candidate := day
	for step := 0; step <= n.maxFallbackDays; step++ {
		rate, err := n.rates.GetRate(ctx, from, base, candidate)
		if err == nil {
			return Resolution{
				Amount:   Round(amount.Mul(rate), baseUnit),
				Rate:     rate,
				RateDate: candidate,
			}, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return Resolution{}, &apperr.CurrencyResolutionError{From: from, To: base, Date: day, Err: err}
		}
		candidate = previousBusinessDay(candidate)
	}
	return Resolution{}, &apperr.CurrencyResolutionError{
		From: from, To: base, Date: day,
		Err: fmt.Errorf("no rate within %d business days: %w", n.maxFallbackDays, ErrRateNotFound),
	}
}

// Normalize fills the base-currency fields of tx. A resolution failure is
// not fatal: the line keeps a null normalized amount, is flagged for review,
// and the error is returned for logging.
func (n *Normalizer) Normalize(ctx context.Context, tx *models.BankTransaction, base string, asOf time.Time) error {
	tx.BaseCurrency = strings.ToUpper(base)
	res, err := n.Convert(ctx, tx.Amount, tx.Currency, base, asOf)
	if err != nil {
		tx.NormalizedAmount = decimal.NullDecimal{}
		tx.RateUsed = decimal.NullDecimal{}
		tx.RateDate = nil
		tx.NeedsReview = true
		tx.ReviewReason = joinReason(tx.ReviewReason, "currency unresolved")
		return err
	}
	tx.NormalizedAmount = decimal.NewNullDecimal(res.Amount)
	tx.RateUsed = decimal.NewNullDecimal(res.Rate)
	rateDate := res.RateDate
	tx.RateDate = &rateDate
	return nil
}

// Round applies the standard minor-unit scale of the currency.
func Round(amount decimal.Decimal, unit currency.Unit) decimal.Decimal {
	scale, _ := currency.Standard.Rounding(unit)
	return amount.Round(int32(scale))
}

// RoundCode is Round for an ISO code; unknown codes round to two places.
func RoundCode(amount decimal.Decimal, code string) decimal.Decimal {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return amount.Round(2)
	}
	return Round(amount, unit)
}

func previousBusinessDay(t time.Time) time.Time {
	t = t.AddDate(0, 0, -1)
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

func joinReason(cur, add string) string {
	if cur == "" {
		return add
	}
	return cur + "; " + add
}
