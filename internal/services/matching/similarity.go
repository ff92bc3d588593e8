package matching

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/services/dedup"
)

// noiseTokens say how a payment was made, not who was paid.
var noiseTokens = map[string]bool{
	"CARD": true, "PAYMENT": true, "POS": true, "PURCHASE": true, "DEBIT": true,
	"TRANSACTION": true, "ONLINE": true, "TRANSFER": true, "VISA": true, "MASTERCARD": true,
	"KARTA": true, "PLATNOSC": true, "ZAKUP": true, "PRZELEW": true, "BLIK": true,
}

// tokens returns the merchant-bearing words of a description: normalized,
// without payment noise and without pure numbers (card digits, dates).
func tokens(s string) []string {
	var out []string
	for _, t := range strings.Fields(dedup.NormalizeDescription(s)) {
		if noiseTokens[t] || numeric(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func numeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// MerchantKey is the pattern key of a bank description: its first two
// merchant tokens.
func MerchantKey(description string) string {
	t := tokens(description)
	if len(t) > 2 {
		t = t[:2]
	}
	return strings.Join(t, " ")
}

// VendorKey names the counterparty of an expense, preferring the merchant.
func VendorKey(e models.Expense) string {
	if v := strings.Join(tokens(e.MerchantName), " "); v != "" {
		return v
	}
	return strings.Join(tokens(e.Title), " ")
}

// TextSimilarity compares a bank description with the merchant and title of
// an expense and returns the better of the two in [0,1].
func TextSimilarity(description string, e models.Expense) float64 {
	return max(similarity(description, e.MerchantName), similarity(description, e.Title))
}

func similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	ja, jb := strings.Join(ta, " "), strings.Join(tb, " ")
	if ja == jb {
		return 1
	}
	return max(levenshteinRatio(ja, jb), tokenOverlap(ta, tb))
}

// levenshteinRatio is 1 for equal strings and 0 for strings with nothing in
// common. DefaultOptions weighs a substitution as a delete plus an insert, so
// the distance is bounded by the summed length.
func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	return float64(total-distance) / float64(total)
}

// tokenOverlap is the share of expense words found in the description.
func tokenOverlap(desc, expense []string) float64 {
	seen := make(map[string]bool, len(desc))
	for _, w := range desc {
		seen[w] = true
	}
	matches := 0
	for _, w := range expense {
		if seen[w] {
			matches++
		}
	}
	return float64(matches) / float64(len(expense))
}

// daysApart counts calendar days between two dates, ignoring time of day.
func daysApart(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

// dateProximity is 1 on the same day and falls linearly to 1/(window+1) at
// the edge of the window.
func dateProximity(days, window int) float64 {
	return 1 - float64(days)/float64(window+1)
}

// amountDelta compares the unsigned amounts of a pair, in the shared original
// currency when possible and in the base currency otherwise. ok is false when
// the two cannot be compared.
func amountDelta(tx *models.BankTransaction, e *models.Expense) (delta decimal.Decimal, ok bool) {
	if strings.EqualFold(tx.Currency, e.Currency) {
		return tx.Magnitude().Sub(e.Amount.Abs()).Abs(), true
	}
	base, ok := tx.BaseMagnitude()
	if !ok {
		return decimal.Zero, false
	}
	var expBase decimal.Decimal
	switch {
	case e.BaseAmount.Valid:
		expBase = e.BaseAmount.Decimal.Abs()
	case strings.EqualFold(e.Currency, tx.BaseCurrency):
		expBase = e.Amount.Abs()
	default:
		return decimal.Zero, false
	}
	return base.Sub(expBase).Abs(), true
}

// amountExactness is 1 for equal amounts and 0 at the tolerance edge.
func amountExactness(delta, tolerance decimal.Decimal) float64 {
	if tolerance.IsZero() {
		return 1
	}
	return 1 - delta.Div(tolerance).InexactFloat64()
}
