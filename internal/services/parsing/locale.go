package parsing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/models"
)

// errLocale marks a value whose separators contradict the configured locale.
// A file where every row fails this way is reported as unsupported-locale.
var errLocale = errors.New("value does not match configured number or date locale")

// NumberFormat is the decimal and grouping separators of one locale. A zero
// Thousands means grouping is not expected.
type NumberFormat struct {
	Decimal   rune
	Thousands rune
}

// NumberFormatFor reads the separators of cfg, defaulting to "1234.56".
func NumberFormatFor(cfg *models.FormatConfiguration) NumberFormat {
	nf := NumberFormat{Decimal: '.'}
	if cfg == nil {
		return nf
	}
	if r := firstRune(cfg.DecimalSeparator); r != 0 {
		nf.Decimal = r
	}
	if r := firstRune(cfg.ThousandsSeparator); r != 0 {
		nf.Thousands = r
	}
	return nf
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// ParseAmount reads a signed amount strictly in nf. It accepts a leading or
// trailing minus, a leading plus, accounting parentheses and a currency code
// or symbol around the number, but never reinterprets separators: with
// Decimal '.' and Thousands ',' the text "1,234.56" is 1234.56, and with
// Decimal ',' the same text is rejected.
func ParseAmount(raw string, nf NumberFormat) (decimal.Decimal, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\u00a0", " "))
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.Is(unicode.Sc, r) || r == ' '
	})
	switch {
	case strings.HasPrefix(s, "-"):
		negative = !negative
		s = s[1:]
	case strings.HasSuffix(s, "-"):
		negative = !negative
		s = s[:len(s)-1]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount %q has no digits", raw)
	}

	intPart, fracPart := s, ""
	if i := strings.IndexRune(s, nf.Decimal); i >= 0 {
		intPart, fracPart = s[:i], s[i+len(string(nf.Decimal)):]
		if fracPart == "" || !allDigits(fracPart) {
			return decimal.Zero, fmt.Errorf("amount %q: %w", raw, errLocale)
		}
	}

	digits, err := ungroup(intPart, nf.Thousands)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, err)
	}
	if digits == "" {
		digits = "0"
	}

	text := digits
	if fracPart != "" {
		text += "." + fracPart
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ungroup strips thousands separators after checking every group after the
// first has exactly three digits.
func ungroup(s string, sep rune) (string, error) {
	if allDigits(s) {
		return s, nil
	}
	if sep == 0 {
		return "", errLocale
	}
	groups := strings.Split(s, string(sep))
	if len(groups[0]) == 0 || len(groups[0]) > 3 || !allDigits(groups[0]) {
		return "", errLocale
	}
	for _, g := range groups[1:] {
		if len(g) != 3 || !allDigits(g) {
			return "", errLocale
		}
	}
	return strings.Join(groups, ""), nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DateOrder names the field order of numeric dates.
type DateOrder string

const (
	OrderDMY DateOrder = "DMY"
	OrderMDY DateOrder = "MDY"
	OrderYMD DateOrder = "YMD"
)

// ParseDate reads a date with the configured layout, or, without one, as
// three numeric fields in the configured order. ISO dates are always
// accepted when no layout is set.
func ParseDate(raw, layout string, order DateOrder) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if layout != "" {
		t, err := time.Parse(layout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("date %q does not match %q: %w", raw, layout, errLocale)
		}
		return t, nil
	}

	// drop a time of day
	if i := strings.IndexAny(s, " T"); i > 0 && strings.Contains(s[i:], ":") {
		s = s[:i]
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '/' || r == '-' || r == ' ' || r == '\''
	})
	if len(fields) != 3 {
		return time.Time{}, fmt.Errorf("date %q: expected three fields", raw)
	}
	nums := make([]int, 3)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return time.Time{}, fmt.Errorf("date %q: non-numeric field %q", raw, f)
		}
		nums[i] = n
	}

	if len(fields[0]) == 4 {
		order = OrderYMD
	} else if order == "" {
		order = OrderDMY
	}

	var y, m, d int
	switch order {
	case OrderYMD:
		y, m, d = nums[0], nums[1], nums[2]
	case OrderMDY:
		m, d, y = nums[0], nums[1], nums[2]
	default:
		d, m, y = nums[0], nums[1], nums[2]
	}
	if y < 100 {
		y += 2000
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, fmt.Errorf("date %q is not a calendar date in %s order: %w", raw, order, errLocale)
	}
	return t, nil
}

func dateOrderFor(cfg *models.FormatConfiguration) DateOrder {
	if cfg == nil {
		return ""
	}
	return DateOrder(strings.ToUpper(cfg.DateOrder))
}

func dateLayoutFor(cfg *models.FormatConfiguration) string {
	if cfg == nil {
		return ""
	}
	return cfg.DateLayout
}
