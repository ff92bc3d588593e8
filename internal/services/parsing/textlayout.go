package parsing

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/models"
)

// lineReader applies the tabular heuristics to free text: a statement line
// starts with a date and ends with one or two amounts (the second being the
// running balance), optionally followed by a currency code.
type lineReader struct {
	nf       NumberFormat
	layout   string
	order    DateOrder
	currency string
}

func newLineReader(cfg *models.FormatConfiguration) *lineReader {
	lr := &lineReader{
		nf:     NumberFormatFor(cfg),
		layout: dateLayoutFor(cfg),
		order:  dateOrderFor(cfg),
	}
	if cfg != nil {
		lr.currency = strings.ToUpper(cfg.DefaultCurrency)
	}
	return lr
}

// errNotTransaction means the line is a heading, footer or other prose.
var errNotTransaction = fmt.Errorf("not a transaction line")

func (lr *lineReader) parseLine(line string) (RawTransaction, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return RawTransaction{}, errNotTransaction
	}

	date, err := ParseDate(tokens[0], lr.layout, lr.order)
	if err != nil {
		return RawTransaction{}, errNotTransaction
	}
	tokens = tokens[1:]
	meta := map[string]string{}

	// a second leading date is the value date
	if len(tokens) > 2 {
		if vd, err := ParseDate(tokens[0], lr.layout, lr.order); err == nil {
			meta["value_date"] = vd.Format("2006-01-02")
			tokens = tokens[1:]
		}
	}

	currency := ""
	if n := len(tokens); n > 0 && isCurrencyCode(tokens[n-1]) {
		currency = tokens[n-1]
		tokens = tokens[:n-1]
	}

	var amounts []decimal.Decimal
	for len(amounts) < 2 && len(tokens) > 1 {
		amount, used, ok := lr.trailingAmount(tokens)
		if !ok {
			break
		}
		amounts = append([]decimal.Decimal{amount}, amounts...)
		tokens = tokens[:len(tokens)-used]
		if n := len(tokens); currency == "" && n > 0 && isCurrencyCode(tokens[n-1]) {
			currency = tokens[n-1]
			tokens = tokens[:n-1]
		}
	}
	if len(amounts) == 0 {
		return RawTransaction{}, fmt.Errorf("line starts with a date but has no amount")
	}
	if len(tokens) == 0 {
		return RawTransaction{}, fmt.Errorf("line has no description")
	}
	if len(amounts) == 2 {
		meta["balance"] = amounts[1].String()
	}
	if currency == "" {
		currency = lr.currency
	}

	desc := strings.Join(tokens, " ")
	return RawTransaction{
		Date:        date,
		Description: desc,
		Amount:      amounts[0],
		Currency:    currency,
		Type:        InferType(desc, amounts[0]),
		Metadata:    meta,
	}, nil
}

// trailingAmount reads the amount at the end of tokens. With a space as
// thousands separator, "1 234,56" arrives as two tokens and is joined back.
func (lr *lineReader) trailingAmount(tokens []string) (decimal.Decimal, int, bool) {
	n := len(tokens)
	last := tokens[n-1]
	if !looksNumeric(last) {
		return decimal.Zero, 0, false
	}
	amount, err := ParseAmount(last, lr.nf)
	ok := err == nil
	used := 1
	if lr.nf.Thousands == ' ' {
		text := last
		for k := 2; n-k >= 1; k++ {
			prev := tokens[n-k]
			digits := strings.TrimLeft(prev, "-+")
			if len(digits) == 0 || len(digits) > 3 || !allDigits(digits) {
				break
			}
			text = prev + " " + text
			if joined, err := ParseAmount(text, lr.nf); err == nil {
				amount, used, ok = joined, k, true
			}
		}
	}
	return amount, used, ok
}

func looksNumeric(s string) bool {
	hasDigit := false
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case r == '.' || r == ',' || r == '-' || r == '+' || r == '(' || r == ')' || r == '\'':
		default:
			return false
		}
	}
	return hasDigit
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// readLines converts text lines, skipping prose and recording lines that
// start like a transaction but cannot be read.
func (lr *lineReader) readLines(lines []string, res *Result) {
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tx, err := lr.parseLine(line)
		if err == errNotTransaction {
			continue
		}
		if err != nil {
			res.skip(i+1, line, err)
			continue
		}
		tx.Line = i + 1
		res.Rows = append(res.Rows, tx)
	}
}
