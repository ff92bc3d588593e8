// Package parsing turns raw statement files into ordered raw transactions.
// Each format family has one Parser; the FormatConfiguration carries the
// bank specific column mapping and locale.
package parsing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// RawTransaction is one ledger line as read from the file, before currency
// normalization and duplicate checks. Amount is signed: money out is negative.
type RawTransaction struct {
	Line        int
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	Currency    string
	Type        models.TransactionType
	Reference   string
	Metadata    map[string]string
}

// SkippedRow explains a row that looked like data but could not be read.
type SkippedRow struct {
	Line   int    `json:"line"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`

	locale bool
}

type Result struct {
	Rows     []RawTransaction
	Skipped  []SkippedRow
	Metadata map[string]string

	// OCRConfidence is set for image sources; LowConfidence means every row
	// must be reviewed by a person.
	OCRConfidence *float64
	LowConfidence bool
}

// Parser converts one family of statement files.
type Parser interface {
	Family() models.FormatFamily
	Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error)
}

// Registry holds one parser per format family.
type Registry struct {
	parsers map[models.FormatFamily]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[models.FormatFamily]Parser)}
}

// Register adds a parser. Panics on duplicate family.
func (r *Registry) Register(p Parser) {
	key := models.FormatFamily(strings.ToLower(string(p.Family())))
	if _, ok := r.parsers[key]; ok {
		panic("duplicate parser family: " + string(key))
	}
	r.parsers[key] = p
}

// Get returns the parser for family, or nil.
func (r *Registry) Get(family models.FormatFamily) Parser {
	return r.parsers[models.FormatFamily(strings.ToLower(string(family)))]
}

// Parse dispatches on cfg.Family.
func (r *Registry) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error) {
	p := r.Get(cfg.Family)
	if p == nil {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "no parser for format family %q", cfg.Family)
	}
	return p.Parse(ctx, content, cfg)
}

// DefaultRegistry returns a registry with every built-in parser. The image
// parser is only registered when an OCR extractor is given.
func DefaultRegistry(ocr Extractor) *Registry {
	r := NewRegistry()
	r.Register(&CSVParser{})
	r.Register(&SpreadsheetParser{})
	r.Register(&OFXParser{})
	r.Register(&QIFParser{})
	r.Register(&PDFParser{})
	if ocr != nil {
		r.Register(&ImageParser{OCR: ocr})
	}
	return r
}

// finish applies the failure rules shared by every parser: no rows at all is
// a ParseError, some rows is a partial success with diagnostics.
func finish(res *Result, family models.FormatFamily) (*Result, error) {
	if len(res.Rows) > 0 {
		return res, nil
	}
	if len(res.Skipped) == 0 {
		return nil, apperr.NewParseError(apperr.ParseEmpty, "%s file contains no transactions", family)
	}
	kind := apperr.ParseUnsupportedLocale
	for _, s := range res.Skipped {
		if !s.locale {
			kind = apperr.ParseMalformed
			break
		}
	}
	first := res.Skipped[0]
	return nil, &apperr.ParseError{
		Kind:   kind,
		Detail: fmt.Sprintf("%d rows could not be read, first at line %d: %s", len(res.Skipped), first.Line, first.Reason),
	}
}

func (r *Result) skip(line int, raw string, err error) {
	r.Skipped = append(r.Skipped, SkippedRow{Line: line, Raw: truncate(raw, 200), Reason: err.Error(), locale: isLocaleErr(err)})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var typeKeywords = []struct {
	typ   models.TransactionType
	words []string
}{
	{models.TxFee, []string{"FEE", "CHARGE", "OPŁATA", "OPLATA", "PROWIZJA"}},
	{models.TxInterest, []string{"INTEREST", "ODSETKI", "KAPITALIZACJA"}},
	{models.TxTransfer, []string{"TRANSFER", "PRZELEW WŁASNY", "XFER"}},
	{models.TxAdjustment, []string{"ADJUSTMENT", "KOREKTA", "REVERSAL"}},
}

// InferType classifies a line from its description, falling back to the sign
// of the amount.
func InferType(description string, amount decimal.Decimal) models.TransactionType {
	upper := strings.ToUpper(description)
	for _, kw := range typeKeywords {
		for _, w := range kw.words {
			if strings.Contains(upper, w) {
				return kw.typ
			}
		}
	}
	if amount.IsNegative() {
		return models.TxDebit
	}
	return models.TxCredit
}

// normalizeType maps a bank supplied type label, or infers one.
func normalizeType(label, description string, amount decimal.Decimal) models.TransactionType {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "debit", "dr", "obciążenie", "withdrawal":
		return models.TxDebit
	case "credit", "cr", "uznanie", "deposit":
		return models.TxCredit
	case "fee", "srvchg", "opłata":
		return models.TxFee
	case "interest", "int", "div", "odsetki":
		return models.TxInterest
	case "transfer", "xfer", "przelew":
		return models.TxTransfer
	case "adjustment", "korekta":
		return models.TxAdjustment
	}
	return InferType(description, amount)
}

func isLocaleErr(err error) bool {
	return errors.Is(err, errLocale)
}
