package parsing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// headerSynonyms is used when a configuration leaves a column unmapped.
var headerSynonyms = map[string][]string{
	"date":        {"date", "transaction date", "booking date", "posted date", "posting date", "data", "data operacji", "data transakcji", "data księgowania", "buchungstag"},
	"description": {"description", "details", "narrative", "title", "payee", "merchant", "opis", "opis operacji", "tytuł", "tytul", "kontrahent", "verwendungszweck"},
	"amount":      {"amount", "value", "kwota", "kwota operacji", "betrag"},
	"debit":       {"debit", "withdrawal", "withdrawals", "money out", "paid out", "obciążenia", "wydatki"},
	"credit":      {"credit", "deposit", "deposits", "money in", "paid in", "uznania", "wpływy"},
	"currency":    {"currency", "ccy", "waluta", "währung"},
	"reference":   {"reference", "ref", "reference number", "nr referencyjny", "numer referencyjny"},
	"type":        {"type", "transaction type", "typ", "typ operacji", "rodzaj"},
}

type columnIndex struct {
	date, desc, amount, debit, credit, currency, ref, typ int
}

func (c columnIndex) mapped() map[int]bool {
	m := map[int]bool{}
	for _, i := range []int{c.date, c.desc, c.amount, c.debit, c.credit, c.currency, c.ref, c.typ} {
		if i >= 0 {
			m[i] = true
		}
	}
	return m
}

func normHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// resolveColumns maps the configured columns onto positions. With a header
// row a mapping names a header (or an index); without one it must be an
// index. Unmapped columns fall back to well known header names.
func resolveColumns(header []string, m models.ColumnMapping, hasHeader bool) (columnIndex, error) {
	lookup := map[string]int{}
	for i, h := range header {
		if _, dup := lookup[normHeader(h)]; !dup {
			lookup[normHeader(h)] = i
		}
	}
	find := func(field, configured string) int {
		configured = strings.TrimSpace(configured)
		if configured != "" {
			if n, err := strconv.Atoi(configured); err == nil {
				if n >= 0 && (len(header) == 0 || n < len(header)) {
					return n
				}
				return -1
			}
			if i, ok := lookup[normHeader(configured)]; ok && hasHeader {
				return i
			}
			return -1
		}
		if !hasHeader {
			return -1
		}
		for _, syn := range headerSynonyms[field] {
			if i, ok := lookup[syn]; ok {
				return i
			}
		}
		return -1
	}

	c := columnIndex{
		date:     find("date", m.Date),
		desc:     find("description", m.Description),
		amount:   find("amount", m.Amount),
		debit:    find("debit", m.Debit),
		credit:   find("credit", m.Credit),
		currency: find("currency", m.Currency),
		ref:      find("reference", m.Reference),
		typ:      find("type", m.Type),
	}
	if !hasHeader && c.date < 0 && c.desc < 0 && c.amount < 0 && m == (models.ColumnMapping{}) {
		c.date, c.desc, c.amount = 0, 1, 2
	}
	switch {
	case c.date < 0:
		return c, fmt.Errorf("date column not found")
	case c.desc < 0:
		return c, fmt.Errorf("description column not found")
	case c.amount < 0 && c.debit < 0 && c.credit < 0:
		return c, fmt.Errorf("amount column not found")
	}
	return c, nil
}

// tableReader converts rows of cells, shared by the CSV and spreadsheet
// parsers.
type tableReader struct {
	cfg        *models.FormatConfiguration
	nf         NumberFormat
	parseDate  func(string) (time.Time, error)
	parseMoney func(string) (decimal.Decimal, error)
}

func newTableReader(cfg *models.FormatConfiguration) *tableReader {
	t := &tableReader{cfg: cfg, nf: NumberFormatFor(cfg)}
	layout, order := dateLayoutFor(cfg), dateOrderFor(cfg)
	t.parseDate = func(s string) (time.Time, error) { return ParseDate(s, layout, order) }
	t.parseMoney = func(s string) (decimal.Decimal, error) { return ParseAmount(s, t.nf) }
	return t
}

// read walks rows after the header. firstLine is the 1-based line number of
// rows[0] in the source.
func (t *tableReader) read(header []string, rows [][]string, firstLine int, cols columnIndex) *Result {
	res := &Result{Metadata: map[string]string{}}
	mapped := cols.mapped()

	for i, row := range rows {
		line := firstLine + i
		if blankRow(row) {
			continue
		}
		tx, err := t.convert(row, cols, header, mapped)
		if err != nil {
			res.skip(line, strings.Join(row, " | "), err)
			continue
		}
		tx.Line = line
		res.Rows = append(res.Rows, tx)
	}
	return res
}

func (t *tableReader) convert(row []string, cols columnIndex, header []string, mapped map[int]bool) (RawTransaction, error) {
	cell := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	date, err := t.parseDate(cell(cols.date))
	if err != nil {
		return RawTransaction{}, err
	}

	var amount decimal.Decimal
	switch {
	case cell(cols.amount) != "":
		amount, err = t.parseMoney(cell(cols.amount))
	case cell(cols.debit) != "":
		amount, err = t.parseMoney(cell(cols.debit))
		amount = amount.Abs().Neg()
	case cell(cols.credit) != "":
		amount, err = t.parseMoney(cell(cols.credit))
		amount = amount.Abs()
	default:
		err = fmt.Errorf("row has no amount")
	}
	if err != nil {
		return RawTransaction{}, err
	}

	desc := cell(cols.desc)
	currency := strings.ToUpper(cell(cols.currency))
	if currency == "" && t.cfg != nil {
		currency = strings.ToUpper(t.cfg.DefaultCurrency)
	}

	meta := map[string]string{}
	for i, v := range row {
		if mapped[i] || strings.TrimSpace(v) == "" {
			continue
		}
		key := fmt.Sprintf("col_%d", i)
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			key = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
		}
		meta[key] = strings.TrimSpace(v)
	}

	return RawTransaction{
		Date:        date,
		Description: desc,
		Amount:      amount,
		Currency:    currency,
		Type:        normalizeType(cell(cols.typ), desc, amount),
		Reference:   cell(cols.ref),
		Metadata:    meta,
	}, nil
}

// locateHeader finds the header row within the first rows after skip, since
// many banks put an account preamble above the table.
func locateHeader(rows [][]string, skip int, m models.ColumnMapping) (int, columnIndex, error) {
	var lastErr error = fmt.Errorf("no header row")
	for i := skip; i < len(rows) && i < skip+20; i++ {
		if blankRow(rows[i]) {
			continue
		}
		cols, err := resolveColumns(rows[i], m, true)
		if err == nil {
			return i, cols, nil
		}
		lastErr = err
	}
	return -1, columnIndex{}, apperr.NewParseError(apperr.ParseMalformed, "column mapping: %v", lastErr)
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// readTable is the common body of tabular parsers once cells are loaded.
// Callers apply finish after adding their own diagnostics.
func readTable(rows [][]string, cfg *models.FormatConfiguration, t *tableReader) (*Result, error) {
	skip := 0
	hasHeader := true
	var mapping models.ColumnMapping
	if cfg != nil {
		skip = cfg.SkipLines
		hasHeader = cfg.HasHeader
		mapping = cfg.Columns.Data()
	}
	if skip >= len(rows) {
		return &Result{}, nil
	}

	if !hasHeader {
		width := 0
		for _, r := range rows[skip:] {
			if len(r) > width {
				width = len(r)
			}
		}
		cols, err := resolveColumns(make([]string, width), mapping, false)
		if err != nil {
			return nil, apperr.NewParseError(apperr.ParseMalformed, "column mapping: %v", err)
		}
		return t.read(nil, rows[skip:], skip+1, cols), nil
	}

	at, cols, err := locateHeader(rows, skip, mapping)
	if err != nil {
		return nil, err
	}
	return t.read(rows[at], rows[at+1:], at+2, cols), nil
}

func familyOf(cfg *models.FormatConfiguration) models.FormatFamily {
	if cfg == nil {
		return models.FamilyCSV
	}
	return cfg.Family
}
