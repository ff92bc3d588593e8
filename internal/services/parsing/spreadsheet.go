package parsing

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// SpreadsheetParser reads the first sheet of an xlsx workbook.
type SpreadsheetParser struct{}

func (p *SpreadsheetParser) Family() models.FormatFamily { return models.FamilySpreadsheet }

func (p *SpreadsheetParser) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "opening workbook: %v", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, apperr.NewParseError(apperr.ParseEmpty, "workbook has no sheets")
	}
	// raw values keep numbers unformatted and dates as serials
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "reading sheet %q: %v", sheet, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := newTableReader(cfg)
	textDate, textMoney := t.parseDate, t.parseMoney
	t.parseDate = func(s string) (time.Time, error) {
		if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && !strings.ContainsAny(s, "-/") {
			return excelize.ExcelDateToTime(serial, false)
		}
		return textDate(s)
	}
	t.parseMoney = func(s string) (decimal.Decimal, error) {
		if rawNumber(s, t.nf) {
			if d, err := decimal.NewFromString(s); err == nil {
				return d, nil
			}
		}
		return textMoney(s)
	}

	res, err := readTable(rows, cfg, t)
	if err != nil {
		return nil, err
	}
	res.Metadata["sheet"] = sheet
	return finish(res, models.FamilySpreadsheet)
}

// rawNumber reports whether s looks like an unformatted numeric cell rather
// than text typed in the locale's grouping, where "1.234" means 1234.
func rawNumber(s string, nf NumberFormat) bool {
	if strings.ContainsAny(s, ", ") {
		return false
	}
	if nf.Thousands != '.' {
		return true
	}
	i := strings.IndexByte(s, '.')
	return i < 0 || len(s)-i-1 != 3
}
