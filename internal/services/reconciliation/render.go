package reconciliation

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown report format %q", apperr.ErrInvalidArgument, s)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

var (
	reportStrategies = []models.MatchStrategy{
		models.StrategyExact, models.StrategyFuzzy, models.StrategyPattern, models.StrategyML, models.StrategyManual,
	}
	reportStatuses = []models.MatchStatus{
		models.MatchPending, models.MatchApproved, models.MatchRejected, models.MatchDelegated,
	}
)

func header() []string {
	h := []string{
		"period", "statements_processed", "statements_failed", "transactions_ingested",
		"transactions_matched", "duplicates", "needs_review", "currency_unresolved", "unmatched",
		"ingested_amount", "matched_amount",
	}
	for _, s := range reportStrategies {
		h = append(h, "matched_"+string(s))
	}
	for _, s := range reportStatuses {
		h = append(h, "status_"+string(s))
	}
	return h
}

func row(period string, t Totals) []string {
	r := []string{
		period,
		strconv.Itoa(t.StatementsProcessed),
		strconv.Itoa(t.StatementsFailed),
		strconv.Itoa(t.TransactionsIngested),
		strconv.Itoa(t.TransactionsMatched),
		strconv.Itoa(t.Duplicates),
		strconv.Itoa(t.NeedsReview),
		strconv.Itoa(t.CurrencyUnresolved),
		strconv.Itoa(t.Unmatched),
		t.IngestedAmount.StringFixed(2),
		t.MatchedAmount.StringFixed(2),
	}
	for _, s := range reportStrategies {
		r = append(r, strconv.Itoa(t.MatchedByStrategy[s]))
	}
	for _, s := range reportStatuses {
		r = append(r, strconv.Itoa(t.MatchesByStatus[s]))
	}
	return r
}

func rows(rep *Report) [][]string {
	out := [][]string{header()}
	for _, b := range rep.Buckets {
		out = append(out, row(b.Period, b.Totals))
	}
	return append(out, row("total", rep.Totals))
}

// Render writes rep to w in the given format.
func Render(w io.Writer, rep *Report, f Format) error {
	switch f {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(rows(rep)); err != nil {
			return fmt.Errorf("writing csv report: %w", err)
		}
		return nil
	case FormatXLSX:
		return renderXLSX(w, rep)
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return fmt.Errorf("%w: unknown report format %q", apperr.ErrInvalidArgument, f)
}

const reportSheet = "Reconciliation"

func renderXLSX(w io.Writer, rep *Report) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	for i, r := range rows(rep) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(r))
		for j, v := range r {
			values[j] = v
			if i > 0 && j > 0 {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					values[j] = n
				}
			}
		}
		if err := f.SetSheetRow(reportSheet, cell, &values); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing xlsx report: %w", err)
	}
	return nil
}
