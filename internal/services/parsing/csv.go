package parsing

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// CSVParser reads delimited text exports.
type CSVParser struct{}

func (p *CSVParser) Family() models.FormatFamily { return models.FamilyCSV }

func (p *CSVParser) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, apperr.NewParseError(apperr.ParseEmpty, "csv file is empty")
	}
	if !utf8.Valid(content) {
		content = decodeLegacy(content)
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.Comma = delimiterFor(cfg, content)

	var rows [][]string
	var broken []SkippedRow
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				broken = append(broken, SkippedRow{Line: pe.StartLine, Reason: err.Error()})
				rows = padRows(rows, pe.Line)
				continue
			}
			return nil, apperr.NewParseError(apperr.ParseMalformed, "reading csv: %v", err)
		}
		// rows[i] is source line i+1, blank lines included
		line, _ := reader.FieldPos(0)
		rows = append(padRows(rows, line-1), record)
	}

	res, err := readTable(rows, cfg, newTableReader(cfg))
	if err != nil {
		return nil, err
	}
	res.Skipped = append(broken, res.Skipped...)
	return finish(res, models.FamilyCSV)
}

func padRows(rows [][]string, n int) [][]string {
	for len(rows) < n {
		rows = append(rows, nil)
	}
	return rows
}

// delimiterFor returns the configured delimiter or the most frequent
// candidate on the first non-empty lines.
func delimiterFor(cfg *models.FormatConfiguration, content []byte) rune {
	if cfg != nil {
		if cfg.Delimiter == `\t` {
			return '\t'
		}
		if r := firstRune(cfg.Delimiter); r != 0 {
			return r
		}
	}
	return SniffDelimiter(content)
}

// SniffDelimiter picks the delimiter that splits the sampled lines into the
// same, largest number of fields.
func SniffDelimiter(content []byte) rune {
	lines := sampleLines(content, 10)
	best, bestScore := ',', 0
	for _, d := range []rune{',', ';', '\t', '|'} {
		score := 0
		prev := -1
		for _, l := range lines {
			n := strings.Count(l, string(d))
			if n == 0 {
				continue
			}
			score += n
			if n == prev {
				score += n
			}
			prev = n
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func sampleLines(content []byte, n int) []string {
	var out []string
	for _, l := range strings.Split(string(content), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
		if len(out) == n {
			break
		}
	}
	return out
}

// decodeLegacy converts the ISO-8859-2 exports still produced by some
// Polish banks.
func decodeLegacy(b []byte) []byte {
	out, err := charmap.ISO8859_2.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return out
}
