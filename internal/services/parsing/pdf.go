package parsing

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// PDFParser reads statements that carry a text layer. Scanned PDFs without
// one are rejected as empty; their pages go through the image parser.
type PDFParser struct{}

func (p *PDFParser) Family() models.FormatFamily { return models.FamilyPDF }

func (p *PDFParser) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (res *Result, err error) {
	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, apperr.NewParseError(apperr.ParseMalformed, "reading pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "opening pdf: %v", err)
	}

	lines, err := pdfLines(ctx, reader)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, apperr.NewParseError(apperr.ParseEmpty, "pdf has no text layer")
	}

	res = &Result{Metadata: map[string]string{"pages": fmt.Sprint(reader.NumPage())}}
	newLineReader(cfg).readLines(lines, res)
	return finish(res, models.FamilyPDF)
}

// pdfLines rebuilds the visual lines of every page, inserting a space where
// the horizontal gap between glyph runs is wider than a fraction of the font
// size.
func pdfLines(ctx context.Context, reader *pdf.Reader) ([]string, error) {
	var lines []string
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, apperr.NewParseError(apperr.ParseMalformed, "reading page %d: %v", i, err)
		}
		for _, row := range rows {
			texts := append([]pdf.Text(nil), row.Content...)
			sort.SliceStable(texts, func(a, b int) bool { return texts[a].X < texts[b].X })

			var b strings.Builder
			var prevEnd float64
			for j, t := range texts {
				if j > 0 && t.X-prevEnd > 0.2*t.FontSize {
					b.WriteString("  ")
				}
				b.WriteString(t.S)
				prevEnd = t.X + t.W
			}
			if line := strings.TrimSpace(b.String()); line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines, nil
}
