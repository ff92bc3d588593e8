package detection

import (
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"bank-reconciliation-backend/internal/models"
)

var defaultExtensions = map[models.FormatFamily][]string{
	models.FamilyCSV:         {".csv", ".tsv", ".txt"},
	models.FamilySpreadsheet: {".xlsx", ".xlsm"},
	models.FamilyOFX:         {".ofx", ".qfx"},
	models.FamilyQIF:         {".qif"},
	models.FamilyPDF:         {".pdf"},
	models.FamilyImage:       {".png", ".jpg", ".jpeg", ".tif", ".tiff"},
}

// Browsers commonly declare CSV uploads as application/vnd.ms-excel.
var defaultMimes = map[models.FormatFamily][]string{
	models.FamilyCSV:         {"text/csv", "text/plain", "text/tab-separated-values", "application/csv", "application/vnd.ms-excel"},
	models.FamilySpreadsheet: {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	models.FamilyOFX:         {"application/x-ofx", "application/ofx", "application/vnd.intu.qfx"},
	models.FamilyQIF:         {"application/qif", "application/x-qif"},
	models.FamilyPDF:         {"application/pdf"},
	models.FamilyImage:       {"image/png", "image/jpeg", "image/tiff"},
}

func sniffedFamily(m *mimetype.MIME) models.FormatFamily {
	switch {
	case isA(m, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return models.FamilySpreadsheet
	case isA(m, "application/pdf"):
		return models.FamilyPDF
	case isA(m, "image/png", "image/jpeg", "image/tiff"):
		return models.FamilyImage
	case isA(m, "text/csv", "text/tab-separated-values"):
		return models.FamilyCSV
	}
	return ""
}

var (
	dateLike  = regexp.MustCompile(`\b(\d{4}[-./]\d{1,2}[-./]\d{1,2}|\d{1,2}[-./]\d{1,2}[-./]\d{2,4})\b`)
	moneyLike = regexp.MustCompile(`[-+(]?\d[\d ,.']*[.,]\d{2}\b`)
	ofxTag    = regexp.MustCompile(`(?i)<(OFX|STMTTRN|BANKTRANLIST)>`)
)

// structure returns a short reason when the content has the shape of family,
// or "" when it does not.
func (ev *evidence) structure(family models.FormatFamily) string {
	switch family {
	case models.FamilyOFX:
		upper := strings.ToUpper(firstN(ev.text, 4096))
		if strings.Contains(upper, "OFXHEADER") || ofxTag.MatchString(ev.text) {
			return "ofx tags"
		}
	case models.FamilyQIF:
		if len(ev.lines) > 0 && strings.HasPrefix(strings.ToLower(ev.lines[0]), "!type:") {
			return "qif type header"
		}
	case models.FamilyCSV:
		if delimitedTable(ev.lines) {
			return "delimited table"
		}
	case models.FamilySpreadsheet:
		if isA(ev.sniffed, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet") {
			return "xlsx container"
		}
	case models.FamilyPDF:
		if isA(ev.sniffed, "application/pdf") {
			return "pdf container"
		}
	case models.FamilyImage:
		if ev.scan && statementText(ev.lines) {
			return "statement text on image"
		}
	}
	return ""
}

// delimitedTable reports whether the sampled lines split into the same
// number of fields on one delimiter and at least one row holds a date and
// an amount.
func delimitedTable(lines []string) bool {
	if len(lines) < 2 || strings.HasPrefix(lines[0], "<") || strings.HasPrefix(lines[0], "!") {
		return false
	}
	for _, d := range []string{",", ";", "\t", "|"} {
		width := strings.Count(lines[0], d)
		if width == 0 {
			continue
		}
		consistent, dated := 0, false
		for _, l := range lines[1:] {
			if strings.Count(l, d) >= width {
				consistent++
			}
			if dateLike.MatchString(l) {
				dated = true
			}
		}
		if dated && consistent*2 >= len(lines)-1 {
			return true
		}
	}
	return false
}

// statementText reports whether OCR text has at least two lines that start
// with a date and carry an amount.
func statementText(lines []string) bool {
	n := 0
	for _, l := range lines {
		if loc := dateLike.FindStringIndex(l); loc != nil && loc[0] == 0 && moneyLike.MatchString(l[loc[1]:]) {
			n++
		}
	}
	return n >= 2
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
