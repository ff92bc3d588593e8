// Package detection ranks the known format configurations against an
// uploaded file. It has no side effects beyond an optional OCR preview.
package detection

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/services/ocr"
	"bank-reconciliation-backend/internal/services/parsing"
)

// Unknown is the format name reported when no candidate clears the threshold.
const Unknown = "unknown"

// Signal weights. A configuration can collect at most 1.0.
const (
	weightExtension = 0.20
	weightDeclared  = 0.10
	weightSniffed   = 0.20
	weightStructure = 0.35
	weightSignature = 0.15
	weightDelimiter = 0.05
)

// Input is what is known about an upload before parsing.
type Input struct {
	Content      []byte
	Filename     string
	DeclaredMime string
	// Preview is optional visible text supplied by the caller.
	Preview string
}

type Candidate struct {
	FormatID   uuid.UUID           `json:"format_id"`
	Name       string              `json:"name"`
	Version    int                 `json:"version"`
	Family     models.FormatFamily `json:"family"`
	Confidence float64             `json:"confidence"`
	Signals    []string            `json:"signals"`
}

// Result ranks every configuration. Best is nil when the caller must ask for
// a manual format choice.
type Result struct {
	Candidates  []Candidate `json:"candidates"`
	Best        *Candidate  `json:"best,omitempty"`
	SniffedMIME string      `json:"sniffed_mime"`
	UsedOCR     bool        `json:"used_ocr"`
}

// BestName returns the chosen format name or Unknown.
func (r *Result) BestName() string {
	if r.Best == nil {
		return Unknown
	}
	return r.Best.Name
}

// TextExtractor lets the detector look at the visible text of scans.
type TextExtractor interface {
	Extract(ctx context.Context, image []byte, language string) (ocr.Extraction, error)
}

type Detector struct {
	threshold float64
	ambiguity float64
	ocr       TextExtractor
	logger    *slog.Logger
}

// NewDetector builds a detector. extractor may be nil, in which case scans
// are ranked on their container type only.
func NewDetector(threshold, ambiguity float64, extractor TextExtractor, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Detector{threshold: threshold, ambiguity: ambiguity, ocr: extractor, logger: logger}
}

// Detect scores every configuration in formats against in.
func (d *Detector) Detect(ctx context.Context, in Input, formats []models.FormatConfiguration) *Result {
	mtype := mimetype.Detect(in.Content)
	ev := gather(in, mtype)
	res := &Result{SniffedMIME: mtype.String()}

	res.Candidates = rank(ev, formats)
	if d.needsPreview(ev, res.Candidates) {
		if text := d.preview(ctx, in, formats); text != "" {
			ev.setText(text)
			res.UsedOCR = true
			res.Candidates = rank(ev, formats)
		}
	}

	if len(res.Candidates) > 0 && res.Candidates[0].Confidence >= d.threshold {
		best := res.Candidates[0]
		res.Best = &best
	}
	d.logger.Debug("format detection",
		"filename", in.Filename,
		"sniffed_mime", res.SniffedMIME,
		"best", res.BestName(),
		"candidates", len(res.Candidates),
		"used_ocr", res.UsedOCR,
	)
	return res
}

// needsPreview is true for scans whose top candidates cannot be told apart
// without reading the page.
func (d *Detector) needsPreview(ev *evidence, ranked []Candidate) bool {
	if d.ocr == nil || ev.text != "" || !ev.scan {
		return false
	}
	if len(ranked) == 0 || ranked[0].Confidence < d.threshold {
		return true
	}
	return len(ranked) > 1 && ranked[0].Confidence-ranked[1].Confidence <= d.ambiguity
}

func (d *Detector) preview(ctx context.Context, in Input, formats []models.FormatConfiguration) string {
	language := ""
	for _, f := range formats {
		if f.Family == models.FamilyImage && f.Language != "" {
			language = f.Language
			break
		}
	}
	ext, err := d.ocr.Extract(ctx, in.Content, language)
	if err != nil {
		d.logger.Warn("ocr preview failed, ranking without text", "filename", in.Filename, "error", err)
		return ""
	}
	return ext.Text
}

func rank(ev *evidence, formats []models.FormatConfiguration) []Candidate {
	out := make([]Candidate, 0, len(formats))
	for _, f := range formats {
		score, signals := ev.score(f)
		out = append(out, Candidate{
			FormatID:   f.ID,
			Name:       f.Name,
			Version:    f.Version,
			Family:     f.Family,
			Confidence: score,
			Signals:    signals,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if len(out[i].Signals) != len(out[j].Signals) {
			return len(out[i].Signals) > len(out[j].Signals)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// evidence is everything observed about the file, computed once.
type evidence struct {
	ext       string
	declared  string
	sniffed   *mimetype.MIME
	text      string
	lines     []string
	scan      bool
	delimiter string
	families  map[models.FormatFamily]string
}

func gather(in Input, mtype *mimetype.MIME) *evidence {
	ev := &evidence{
		ext:      strings.ToLower(filepath.Ext(in.Filename)),
		declared: strings.ToLower(strings.TrimSpace(strings.Split(in.DeclaredMime, ";")[0])),
		sniffed:  mtype,
	}
	ev.scan = isA(mtype, "image/png", "image/jpeg", "image/tiff", "image/webp", "image/bmp")

	text := in.Preview
	if text == "" && utf8.Valid(in.Content) && !isA(mtype, "application/zip", "application/pdf") && !ev.scan {
		text = string(bytes.TrimPrefix(in.Content, []byte("\xef\xbb\xbf")))
	}
	ev.setText(text)
	return ev
}

func (ev *evidence) setText(text string) {
	ev.text = text
	ev.lines = firstLines(text, 20)
	ev.delimiter = ""
	if len(ev.lines) > 0 {
		ev.delimiter = string(parsing.SniffDelimiter([]byte(strings.Join(ev.lines, "\n"))))
	}
	ev.families = map[models.FormatFamily]string{}
	for _, fam := range []models.FormatFamily{models.FamilyCSV, models.FamilySpreadsheet, models.FamilyOFX, models.FamilyQIF, models.FamilyPDF, models.FamilyImage} {
		if why := ev.structure(fam); why != "" {
			ev.families[fam] = why
		}
	}
}

func (ev *evidence) score(f models.FormatConfiguration) (float64, []string) {
	var score float64
	var signals []string
	add := func(w float64, signal string) {
		score += w
		signals = append(signals, signal)
	}

	exts := []string(f.Extensions)
	if len(exts) == 0 {
		exts = defaultExtensions[f.Family]
	}
	if ev.ext != "" && contains(exts, ev.ext) {
		add(weightExtension, "extension "+ev.ext)
	}

	mimes := []string(f.MimeTypes)
	if len(mimes) == 0 {
		mimes = defaultMimes[f.Family]
	}
	if ev.declared != "" && contains(mimes, ev.declared) {
		add(weightDeclared, "declared "+ev.declared)
	}
	if sniffedFamily(ev.sniffed) == f.Family {
		add(weightSniffed, "sniffed "+ev.sniffed.String())
	}
	if why, ok := ev.families[f.Family]; ok {
		add(weightStructure, why)
	}

	if f.Family == models.FamilyCSV && f.Delimiter != "" && ev.families[models.FamilyCSV] != "" {
		if delimiterName(f.Delimiter) == ev.delimiter {
			add(weightDelimiter, "delimiter "+f.Delimiter)
		} else {
			score -= weightDelimiter * 3
		}
	}
	if sig := []string(f.HeaderSignature); len(sig) > 0 {
		ratio := ev.signatureRatio(sig)
		switch {
		case ratio == 1:
			add(weightSignature, "header signature")
		case ratio > 0:
			add(weightSignature*ratio/2, "partial header signature")
		}
	}

	return math.Max(0, math.Min(1, score)), signals
}

// signatureRatio is the share of signature tokens found on one of the first
// lines of visible text.
func (ev *evidence) signatureRatio(sig []string) float64 {
	best := 0
	for _, line := range ev.lines {
		lower := strings.ToLower(line)
		found := 0
		for _, s := range sig {
			if strings.Contains(lower, strings.ToLower(s)) {
				found++
			}
		}
		if found > best {
			best = found
		}
	}
	return float64(best) / float64(len(sig))
}

func firstLines(text string, n int) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
		if len(out) == n {
			break
		}
	}
	return out
}

func delimiterName(d string) string {
	if d == `\t` {
		return "\t"
	}
	return d
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func isA(m *mimetype.MIME, mimes ...string) bool {
	for ; m != nil; m = m.Parent() {
		for _, want := range mimes {
			if m.Is(want) {
				return true
			}
		}
	}
	return false
}
