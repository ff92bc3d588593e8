package parsing

import (
	"context"
	"fmt"
	"strings"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/services/ocr"
)

// Extractor is the OCR capability the image parser needs.
type Extractor interface {
	Extract(ctx context.Context, image []byte, language string) (ocr.Extraction, error)
}

// ImageParser recognizes a scanned statement and reads its text lines.
type ImageParser struct {
	OCR Extractor
}

func (p *ImageParser) Family() models.FormatFamily { return models.FamilyImage }

func (p *ImageParser) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error) {
	language := ""
	if cfg != nil {
		language = cfg.Language
	}
	ext, err := p.OCR.Extract(ctx, content, language)
	if err != nil {
		return nil, err
	}

	confidence := ext.MeanConfidence()
	res := &Result{
		Metadata: map[string]string{
			"ocr_confidence": fmt.Sprintf("%.3f", confidence),
			"ocr_enhanced":   fmt.Sprint(ext.Enhanced),
		},
		OCRConfidence: &confidence,
		LowConfidence: ext.LowConfidence,
	}
	newLineReader(cfg).readLines(strings.Split(ext.Text, "\n"), res)
	return finish(res, models.FamilyImage)
}
