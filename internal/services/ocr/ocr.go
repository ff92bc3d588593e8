// Package ocr wraps the external text-recognition service with a timeout and
// the image clean-up applied to low quality scans.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"bank-reconciliation-backend/internal/apperr"
)

// Result is what the recognizer returns for one image.
type Result struct {
	Text            string    `json:"text"`
	Confidence      float64   `json:"confidence"`
	CharConfidences []float64 `json:"char_confidences,omitempty"`
}

// MeanConfidence averages the per-character confidences when present.
func (r Result) MeanConfidence() float64 {
	if len(r.CharConfidences) == 0 {
		return r.Confidence
	}
	var sum float64
	for _, c := range r.CharConfidences {
		sum += c
	}
	return sum / float64(len(r.CharConfidences))
}

type Recognizer interface {
	Recognize(ctx context.Context, image []byte, language string) (Result, error)
}

// HTTPRecognizer posts the image as multipart form data and expects a JSON
// Result back.
type HTTPRecognizer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRecognizer(endpoint string) *HTTPRecognizer {
	return &HTTPRecognizer{endpoint: endpoint, client: &http.Client{}}
}

func (h *HTTPRecognizer) Recognize(ctx context.Context, image []byte, language string) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("language", language); err != nil {
		return Result{}, err
	}
	part, err := mw.CreateFormFile("image", "statement.png")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(image); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decoding ocr response: %w", err)
	}
	return res, nil
}

type Options struct {
	Timeout             time.Duration
	ConfidenceThreshold float64
	ContrastThreshold   float64
	Language            string
}

// Service runs recognition with enhancement and a hard timeout.
type Service struct {
	rec    Recognizer
	opts   Options
	logger *slog.Logger
}

func NewService(rec Recognizer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Service{rec: rec, opts: opts, logger: logger}
}

// Extraction is a recognized image plus what was done to it.
type Extraction struct {
	Result
	Enhanced      bool
	LowConfidence bool
}

// Extract enhances low-contrast images, then recognizes them. A recognizer
// that does not answer within the timeout yields *apperr.OCRTimeoutError.
func (s *Service) Extract(ctx context.Context, image []byte, language string) (Extraction, error) {
	if language == "" {
		language = s.opts.Language
	}

	input := image
	enhanced := false
	if q, err := Assess(image); err != nil {
		s.logger.Warn("image quality check failed, sending original", "error", err)
	} else if q.Contrast < s.opts.ContrastThreshold || q.SkewDegrees != 0 {
		out, err := Enhance(image, q)
		if err != nil {
			s.logger.Warn("image enhancement failed, sending original", "error", err)
		} else {
			input, enhanced = out, true
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := s.rec.Recognize(callCtx, input, language)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Extraction{}, &apperr.OCRTimeoutError{Timeout: s.opts.Timeout, Err: err}
		}
		return Extraction{}, fmt.Errorf("ocr recognize: %w", err)
	}

	return Extraction{
		Result:        res,
		Enhanced:      enhanced,
		LowConfidence: res.MeanConfidence() < s.opts.ConfidenceThreshold,
	}, nil
}
