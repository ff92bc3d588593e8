package ocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation-backend/internal/apperr"
)

type MockRecognizer struct {
	RecognizeFunc func(ctx context.Context, image []byte, language string) (Result, error)
}

func (m *MockRecognizer) Recognize(ctx context.Context, image []byte, language string) (Result, error) {
	return m.RecognizeFunc(ctx, image, language)
}

func pngBytes(t *testing.T, fg, bg uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 120, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 120; x++ {
			v := bg
			if y%12 < 3 && x > 10 && x < 110 {
				v = fg
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMeanConfidence(t *testing.T) {
	assert.InDelta(t, 0.8, Result{Confidence: 0.8}.MeanConfidence(), 1e-9)
	assert.InDelta(t, 0.5, Result{Confidence: 0.9, CharConfidences: []float64{0.4, 0.6}}.MeanConfidence(), 1e-9)
}

func TestAssessContrast(t *testing.T) {
	high, err := Assess(pngBytes(t, 0, 255))
	require.NoError(t, err)
	low, err := Assess(pngBytes(t, 120, 135))
	require.NoError(t, err)

	assert.Greater(t, high.Contrast, 0.3)
	assert.Less(t, low.Contrast, 0.05)
}

func TestExtractEnhancesLowContrast(t *testing.T) {
	original := pngBytes(t, 120, 135)
	var received []byte
	svc := NewService(&MockRecognizer{RecognizeFunc: func(_ context.Context, img []byte, lang string) (Result, error) {
		received = img
		assert.Equal(t, "pol", lang)
		return Result{Text: "05.01.2024 KAWA -4,50", Confidence: 0.92}, nil
	}}, Options{Timeout: time.Second, ConfidenceThreshold: 0.7, ContrastThreshold: 0.18, Language: "pol"}, nil)

	ext, err := svc.Extract(context.Background(), original, "")
	require.NoError(t, err)
	assert.True(t, ext.Enhanced)
	assert.NotEqual(t, original, received)
	assert.False(t, ext.LowConfidence)
}

func TestExtractFlagsLowConfidence(t *testing.T) {
	svc := NewService(&MockRecognizer{RecognizeFunc: func(context.Context, []byte, string) (Result, error) {
		return Result{Text: "x", CharConfidences: []float64{0.5, 0.6}}, nil
	}}, Options{Timeout: time.Second, ConfidenceThreshold: 0.7}, nil)

	ext, err := svc.Extract(context.Background(), pngBytes(t, 0, 255), "eng")
	require.NoError(t, err)
	assert.True(t, ext.LowConfidence)
}

func TestExtractTimeoutIsRetryable(t *testing.T) {
	svc := NewService(&MockRecognizer{RecognizeFunc: func(ctx context.Context, _ []byte, _ string) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}, Options{Timeout: 20 * time.Millisecond}, nil)

	_, err := svc.Extract(context.Background(), []byte("not an image"), "eng")
	var timeout *apperr.OCRTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.True(t, apperr.IsRetryable(err))
}

func TestHTTPRecognizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "pol", r.FormValue("language"))
		f, _, err := r.FormFile("image")
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		assert.Equal(t, []byte("img"), body)
		w.Write([]byte(`{"text":"hello","confidence":0.9}`))
	}))
	defer srv.Close()

	res, err := NewHTTPRecognizer(srv.URL).Recognize(context.Background(), []byte("img"), "pol")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}
