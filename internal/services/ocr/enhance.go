package ocr

import (
	"bytes"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Quality is a cheap estimate of how readable a scan is.
type Quality struct {
	// Contrast is the luminance standard deviation scaled to [0,1].
	Contrast float64
	// SkewDegrees is the rotation that best aligns text rows, 0 when the
	// page already looks straight.
	SkewDegrees float64
}

const sampleWidth = 400

// Assess measures contrast and skew on a downscaled grayscale copy.
func Assess(raw []byte) (Quality, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return Quality{}, err
	}
	small := imaging.Grayscale(imaging.Resize(img, sampleWidth, 0, imaging.Box))
	return Quality{
		Contrast:    contrast(small),
		SkewDegrees: estimateSkew(small),
	}, nil
}

// Enhance straightens and stretches the contrast of a scan, returning PNG.
func Enhance(raw []byte, q Quality) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	out := imaging.Grayscale(img)
	if q.SkewDegrees != 0 {
		out = imaging.Rotate(out, -q.SkewDegrees, color.White)
	}
	out = imaging.AdjustContrast(out, 40)
	out = imaging.Sharpen(out, 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func luminance(img *image.NRGBA, x, y int) float64 {
	i := img.PixOffset(x, y)
	return float64(img.Pix[i])
}

func contrast(img *image.NRGBA) float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0
	}
	var sum, sq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := luminance(img, x, y)
			sum += l
			sq += l * l
		}
	}
	mean := sum / n
	variance := sq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) / 255
}

// estimateSkew tries small rotations and keeps the one whose row darkness
// profile is the most peaked, which is where text lines are horizontal.
func estimateSkew(img *image.NRGBA) float64 {
	best, bestScore := 0.0, rowProfileScore(img)
	for _, angle := range []float64{-4, -3, -2, -1, 1, 2, 3, 4} {
		score := rowProfileScore(imaging.Rotate(img, angle, color.White))
		if score > bestScore*1.05 {
			best, bestScore = -angle, score
		}
	}
	return best
}

func rowProfileScore(img *image.NRGBA) float64 {
	b := img.Bounds()
	if b.Dy() == 0 {
		return 0
	}
	rows := make([]float64, b.Dy())
	var mean float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		var dark float64
		for x := b.Min.X; x < b.Max.X; x++ {
			dark += 255 - luminance(img, x, y)
		}
		rows[y-b.Min.Y] = dark
		mean += dark
	}
	mean /= float64(len(rows))
	var variance float64
	for _, r := range rows {
		variance += (r - mean) * (r - mean)
	}
	return variance / float64(len(rows))
}
