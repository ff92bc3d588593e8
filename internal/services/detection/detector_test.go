package detection

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/services/formats"
	"bank-reconciliation-backend/internal/services/ocr"
)

func builtins() []models.FormatConfiguration {
	list := formats.Builtins()
	for i := range list {
		list[i].ID = uuid.New()
		list[i].Version = 1
	}
	return list
}

func TestDetectCSV(t *testing.T) {
	d := NewDetector(0.5, 0.1, nil, nil)
	content := []byte("date,description,amount,currency\n2024-01-05,Coffee Shop,-4.50,PLN\n2024-01-06,Bakery,-3.20,PLN\n")

	res := d.Detect(context.Background(), Input{Content: content, Filename: "export.csv", DeclaredMime: "text/csv"}, builtins())
	require.NotNil(t, res.Best)
	assert.Equal(t, "generic-csv", res.Best.Name)
	assert.Equal(t, models.FamilyCSV, res.Best.Family)
	assert.Len(t, res.Candidates, len(formats.Builtins()))
	for i := 1; i < len(res.Candidates); i++ {
		assert.GreaterOrEqual(t, res.Candidates[i-1].Confidence, res.Candidates[i].Confidence)
	}
}

func TestDetectEuropeanCSVByDelimiter(t *testing.T) {
	d := NewDetector(0.5, 0.1, nil, nil)
	content := []byte("Data;Opis;Kwota\n05.01.2024;Kawiarnia;-4,50\n06.01.2024;Piekarnia;-3,20\n")

	res := d.Detect(context.Background(), Input{Content: content, Filename: "wyciag.csv"}, builtins())
	require.NotNil(t, res.Best)
	assert.Equal(t, "european-csv", res.Best.Name)
}

func TestDetectOFXWithoutExtension(t *testing.T) {
	d := NewDetector(0.5, 0.1, nil, nil)
	content := []byte("OFXHEADER:100\nDATA:OFXSGML\n\n<OFX>\n<BANKMSGSRSV1><STMTTRNRS><STMTRS><BANKTRANLIST>\n<STMTTRN>\n<TRNAMT>-1.00\n</STMTTRN>\n")

	res := d.Detect(context.Background(), Input{Content: content, Filename: "download.ofx"}, builtins())
	require.NotNil(t, res.Best)
	assert.Equal(t, "ofx", res.Best.Name)
}

func TestDetectQIF(t *testing.T) {
	d := NewDetector(0.5, 0.1, nil, nil)
	res := d.Detect(context.Background(), Input{Content: []byte("!Type:Bank\nD01/05/2024\nT-4.50\n^\n"), Filename: "a.qif"}, builtins())
	require.NotNil(t, res.Best)
	assert.Equal(t, "qif", res.Best.Name)
}

func TestDetectSpreadsheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Date", "Description", "Amount"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res := NewDetector(0.5, 0.1, nil, nil).Detect(context.Background(), Input{Content: buf.Bytes(), Filename: "statement.xlsx"}, builtins())
	require.NotNil(t, res.Best)
	assert.Equal(t, "spreadsheet", res.Best.Name)
}

func TestDetectUnknown(t *testing.T) {
	res := NewDetector(0.5, 0.1, nil, nil).Detect(context.Background(), Input{Content: []byte("hello world, nothing to see"), Filename: "notes.md"}, builtins())
	assert.Nil(t, res.Best)
	assert.Equal(t, Unknown, res.BestName())
}

func TestHeaderSignatureSeparatesBanks(t *testing.T) {
	list := builtins()
	bankA := models.FormatConfiguration{ID: uuid.New(), Name: "bank-a", Family: models.FamilyCSV, Delimiter: ","}
	bankA.HeaderSignature = []string{"Booking date", "Counterparty", "Amount"}
	list = append(list, bankA)

	content := []byte("Booking date,Counterparty,Amount\n2024-01-05,Coffee Shop,-4.50\n2024-01-06,Bakery,-3.20\n")
	res := NewDetector(0.5, 0.1, nil, nil).Detect(context.Background(), Input{Content: content, Filename: "a.csv"}, list)
	require.NotNil(t, res.Best)
	assert.Equal(t, "bank-a", res.Best.Name)
	assert.Contains(t, res.Best.Signals, "header signature")
}

type fakeOCR struct {
	text  string
	err   error
	calls int
}

func (f *fakeOCR) Extract(context.Context, []byte, string) (ocr.Extraction, error) {
	f.calls++
	return ocr.Extraction{Result: ocr.Result{Text: f.text, Confidence: 0.9}}, f.err
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(color.White.Y >> 8)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetectScanUsesOCRPreview(t *testing.T) {
	fake := &fakeOCR{text: "Wyciąg\n05.01.2024 Kawiarnia -4,50\n06.01.2024 Piekarnia -3,20\n"}
	d := NewDetector(0.5, 0.1, fake, nil)

	res := d.Detect(context.Background(), Input{Content: pngBytes(t), Filename: "scan.png"}, builtins())
	assert.Equal(t, 1, fake.calls)
	assert.True(t, res.UsedOCR)
	require.NotNil(t, res.Best)
	assert.Equal(t, "image-ocr", res.Best.Name)
	assert.Contains(t, res.Best.Signals, "statement text on image")
}

func TestDetectScanOCRFailureStillRanks(t *testing.T) {
	fake := &fakeOCR{err: errors.New("engine down")}
	res := NewDetector(0.5, 0.1, fake, nil).Detect(context.Background(), Input{Content: pngBytes(t), Filename: "scan.png"}, builtins())
	assert.False(t, res.UsedOCR)
	assert.Equal(t, "image-ocr", res.Candidates[0].Name)
}
