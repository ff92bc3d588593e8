package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type FormatFamily string

const (
	FamilyCSV         FormatFamily = "csv"
	FamilySpreadsheet FormatFamily = "spreadsheet"
	FamilyOFX         FormatFamily = "ofx"
	FamilyQIF         FormatFamily = "qif"
	FamilyPDF         FormatFamily = "pdf"
	FamilyImage       FormatFamily = "image"
)

func (f FormatFamily) Valid() bool {
	switch f {
	case FamilyCSV, FamilySpreadsheet, FamilyOFX, FamilyQIF, FamilyPDF, FamilyImage:
		return true
	}
	return false
}

// ColumnMapping names the source columns by header text, or by zero-based
// index when the file has no header row.
type ColumnMapping struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount,omitempty"`
	Debit       string `json:"debit,omitempty"`
	Credit      string `json:"credit,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Reference   string `json:"reference,omitempty"`
	Type        string `json:"type,omitempty"`
}

// FormatConfiguration describes how to read one bank's export. Rows are never
// updated; a change is a new Version under the same Name.
type FormatConfiguration struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Name               string       `gorm:"uniqueIndex:idx_format_name_version"`
	Version            int          `gorm:"uniqueIndex:idx_format_name_version"`
	Family             FormatFamily `gorm:"index"`
	Description        string
	Delimiter          string
	DecimalSeparator   string
	ThousandsSeparator string
	DateLayout         string
	DateOrder          string
	HasHeader          bool
	SkipLines          int
	Columns            datatypes.JSONType[ColumnMapping]
	HeaderSignature    datatypes.JSONSlice[string]
	Extensions         datatypes.JSONSlice[string]
	MimeTypes          datatypes.JSONSlice[string]
	DefaultCurrency    string `gorm:"size:3"`
	Language           string
	CreatedBy          string
	CreatedAt          time.Time
}
