// Package dedup computes statement and line fingerprints and flags lines that
// were already ingested from another statement of the same account.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

// StatementFingerprint is the sha256 of the raw file bytes.
func StatementFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// TransactionFingerprint identifies one ledger line independent of the file
// it came from: account, booking date, signed amount and normalized text.
func TransactionFingerprint(accountID uuid.UUID, date time.Time, amount decimal.Decimal, description string) string {
	key := fmt.Sprintf("%s|%s|%s|%s",
		accountID,
		date.Format("2006-01-02"),
		amount.StringFixed(2),
		NormalizeDescription(description),
	)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NormalizeDescription upper-cases, drops punctuation and collapses spaces so
// that two exports of the same line agree.
func NormalizeDescription(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToUpper(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

type Filter struct {
	txs repository.TransactionStore
}

func NewFilter(txs repository.TransactionStore) *Filter {
	return &Filter{txs: txs}
}

// MarkDuplicates sets Fingerprint on every line and flags the ones already
// stored from another statement of the account. Flagged lines are still
// stored. Returns the number flagged.
func (f *Filter) MarkDuplicates(ctx context.Context, accountID, statementID uuid.UUID, txs []models.BankTransaction) (int, error) {
	fps := make([]string, 0, len(txs))
	for i := range txs {
		txs[i].Fingerprint = TransactionFingerprint(accountID, txs[i].TransactionDate, txs[i].Amount, txs[i].Description)
		fps = append(fps, txs[i].Fingerprint)
	}

	existing, err := f.txs.FingerprintsExist(ctx, accountID, fps, statementID)
	if err != nil {
		return 0, fmt.Errorf("checking transaction fingerprints: %w", err)
	}

	flagged := 0
	for i := range txs {
		if original, ok := existing[txs[i].Fingerprint]; ok {
			txs[i].IsDuplicate = true
			txs[i].ReviewReason = appendReason(txs[i].ReviewReason, "duplicate of "+original.String())
			flagged++
		}
	}
	return flagged, nil
}

func appendReason(cur, add string) string {
	if cur == "" {
		return add
	}
	return cur + "; " + add
}
