package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository/memstore"
)

func TestStatementFingerprintStable(t *testing.T) {
	a := StatementFingerprint([]byte("date,desc,amount\n"))
	b := StatementFingerprint([]byte("date,desc,amount\n"))
	c := StatementFingerprint([]byte("date,desc,amount \n"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestNormalizeDescription(t *testing.T) {
	assert.Equal(t, "COFFEE SHOP 12", NormalizeDescription("  coffee-shop,  #12 "))
	assert.Equal(t, "ŻABKA", NormalizeDescription("żabka."))
	assert.Equal(t, "", NormalizeDescription("--"))
}

func TestTransactionFingerprintIgnoresFormatting(t *testing.T) {
	account := uuid.New()
	day := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("-4.5")

	a := TransactionFingerprint(account, day, amount, "Coffee Shop")
	b := TransactionFingerprint(account, day.Add(13*time.Hour), decimal.RequireFromString("-4.50"), "COFFEE  SHOP.")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, TransactionFingerprint(uuid.New(), day, amount, "Coffee Shop"))
	assert.NotEqual(t, a, TransactionFingerprint(account, day, amount.Neg(), "Coffee Shop"))
}

func TestMarkDuplicatesAgainstOtherStatements(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := uuid.New()
	day := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	earlier := []models.BankTransaction{
		{StatementID: uuid.New(), AccountID: account, TransactionDate: day, Amount: decimal.RequireFromString("-4.50"), Description: "Coffee Shop"},
	}
	earlier[0].Fingerprint = TransactionFingerprint(account, day, earlier[0].Amount, earlier[0].Description)
	require.NoError(t, store.Transactions().CreateBatch(ctx, earlier))

	statementID := uuid.New()
	incoming := []models.BankTransaction{
		{TransactionDate: day, Amount: decimal.RequireFromString("-4.50"), Description: "COFFEE SHOP"},
		{TransactionDate: day, Amount: decimal.RequireFromString("-12.00"), Description: "Bakery"},
	}

	n, err := NewFilter(store.Transactions()).MarkDuplicates(ctx, account, statementID, incoming)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, incoming[0].IsDuplicate)
	assert.Contains(t, incoming[0].ReviewReason, earlier[0].ID.String())
	assert.False(t, incoming[1].IsDuplicate)
	assert.NotEmpty(t, incoming[1].Fingerprint)
}
