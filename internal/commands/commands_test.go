package commands

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/repository/memstore"
)

func useMemstore(t *testing.T) *memstore.Store {
	t.Helper()
	for _, key := range []string{"QUEUE_BACKEND", "ARCHIVE_BACKEND"} {
		t.Setenv(key, "database")
	}
	t.Setenv("OCR_ENDPOINT", "")
	t.Setenv("MATCHING_CONFIG_PATH", "")
	t.Setenv("BASE_CURRENCY", "PLN")
	// unreachable, so rate lookups fail fast and no network is touched
	t.Setenv("RATES_ENDPOINT", "http://127.0.0.1:1")

	store := memstore.New()
	prev := openStore
	openStore = func(context.Context, *config.Config) (repository.Store, error) { return store, nil }
	t.Cleanup(func() { openStore = prev })
	return store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFormatsList(t *testing.T) {
	useMemstore(t)

	out, err := execute(t, "formats", "list")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "NAME"))
	assert.Contains(t, out, "generic-csv")
}

func TestFormatsAdd(t *testing.T) {
	store := useMemstore(t)
	path := filepath.Join(t.TempDir(), "bank.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: acme-bank
family: csv
delimiter: ";"
decimal_separator: ","
date_layout: "02.01.2006"
has_header: true
columns:
  date: Data
  description: Opis
  amount: Kwota
`), 0o600))

	out, err := execute(t, "formats", "add", path)
	require.NoError(t, err)
	assert.Contains(t, out, "format acme-bank version 1")

	cfg, err := store.Formats().Latest(context.Background(), "acme-bank")
	require.NoError(t, err)
	assert.Equal(t, "Kwota", cfg.Columns.Data().Amount)
	assert.Equal(t, "cli", cfg.CreatedBy)
}

func TestIngestMatchReport(t *testing.T) {
	store := useMemstore(t)
	company, account := uuid.New(), uuid.New()
	store.PutExpense(models.Expense{
		ID:              uuid.New(),
		CompanyID:       company,
		Title:           "Coffee Shop",
		MerchantName:    "Coffee Shop",
		Amount:          decimal.RequireFromString("4.50"),
		Currency:        "PLN",
		TransactionDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	})

	path := filepath.Join(t.TempDir(), "statement.csv")
	require.NoError(t, os.WriteFile(path, []byte("date,description,amount,currency\n2024-01-05,Coffee Shop,-4.50,PLN\n"), 0o600))

	out, err := execute(t, "ingest", path, "--company", company.String(), "--account", account.String())
	require.NoError(t, err)
	assert.Contains(t, out, "queued as job")

	out, err = execute(t, "worker", "--drain")
	require.NoError(t, err)
	assert.Equal(t, "processed 1 jobs\n", out)

	out, err = execute(t, "match", "--company", company.String())
	require.NoError(t, err)
	assert.Contains(t, out, "auto-approved 1, pending 0")

	out, err = execute(t, "report", "--company", company.String(), "--from", "2024-01-01", "--to", "2024-01-31")
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "2024-01", records[1][0])
	assert.Equal(t, "total", records[2][0])
}

func TestCommandErrors(t *testing.T) {
	useMemstore(t)

	_, err := execute(t, "match")
	assert.Error(t, err)

	_, err = execute(t, "match", "--company", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid --company")

	_, err = execute(t, "report", "--company", uuid.NewString(), "--granularity", "hourly")
	assert.Error(t, err)

	_, err = execute(t, "report", "--company", uuid.NewString(), "--from", "05/01/2024")
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}
