package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []MatchStatus{"", MatchPending, MatchApproved, MatchRejected, MatchDelegated}
	allowed := map[[2]MatchStatus]bool{
		{"", MatchPending}:             true,
		{MatchPending, MatchApproved}:  true,
		{MatchPending, MatchRejected}:  true,
		{MatchPending, MatchDelegated}: true,
		{MatchDelegated, MatchPending}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]MatchStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%q -> %q", from, to)
		}
	}
}

func TestProjectStatus(t *testing.T) {
	assert.Equal(t, MatchStatus(""), ProjectStatus(nil))

	events := []MatchEvent{
		{Sequence: 1, FromStatus: "", ToStatus: MatchPending},
		{Sequence: 2, FromStatus: MatchPending, ToStatus: MatchDelegated},
		{Sequence: 3, FromStatus: MatchDelegated, ToStatus: MatchPending},
		{Sequence: 4, FromStatus: MatchPending, ToStatus: MatchApproved},
	}
	assert.Equal(t, MatchApproved, ProjectStatus(events))
}

func TestTransactionMatchActive(t *testing.T) {
	now := time.Now()
	assert.True(t, TransactionMatch{Status: MatchPending}.Active())
	assert.True(t, TransactionMatch{Status: MatchApproved}.Active())
	assert.False(t, TransactionMatch{Status: MatchRejected}.Active())
	assert.False(t, TransactionMatch{Status: MatchApproved, ReleasedAt: &now}.Active())
}

func TestBankTransactionMagnitudes(t *testing.T) {
	tx := BankTransaction{Amount: decimal.RequireFromString("-4.50")}
	assert.Equal(t, "4.50", tx.Magnitude().StringFixed(2))

	_, ok := tx.BaseMagnitude()
	assert.False(t, ok)
	assert.True(t, tx.CurrencyUnresolved())

	tx.NormalizedAmount = decimal.NewNullDecimal(decimal.RequireFromString("-1.05"))
	base, ok := tx.BaseMagnitude()
	assert.True(t, ok)
	assert.Equal(t, "1.05", base.StringFixed(2))
}

func TestJobStatusClaimable(t *testing.T) {
	assert.True(t, JobQueued.Claimable())
	assert.True(t, JobRetrying.Claimable())
	assert.False(t, JobRunning.Claimable())
	assert.False(t, JobCancelled.Claimable())
}
