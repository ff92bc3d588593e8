package parsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	us := NumberFormat{Decimal: '.', Thousands: ','}
	eu := NumberFormat{Decimal: ',', Thousands: '.'}
	pl := NumberFormat{Decimal: ',', Thousands: ' '}
	plain := NumberFormat{Decimal: '.'}

	tests := []struct {
		name string
		in   string
		nf   NumberFormat
		want string
		err  bool
	}{
		{"grouped dot decimal", "1,234.56", us, "1234.56", false},
		{"grouped comma decimal", "1.234,56", eu, "1234.56", false},
		{"space grouping", "1 234,56", pl, "1234.56", false},
		{"nbsp grouping", "1\u00a0234,56", pl, "1234.56", false},
		{"negative", "-4.50", plain, "-4.5", false},
		{"trailing minus", "4,50-", eu, "-4.5", false},
		{"parentheses", "(12.00)", us, "-12", false},
		{"currency suffix", "-4,50 PLN", pl, "-4.5", false},
		{"currency symbol", "$1,000.00", us, "1000", false},
		{"plus sign", "+15", plain, "15", false},
		{"us text in eu locale", "1,234.56", eu, "", true},
		{"us text without grouping", "1,234.56", plain, "", true},
		{"bad group size", "12,34.00", us, "", true},
		{"two decimals", "1.2.3", plain, "", true},
		{"empty", "  ", us, "", true},
		{"letters only", "PLN", us, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.nf)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseAmountNeverShiftsDecimal(t *testing.T) {
	// with a comma decimal "1,234.56" must not become 1.23456
	_, err := ParseAmount("1,234.56", NumberFormat{Decimal: ','})
	require.Error(t, err)
	assert.ErrorIs(t, err, errLocale)
}

func TestParseDate(t *testing.T) {
	day := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in     string
		layout string
		order  DateOrder
		want   time.Time
		err    bool
	}{
		{"2024-01-05", "", "", day, false},
		{"05.01.2024", "", OrderDMY, day, false},
		{"01/05/2024", "", OrderMDY, day, false},
		{"05/01/24", "", OrderDMY, day, false},
		{"2024-01-05 13:45", "", "", day, false},
		{"2024-01-05T13:45:00Z", "", "", day, false},
		{"05-Jan-2024", "02-Jan-2006", "", day, false},
		{"31.02.2024", "", OrderDMY, time.Time{}, true},
		{"13/25/2024", "", OrderMDY, time.Time{}, true},
		{"yesterday", "", "", time.Time{}, true},
		{"2024-01-05", "02.01.2006", "", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in, tt.layout, tt.order)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}
}
