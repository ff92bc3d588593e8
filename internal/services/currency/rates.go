package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

// ErrRateNotFound means the source has no rate for that exact day.
var ErrRateNotFound = fmt.Errorf("exchange rate %w", apperr.ErrNotFound)

// RateLookup resolves the rate converting one unit of from into to on day.
type RateLookup interface {
	GetRate(ctx context.Context, from, to string, day time.Time) (decimal.Decimal, error)
}

// HTTPRates queries a Frankfurter-compatible endpoint:
// GET {base}/{YYYY-MM-DD}?from=EUR&to=PLN.
type HTTPRates struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRates(baseURL string, timeout time.Duration) *HTTPRates {
	return &HTTPRates{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Date  string                     `json:"date"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (h *HTTPRates) GetRate(ctx context.Context, from, to string, day time.Time) (decimal.Decimal, error) {
	date := day.Format("2006-01-02")
	url := fmt.Sprintf("%s/%s?from=%s&to=%s", h.baseURL, date, from, to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate lookup %s->%s: %w", from, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, ErrRateNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate lookup %s->%s: unexpected status %d", from, to, resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decoding rate response: %w", err)
	}
	// the service answers with the closest earlier day; only the exact day counts here
	if body.Date != date {
		return decimal.Zero, ErrRateNotFound
	}
	rate, ok := body.Rates[to]
	if !ok {
		return decimal.Zero, ErrRateNotFound
	}
	return rate, nil
}

// CachedRates keeps every resolved rate in the database so reprocessing a
// statement never depends on the remote service again.
type CachedRates struct {
	store  repository.RateStore
	source RateLookup
	name   string
	logger *slog.Logger
}

func NewCachedRates(store repository.RateStore, source RateLookup, sourceName string, logger *slog.Logger) *CachedRates {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRates{store: store, source: source, name: sourceName, logger: logger}
}

func (c *CachedRates) GetRate(ctx context.Context, from, to string, day time.Time) (decimal.Decimal, error) {
	cached, err := c.store.Get(ctx, from, to, day)
	if err == nil {
		return cached.Rate, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		c.logger.Warn("rate cache read failed", "from", from, "to", to, "error", err)
	}

	rate, err := c.source.GetRate(ctx, from, to, day)
	if err != nil {
		return decimal.Zero, err
	}
	entry := &models.ExchangeRate{
		FromCurrency: from,
		ToCurrency:   to,
		Date:         truncateDay(day),
		Rate:         rate,
		Source:       c.name,
		CreatedAt:    time.Now(),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("rate cache write failed", "from", from, "to", to, "error", err)
	}
	return rate, nil
}

// MapRates is a fixed table keyed by "FROM/TO/YYYY-MM-DD".
type MapRates map[string]decimal.Decimal

func (m MapRates) GetRate(_ context.Context, from, to string, day time.Time) (decimal.Decimal, error) {
	if rate, ok := m[from+"/"+to+"/"+day.Format("2006-01-02")]; ok {
		return rate, nil
	}
	return decimal.Zero, ErrRateNotFound
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
