package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/services/formats"
	"bank-reconciliation-backend/internal/services/ingestion"
	"bank-reconciliation-backend/internal/services/matching"
	"bank-reconciliation-backend/internal/services/reconciliation"
	"bank-reconciliation-backend/internal/services/review"
	"bank-reconciliation-backend/internal/services/transactions"
)

// UserHeader carries the id of the acting user. Authentication happens in
// front of this service.
const UserHeader = "X-User-ID"

type Deps struct {
	Ingestion    *ingestion.Service
	Formats      *formats.Service
	Engine       *matching.Engine
	Review       *review.Service
	Transactions *transactions.Service
	Reporter     *reconciliation.Reporter
	Logger       *slog.Logger
}

type ReconciliationHandler struct {
	ingestion    *ingestion.Service
	formats      *formats.Service
	engine       *matching.Engine
	review       *review.Service
	transactions *transactions.Service
	reporter     *reconciliation.Reporter
	logger       *slog.Logger
}

func NewReconciliationHandler(d Deps) *ReconciliationHandler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &ReconciliationHandler{
		ingestion:    d.Ingestion,
		formats:      d.Formats,
		engine:       d.Engine,
		review:       d.Review,
		transactions: d.Transactions,
		reporter:     d.Reporter,
		logger:       d.Logger,
	}
}

func (h *ReconciliationHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func actor(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.GetHeader(UserHeader))
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": UserHeader + " header required"})
		return "", false
	}
	return id, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return false
	}
	return true
}

// day parses a YYYY-MM-DD value; empty is nil.
func day(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q must be YYYY-MM-DD", apperr.ErrInvalidArgument, raw)
	}
	return &t, nil
}

// dateRange reads the from and to query parameters.
func dateRange(c *gin.Context) (from, to *time.Time, err error) {
	if from, err = day(c.Query("from")); err != nil {
		return nil, nil, err
	}
	if to, err = day(c.Query("to")); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", apperr.ErrInvalidArgument, key)
	}
	return n, nil
}
