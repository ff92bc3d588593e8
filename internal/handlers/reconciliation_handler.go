package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/services/matching"
	"bank-reconciliation-backend/internal/services/reconciliation"
	"bank-reconciliation-backend/internal/services/transactions"
)

// RunMatching runs the matching engine over a company's unmatched pool.
func (h *ReconciliationHandler) RunMatching(c *gin.Context) {
	companyID, ok := pathID(c, "companyId")
	if !ok {
		return
	}
	var payload struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Strategy string `json:"strategy"`
	}
	if c.Request.ContentLength > 0 && !bind(c, &payload) {
		return
	}
	from, err := day(payload.From)
	if err != nil {
		h.fail(c, err)
		return
	}
	to, err := day(payload.To)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.engine.Run(c.Request.Context(), matching.RunRequest{
		CompanyID: companyID,
		From:      from,
		To:        to,
		Strategy:  payload.Strategy,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ReconciliationHandler) UnmatchedTransactions(c *gin.Context) {
	companyID, ok := pathID(c, "companyId")
	if !ok {
		return
	}
	f, err := unmatchedFilter(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := h.transactions.UnmatchedTransactions(c.Request.Context(), companyID, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       page.Items,
		"next_cursor": page.NextCursor,
		"has_more":    page.NextCursor != "",
	})
}

func (h *ReconciliationHandler) UnmatchedExpenses(c *gin.Context) {
	companyID, ok := pathID(c, "companyId")
	if !ok {
		return
	}
	f, err := unmatchedFilter(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	items, err := h.transactions.UnmatchedExpenses(c.Request.Context(), companyID, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// SearchExpenses is the reviewer lookup by text and exact amount.
func (h *ReconciliationHandler) SearchExpenses(c *gin.Context) {
	companyID, ok := pathID(c, "companyId")
	if !ok {
		return
	}
	var amount decimal.NullDecimal
	if raw := c.Query("amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		amount = decimal.NewNullDecimal(d)
	}
	items, err := h.transactions.SearchExpenses(c.Request.Context(), companyID, c.Query("q"), amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func unmatchedFilter(c *gin.Context) (transactions.UnmatchedFilter, error) {
	from, to, err := dateRange(c)
	if err != nil {
		return transactions.UnmatchedFilter{}, err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return transactions.UnmatchedFilter{}, err
	}
	needsReview, _ := strconv.ParseBool(c.Query("needsReview"))
	return transactions.UnmatchedFilter{
		From:            from,
		To:              to,
		OnlyNeedsReview: needsReview,
		Search:          c.Query("search"),
		Cursor:          c.Query("cursor"),
		Limit:           limit,
	}, nil
}

// Report renders the reconciliation report as json, csv or xlsx.
func (h *ReconciliationHandler) Report(c *gin.Context) {
	companyID, ok := pathID(c, "companyId")
	if !ok {
		return
	}
	from, to, err := dateRange(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	g, err := reconciliation.ParseGranularity(c.Query("granularity"))
	if err != nil {
		h.fail(c, err)
		return
	}
	format, err := reconciliation.ParseFormat(c.Query("format"))
	if err != nil {
		h.fail(c, err)
		return
	}

	rep, err := h.reporter.Generate(c.Request.Context(), reconciliation.ReportRequest{
		CompanyID: companyID, From: from, To: to, Granularity: g,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if format == reconciliation.FormatJSON {
		c.JSON(http.StatusOK, rep)
		return
	}

	var buf bytes.Buffer
	if err := reconciliation.Render(&buf, rep, format); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%s.%s", g, format))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}
