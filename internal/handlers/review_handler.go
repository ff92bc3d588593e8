package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/services/review"
	"bank-reconciliation-backend/internal/services/transactions"
)

func (h *ReconciliationHandler) GetMatch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	m, err := h.review.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	history, err := h.review.History(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m, "history": history})
}

func (h *ReconciliationHandler) ApproveMatch(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Comments string `json:"comments"`
	}
	if c.Request.ContentLength > 0 && !bind(c, &payload) {
		return
	}
	m, err := h.review.Approve(c.Request.Context(), id, user, payload.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "match approved", "match": m})
}

func (h *ReconciliationHandler) RejectMatch(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason" binding:"required"`
	}
	if !bind(c, &payload) {
		return
	}
	m, err := h.review.Reject(c.Request.Context(), id, user, payload.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "match rejected", "match": m})
}

func (h *ReconciliationHandler) DelegateMatch(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		To     string `json:"to" binding:"required"`
		Reason string `json:"reason"`
	}
	if !bind(c, &payload) {
		return
	}
	m, err := h.review.Delegate(c.Request.Context(), id, user, payload.To, payload.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "match delegated", "match": m})
}

func (h *ReconciliationHandler) AcceptMatch(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	m, err := h.review.AcceptDelegation(c.Request.Context(), id, user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "delegation accepted", "match": m})
}

func (h *ReconciliationHandler) SplitTransaction(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Allocations []review.Allocation `json:"allocations" binding:"required,dive"`
		Comments    string              `json:"comments"`
	}
	if !bind(c, &payload) {
		return
	}
	matches, err := h.review.Split(c.Request.Context(), review.SplitRequest{
		TransactionID: id,
		Allocations:   payload.Allocations,
		ReviewerID:    user,
		Comments:      payload.Comments,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction split", "matches": matches})
}

func (h *ReconciliationHandler) ManualMatch(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		ExpenseID uuid.UUID `json:"expenseId" binding:"required"`
		Comments  string    `json:"comments"`
	}
	if !bind(c, &payload) {
		return
	}
	m, err := h.review.ManualMatch(c.Request.Context(), id, payload.ExpenseID, user, payload.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction manually matched", "match": m})
}

func (h *ReconciliationHandler) ResetTransaction(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason" binding:"required"`
	}
	if !bind(c, &payload) {
		return
	}
	released, err := h.review.ResetTransaction(c.Request.Context(), id, user, payload.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction reset", "released": released})
}

func (h *ReconciliationHandler) CorrectTransaction(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		transactions.Correction
		Reason string `json:"reason" binding:"required"`
	}
	if !bind(c, &payload) {
		return
	}
	tx, logs, err := h.transactions.CorrectTransaction(c.Request.Context(), id, user, payload.Correction, payload.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction corrected", "transaction": tx, "corrections": logs})
}

func (h *ReconciliationHandler) Corrections(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	logs, err := h.transactions.Corrections(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": logs})
}
