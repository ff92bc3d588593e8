package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bank-reconciliation-backend/internal/apperr"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		dup      *apperr.DuplicateError
		parse    *apperr.ParseError
		state    *apperr.InvalidStateError
		mismatch *apperr.SplitAmountMismatchError
		timeout  *apperr.OCRTimeoutError
	)
	switch {
	case errors.As(err, &dup), errors.As(err, &state):
		return http.StatusConflict
	case errors.As(err, &mismatch), errors.As(err, &parse):
		return http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrRunInProgress),
		errors.Is(err, apperr.ErrJobNotCancellable),
		errors.Is(err, apperr.ErrJobInProgress),
		errors.Is(err, apperr.ErrMatchConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *ReconciliationHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var (
		dup      *apperr.DuplicateError
		mismatch *apperr.SplitAmountMismatchError
		parse    *apperr.ParseError
	)
	switch {
	case errors.As(err, &dup):
		body["original_statement_id"] = dup.OriginalID
	case errors.As(err, &mismatch):
		body["expected"] = mismatch.Expected
		body["actual"] = mismatch.Actual
	case errors.As(err, &parse):
		body["kind"] = parse.Kind
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}
