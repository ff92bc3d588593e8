package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"bank-reconciliation-backend/internal/apperr"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("updating match: %w", apperr.ErrMatchConflict): http.StatusConflict,
		&apperr.InvalidStateError{Op: "approve"}:                  http.StatusConflict,
		apperr.ErrRunInProgress:                                   http.StatusConflict,
		&apperr.SplitAmountMismatchError{}:                        http.StatusUnprocessableEntity,
		fmt.Errorf("job: %w", apperr.ErrNotFound):                 http.StatusNotFound,
		apperr.ErrPermissionDenied:                                http.StatusForbidden,
		fmt.Errorf("boom"):                                        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
