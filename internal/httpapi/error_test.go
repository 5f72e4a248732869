package httpapi_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/libris/circulation/internal/httpapi"
	"github.com/libris/circulation/pkg/domain"
)

func TestHTTPStatusByCode(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{domain.CodeBookNotFound, http.StatusNotFound},
		{domain.CodeReservationNotFound, http.StatusNotFound},
		{domain.CodeWalletNotFound, http.StatusNotFound},
		{domain.CodeBookAlreadyExists, http.StatusConflict},
		{domain.CodeReservationDuplicate, http.StatusConflict},
		{domain.CodeWalletAlreadyExists, http.StatusConflict},
		{domain.CodeBookAlreadyDeleted, http.StatusGone},
		{domain.CodeReservationAlreadyDeleted, http.StatusGone},
		{domain.CodeWalletAlreadyDeleted, http.StatusGone},
		{domain.CodeConcurrencyConflict, http.StatusConflict},
		{domain.CodeDuplicateEvent, http.StatusConflict},
		{domain.CodeWalletInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.CodeReservationCannotBeReturned, http.StatusUnprocessableEntity},
		{domain.CodeValidationError, http.StatusUnprocessableEntity},
		{domain.CodeEventSaveFailed, http.StatusInternalServerError},
		{domain.CodeEventLookupFailed, http.StatusInternalServerError},
		{domain.CodeDatabaseError, http.StatusInternalServerError},
		{domain.CodePaymentProcessing, http.StatusInternalServerError},
		{domain.CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, httpapi.HTTPStatus(tt.code))
		})
	}
}
