package httpapi_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/httpapi"
	"github.com/libris/circulation/pkg/domain"
)

func TestWalletLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, httpapi.Options{})

	created := createWallet(t, f, "user-1", "100")
	assert.Equal(t, int64(1), created.Version)

	rec := f.do(t, http.MethodPost, "/wallets/"+created.ID+"/credit", map[string]any{
		"amount": "2.5",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var credited commandResponse
	decodeBody(t, rec, &credited)
	assert.Equal(t, created.ID, credited.ID)
	assert.Equal(t, int64(2), credited.Version)

	doc := getDoc(t, f, "/wallets/"+created.ID)
	assert.Equal(t, "102.5", doc["balance"])
	assert.Equal(t, "user-1", doc["user_id"])

	rec = f.do(t, http.MethodGet, "/wallets?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list listResponse
	decodeBody(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, created.ID, list.Data[0]["id"])
}

func TestSecondWalletPerUserConflicts(t *testing.T) {
	f := newFixture(t, httpapi.Options{})

	first := createWallet(t, f, "user-1", "100")

	rec := f.do(t, http.MethodPost, "/wallets", map[string]any{
		"user_id": "user-1", "initial_balance": "5",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, domain.CodeWalletAlreadyExists, body.Error.Code)
	assert.Equal(t, first.ID, body.Error.Details["wallet_id"])
}

func TestDebitWallet(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	created := createWallet(t, f, "user-1", "10")

	rec := f.do(t, http.MethodPost, "/wallets/"+created.ID+"/debit", map[string]any{
		"amount": "4",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var debited commandResponse
	decodeBody(t, rec, &debited)
	assert.Equal(t, int64(2), debited.Version)

	doc := getDoc(t, f, "/wallets/"+created.ID)
	assert.Equal(t, "6", doc["balance"])

	rec = f.do(t, http.MethodPost, "/wallets/"+created.ID+"/debit", map[string]any{
		"amount": "100",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, domain.CodeWalletInsufficientFunds, body.Error.Code)

	doc = getDoc(t, f, "/wallets/"+created.ID)
	assert.Equal(t, "6", doc["balance"])
}

func TestCreditWalletBoundaryErrors(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	created := createWallet(t, f, "user-1", "10")

	rec := f.do(t, http.MethodPost, "/wallets/"+created.ID+"/credit", map[string]any{
		"amount": "-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, domain.CodeValidationError, body.Error.Code)

	rec = f.do(t, http.MethodPost, "/wallets/"+domain.NewID()+"/credit", map[string]any{
		"amount": "1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/wallets", map[string]any{"initial_balance": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	decodeBody(t, rec, &body)
	assert.Equal(t, domain.CodeValidationError, body.Error.Code)
	assert.Contains(t, body.Error.Details, "user_id")
}
