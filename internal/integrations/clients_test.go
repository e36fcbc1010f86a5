package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

func TestNewRESTClient_InvalidURL(t *testing.T) {
	_, err := NewCRMClient(Options{BaseURL: "not a url"})
	assert.Error(t, err)

	_, err = NewBillingClient(Options{})
	assert.Error(t, err)
}

func TestCRMClient_GetCase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cases/CASE-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.CaseRecord{AccountID: "ACC-1", DisputeType: "Billing Error", Amount: 42})
	}))
	defer server.Close()

	client, err := NewCRMClient(Options{BaseURL: server.URL + "/", Token: "secret"})
	require.NoError(t, err)

	c, err := client.GetCase(context.Background(), "CASE-1")
	require.NoError(t, err)
	assert.Equal(t, "CASE-1", c.ID)
	assert.Equal(t, "ACC-1", c.AccountID)
	assert.InDelta(t, 42.0, c.Amount, 0.0001)
}

func TestRESTClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   faults.Kind
	}{
		{http.StatusNotFound, faults.KindNotFound},
		{http.StatusTooManyRequests, faults.KindTransient},
		{http.StatusBadGateway, faults.KindTransient},
		{http.StatusServiceUnavailable, faults.KindTransient},
		{http.StatusBadRequest, faults.KindInvalidInput},
		{http.StatusUnprocessableEntity, faults.KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client, err := NewPaymentsClient(Options{BaseURL: server.URL})
			require.NoError(t, err)

			_, err = client.GetCharges(context.Background(), "cus_1")
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "payments", apiErr.Service)
		})
	}
}

func TestRESTClient_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client, err := NewCRMClient(Options{BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.GetAccount(context.Background(), "ACC-1")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestRESTClient_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	client, err := NewBillingClient(Options{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.GetSubscription(context.Background(), "ACC-1")
	assert.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestBillingClient_CreateRefundSendsIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/refunds", r.URL.Path)
		assert.Equal(t, "run-123", r.Header.Get("Idempotency-Key"))

		var req RefundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ACC-1", req.AccountID)
		assert.InDelta(t, 25.5, req.Amount, 0.0001)

		_, _ = w.Write([]byte(`{"id":"re_1"}`))
	}))
	defer server.Close()

	client, err := NewBillingClient(Options{BaseURL: server.URL})
	require.NoError(t, err)

	id, err := client.CreateRefund(context.Background(), RefundRequest{
		AccountID:      "ACC-1",
		CaseID:         "CASE-1",
		Amount:         25.5,
		Reason:         "duplicate charge",
		IdempotencyKey: "run-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", id)
}

func TestCRMClient_UpdateCase(t *testing.T) {
	var got CaseUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewCRMClient(Options{BaseURL: server.URL})
	require.NoError(t, err)

	err = client.UpdateCase(context.Background(), "CASE-1", CaseUpdate{Status: "Resolved", Resolution: "full_refund"})
	require.NoError(t, err)
	assert.Equal(t, "Resolved", got.Status)
}
