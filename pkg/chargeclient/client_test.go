package chargeclient

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
)

func TestCharge_SendsAuthorizedRequestAndParsesResult(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/charge_authorization", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"status":true,"message":"Charge attempted","data":{"id":4099260516,"reference":"TRF-1","amount":10000,"currency":"ZAR","status":"success","gateway_response":"Approved"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test")
	result, err := client.Charge(context.Background(), ChargeRequest{
		AuthorizationCode: "AUTH_abc",
		Email:             "funder@example.com",
		AmountMinor:       10000,
		Currency:          "ZAR",
		Reference:         "TRF-1",
		Metadata:          map[string]interface{}{"funder_id": "f-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "AUTH_abc", gotBody["authorization_code"])
	assert.EqualValues(t, 10000, gotBody["amount"])
	assert.Equal(t, "4099260516", result.ChargeID)
	assert.Equal(t, "TRF-1", result.Reference)
	assert.EqualValues(t, 10000, result.AmountMinor)
}

func TestCharge_DeclineIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":true,"message":"Charge attempted","data":{"id":1,"status":"failed","gateway_response":"Insufficient Funds"}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "sk_test").Charge(context.Background(), ChargeRequest{AuthorizationCode: "AUTH_abc", AmountMinor: 100})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Declined)
	assert.Equal(t, "Insufficient Funds", apiErr.Message)
	assert.False(t, IsTransient(err))
	assert.False(t, IsUnconfirmedCharge(err))
}

func TestCharge_SuccessWithoutIDIsUnconfirmed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":true,"message":"Charge attempted","data":{"reference":"TRF-2","amount":100,"status":"success"}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "sk_test").Charge(context.Background(), ChargeRequest{AuthorizationCode: "AUTH_abc", AmountMinor: 100, Reference: "TRF-2"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unconfirmed)
	assert.False(t, apiErr.Declined)
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
	assert.True(t, IsUnconfirmedCharge(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "unconfirmed")
}

func TestCharge_ClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "bad request", status: http.StatusBadRequest, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
		{name: "too many requests", status: http.StatusTooManyRequests, transient: true},
		{name: "server error", status: http.StatusInternalServerError, transient: true},
		{name: "bad gateway", status: http.StatusBadGateway, transient: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"status":false,"message":"nope"}`))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "sk_test").Charge(context.Background(), ChargeRequest{AuthorizationCode: "AUTH_abc", AmountMinor: 100})
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestCharge_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test")
	client.HTTPClient.Timeout = 20 * time.Millisecond

	_, err := client.Charge(context.Background(), ChargeRequest{AuthorizationCode: "AUTH_abc", AmountMinor: 100})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestRefund_PostsChargeID(t *testing.T) {
	var gotBody refundRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refund", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"status":true,"message":"Refund has been queued for processing","data":{"id":3018284,"status":"pending","transaction":{"id":4099260516}}}`))
	}))
	defer server.Close()

	result, err := NewClient(server.URL, "sk_test").Refund(context.Background(), "4099260516", "allocation failed")
	require.NoError(t, err)

	assert.Equal(t, "4099260516", gotBody.Transaction)
	assert.Equal(t, "allocation failed", gotBody.MerchantNote)
	assert.Equal(t, "3018284", result.RefundID)
	assert.Equal(t, "4099260516", result.ChargeID)
	assert.Equal(t, "pending", result.Status)
}

func TestRefund_RequiresChargeID(t *testing.T) {
	_, err := NewClient("http://unused", "sk_test").Refund(context.Background(), " ", "reason")
	require.Error(t, err)
}
