package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkolo/marketpay/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "8080",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "text",
		CommissionRate:  "0.10",
		AutoReleaseDays: 7,
		ScanInterval:    time.Minute,
		DefaultCurrency: "XAF",
		DraftOrderTTL:   48 * time.Hour,
		GatewayTimeout:  30 * time.Second,
		ArbiterIDs:      []string{"arbiter_1"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestLivenessAndInfo(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Marketpay", decode(t, w)["name"])
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCheckoutLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Draft order
	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"customerId":  "cust_1",
		"sellerId":    "seller_1",
		"currency":    "XAF",
		"totalAmount": 10000,
		"description": "50kg cement",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	order := decode(t, w)["order"].(map[string]any)
	orderID := order["id"].(string)
	require.Equal(t, "draft", order["status"])

	// Pay through the sandbox gateway
	w = doJSON(t, s, http.MethodPost, "/v1/orders/"+orderID+"/pay", map[string]any{
		"method": "pm_ok",
	})
	require.Equal(t, http.StatusOK, w.Code)
	paid := decode(t, w)["order"].(map[string]any)
	require.Equal(t, "paid", paid["status"])
	escrowID := paid["escrowId"].(string)
	require.NotEmpty(t, escrowID)

	// Escrow is held with the derived commission split
	w = doJSON(t, s, http.MethodGet, "/v1/escrows/"+escrowID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	esc := decode(t, w)["escrow"].(map[string]any)
	require.Equal(t, "held", esc["status"])
	require.Equal(t, float64(9000), esc["sellerAmount"])
	require.Equal(t, float64(1000), esc["commissionAmount"])

	// Confirm delivery pays the seller
	w = doJSON(t, s, http.MethodPost, "/v1/escrows/"+escrowID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/wallets/seller_1/XAF", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode(t, w)["wallet"].(map[string]any)
	require.Equal(t, float64(9000), wallet["available"])

	// Audit trail covers hold and release
	w = doJSON(t, s, http.MethodGet, "/v1/ledger/escrows/"+escrowID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.GreaterOrEqual(t, decode(t, w)["count"], float64(4))
}

func TestDeclinedPaymentOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"customerId":  "cust_1",
		"sellerId":    "seller_1",
		"currency":    "XAF",
		"totalAmount": 5000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := decode(t, w)["order"].(map[string]any)["id"].(string)

	w = doJSON(t, s, http.MethodPost, "/v1/orders/"+orderID+"/pay", map[string]any{
		"method": "pm_sandbox_declined",
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "payment_declined", decode(t, w)["error"])
}

func TestDisputeResolutionOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"customerId":  "cust_1",
		"sellerId":    "seller_1",
		"currency":    "XAF",
		"totalAmount": 10000,
	})
	orderID := decode(t, w)["order"].(map[string]any)["id"].(string)

	w = doJSON(t, s, http.MethodPost, "/v1/orders/"+orderID+"/pay", map[string]any{
		"method": "pm_ok",
	})
	escrowID := decode(t, w)["order"].(map[string]any)["escrowId"].(string)

	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/escrows/%s/dispute", escrowID), map[string]any{
		"reason":   "half the shipment missing",
		"raisedBy": "cust_1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// A non-arbiter may not resolve
	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/escrows/%s/resolve", escrowID), map[string]any{
		"outcome":  "split",
		"ratio":    "0.5",
		"resolver": "cust_1",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/escrows/%s/resolve", escrowID), map[string]any{
		"outcome":  "split",
		"ratio":    "0.5",
		"resolver": "arbiter_1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	esc := decode(t, w)["escrow"].(map[string]any)
	require.Equal(t, "resolved", esc["status"])

	// 10000 total, 1000 commission, ratio 0.5: 4500 / 5000 / 500
	for user, want := range map[string]float64{"seller_1": 4500, "cust_1": 5000, "@platform": 500} {
		w = doJSON(t, s, http.MethodGet, "/v1/wallets/"+user+"/XAF", nil)
		require.Equal(t, http.StatusOK, w.Code)
		wallet := decode(t, w)["wallet"].(map[string]any)
		require.Equal(t, want, wallet["available"], "balance for %s", user)
	}
}
