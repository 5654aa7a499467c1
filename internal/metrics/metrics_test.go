package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc_123", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	mf := findFamily(t, "marketpay_http_requests_total")
	require.NotNil(t, mf, "http_requests_total family not gathered")

	var found bool
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		// The route pattern, not the raw path, must be the label value.
		if labels["path"] == "/v1/escrows/:id" && labels["method"] == "GET" && labels["status"] == "2xx" {
			found = true
			assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
		}
	}
	assert.True(t, found, "expected labelled sample for route pattern")
}

func TestLedgerAppendsTotal_Gathered(t *testing.T) {
	LedgerAppendsTotal.WithLabelValues("committed").Inc()

	mf := findFamily(t, "marketpay_ledger_appends_total")
	require.NotNil(t, mf)
	assert.Equal(t, dto.MetricType_COUNTER, mf.GetType())
}

func TestHTTPStatusLabel(t *testing.T) {
	assert.Equal(t, "2xx", httpStatusLabel(204))
	assert.Equal(t, "4xx", httpStatusLabel(404))
	assert.Equal(t, "5xx", httpStatusLabel(502))
}
