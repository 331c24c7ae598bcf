package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{499, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are exported with a zero value before any observation.
	body := w.Body.String()
	assert.Contains(t, body, "genmeter_active_websocket_clients")
	assert.Contains(t, body, "genmeter_http_requests_in_flight")
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/things/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/things/:id", "2xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	require.Equal(t, http.StatusOK, w.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/things/:id", "2xx"))
	assert.Equal(t, before+1, after)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.GreaterOrEqual(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")), 1.0)
}

func TestRegisterDB_Idempotent(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://127.0.0.1:1/none?sslmode=disable")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, RegisterDB(db, "metrics_test"))
	require.NoError(t, RegisterDB(db, "metrics_test"))

	w := httptest.NewRecorder()
	Handler()(testContext(w))
	assert.Contains(t, w.Body.String(), `go_sql_open_connections{db_name="metrics_test"}`)
}

func testContext(w *httptest.ResponseRecorder) *gin.Context {
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	return c
}
