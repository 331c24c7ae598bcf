package resultcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStatsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := newTestCache(t, 4)
	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (*Result, error) { return result("x"), nil })
	require.NoError(t, err)

	r := gin.New()
	NewHandler(c).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Stats.Capacity)
	assert.Equal(t, 1, body.Stats.Entries)
	assert.Equal(t, uint64(1), body.Stats.Computes)
}
