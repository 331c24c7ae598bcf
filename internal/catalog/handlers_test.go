package catalog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListServicesHandler(t *testing.T) {
	c, err := Parse([]byte(testYAML))
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(c).RegisterRoutes(r.Group("/v1"))

	var resp struct {
		Services []Price          `json:"services"`
		Count    int              `json:"count"`
		Tiers    map[string]int64 `json:"tiers"`
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Count)
	assert.Equal(t, int64(10), resp.Tiers["free"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/services?serviceType=video", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.True(t, resp.Services[0].PaidOnly)
}
