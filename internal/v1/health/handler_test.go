package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	healthyDep   = pingFunc(func(context.Context) error { return nil })
	unhealthyDep = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func perform(handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	handler(c)
	return w
}

func TestLiveness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil, nil, nil)

	w := perform(handler.Liveness, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_AllHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(healthyDep, healthyDep, healthyDep)

	w := perform(handler.Readiness, "/health/ready")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["database"])
	assert.Equal(t, "healthy", resp.Checks["redis_partitions"])
	assert.Equal(t, "healthy", resp.Checks["redis_bus"])
}

func TestReadiness_UnhealthyDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(healthyDep, unhealthyDep, healthyDep)

	w := perform(handler.Readiness, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["redis_partitions"])
}

func TestReadiness_NilDependenciesSkipped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(healthyDep, nil, nil)

	w := perform(handler.Readiness, "/health/ready")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "disabled", resp.Checks["redis_bus"])
}
