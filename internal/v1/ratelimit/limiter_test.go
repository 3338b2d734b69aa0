package ratelimit

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "1000-M",
		RateLimitAPIPublic: "3-M",
		RateLimitMessages:  "2-M",
		RateLimitWsIP:      "2-M",
		RateLimitWsUser:    "1-M",
	}
}

func newTestLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	return rl
}

func basicHeader(subject string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(subject+":token"))
}

func performWith(engine *gin.Engine, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitWsUser = "not-a-rate"
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestGlobalMiddleware_IPLimitForAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(newTestLimiter(t).GlobalMiddleware())
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		rec := performWith(engine, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
	rec := performWith(engine, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGlobalMiddleware_AccountBucketIsSeparate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(newTestLimiter(t).GlobalMiddleware())
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Exhaust the anonymous IP bucket.
	for i := 0; i < 4; i++ {
		performWith(engine, "")
	}
	rec := performWith(engine, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// An authenticated caller from the same IP still gets through.
	rec = performWith(engine, basicHeader("alice"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMessagesMiddleware_PerAccount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(newTestLimiter(t).MessagesMiddleware())
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		rec := performWith(engine, basicHeader("alice"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := performWith(engine, basicHeader("alice"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = performWith(engine, basicHeader("bob"))
	assert.Equal(t, http.StatusOK, rec.Code, "other accounts keep their own bucket")
}

func TestCheckWebSocket_IPLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t)

	allowed := 0
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		if rl.CheckWebSocket(c) {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "alice"))
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "bob"))
}

func TestSubjectFromBasic(t *testing.T) {
	assert.Equal(t, "alice.2", subjectFromBasic(basicHeader("alice.2")))
	assert.Empty(t, subjectFromBasic(""))
	assert.Empty(t, subjectFromBasic("Bearer xyz"))
	assert.Empty(t, subjectFromBasic("Basic !!!"))
	assert.Empty(t, subjectFromBasic("Basic "+base64.StdEncoding.EncodeToString([]byte("no-colon"))))
}
