package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newEngine(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, header string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestTokenAuthMiddleware(t *testing.T) {
	r := newEngine(TokenAuthMiddleware("abc123"))
	tests := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer nope", http.StatusUnauthorized},
		{"Bearer abc123", http.StatusOK},
		{"abc123", http.StatusOK},
	}
	for _, tt := range tests {
		if got := get(r, tt.header); got != tt.want {
			t.Fatalf("Authorization %q: status = %d, want %d", tt.header, got, tt.want)
		}
	}
}

func TestTokenAuthDisabledWithoutToken(t *testing.T) {
	r := newEngine(TokenAuthMiddleware(""))
	if got := get(r, ""); got != http.StatusOK {
		t.Fatalf("status = %d, want 200", got)
	}
}

func TestRateLimiterWithoutRedisPassesThrough(t *testing.T) {
	r := newEngine(NewRateLimiter(RateLimiterConfig{Limit: 1}))
	for i := 0; i < 3; i++ {
		if got := get(r, ""); got != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, got)
		}
	}
}

func TestRateLimiterIntegration(t *testing.T) {
	addr := os.Getenv("CLIPQUEUE_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set CLIPQUEUE_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	r := newEngine(NewRateLimiter(RateLimiterConfig{
		RedisClient: client,
		Limit:       2,
		Window:      time.Minute,
		KeyPrefix:   "clipqueue:test:rl:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":",
	}))
	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		if got := get(r, ""); got != want {
			t.Fatalf("request %d: status = %d, want %d", i, got, want)
		}
	}
}
