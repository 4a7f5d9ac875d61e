package builtin

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hiveorch/hive/internal/plugin"
)

// RateLimitMiddleware is a ProxyMiddleware implementing per-client
// token-bucket rate limiting with golang.org/x/time/rate, one limiter
// per client key lazily created and cached, adapted from the teacher's
// RateLimiter (infrastructure/middleware/ratelimit.go) onto the
// ProxyMiddleware trait instead of an http.Handler wrapper.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	window   time.Duration
}

func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(10),
		burst:    20,
		window:   time.Second,
	}
}

func (m *RateLimitMiddleware) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "ratelimit", Version: "1.0.0"}
}

// Init reads requests_per_second, burst, and window_seconds from the
// middleware's configured defaults (spec §4.4 proxy middleware config).
func (m *RateLimitMiddleware) Init(defaults map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rps := 10.0
	if v, ok := defaults["requests_per_second"]; ok {
		rps = toFloat(v)
	}
	burst := 20
	if v, ok := defaults["burst"]; ok {
		burst = int(toFloat(v))
	}
	window := time.Second
	if v, ok := defaults["window_seconds"]; ok {
		window = time.Duration(toFloat(v) * float64(time.Second))
	}

	m.rate = rate.Limit(rps)
	m.burst = burst
	m.window = window
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func (m *RateLimitMiddleware) limiterFor(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(m.rate, m.burst)
		m.limiters[key] = l
	}
	return l
}

func (m *RateLimitMiddleware) ProcessRequest(ctx context.Context, req *plugin.RequestView) (plugin.MiddlewareResult, error) {
	key := req.Remote
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	if key == "" {
		key = "unknown"
	}

	if !m.limiterFor(key).Allow() {
		seconds := int(math.Ceil(m.window.Seconds()))
		headers := map[string]string{"Content-Type": "application/json"}
		if seconds > 0 {
			headers["Retry-After"] = strconv.Itoa(seconds)
		}
		body := []byte(fmt.Sprintf(`{"error":"rate limit exceeded","retry_after_seconds":%d}`, seconds))
		return plugin.MiddlewareResult{
			Continue:   false,
			StatusCode: 429,
			Headers:    headers,
			Body:       body,
		}, nil
	}

	return plugin.MiddlewareResult{Continue: true}, nil
}

func (m *RateLimitMiddleware) ProcessResponse(ctx context.Context, statusCode int, headers map[string]string) (map[string]string, error) {
	return nil, nil
}

// Cleanup discards all cached limiters once more than maxEntries are
// held, bounding memory when the client-key space (e.g. IPs) is
// unbounded. Call periodically.
func (m *RateLimitMiddleware) Cleanup(maxEntries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.limiters) > maxEntries {
		m.limiters = make(map[string]*rate.Limiter)
	}
}
