package services

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-labs/apiguard/dto"
	"github.com/verdant-labs/apiguard/shared"
)

type limiterHarness struct {
	server *miniredis.Miniredis
	client *redis.Client
	now    time.Time
}

func newLimiterHarness(t *testing.T) *limiterHarness {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &limiterHarness{
		server: server,
		client: client,
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func (h *limiterHarness) nowFunc() func() time.Time {
	return func() time.Time { return h.now }
}

func (h *limiterHarness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.server.FastForward(d)
}

func testConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalLimit:  1000,
		GlobalWindow: time.Minute,
		UserLimit:    100,
		UserWindow:   time.Minute,
		IPLimit:      50,
		IPWindow:     time.Minute,
		PathRules: []PathRule{
			{Prefix: "/api/v1/analysis", Limit: 10, Window: time.Minute},
		},
		ExemptPaths: []string{"/ping", "/health"},
	}
}

func TestSlidingWindow_ExactBoundary(t *testing.T) {
	h := newLimiterHarness(t)
	limiter := newSlidingWindowLimiter(NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d, err := limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, 0)
	assert.Equal(t, 60, d.RetryAfter)
}

func TestSlidingWindow_BurstThenCoolDown(t *testing.T) {
	h := newLimiterHarness(t)
	limiter := newSlidingWindowLimiter(NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	h.advance(61 * time.Second)

	d, err = limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestSlidingWindow_WindowEviction(t *testing.T) {
	h := newLimiterHarness(t)
	limiter := newSlidingWindowLimiter(NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.check(ctx, "rate_limit:ip:10.0.0.1", 3, 10*time.Second, 1)
		require.NoError(t, err)
	}

	// Entries only expire as the window slides, not on a fixed boundary
	h.advance(5 * time.Second)
	d, err := limiter.check(ctx, "rate_limit:ip:10.0.0.1", 3, 10*time.Second, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	h.advance(6 * time.Second)
	d, err = limiter.check(ctx, "rate_limit:ip:10.0.0.1", 3, 10*time.Second, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestSlidingWindow_CostGreaterThanOne(t *testing.T) {
	h := newLimiterHarness(t)
	limiter := newSlidingWindowLimiter(NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	d, err := limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)

	d, err = limiter.check(ctx, "rate_limit:user:42", 5, time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestAdmit_ScopePrecedence(t *testing.T) {
	h := newLimiterHarness(t)
	cfg := testConfig()
	cfg.PathRules = []PathRule{{Prefix: "/api/v1/analysis", Limit: 1, Window: time.Minute}}
	svc := NewRateLimitService(cfg, NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	identity := Identity{UserID: "42", IP: "10.0.0.1"}

	d := svc.Admit(ctx, identity, "/api/v1/analysis/run")
	assert.True(t, d.Allowed)
	assert.Equal(t, shared.ScopeGlobal, d.Scope)

	d = svc.Admit(ctx, identity, "/api/v1/analysis/run")
	assert.False(t, d.Allowed)
	assert.Equal(t, shared.ScopePath, d.Scope)
	assert.Greater(t, d.RetryAfter, 0)

	// Deny short-circuits: the user counter saw only the first request
	count, err := h.client.ZCard(ctx, "rate_limit:user:42").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAdmit_LongestPrefixWins(t *testing.T) {
	h := newLimiterHarness(t)
	cfg := testConfig()
	cfg.PathRules = []PathRule{
		{Prefix: "/api", Limit: 100, Window: time.Minute},
		{Prefix: "/api/v1/analysis", Limit: 1, Window: time.Minute},
	}
	svc := NewRateLimitService(cfg, NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	identity := Identity{IP: "10.0.0.1"}

	d := svc.Admit(ctx, identity, "/api/v1/analysis")
	require.True(t, d.Allowed)

	d = svc.Admit(ctx, identity, "/api/v1/analysis")
	assert.False(t, d.Allowed, "the more specific rule must govern the request")
}

func TestAdmit_ExemptPathSkipsStore(t *testing.T) {
	h := newLimiterHarness(t)
	svc := NewRateLimitService(testConfig(), NewRedisService(h.client), h.nowFunc())

	d := svc.Admit(context.Background(), Identity{IP: "10.0.0.1"}, "/ping")
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Empty(t, h.server.Keys())
}

func TestAdmit_UnauthenticatedSkipsUserScope(t *testing.T) {
	h := newLimiterHarness(t)
	svc := NewRateLimitService(testConfig(), NewRedisService(h.client), h.nowFunc())

	d := svc.Admit(context.Background(), Identity{IP: "10.0.0.1"}, "/api/v1/things")
	assert.True(t, d.Allowed)

	for _, key := range h.server.Keys() {
		assert.NotContains(t, key, ":user:")
	}
}

func TestAdmit_FailOpenOnStoreOutage(t *testing.T) {
	h := newLimiterHarness(t)
	svc := NewRateLimitService(testConfig(), NewRedisService(h.client), h.nowFunc())

	h.server.Close()

	for i := 0; i < 2; i++ {
		d := svc.Admit(context.Background(), Identity{UserID: "42", IP: "10.0.0.1"}, "/api/v1/things")
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Equal(t, -1, d.Remaining)
	}
}

func TestAdmission_MiddlewareHeadersAndDeny(t *testing.T) {
	h := newLimiterHarness(t)
	cfg := testConfig()
	cfg.IPLimit = 2
	svc := NewRateLimitService(cfg, NewRedisService(h.client), h.nowFunc())

	app := fiber.New()
	app.Use(svc.Admission())
	app.Get("/api/v1/things", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/things", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get(shared.HeaderRateLimitLimit))
		assert.NotEmpty(t, resp.Header.Get(shared.HeaderRateLimitRemaining))
		assert.NotEmpty(t, resp.Header.Get(shared.HeaderRateLimitReset))
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/things", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(shared.HeaderRetryAfter))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var denied dto.RateLimitExceededResponse
	require.NoError(t, sonic.Unmarshal(body, &denied))
	assert.Equal(t, "Rate limit exceeded", denied.Detail)
	assert.Greater(t, denied.RetryAfter, 0)
}

func TestGetRateLimitStats_GlobalCurrent(t *testing.T) {
	h := newLimiterHarness(t)
	svc := NewRateLimitService(testConfig(), NewRedisService(h.client), h.nowFunc())

	app := fiber.New()
	app.Get("/stats", svc.GetRateLimitStats())

	for i := 0; i < 3; i++ {
		d := svc.Admit(context.Background(), Identity{IP: "10.0.0.1"}, "/api/v1/things")
		require.True(t, d.Allowed)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Data dto.RateLimitStats `json:"data"`
	}
	require.NoError(t, sonic.Unmarshal(body, &envelope))
	assert.Equal(t, int64(3), envelope.Data.GlobalCurrent)
	assert.Equal(t, int64(1), envelope.Data.ActiveKeys["global"])
}

func TestRemoveRateLimit_PathScope(t *testing.T) {
	h := newLimiterHarness(t)
	cfg := testConfig()
	cfg.PathRules = []PathRule{{Prefix: "/api/v1/analysis", Limit: 1, Window: time.Minute}}
	svc := NewRateLimitService(cfg, NewRedisService(h.client), h.nowFunc())
	ctx := context.Background()

	app := fiber.New()
	app.Delete("/admin/ratelimit/:scope/:identifier", svc.RemoveRateLimit())

	identity := Identity{UserID: "42", IP: "10.0.0.1"}
	require.True(t, svc.Admit(ctx, identity, "/api/v1/analysis/run").Allowed)
	require.False(t, svc.Admit(ctx, identity, "/api/v1/analysis/run").Allowed)

	// The prefix contains slashes, so it rides in a query parameter
	resp, err := app.Test(httptest.NewRequest("DELETE", "/admin/ratelimit/path/42?prefix=/api/v1/analysis", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	d := svc.Admit(ctx, identity, "/api/v1/analysis/run")
	assert.True(t, d.Allowed, "counter must be reusable after the reset")

	// Without the prefix the key is ambiguous and the request is rejected
	resp, err = app.Test(httptest.NewRequest("DELETE", "/admin/ratelimit/path/42", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestLoadRateLimitConfig_Defaults(t *testing.T) {
	cfg, err := loadRateLimitConfig()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.GlobalLimit)
	assert.Equal(t, time.Minute, cfg.GlobalWindow)
	assert.Equal(t, 100, cfg.UserLimit)
	assert.Equal(t, 50, cfg.IPLimit)
	assert.NotEmpty(t, cfg.PathRules)
	assert.Contains(t, cfg.ExemptPaths, "/ping")
}

func TestLoadRateLimitConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_GLOBAL", "10")
	t.Setenv("RATE_LIMIT_GLOBAL_WINDOW", "30")
	t.Setenv("RATE_LIMIT_PATHS", "/api/v1/export:2:120")

	cfg, err := loadRateLimitConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.GlobalLimit)
	assert.Equal(t, 30*time.Second, cfg.GlobalWindow)
	require.Len(t, cfg.PathRules, 1)
	assert.Equal(t, "/api/v1/export", cfg.PathRules[0].Prefix)
	assert.Equal(t, 2, cfg.PathRules[0].Limit)
	assert.Equal(t, 2*time.Minute, cfg.PathRules[0].Window)
}

func TestLoadRateLimitConfig_Invalid(t *testing.T) {
	t.Setenv("RATE_LIMIT_GLOBAL", "not-a-number")

	_, err := loadRateLimitConfig()
	assert.Error(t, err)
}

func TestLoadRateLimitConfig_RejectsNonPositiveLimit(t *testing.T) {
	t.Setenv("RATE_LIMIT_IP", "0")

	_, err := loadRateLimitConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be greater than")
}

func TestParsePathRules_Malformed(t *testing.T) {
	_, err := parsePathRules("/api/v1/export:2")
	assert.Error(t, err)

	_, err = parsePathRules("/api/v1/export:two:60")
	assert.Error(t, err)
}

func TestSortPathRules(t *testing.T) {
	rules := []PathRule{
		{Prefix: "/api", Limit: 1, Window: time.Minute},
		{Prefix: "/api/v1/analysis", Limit: 1, Window: time.Minute},
		{Prefix: "/api/v1", Limit: 1, Window: time.Minute},
	}
	sortPathRules(rules)

	assert.Equal(t, "/api/v1/analysis", rules[0].Prefix)
	assert.Equal(t, "/api/v1", rules[1].Prefix)
	assert.Equal(t, "/api", rules[2].Prefix)
}
