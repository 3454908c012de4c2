package services

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/verdant-labs/apiguard/dto"
	"github.com/verdant-labs/apiguard/shared"
)

// RateLimitService enforces sliding-window limits at four scopes (path, user,
// ip, global) in front of every handler. All counters live in Redis; the
// service itself is a stateless orchestrator and is safe for concurrent use.
//
// Store failures never deny a request. Each scope collapses to a fail-open
// decision at this boundary, with the error logged and counted.
type RateLimitService struct {
	appContext.DefaultService

	config  *RateLimitConfig
	limiter *slidingWindowLimiter

	redisSvc *RedisService
}

type RateLimitConfig struct {
	GlobalLimit  int           `validate:"gt=0"`
	GlobalWindow time.Duration `validate:"gt=0"`
	UserLimit    int           `validate:"gt=0"`
	UserWindow   time.Duration `validate:"gt=0"`
	IPLimit      int           `validate:"gt=0"`
	IPWindow     time.Duration `validate:"gt=0"`

	// PathRules are kept sorted longest-prefix-first so that the first match
	// is always the most specific rule when prefixes overlap.
	PathRules []PathRule `validate:"dive"`

	ExemptPaths []string
}

type PathRule struct {
	Prefix string        `validate:"required,startswith=/"`
	Limit  int           `validate:"gt=0"`
	Window time.Duration `validate:"gt=0"`
}

// Identity is what the HTTP layer knows about a caller: the user id when the
// request is authenticated, and the client IP always.
type Identity struct {
	UserID string
	IP     string
}

const RATE_LIMIT_SVC = "rate_limit_svc"

const (
	keyPrefix    = "rate_limit:"
	admitTimeout = 2 * time.Second
)

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func NewRateLimitService(config *RateLimitConfig, redisSvc *RedisService, now func() time.Time) *RateLimitService {
	sortPathRules(config.PathRules)
	return &RateLimitService{
		config:   config,
		redisSvc: redisSvc,
		limiter:  newSlidingWindowLimiter(redisSvc, now),
	}
}

func (svc *RateLimitService) Configure(ctx *appContext.Context) error {
	cfg, err := loadRateLimitConfig()
	if err != nil {
		return fmt.Errorf("rate limit configuration: %w", err)
	}
	svc.config = cfg

	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.limiter = newSlidingWindowLimiter(svc.redisSvc, time.Now)
	return nil
}

// ==================== CONFIGURATION ====================

func loadRateLimitConfig() (*RateLimitConfig, error) {
	cfg := &RateLimitConfig{
		GlobalLimit:  1000,
		GlobalWindow: time.Minute,
		UserLimit:    100,
		UserWindow:   time.Minute,
		IPLimit:      50,
		IPWindow:     time.Minute,
		PathRules: []PathRule{
			{Prefix: "/api/v1/analysis", Limit: 10, Window: time.Minute},
			{Prefix: "/api/v1/documents/upload", Limit: 20, Window: time.Minute},
			{Prefix: "/api/v1/batch", Limit: 5, Window: time.Minute},
		},
		ExemptPaths: []string{
			"/ping",
			"/health",
			"/api/v1/auth/login",
			"/api/v1/auth/register",
		},
	}

	var err error
	if cfg.GlobalLimit, err = intEnv("RATE_LIMIT_GLOBAL", cfg.GlobalLimit); err != nil {
		return nil, err
	}
	if cfg.GlobalWindow, err = windowEnv("RATE_LIMIT_GLOBAL_WINDOW", cfg.GlobalWindow); err != nil {
		return nil, err
	}
	if cfg.UserLimit, err = intEnv("RATE_LIMIT_USER", cfg.UserLimit); err != nil {
		return nil, err
	}
	if cfg.UserWindow, err = windowEnv("RATE_LIMIT_USER_WINDOW", cfg.UserWindow); err != nil {
		return nil, err
	}
	if cfg.IPLimit, err = intEnv("RATE_LIMIT_IP", cfg.IPLimit); err != nil {
		return nil, err
	}
	if cfg.IPWindow, err = windowEnv("RATE_LIMIT_IP_WINDOW", cfg.IPWindow); err != nil {
		return nil, err
	}

	if raw := os.Getenv("RATE_LIMIT_PATHS"); raw != "" {
		rules, err := parsePathRules(raw)
		if err != nil {
			return nil, err
		}
		cfg.PathRules = rules
	}

	if raw := os.Getenv("RATE_LIMIT_EXEMPT_PATHS"); raw != "" {
		cfg.ExemptPaths = splitAndTrim(raw)
	}

	if err := dto.GetValidator().Struct(cfg); err != nil {
		if fieldErrs := dto.FormatValidationErrors(err); len(fieldErrs) > 0 {
			return nil, fmt.Errorf("invalid rate limit config: %s", fieldErrs[0].Message)
		}
		return nil, err
	}

	sortPathRules(cfg.PathRules)
	return cfg, nil
}

// parsePathRules parses "prefix:limit:window_seconds" triples separated by
// commas, e.g. "/api/v1/analysis:10:60,/api/v1/batch:5:60".
func parsePathRules(raw string) ([]PathRule, error) {
	var rules []PathRule
	for _, part := range splitAndTrim(raw) {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid path rule %q, want prefix:limit:window", part)
		}
		limit, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid limit in path rule %q: %w", part, err)
		}
		windowSecs, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid window in path rule %q: %w", part, err)
		}
		rules = append(rules, PathRule{
			Prefix: fields[0],
			Limit:  limit,
			Window: time.Duration(windowSecs) * time.Second,
		})
	}
	return rules, nil
}

func sortPathRules(rules []PathRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return v, nil
}

func windowEnv(name string, fallback time.Duration) (time.Duration, error) {
	secs, err := intEnv(name, int(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// ==================== SLIDING WINDOW LIMITER ====================

// slidingWindowLimiter counts admissions per key in a trailing window backed
// by a Redis sorted set: one member per admitted request, scored by insertion
// time in float seconds. Eviction is lazy, done on the next check of the key.
type slidingWindowLimiter struct {
	store *RedisService
	now   func() time.Time
}

func newSlidingWindowLimiter(store *RedisService, now func() time.Time) *slidingWindowLimiter {
	return &slidingWindowLimiter{
		store: store,
		now:   now,
	}
}

// check applies the admission algorithm for one key. Errors propagate to the
// caller untouched; the fail-open conversion happens in Admit, nowhere else.
//
// Evict+count runs in one MULTI/EXEC batch, the conditional insert in a
// second. Two concurrent callers can both observe room for one slot and both
// be admitted; a brief overshoot like that is accepted, exact blocking is not
// a goal of this limiter.
func (l *slidingWindowLimiter) check(ctx context.Context, key string, limit int, window time.Duration, cost int) (*dto.RateLimitDecision, error) {
	client := l.store.GetClient()
	if client == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	now := secondsFrom(l.now())
	windowSecs := window.Seconds()

	pipe := client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(now-windowSecs))
	cardCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	current := int(cardCmd.Val())

	if current+cost > limit {
		reset := now + windowSecs
		oldest, err := l.store.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(oldest) > 0 {
			reset = oldest[0].Score + windowSecs
		}

		retryAfter := int(math.Ceil(reset - now))
		if retryAfter < 0 {
			retryAfter = 0
		}

		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}

		return &dto.RateLimitDecision{
			Allowed:    false,
			Key:        key,
			Limit:      limit,
			Remaining:  remaining,
			Reset:      int64(reset),
			RetryAfter: retryAfter,
		}, nil
	}

	add := client.TxPipeline()
	for i := 0; i < cost; i++ {
		// uuid suffix keeps members distinct when many requests land in
		// the same wall-clock tick
		add.ZAdd(ctx, key, redis.Z{
			Score:  now,
			Member: fmt.Sprintf("%s:%s", formatScore(now), uuid.NewString()),
		})
	}
	add.Expire(ctx, key, window)
	if _, err := add.Exec(ctx); err != nil {
		return nil, err
	}

	return &dto.RateLimitDecision{
		Allowed:   true,
		Key:       key,
		Limit:     limit,
		Remaining: limit - current - cost,
		Reset:     int64(now + windowSecs),
	}, nil
}

func secondsFrom(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ==================== ADMISSION ====================

// Admit evaluates the scopes in precedence order: path rule, per-user, per-ip,
// global. The first deny wins; otherwise the returned decision is that of the
// last scope evaluated.
func (svc *RateLimitService) Admit(ctx context.Context, identity Identity, path string) *dto.RateLimitDecision {
	for _, exempt := range svc.config.ExemptPaths {
		if strings.HasPrefix(path, exempt) {
			return &dto.RateLimitDecision{
				Allowed:   true,
				Limit:     -1,
				Remaining: -1,
			}
		}
	}

	decision := &dto.RateLimitDecision{Allowed: true, Limit: -1, Remaining: -1}

	for _, scope := range svc.scopesFor(identity, path) {
		d, err := svc.limiter.check(ctx, scope.key, scope.limit, scope.window, 1)
		if err != nil {
			recordStoreError("rate_limit_check")
			recordFailOpen(scope.name)
			log.Warnf("Rate limit check failed for %s (%s), failing open: %v", scope.name, scope.key, err)
			decision = &dto.RateLimitDecision{
				Allowed:   true,
				Scope:     scope.name,
				Key:       scope.key,
				Limit:     -1,
				Remaining: -1,
				Degraded:  true,
			}
			continue
		}

		d.Scope = scope.name
		recordAdmission(scope.name, d.Allowed)
		if !d.Allowed {
			return d
		}
		decision = d
	}

	return decision
}

type limitScope struct {
	name   string
	key    string
	limit  int
	window time.Duration
}

func (svc *RateLimitService) scopesFor(identity Identity, path string) []limitScope {
	scopes := make([]limitScope, 0, 4)

	// Rules are sorted longest-prefix-first, so the first match is the most
	// specific one and the only path scope counted for this request.
	for _, rule := range svc.config.PathRules {
		if strings.HasPrefix(path, rule.Prefix) {
			who := identity.UserID
			if who == "" {
				who = identity.IP
			}
			scopes = append(scopes, limitScope{
				name:   shared.ScopePath,
				key:    fmt.Sprintf("%s%s:%s:%s", keyPrefix, shared.ScopePath, rule.Prefix, who),
				limit:  rule.Limit,
				window: rule.Window,
			})
			break
		}
	}

	if identity.UserID != "" {
		scopes = append(scopes, limitScope{
			name:   shared.ScopeUser,
			key:    fmt.Sprintf("%s%s:%s", keyPrefix, shared.ScopeUser, identity.UserID),
			limit:  svc.config.UserLimit,
			window: svc.config.UserWindow,
		})
	}

	if identity.IP != "" && identity.IP != "unknown" {
		scopes = append(scopes, limitScope{
			name:   shared.ScopeIP,
			key:    fmt.Sprintf("%s%s:%s", keyPrefix, shared.ScopeIP, identity.IP),
			limit:  svc.config.IPLimit,
			window: svc.config.IPWindow,
		})
	}

	scopes = append(scopes, limitScope{
		name:   shared.ScopeGlobal,
		key:    keyPrefix + shared.ScopeGlobal,
		limit:  svc.config.GlobalLimit,
		window: svc.config.GlobalWindow,
	})

	return scopes
}

// ==================== MIDDLEWARE ====================

// Admission is the per-request gate, registered before handler dispatch. It
// attaches rate-limit headers to every response and short-circuits with 429
// when a scope denies.
func (svc *RateLimitService) Admission() fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity := Identity{IP: getClientIP(c)}
		if userID, ok := c.Locals(shared.UserID).(string); ok {
			identity.UserID = userID
		}

		ctx, cancel := context.WithTimeout(c.Context(), admitTimeout)
		defer cancel()

		decision := svc.Admit(ctx, identity, c.Path())
		svc.addRateLimitHeaders(c, decision)

		if !decision.Allowed {
			return svc.handleRateLimitExceeded(c, decision)
		}

		return c.Next()
	}
}

func (svc *RateLimitService) addRateLimitHeaders(c *fiber.Ctx, decision *dto.RateLimitDecision) {
	if decision == nil || decision.Remaining < 0 {
		return
	}

	c.Set(shared.HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	c.Set(shared.HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
	c.Set(shared.HeaderRateLimitReset, strconv.FormatInt(decision.Reset, 10))
}

func (svc *RateLimitService) handleRateLimitExceeded(c *fiber.Ctx, decision *dto.RateLimitDecision) error {
	c.Set(shared.HeaderRetryAfter, strconv.Itoa(decision.RetryAfter))

	return c.Status(http.StatusTooManyRequests).JSON(dto.RateLimitExceededResponse{
		Detail:     "Rate limit exceeded",
		RetryAfter: decision.RetryAfter,
	})
}

// ==================== ADMIN FUNCTIONS ====================

func (svc *RateLimitService) GetRateLimitStats() fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats := &dto.RateLimitStats{
			GlobalLimit:  svc.config.GlobalLimit,
			GlobalWindow: int(svc.config.GlobalWindow / time.Second),
			UserLimit:    svc.config.UserLimit,
			UserWindow:   int(svc.config.UserWindow / time.Second),
			IPLimit:      svc.config.IPLimit,
			IPWindow:     int(svc.config.IPWindow / time.Second),
			ExemptPaths:  svc.config.ExemptPaths,
		}
		for _, rule := range svc.config.PathRules {
			stats.PathRules = append(stats.PathRules, dto.PathRuleInfo{
				Prefix: rule.Prefix,
				Limit:  rule.Limit,
				Window: int(rule.Window / time.Second),
			})
		}

		if current, err := svc.redisSvc.ZCard(c.Context(), keyPrefix+shared.ScopeGlobal); err == nil {
			stats.GlobalCurrent = current
		}

		keys, err := svc.redisSvc.Keys(c.Context(), keyPrefix+"*")
		if err != nil {
			log.Warnf("Failed to count active rate limit keys: %v", err)
		} else {
			active := make(map[string]int64)
			for _, key := range keys {
				rest := strings.TrimPrefix(key, keyPrefix)
				scope := rest
				if i := strings.Index(rest, ":"); i > 0 {
					scope = rest[:i]
				}
				active[scope]++
			}
			stats.ActiveKeys = active
		}

		return shared.ResponseJSON(c, http.StatusOK, "Rate limit statistics", stats)
	}
}

// RemoveRateLimit drops the counters for one scope/identifier pair, e.g.
// DELETE /api/v1/admin/ratelimit/user/42. Path-scoped keys embed the rule
// prefix, which contains slashes and cannot ride in a route segment, so it
// travels as a query parameter instead:
// DELETE /api/v1/admin/ratelimit/path/42?prefix=/api/v1/analysis.
func (svc *RateLimitService) RemoveRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scope := c.Params("scope")
		identifier := c.Params("identifier")
		if scope == "" || identifier == "" {
			return shared.ResponseBadRequest(c, "Missing scope or identifier")
		}

		key := fmt.Sprintf("%s%s:%s", keyPrefix, scope, identifier)
		if scope == shared.ScopePath {
			prefix := c.Query("prefix")
			if prefix == "" {
				return shared.ResponseBadRequest(c, "Missing prefix query parameter for path scope")
			}
			key = fmt.Sprintf("%s%s:%s:%s", keyPrefix, shared.ScopePath, prefix, identifier)
		}
		if scope == shared.ScopeGlobal {
			key = keyPrefix + shared.ScopeGlobal
		}

		removed, err := svc.redisSvc.Delete(c.Context(), key)
		if err != nil {
			return shared.ResponseInternalError(c, err)
		}
		if removed == 0 {
			return shared.ResponseNotFound(c)
		}

		return shared.ResponseJSON(c, http.StatusOK, fmt.Sprintf("Rate limit removed for %s/%s", scope, identifier), nil)
	}
}

// ==================== UTILITY FUNCTIONS ====================

func getClientIP(c *fiber.Ctx) string {
	// Check for forwarded IP first (for load balancers/proxies)
	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	// Check for real IP header
	realIP := c.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	// Check Cloudflare header
	cfIP := c.Get("CF-Connecting-IP")
	if cfIP != "" {
		return cfIP
	}

	// Fall back to remote address
	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}

	return ip
}
