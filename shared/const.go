package shared

const (
	UserID = "user_id"

	ScopeGlobal = "global"
	ScopeUser   = "user"
	ScopeIP     = "ip"
	ScopePath   = "path"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)
