package dto

// RateLimitDecision is the outcome of one admission check against a single scope.
type RateLimitDecision struct {
	Allowed    bool   `json:"allowed"`
	Scope      string `json:"scope,omitempty"`
	Key        string `json:"key,omitempty"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Reset      int64  `json:"reset"`
	RetryAfter int    `json:"retry_after"`

	// Degraded marks a fail-open decision taken because the counter store
	// was unreachable. Limit and Remaining carry -1 in that case.
	Degraded bool `json:"degraded,omitempty"`
}

type RateLimitExceededResponse struct {
	Detail     string `json:"detail"`
	RetryAfter int    `json:"retry_after"`
}

type RateLimitStats struct {
	GlobalLimit   int              `json:"global_limit"`
	GlobalWindow  int              `json:"global_window"`
	UserLimit     int              `json:"user_limit"`
	UserWindow    int              `json:"user_window"`
	IPLimit       int              `json:"ip_limit"`
	IPWindow      int              `json:"ip_window"`
	PathRules     []PathRuleInfo   `json:"path_rules"`
	ExemptPaths   []string         `json:"exempt_paths"`
	GlobalCurrent int64            `json:"global_current"`
	ActiveKeys    map[string]int64 `json:"active_keys,omitempty"`
}

type PathRuleInfo struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Window int    `json:"window"`
}
