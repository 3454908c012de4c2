package dto

type LogoutResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

type RevokeTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type IssueTokenRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type BlacklistEntryInfo struct {
	TokenHint     string `json:"token_hint"`
	BlacklistedAt string `json:"blacklisted_at"`
	ExpiresAt     string `json:"expires_at"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

type BlacklistStats struct {
	Enabled        bool  `json:"enabled"`
	TotalEntries   int   `json:"total_entries"`
	RedisConnected bool  `json:"redis_connected"`
	Timestamp      int64 `json:"timestamp,omitempty"`
}
