package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/verdant-labs/apiguard/dto"
)

// TokenBlacklistService keeps a denylist of revoked tokens in Redis. Entries
// are keyed by the SHA-256 of the token, never the raw token, and carry a TTL
// equal to the token's remaining lifetime, so the list cleans itself up
// exactly when the token would have expired anyway.
//
// Absence is the default trust state: a token not in the list is not revoked,
// and a store failure is treated the same way (fail open).
type TokenBlacklistService struct {
	appContext.DefaultService

	redisSvc *RedisService
	now      func() time.Time
}

type blacklistEntry struct {
	TokenHint     string `json:"token_hint"`
	BlacklistedAt string `json:"blacklisted_at"`
	ExpiresAt     string `json:"expires_at"`
}

const TOKEN_BLACKLIST_SVC = "token_blacklist_svc"

const blacklistKeyPrefix = "token_blacklist:"

func (svc TokenBlacklistService) Id() string {
	return TOKEN_BLACKLIST_SVC
}

func NewTokenBlacklistService(redisSvc *RedisService, now func() time.Time) *TokenBlacklistService {
	return &TokenBlacklistService{
		redisSvc: redisSvc,
		now:      now,
	}
}

func (svc *TokenBlacklistService) Configure(ctx *appContext.Context) error {
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *TokenBlacklistService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	return nil
}

// Revoke adds the token to the denylist until expiresAt. A token that has
// already expired needs no protection, so that case is a successful no-op.
// Revoking the same token twice just rewrites the same entry.
func (svc *TokenBlacklistService) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	now := svc.now()
	if !expiresAt.After(now) {
		return nil
	}

	ttl := expiresAt.Sub(now)

	entry := blacklistEntry{
		TokenHint:     tokenHint(token),
		BlacklistedAt: now.UTC().Format(time.RFC3339),
		ExpiresAt:     expiresAt.UTC().Format(time.RFC3339),
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}

	if err := svc.redisSvc.SetWithTTL(ctx, blacklistKey(token), data, ttl); err != nil {
		recordStoreError("blacklist_revoke")
		return err
	}

	recordRevocation()
	log.Infof("Token added to blacklist, expires in %d seconds", int(ttl.Seconds()))
	return nil
}

// IsRevoked reports whether the token is on the denylist. Not-found and store
// errors both come back false; only confirmed presence denies trust. Errors
// are logged and counted, never propagated.
func (svc *TokenBlacklistService) IsRevoked(ctx context.Context, token string) bool {
	exists, err := svc.redisSvc.Exists(ctx, blacklistKey(token))
	if err != nil {
		recordStoreError("blacklist_lookup")
		log.Warnf("Token blacklist check failed, failing open: %v", err)
		recordBlacklistLookup("error")
		return false
	}

	if exists {
		recordBlacklistLookup("hit")
		return true
	}

	recordBlacklistLookup("miss")
	return false
}

// Entry returns the stored revocation record for a token, or nil when the
// token is not on the denylist.
func (svc *TokenBlacklistService) Entry(ctx context.Context, token string) (*dto.BlacklistEntryInfo, error) {
	key := blacklistKey(token)

	data, err := svc.redisSvc.Get(ctx, key)
	if err != nil {
		recordStoreError("blacklist_entry")
		return nil, err
	}
	if data == "" {
		return nil, nil
	}

	var entry blacklistEntry
	if err := sonic.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode blacklist entry: %w", err)
	}

	info := &dto.BlacklistEntryInfo{
		TokenHint:     entry.TokenHint,
		BlacklistedAt: entry.BlacklistedAt,
		ExpiresAt:     entry.ExpiresAt,
	}
	if ttl, err := svc.redisSvc.TTL(ctx, key); err == nil && ttl > 0 {
		info.TTLSeconds = int(ttl.Seconds())
	}
	return info, nil
}

// Unrevoke removes the token from the denylist before its natural expiry.
// Operational correction only, not part of the normal flow.
func (svc *TokenBlacklistService) Unrevoke(ctx context.Context, token string) (bool, error) {
	removed, err := svc.redisSvc.Delete(ctx, blacklistKey(token))
	if err != nil {
		recordStoreError("blacklist_unrevoke")
		return false, err
	}

	if removed > 0 {
		log.Info("Token removed from blacklist")
		return true, nil
	}
	return false, nil
}

// Stats reports the current size of the denylist. Redis expires entries on
// its own, so the count only covers live revocations.
func (svc *TokenBlacklistService) Stats(ctx context.Context) *dto.BlacklistStats {
	stats := &dto.BlacklistStats{
		Enabled:   true,
		Timestamp: svc.now().Unix(),
	}

	keys, err := svc.redisSvc.Keys(ctx, blacklistKeyPrefix+"*")
	if err != nil {
		log.Warnf("Failed to read blacklist stats: %v", err)
		return stats
	}

	stats.RedisConnected = true
	stats.TotalEntries = len(keys)
	return stats
}

func blacklistKey(token string) string {
	digest := sha256.Sum256([]byte(token))
	return blacklistKeyPrefix + hex.EncodeToString(digest[:])
}

// tokenHint keeps a short prefix of the token for debugging, never the whole
// credential.
func tokenHint(token string) string {
	if len(token) > 50 {
		return token[:50] + "..."
	}
	return token
}
