package middleware

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blockKeyPrefix     = "leasehold:block:"
	violationKeyPrefix = "leasehold:violations:"

	violationThreshold = 10
	violationWindow    = time.Hour
	autoBlockDuration  = 24 * time.Hour
)

// IPBlocker keeps temporary IP blocks in Redis. Blocks expire on their own.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

// IsBlocked reports whether ip is blocked. Redis errors count as not
// blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, blockKeyPrefix+ip).Result()
	return err == nil && n > 0
}

// Block blocks ip for d, recording reason.
func (b *IPBlocker) Block(ctx context.Context, ip string, d time.Duration, reason string) error {
	return b.client.Set(ctx, blockKeyPrefix+ip, reason, d).Err()
}

// Unblock lifts a block and forgets recorded violations.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) error {
	return b.client.Del(ctx, blockKeyPrefix+ip, violationKeyPrefix+ip).Err()
}

// RecordViolation counts a rate limit violation for ip and blocks ip once
// the threshold is reached. The count lapses after a violation window with
// no further violations. It reports whether this call placed the block.
func (b *IPBlocker) RecordViolation(ctx context.Context, ip string) (bool, error) {
	key := violationKeyPrefix + ip

	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, violationWindow)
		return nil
	})
	if err != nil {
		return false, err
	}
	if incr.Val() != violationThreshold {
		return false, nil
	}
	return true, b.Block(ctx, ip, autoBlockDuration, "repeated rate limit violations")
}
