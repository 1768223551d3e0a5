package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/config"
	"go.uber.org/zap"
)

const (
	keyOrderCreateUser = "entitle:orders:create:%s"
	keyOrderLock       = "entitle:orders:lock:%s:%s"
)

// OrderLimiter throttles order creation per user and serializes concurrent
// requests sharing an idempotency key. A nil limiter allows everything.
type OrderLimiter struct {
	log *zap.Logger

	bucket *TokenBucket
	locker *Locker

	rateEnabled bool
	rate        float64
	burst       int
	lockTTL     time.Duration
}

func NewOrderLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*OrderLimiter, error) {
	if client == nil {
		if cfg.RateLimit.Enabled {
			return nil, errors.New("rate limit enabled but REDIS_ADDR is empty")
		}
		return nil, nil
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.OrderCreateRate <= 0 || cfg.RateLimit.OrderCreateBurst <= 0) {
		return nil, errors.New("order create rate limit must be positive")
	}

	return &OrderLimiter{
		log:         log.Named("ratelimit.orders"),
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		rateEnabled: cfg.RateLimit.Enabled,
		rate:        cfg.RateLimit.OrderCreateRate,
		burst:       cfg.RateLimit.OrderCreateBurst,
		lockTTL:     cfg.OrderLockTTL,
	}, nil
}

// AllowCreate fails open when redis is unreachable.
func (l *OrderLimiter) AllowCreate(ctx context.Context, userID string) (bool, time.Duration) {
	if l == nil || !l.rateEnabled {
		return true, 0
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyOrderCreateUser, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		l.log.Warn("order rate limit check failed", zap.String("user_id", userID), zap.Error(err))
		return true, 0
	}
	return res.Allowed, res.RetryAfter
}

// LockKey returns ok=true with a nil lease when locking is unavailable;
// the unique (user_id, idempotency_key) constraint still holds in that case.
func (l *OrderLimiter) LockKey(ctx context.Context, userID, key string) (*Lease, bool) {
	if l == nil || l.locker == nil {
		return nil, true
	}
	lease, err := l.locker.Acquire(ctx, orderLockKey(userID, key), l.lockTTL)
	switch {
	case errors.Is(err, ErrLockHeld):
		return nil, false
	case err != nil:
		l.log.Warn("order lock unavailable", zap.String("user_id", userID), zap.Error(err))
		return nil, true
	}
	return lease, true
}

func (l *OrderLimiter) UnlockKey(ctx context.Context, userID string, lease *Lease) {
	if l == nil || lease == nil {
		return
	}
	if err := lease.Release(ctx); err != nil {
		l.log.Warn("order lock release failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func orderLockKey(userID, key string) string {
	return fmt.Sprintf(keyOrderLock, strings.TrimSpace(userID), strings.TrimSpace(key))
}
