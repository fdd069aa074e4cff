package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter meters estimated tokens per client per minute. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Key is the store key for a client.
func Key(clientID string) string {
	return fmt.Sprintf("ratelimit:client:%s", clientID)
}

// Allow reports whether clientID may spend tokens now. A nil Limiter allows
// everything.
func (l *Limiter) Allow(ctx context.Context, clientID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	if tokens <= 0 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, Key(clientID), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", clientID, err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, clientID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, Key(clientID))
}
