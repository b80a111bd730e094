package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed counts events in fixed windows through a ulule limiter store.
type Fixed struct {
	Store limiter.Store
}

// NewFixed builds a fixed window limiter on Redis, or in process memory when rdb is nil.
func NewFixed(rdb *redis.Client, prefix string) (Fixed, error) {
	if rdb == nil {
		return Fixed{Store: memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute})}, nil
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return Fixed{}, err
	}
	return Fixed{Store: store}, nil
}

func (f Fixed) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	if f.Store == nil || max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}
	lctx, err := limiter.New(f.Store, limiter.Rate{Period: window, Limit: int64(max)}).Get(ctx, key)
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !lctx.Reached, int(lctx.Remaining), time.Unix(lctx.Reset, 0), nil
}

// New picks the limiter for strategy: "sliding" (default) or "fixed".
// Without Redis both strategies count fixed windows in process memory.
func New(strategy string, rdb *redis.Client, prefix string) (Allower, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", "sliding":
		if rdb == nil {
			return NewFixed(nil, prefix)
		}
		return Sliding{Client: rdb, Prefix: prefix}, nil
	case "fixed":
		return NewFixed(rdb, prefix)
	default:
		return nil, fmt.Errorf("ratelimit: unknown strategy %q", strategy)
	}
}
