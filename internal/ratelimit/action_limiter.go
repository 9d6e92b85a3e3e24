package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/escrow/internal/config"
	"go.uber.org/fx"
)

const keyActionActor = "escrow:actions:actor:%s"

var Module = fx.Module("rate.limit",
	fx.Provide(NewActionLimiter),
)

// ActionLimiter throttles state-changing requests per authenticated actor.
// A nil limiter allows everything.
type ActionLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type LimiterParams struct {
	fx.In

	Cfg    config.Config
	Client *redis.Client `optional:"true"`
}

func NewActionLimiter(p LimiterParams) (*ActionLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if p.Client == nil {
		return nil, fmt.Errorf("rate limit enabled without a redis client")
	}
	return NewActionLimiterWith(p.Client, limitCfg.ActionRate, limitCfg.ActionBurst)
}

func NewActionLimiterWith(client redis.Scripter, rate float64, burst int) (*ActionLimiter, error) {
	if rate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("action rate limit must be positive")
	}
	return &ActionLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}, nil
}

func (l *ActionLimiter) Allow(ctx context.Context, actorID string) (*RateLimitResult, error) {
	if l == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyActionActor, strings.TrimSpace(actorID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
