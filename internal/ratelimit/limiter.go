package ratelimit

import (
	"context"
	"time"
)

// Limit allows Requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

func PerMinute(n int) Limit {
	return Limit{Requests: n, Window: time.Minute}
}

// Limiter decides whether the request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
}
