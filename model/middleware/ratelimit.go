// Package middleware provides reusable model.Client middlewares: a
// requests-per-minute token bucket and primary/fallback failover.
package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/tablepilot/tablepilot/model"
)

type (
	// RateLimiter applies a requests-per-minute token bucket on top of a
	// model.Client. Callers block until capacity is available, so a burst of
	// agent iterations is smoothed rather than rejected.
	//
	// The limiter is process-local and sits at the provider client boundary.
	// Construct a single instance per process and wrap the provider clients
	// with Middleware.
	RateLimiter struct {
		limiter *rate.Limiter
	}

	limitedClient struct {
		next    model.Client
		limiter *RateLimiter
	}
)

// DefaultRPM is the requests-per-minute budget used when callers do not
// provide one.
const DefaultRPM = 15

// NewRateLimiter constructs a RateLimiter with a requests-per-minute budget.
// When rpm is zero or negative the default budget applies.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = DefaultRPM
	}
	// Burst of 1 spaces calls evenly across the minute.
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)}
}

// Middleware returns a model.Client middleware that enforces the
// requests-per-minute limit on Complete calls.
func (l *RateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// Complete blocks until the limiter grants capacity, then delegates to the
// underlying client.
func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.Complete(ctx, req)
}

// Name reports the underlying provider name.
func (c *limitedClient) Name() string { return c.next.Name() }
