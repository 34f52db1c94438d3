package middleware

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/tablepilot/tablepilot/model"
)

type (
	// Failover chains a primary model.Client with an optional fallback. A
	// transient failure on the primary is retried once after a short delay;
	// if it persists the fallback gets one attempt before the call fails.
	// Non-transient failures (auth, invalid request) return immediately since
	// neither retrying nor switching providers can fix them.
	Failover struct {
		primary    model.Client
		fallback   model.Client
		retryDelay time.Duration

		// sleep is replaced in tests.
		sleep func(context.Context, time.Duration) error
	}

	// FailoverOptions configures the failover chain.
	FailoverOptions struct {
		// Primary handles every request first. Required.
		Primary model.Client

		// Fallback receives one attempt when the primary fails transiently
		// twice. Optional.
		Fallback model.Client

		// RetryDelay is the pause before retrying the primary. Defaults to one
		// second.
		RetryDelay time.Duration
	}
)

// NewFailover builds the failover chain from the provided options.
func NewFailover(opts FailoverOptions) (*Failover, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("primary client is required")
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Failover{
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		retryDelay: delay,
		sleep:      sleepCtx,
	}, nil
}

// Name reports the primary provider name.
func (f *Failover) Name() string { return f.primary.Name() }

// Complete runs the request through the failover chain.
func (f *Failover) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := f.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !model.Transient(err) {
		return nil, err
	}
	log.Warnf(ctx, "provider %s failed, retrying: %v", f.primary.Name(), err)
	if serr := f.sleep(ctx, f.retryDelay); serr != nil {
		return nil, serr
	}
	resp, err = f.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !model.Transient(err) {
		return nil, err
	}
	if f.fallback == nil {
		return nil, fmt.Errorf("%w: all providers exhausted: %w", model.ErrUnavailable, err)
	}
	log.Warnf(ctx, "provider %s still failing, switching to %s: %v", f.primary.Name(), f.fallback.Name(), err)
	resp, ferr := f.fallback.Complete(ctx, req)
	if ferr == nil {
		return resp, nil
	}
	return nil, fmt.Errorf("%w: all providers exhausted: %w", model.ErrUnavailable, ferr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
