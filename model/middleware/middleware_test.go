package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablepilot/tablepilot/model"
)

// scriptedClient returns its queued errors in order, then succeeds.
type scriptedClient struct {
	name  string
	errs  []error
	calls int
}

func (s *scriptedClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &model.Response{Text: s.name, FinishReason: model.FinishStop}, nil
}

func (s *scriptedClient) Name() string { return s.name }

func noSleep(context.Context, time.Duration) error { return nil }

func req() *model.Request {
	return &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}
}

func TestFailoverPrimarySucceeds(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	fallback := &scriptedClient{name: "fallback"}
	f, err := NewFailover(FailoverOptions{Primary: primary, Fallback: fallback})
	require.NoError(t, err)
	f.sleep = noSleep

	resp, err := f.Complete(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, "primary", resp.Text)
	require.Equal(t, 1, primary.calls)
	require.Zero(t, fallback.calls)
}

func TestFailoverRetriesPrimaryOnceThenRecovers(t *testing.T) {
	primary := &scriptedClient{name: "primary", errs: []error{model.ErrRateLimited}}
	f, err := NewFailover(FailoverOptions{Primary: primary})
	require.NoError(t, err)
	f.sleep = noSleep

	resp, err := f.Complete(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, "primary", resp.Text)
	require.Equal(t, 2, primary.calls)
}

func TestFailoverSwitchesToFallback(t *testing.T) {
	primary := &scriptedClient{name: "primary", errs: []error{model.ErrRateLimited, model.ErrUnavailable}}
	fallback := &scriptedClient{name: "fallback"}
	f, err := NewFailover(FailoverOptions{Primary: primary, Fallback: fallback})
	require.NoError(t, err)
	f.sleep = noSleep

	resp, err := f.Complete(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, "fallback", resp.Text)
	require.Equal(t, 2, primary.calls)
	require.Equal(t, 1, fallback.calls)
}

func TestFailoverAllProvidersExhausted(t *testing.T) {
	primary := &scriptedClient{name: "primary", errs: []error{model.ErrUnavailable, model.ErrUnavailable}}
	fallback := &scriptedClient{name: "fallback", errs: []error{model.ErrRateLimited}}
	f, err := NewFailover(FailoverOptions{Primary: primary, Fallback: fallback})
	require.NoError(t, err)
	f.sleep = noSleep

	_, err = f.Complete(context.Background(), req())
	require.ErrorIs(t, err, model.ErrUnavailable)
	require.Contains(t, err.Error(), "all providers exhausted")
	require.Equal(t, 1, fallback.calls)
}

func TestFailoverDoesNotRetryNonTransientErrors(t *testing.T) {
	authErr := errors.Join(model.ErrAuth, errors.New("bad key"))
	primary := &scriptedClient{name: "primary", errs: []error{authErr}}
	fallback := &scriptedClient{name: "fallback"}
	f, err := NewFailover(FailoverOptions{Primary: primary, Fallback: fallback})
	require.NoError(t, err)
	f.sleep = noSleep

	_, err = f.Complete(context.Background(), req())
	require.ErrorIs(t, err, model.ErrAuth)
	require.Equal(t, 1, primary.calls)
	require.Zero(t, fallback.calls)
}

func TestRateLimiterDelegatesAndPreservesName(t *testing.T) {
	inner := &scriptedClient{name: "primary"}
	limited := NewRateLimiter(600).Middleware()(inner)
	require.Equal(t, "primary", limited.Name())

	resp, err := limited.Complete(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, "primary", resp.Text)
}

func TestRateLimiterHonorsCancellation(t *testing.T) {
	// rpm=1 with burst 1: the second call must wait ~60s, so a cancelled
	// context returns promptly with the context error.
	inner := &scriptedClient{name: "primary"}
	limited := NewRateLimiter(1).Middleware()(inner)

	_, err := limited.Complete(context.Background(), req())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Complete(ctx, req())
	require.Error(t, err)
}
