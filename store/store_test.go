package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type flakyStore struct {
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]bson.M, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []bson.M{{"ok": true}}, nil
}

func (f *flakyStore) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return 7, nil
}

func (f *flakyStore) FindOne(ctx context.Context, collection string, filter bson.M, projection bson.M) (bson.M, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return bson.M{"ok": true}, nil
}

func (f *flakyStore) UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return 1, nil
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyStore{failures: 2, err: &Retryable{Err: errors.New("connection reset")}}
	s := WithRetry(inner)
	docs, err := s.Aggregate(context.Background(), "rows", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, 3, inner.calls)
}

func TestRetryExhaustionSurfacesUnavailable(t *testing.T) {
	inner := &flakyStore{failures: 10, err: &Retryable{Err: errors.New("connection reset")}}
	s := WithRetry(inner)
	_, err := s.Count(context.Background(), "rows", bson.M{})
	require.ErrorIs(t, err, ErrUnavailable)
	// Initial attempt plus three retries.
	require.Equal(t, 4, inner.calls)
}

func TestRetryPassesThroughPermanentErrors(t *testing.T) {
	inner := &flakyStore{failures: 10, err: ErrNotFound}
	s := WithRetry(inner)
	_, err := s.FindOne(context.Background(), "rows", bson.M{}, nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, inner.calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	inner := &flakyStore{failures: 10, err: &Retryable{Err: errors.New("timeout")}}
	s := WithRetry(inner)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.UpdateOne(ctx, "rows", bson.M{}, bson.M{}, false)
	require.ErrorIs(t, err, context.Canceled)
}
