// Package store defines the thin document-store contract the rest of the
// system consumes. Any store that supports MongoDB-style aggregation stages
// ($match, $group, $project, $sort, $limit, $unwind, $dateTrunc) satisfies it.
// The package also provides a retrying decorator that absorbs transient
// transport failures before surfacing ErrUnavailable.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrNotFound indicates FindOne matched no document.
	ErrNotFound = errors.New("store: document not found")
	// ErrUnavailable indicates the store could not be reached after retries.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the document-store contract. Implementations must be safe for
// concurrent use; the mongo implementation shares a bounded connection pool.
type Store interface {
	// Aggregate executes an aggregation pipeline and drains the cursor.
	Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]bson.M, error)
	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, collection string, filter bson.M) (int64, error)
	// FindOne returns a single matching document or ErrNotFound.
	FindOne(ctx context.Context, collection string, filter bson.M, projection bson.M) (bson.M, error)
	// UpdateOne applies a single-document update, optionally upserting.
	// Single-document atomicity is the only write guarantee the system relies
	// on; no multi-document transactions are used.
	UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error
	// DeleteMany removes every document matching the filter and reports how
	// many were deleted.
	DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error)
}

// Backoff schedule for transient transport failures.
var retryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// Retryable marks errors the retrying decorator should treat as transient.
// Implementations wrap transport-level failures with it.
type Retryable struct {
	Err error
}

// Error implements the error interface.
func (r *Retryable) Error() string { return r.Err.Error() }

// Unwrap supports errors.Is/As against the wrapped cause.
func (r *Retryable) Unwrap() error { return r.Err }

// WithRetry decorates a Store so transient failures are retried up to three
// times with exponential backoff before being surfaced as ErrUnavailable.
// Non-transient errors pass through untouched.
func WithRetry(next Store) Store {
	return &retryStore{next: next}
}

type retryStore struct {
	next Store
}

func (s *retryStore) Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]bson.M, error) {
	var out []bson.M
	err := s.do(ctx, func() error {
		var err error
		out, err = s.next.Aggregate(ctx, collection, pipeline)
		return err
	})
	return out, err
}

func (s *retryStore) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	var n int64
	err := s.do(ctx, func() error {
		var err error
		n, err = s.next.Count(ctx, collection, filter)
		return err
	})
	return n, err
}

func (s *retryStore) FindOne(ctx context.Context, collection string, filter bson.M, projection bson.M) (bson.M, error) {
	var doc bson.M
	err := s.do(ctx, func() error {
		var err error
		doc, err = s.next.FindOne(ctx, collection, filter, projection)
		return err
	})
	return doc, err
}

func (s *retryStore) UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error {
	return s.do(ctx, func() error {
		return s.next.UpdateOne(ctx, collection, filter, update, upsert)
	})
}

func (s *retryStore) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	var n int64
	err := s.do(ctx, func() error {
		var err error
		n, err = s.next.DeleteMany(ctx, collection, filter)
		return err
	})
	return n, err
}

func (s *retryStore) do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		var transient *Retryable
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = err
		if attempt >= len(retryDelays) {
			return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}
