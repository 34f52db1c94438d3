// Package mongo implements the store contract on MongoDB.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tablepilot/tablepilot/store"
)

const (
	defaultOpTimeout = 30 * time.Second
	clientName       = "tablepilot-mongo"
)

// Options configures the Mongo store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements store.Store backed by a MongoDB database. It also
// implements clue health.Pinger so it can participate in health checks.
type Store struct {
	mongo   *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:   opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

// Connect dials MongoDB with a bounded, fair connection pool and returns a
// retrying store on top of it.
func Connect(ctx context.Context, uri, database string, poolSize uint64) (store.Store, *mongodriver.Client, error) {
	if uri == "" {
		return nil, nil, errors.New("mongo uri is required")
	}
	if poolSize == 0 {
		poolSize = 32
	}
	opts := options.Client().ApplyURI(uri).SetMaxPoolSize(poolSize)
	client, err := mongodriver.Connect(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	s, err := New(Options{Client: client, Database: database})
	if err != nil {
		return nil, nil, err
	}
	return store.WithRetry(s), client, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return clientName }

// Ping verifies connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Aggregate implements store.Store.
func (s *Store) Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]bson.M, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []bson.M
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, wrapTransient(err)
	}
	return out, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, wrapTransient(err)
	}
	return n, nil
}

// FindOne implements store.Store.
func (s *Store) FindOne(ctx context.Context, collection string, filter bson.M, projection bson.M) (bson.M, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne()
	if projection != nil {
		opts = opts.SetProjection(projection)
	}
	var doc bson.M
	if err := s.db.Collection(collection).FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrapTransient(err)
	}
	return doc, nil
}

// UpdateOne implements store.Store.
func (s *Store) UpdateOne(ctx context.Context, collection string, filter bson.M, update bson.M, upsert bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Update().SetUpsert(upsert)
	if _, err := s.db.Collection(collection).UpdateOne(ctx, filter, update, opts); err != nil {
		return wrapTransient(err)
	}
	return nil
}

// DeleteMany implements store.Store.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapTransient(err)
	}
	return res.DeletedCount, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// wrapTransient marks driver-level transport failures as retryable so the
// store.WithRetry decorator backs off and retries them. Command errors such
// as malformed pipelines pass through unchanged.
func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsNetworkError(err) || mongodriver.IsTimeout(err) {
		return &store.Retryable{Err: err}
	}
	var serverErr mongodriver.ServerError
	if errors.As(err, &serverErr) {
		// Not-primary and shutdown-in-progress class errors recover after
		// an election; treat them as transient.
		for _, code := range []int{10107, 11600, 11602, 13435, 13436, 189, 91} {
			if serverErr.HasErrorCode(code) {
				return &store.Retryable{Err: err}
			}
		}
	}
	return err
}
