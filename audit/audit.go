// Package audit records one append-only document per agent invocation so any
// surfaced number can be traced back to the pipelines that produced it and
// re-executed for verification.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tablepilot/tablepilot/store"
)

// Collection is the MongoDB collection holding audit records.
const Collection = "audit_records"

// ErrNotFound indicates no record exists for the request id.
var ErrNotFound = errors.New("audit record not found")

// Final states of an agent invocation.
const (
	StateCompleted           = "completed"
	StateStopped             = "stopped"
	StateError               = "error"
	StateClarificationNeeded = "clarification_needed"
)

type (
	// PipelineTrace is one executed aggregation, kept verbatim so it can be
	// re-run against the stored rows.
	PipelineTrace struct {
		Collection string   `bson:"collection" json:"collection"`
		Stages     []bson.D `bson:"stages" json:"stages"`
	}

	// Provenance ties the answer to the data that produced it.
	Provenance struct {
		MatchedRowCount int64           `bson:"matched_row_count" json:"matched_row_count"`
		Pipelines       []PipelineTrace `bson:"pipelines" json:"pipelines"`
	}

	// Record is the persisted outcome of one agent invocation.
	Record struct {
		RequestID      string         `bson:"request_id" json:"request_id"`
		UserID         string         `bson:"user_id" json:"user_id"`
		Question       string         `bson:"question" json:"question"`
		Provider       string         `bson:"provider" json:"provider"`
		Model          string         `bson:"model,omitempty" json:"model,omitempty"`
		ToolsCalled    []string       `bson:"tools_called" json:"tools_called"`
		LatencyMS      int64          `bson:"latency_ms" json:"latency_ms"`
		Provenance     Provenance     `bson:"provenance" json:"provenance"`
		AnswerShort    string         `bson:"answer_short" json:"answer_short"`
		AnswerDetailed string         `bson:"answer_detailed" json:"answer_detailed"`
		ChartConfig    map[string]any `bson:"chart_config,omitempty" json:"chart_config,omitempty"`
		FinalState     string         `bson:"final_state" json:"final_state"`
		CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	}

	// Sink appends and retrieves audit records.
	Sink struct {
		store store.Store
	}
)

// NewSink builds an audit sink on the document store.
func NewSink(s store.Store) *Sink {
	return &Sink{store: s}
}

// Append writes the record as a single document. The upsert keyed on
// request_id keeps retries idempotent: an existing record is never modified.
func (s *Sink) Append(ctx context.Context, r *Record) error {
	if r.RequestID == "" {
		return errors.New("request id is required")
	}
	if r.UserID == "" {
		return errors.New("user id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	raw, err := bson.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	update := bson.M{"$setOnInsert": doc}
	filter := bson.M{"request_id": r.RequestID}
	if err := s.store.UpdateOne(ctx, Collection, filter, update, true); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Get loads the record for a request id, scoped to the user.
func (s *Sink) Get(ctx context.Context, userID, requestID string) (*Record, error) {
	if requestID == "" {
		return nil, errors.New("request id is required")
	}
	filter := bson.M{"request_id": requestID}
	if userID != "" {
		filter["user_id"] = userID
	}
	doc, err := s.store.FindOne(ctx, Collection, filter, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load audit record: %w", err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	var r Record
	if err := bson.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	return &r, nil
}

// Purge removes records created before the cutoff and reports how many were
// deleted. Called periodically to enforce the audit retention window.
func (s *Sink) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.store.DeleteMany(ctx, Collection, bson.M{
		"created_at": bson.M{"$lt": olderThan.UTC()},
	})
}
