// Package conversation persists per-conversation agent state: the message
// transcript and, when the agent is waiting for the user to narrow a time
// window, the pending tool call to resume.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tablepilot/tablepilot/store"
)

// Collection is the MongoDB collection holding conversation documents.
const Collection = "conversations"

// DefaultTTL is how long an inactive conversation stays resumable.
const DefaultTTL = time.Hour

var (
	// ErrNotFound indicates no conversation exists for the id and user.
	ErrNotFound = errors.New("conversation not found")

	// ErrExpired indicates the conversation exists but has been inactive
	// longer than the TTL.
	ErrExpired = errors.New("conversation expired")

	// ErrPendingExists indicates a date-range request is already pending; a
	// second one cannot be stacked on top of it.
	ErrPendingExists = errors.New("a date range request is already pending")
)

type (
	// Message is one transcript entry.
	Message struct {
		Role    string    `bson:"role" json:"role"`
		Content string    `bson:"content" json:"content"`
		TS      time.Time `bson:"ts" json:"ts"`
	}

	// PendingDateRange captures a tool call suspended on a date-range
	// clarification. FileID and Table pin the resumed call to the same
	// dataset the range was computed for.
	PendingDateRange struct {
		Tool       string    `bson:"tool" json:"tool"`
		Args       string    `bson:"args" json:"args"`
		FileID     string    `bson:"file_id" json:"file_id"`
		Table      string    `bson:"table" json:"table"`
		TimeColumn string    `bson:"time_column" json:"time_column"`
		MinDate    time.Time `bson:"min_date" json:"min_date"`
		MaxDate    time.Time `bson:"max_date" json:"max_date"`
		Attempts   int       `bson:"attempts" json:"attempts"`
	}

	// Conversation is the persisted state of one dialogue.
	Conversation struct {
		ConversationID   string            `bson:"conversation_id" json:"conversation_id"`
		UserID           string            `bson:"user_id" json:"user_id"`
		FileID           string            `bson:"file_id,omitempty" json:"file_id,omitempty"`
		OriginalQuestion string            `bson:"original_question" json:"original_question"`
		Messages         []Message         `bson:"messages" json:"messages"`
		Pending          *PendingDateRange `bson:"pending_date_range,omitempty" json:"pending_date_range,omitempty"`
		CreatedAt        time.Time         `bson:"created_at" json:"created_at"`
		UpdatedAt        time.Time         `bson:"updated_at" json:"updated_at"`
	}

	// Store reads and writes conversations through the document store.
	Store struct {
		store store.Store
		ttl   time.Duration
		now   func() time.Time
	}
)

// NewStore builds a conversation store. A non-positive ttl selects the
// default of one hour.
func NewStore(s store.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{store: s, ttl: ttl, now: time.Now}
}

// Get loads a conversation scoped to the user. Conversations inactive past
// the TTL return ErrExpired; the caller starts fresh.
func (s *Store) Get(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	doc, err := s.store.FindOne(ctx, Collection, bson.M{
		"conversation_id": conversationID,
		"user_id":         userID,
	}, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	var c Conversation
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	if err := bson.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if s.now().Sub(c.UpdatedAt) > s.ttl {
		return nil, ErrExpired
	}
	return &c, nil
}

// Save upserts the conversation as one document. CreatedAt is preserved on
// updates via $setOnInsert; UpdatedAt always refreshes.
func (s *Store) Save(ctx context.Context, c *Conversation) error {
	if c.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	now := s.now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	set := bson.M{
		"conversation_id":   c.ConversationID,
		"user_id":           c.UserID,
		"original_question": c.OriginalQuestion,
		"messages":          c.Messages,
		"updated_at":        c.UpdatedAt,
	}
	if c.FileID != "" {
		set["file_id"] = c.FileID
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": c.CreatedAt},
	}
	if c.Pending != nil {
		set["pending_date_range"] = c.Pending
	} else {
		update["$unset"] = bson.M{"pending_date_range": ""}
	}
	filter := bson.M{"conversation_id": c.ConversationID, "user_id": c.UserID}
	if err := s.store.UpdateOne(ctx, Collection, filter, update, true); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// SetPending records a suspended tool call. A conversation can hold at most
// one pending request at a time.
func (s *Store) SetPending(ctx context.Context, c *Conversation, p *PendingDateRange) error {
	if p == nil {
		return errors.New("pending date range is required")
	}
	if c.Pending != nil {
		return ErrPendingExists
	}
	c.Pending = p
	return s.Save(ctx, c)
}

// ClearPending drops the suspended tool call once the range is supplied or
// abandoned.
func (s *Store) ClearPending(ctx context.Context, c *Conversation) error {
	c.Pending = nil
	return s.Save(ctx, c)
}

// Purge removes conversations inactive since before the cutoff.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.store.DeleteMany(ctx, Collection, bson.M{
		"updated_at": bson.M{"$lt": olderThan.UTC()},
	})
}
