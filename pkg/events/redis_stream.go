package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"libraryrecords/pkg/domain"
)

type Kind string

const (
	KindBorrowed Kind = "borrowed"
	KindReturned Kind = "returned"
)

// LedgerEvent describes one committed borrow or return.
type LedgerEvent struct {
	ID         string    `json:"id,omitempty"`
	Kind       Kind      `json:"kind"`
	RecordID   int64     `json:"borrow_id"`
	UserID     int64     `json:"user_id"`
	BookID     int64     `json:"book_id"`
	Date       string    `json:"date"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromRecord builds the event for a ledger transition.
func FromRecord(kind Kind, rec domain.BorrowRecord, at time.Time) LedgerEvent {
	date := rec.BorrowDate
	if kind == KindReturned && rec.ReturnDate != nil {
		date = *rec.ReturnDate
	}
	return LedgerEvent{
		Kind:       kind,
		RecordID:   rec.ID,
		UserID:     rec.UserID,
		BookID:     rec.BookID,
		Date:       date.String(),
		OccurredAt: at.UTC(),
	}
}

// Publisher emits ledger events after the owning transaction committed.
type Publisher interface {
	Publish(ctx context.Context, e LedgerEvent) error
}

// Feed is a Publisher that can also replay the latest events.
type Feed interface {
	Publisher
	Recent(ctx context.Context, limit int) ([]LedgerEvent, error)
}

// RedisStream appends ledger events to a capped Redis stream.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

type RedisStreamConfig struct {
	Client *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "library:ledger"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStream{client: cfg.Client, stream: stream, maxLen: maxLen}, nil
}

func (s *RedisStream) Publish(ctx context.Context, e LedgerEvent) error {
	if e.Kind == "" {
		return errors.New("event kind required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":        string(e.Kind),
			"borrow_id":   strconv.FormatInt(e.RecordID, 10),
			"user_id":     strconv.FormatInt(e.UserID, 10),
			"book_id":     strconv.FormatInt(e.BookID, 10),
			"date":        e.Date,
			"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
		},
	}).Err()
}

// Recent returns up to limit events, newest first.
func (s *RedisStream) Recent(ctx context.Context, limit int) ([]LedgerEvent, error) {
	if limit <= 0 {
		return []LedgerEvent{}, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger stream: %w", err)
	}
	out := make([]LedgerEvent, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, decodeEvent(msg))
	}
	return out, nil
}

func decodeEvent(msg redis.XMessage) LedgerEvent {
	e := LedgerEvent{ID: msg.ID}
	if v, ok := msg.Values["kind"].(string); ok {
		e.Kind = Kind(v)
	}
	if v, ok := msg.Values["borrow_id"].(string); ok {
		e.RecordID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := msg.Values["user_id"].(string); ok {
		e.UserID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := msg.Values["book_id"].(string); ok {
		e.BookID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := msg.Values["date"].(string); ok {
		e.Date = v
	}
	if v, ok := msg.Values["occurred_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.OccurredAt = t
		}
	}
	return e
}
