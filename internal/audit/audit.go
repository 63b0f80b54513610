// Package audit maintains the append-only, hash-chained audit ledger.
//
// Every event's hash covers its own fields and the previous event's hash, so
// editing, reordering or deleting a stored event breaks the chain. Appends are
// totally ordered: a Log serializes its own writers, and the store rejects any
// event whose previous hash is already claimed, which makes concurrent writers
// in other processes retry against the new tail.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

// Store persists audit events.
type Store interface {
	LastAuditEvent(ctx context.Context) (*model.AuditEvent, error)
	InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]model.AuditEvent, error)
	ChainEvents(ctx context.Context, limit int) ([]model.AuditEvent, error)
}

// Recorder appends audit entries. *Log implements it.
type Recorder interface {
	Append(ctx context.Context, e Entry) (*model.AuditEvent, error)
}

// Entry is an event to append.
type Entry struct {
	Type         model.AuditEventType
	ActorID      string
	ReferenceID  string
	SuggestionID string
	Details      any
}

// ErrTailContention is returned when an append loses the race for the chain
// tail on every attempt.
var ErrTailContention = eris.New("audit: could not claim chain tail")

// DefaultMaxAttempts bounds the read-tail-then-insert loop.
const DefaultMaxAttempts = 10

// Log is the audit ledger.
type Log struct {
	store       Store
	maxAttempts int
	now         func() time.Time

	mu sync.Mutex
}

// NewLog creates a Log over store.
func NewLog(s Store) *Log {
	return &Log{store: s, maxAttempts: DefaultMaxAttempts, now: time.Now}
}

// InsertFunc writes a fully hashed event. It must return an error wrapping
// store.ErrChainConflict when ev.PreviousHash is already claimed.
type InsertFunc func(ctx context.Context, ev *model.AuditEvent) error

// Append adds an event at the chain tail.
func (l *Log) Append(ctx context.Context, e Entry) (*model.AuditEvent, error) {
	return l.AppendWith(ctx, e, l.store.InsertAuditEvent)
}

// AppendWith adds an event at the chain tail using insert for the write, so
// the event can share a transaction with the change it records. insert may
// run more than once when the tail moves.
func (l *Log) AppendWith(ctx context.Context, e Entry, insert InsertFunc) (*model.AuditEvent, error) {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		tail, err := l.store.LastAuditEvent(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "audit: read chain tail")
		}

		ev := &model.AuditEvent{
			ID:           uuid.New().String(),
			Timestamp:    l.now().UTC().Truncate(time.Microsecond),
			EventType:    e.Type,
			ActorID:      e.ActorID,
			ReferenceID:  e.ReferenceID,
			SuggestionID: e.SuggestionID,
			Details:      details,
		}
		if tail != nil {
			ev.PreviousHash = tail.EventHash
		}
		ev.EventHash = Hash(ev)

		err = insert(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, store.ErrChainConflict) {
			return nil, eris.Wrap(err, "audit: append")
		}
		zap.L().Debug("audit: chain tail moved, retrying",
			zap.String("event_type", string(e.Type)),
			zap.Int("attempt", attempt),
		)
	}
	return nil, eris.Wrapf(ErrTailContention, "audit: %s after %d attempts", e.Type, l.maxAttempts)
}

// Events lists recent events, newest first.
func (l *Log) Events(ctx context.Context, filter store.AuditFilter) ([]model.AuditEvent, error) {
	evs, err := l.store.ListAuditEvents(ctx, filter)
	return evs, eris.Wrap(err, "audit: list events")
}

// Verification is the outcome of a chain check.
type Verification struct {
	Valid         bool   `json:"valid"`
	Message       string `json:"message"`
	EventsChecked int    `json:"events_checked"`
	BrokenAt      string `json:"broken_at,omitempty"`
}

// VerifyChain checks up to limit events from the chain root (all when
// limit <= 0). It recomputes each event's hash from its stored fields and
// checks each link to the prior event. A broken chain is reported in the
// result, not as an error; errors mean the events could not be read.
func (l *Log) VerifyChain(ctx context.Context, limit int) (Verification, error) {
	events, err := l.store.ChainEvents(ctx, limit)
	if err != nil {
		return Verification{Message: "could not read audit events"}, eris.Wrap(err, "audit: read chain")
	}
	return Verify(events), nil
}

// Verify checks an ordered run of events starting at the chain root.
func Verify(events []model.AuditEvent) Verification {
	if len(events) == 0 {
		return Verification{Valid: true, Message: "No events to verify"}
	}
	for i := range events {
		ev := &events[i]
		if ev.BadTimestamp != "" {
			return Verification{
				Message:       fmt.Sprintf("Unparseable timestamp at event %s", ev.ID),
				EventsChecked: i + 1,
				BrokenAt:      ev.ID,
			}
		}
		if Hash(ev) != ev.EventHash {
			return Verification{
				Message:       fmt.Sprintf("Hash mismatch at event %s", ev.ID),
				EventsChecked: i + 1,
				BrokenAt:      ev.ID,
			}
		}
		expectedPrev := ""
		if i > 0 {
			expectedPrev = events[i-1].EventHash
		}
		if ev.PreviousHash != expectedPrev {
			return Verification{
				Message:       fmt.Sprintf("Chain broken at event %s", ev.ID),
				EventsChecked: i + 1,
				BrokenAt:      ev.ID,
			}
		}
	}
	return Verification{
		Valid:         true,
		Message:       fmt.Sprintf("Chain verified (%d events)", len(events)),
		EventsChecked: len(events),
	}
}

// Hash computes an event's chain hash. The input is a JSON array of the
// event's fields, so no field boundary is ambiguous.
func Hash(ev *model.AuditEvent) string {
	input, _ := json.Marshal([]string{
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.EventType),
		ev.ActorID,
		ev.ReferenceID,
		ev.SuggestionID,
		string(ev.Details),
		ev.PreviousHash,
	})
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func encodeDetails(d any) (json.RawMessage, error) {
	switch v := d.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, eris.New("audit: details are not valid JSON")
		}
		return v, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, eris.Wrap(err, "audit: marshal details")
	}
	return b, nil
}
