package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nightdesk/nightdesk/internal/intent"
)

const transcriptTTL = 24 * time.Hour

// TranscriptEntry is one exchange of the call: what the caller said and what
// the system replied, as the extractor understood it.
type TranscriptEntry struct {
	At         time.Time `json:"at"`
	Transcript string    `json:"transcript"`
	Confidence float64   `json:"confidence"`
	Reply      string    `json:"reply"`
	State      string    `json:"state"`
}

// TranscriptStore keeps per-session transcripts and the partial intent in
// redis so staff can pick up an escalated call. Entries expire after a day.
type TranscriptStore struct {
	redis  *redis.Client
	tracer trace.Tracer
}

// NewTranscriptStore creates a store on the given redis client.
func NewTranscriptStore(rdb *redis.Client, tracer trace.Tracer) *TranscriptStore {
	if rdb == nil {
		panic("session: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("nightdesk.internal.session.transcript")
	}
	return &TranscriptStore{redis: rdb, tracer: tracer}
}

// Append records one exchange on the session's transcript.
func (s *TranscriptStore) Append(ctx context.Context, sessionID string, entry TranscriptEntry) error {
	ctx, span := s.tracer.Start(ctx, "session.append_transcript")
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to marshal transcript entry: %w", err)
	}
	key := transcriptKey(sessionID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, transcriptTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to persist transcript entry: %w", err)
	}
	return nil
}

// History returns the session's transcript in order.
func (s *TranscriptStore) History(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	ctx, span := s.tracer.Start(ctx, "session.load_transcript")
	defer span.End()

	raw, err := s.redis.LRange(ctx, transcriptKey(sessionID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: failed to load transcript: %w", err)
	}
	entries := make([]TranscriptEntry, 0, len(raw))
	for _, item := range raw {
		var e TranscriptEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("session: failed to decode transcript entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SaveIntent persists the partial intent collected so far. Staff following
// up on an escalation read it back with LoadIntent.
func (s *TranscriptStore) SaveIntent(ctx context.Context, sessionID string, appt intent.Appointment) error {
	ctx, span := s.tracer.Start(ctx, "session.save_intent")
	defer span.End()

	data, err := json.Marshal(appt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to marshal intent: %w", err)
	}
	if err := s.redis.Set(ctx, intentKey(sessionID), data, transcriptTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to persist intent: %w", err)
	}
	return nil
}

// LoadIntent returns the stored partial intent for the session.
func (s *TranscriptStore) LoadIntent(ctx context.Context, sessionID string) (intent.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "session.load_intent")
	defer span.End()

	data, err := s.redis.Get(ctx, intentKey(sessionID)).Bytes()
	if err != nil {
		span.RecordError(err)
		if err == redis.Nil {
			return intent.Appointment{}, fmt.Errorf("session: no stored intent for %s", sessionID)
		}
		return intent.Appointment{}, fmt.Errorf("session: failed to load intent: %w", err)
	}
	var appt intent.Appointment
	if err := json.Unmarshal(data, &appt); err != nil {
		span.RecordError(err)
		return intent.Appointment{}, fmt.Errorf("session: failed to decode intent: %w", err)
	}
	return appt, nil
}

func transcriptKey(id string) string {
	return fmt.Sprintf("nightdesk:session:%s:transcript", id)
}

func intentKey(id string) string {
	return fmt.Sprintf("nightdesk:session:%s:intent", id)
}
