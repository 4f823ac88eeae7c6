// Package audit records the scheduling trail: session lifecycle, dialogue
// transitions, EMR write attempts, and escalations. Events carry opaque ids
// and hashes only; raw phone numbers and patient names never enter the log.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the kind of audit record.
type EventKind string

const (
	// EventSessionStarted is logged when a call session is admitted.
	EventSessionStarted EventKind = "session.started"
	// EventSessionEnded is logged when a session reaches a terminal state.
	EventSessionEnded EventKind = "session.ended"
	// EventSessionRejected is logged when intake turns a call away.
	EventSessionRejected EventKind = "session.rejected"
	// EventStateTransition is logged on every dialogue state change.
	EventStateTransition EventKind = "dialogue.transition"
	// EventEMRAttempt is logged before each EMR write attempt.
	EventEMRAttempt EventKind = "emr.attempt"
	// EventEMRResult is logged with the outcome of each EMR write attempt.
	EventEMRResult EventKind = "emr.result"
	// EventBookingConfirmed is logged when the EMR returns a confirmation.
	EventBookingConfirmed EventKind = "booking.confirmed"
	// EventBookingFailed is logged when the booking is abandoned.
	EventBookingFailed EventKind = "booking.failed"
	// EventEscalated is logged when a session is handed to staff.
	EventEscalated EventKind = "handoff.escalated"
)

// Event is an immutable audit record.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	CallerRef string          `json:"caller_ref,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Details carries the kind-specific payload.
type Details struct {
	// For dialogue transitions.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Trigger   string `json:"trigger,omitempty"`

	// For EMR attempts and results.
	Attempt        int    `json:"attempt,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	StatusCode     int    `json:"status_code,omitempty"`
	ErrorClass     string `json:"error_class,omitempty"`

	// For confirmed bookings.
	ConfirmationNumber string `json:"confirmation_number,omitempty"`
	AppointmentID      string `json:"appointment_id,omitempty"`
	ProviderID         string `json:"provider_id,omitempty"`
	SlotStart          string `json:"slot_start,omitempty"`

	// For session end, rejection, and escalation.
	Reason string `json:"reason,omitempty"`
}

// Sink persists audit events. Implementations must not mutate the event.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// CallerRef derives a stable opaque reference from a caller's phone number so
// events from the same caller can be correlated without storing the number.
func CallerRef(phone string) string {
	normalized := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Service builds well-formed events and hands them to a sink.
type Service struct {
	sink Sink
}

// NewService creates an audit service writing to the given sink.
func NewService(sink Sink) *Service {
	return &Service{sink: sink}
}

// Log records an event, filling the id and timestamp when absent.
func (s *Service) Log(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.sink.Record(ctx, event)
}

// LogSessionStarted records a session admission.
func (s *Service) LogSessionStarted(ctx context.Context, sessionID, callerPhone string) error {
	return s.Log(ctx, Event{
		Kind:      EventSessionStarted,
		SessionID: sessionID,
		CallerRef: CallerRef(callerPhone),
	})
}

// LogSessionEnded records a terminal session outcome.
func (s *Service) LogSessionEnded(ctx context.Context, sessionID, finalState, reason string) error {
	return s.Log(ctx, Event{
		Kind:      EventSessionEnded,
		SessionID: sessionID,
		Details:   marshalDetails(Details{ToState: finalState, Reason: reason}),
	})
}

// LogSessionRejected records a call turned away at intake.
func (s *Service) LogSessionRejected(ctx context.Context, callerPhone, reason string) error {
	return s.Log(ctx, Event{
		Kind:      EventSessionRejected,
		CallerRef: CallerRef(callerPhone),
		Details:   marshalDetails(Details{Reason: reason}),
	})
}

// LogTransition records a dialogue state change.
func (s *Service) LogTransition(ctx context.Context, sessionID, from, to, trigger string) error {
	return s.Log(ctx, Event{
		Kind:      EventStateTransition,
		SessionID: sessionID,
		Details:   marshalDetails(Details{FromState: from, ToState: to, Trigger: trigger}),
	})
}

// LogEMRAttempt records an outgoing EMR write attempt.
func (s *Service) LogEMRAttempt(ctx context.Context, sessionID string, attempt int, idempotencyKey string) error {
	return s.Log(ctx, Event{
		Kind:      EventEMRAttempt,
		SessionID: sessionID,
		Details:   marshalDetails(Details{Attempt: attempt, IdempotencyKey: idempotencyKey}),
	})
}

// LogEMRResult records the outcome of an EMR write attempt.
func (s *Service) LogEMRResult(ctx context.Context, sessionID string, attempt, statusCode int, errorClass string) error {
	return s.Log(ctx, Event{
		Kind:      EventEMRResult,
		SessionID: sessionID,
		Details:   marshalDetails(Details{Attempt: attempt, StatusCode: statusCode, ErrorClass: errorClass}),
	})
}

// LogBookingConfirmed records a successful booking.
func (s *Service) LogBookingConfirmed(ctx context.Context, sessionID, appointmentID, confirmationNumber, providerID string, slotStart time.Time) error {
	return s.Log(ctx, Event{
		Kind:      EventBookingConfirmed,
		SessionID: sessionID,
		Details: marshalDetails(Details{
			AppointmentID:      appointmentID,
			ConfirmationNumber: confirmationNumber,
			ProviderID:         providerID,
			SlotStart:          slotStart.UTC().Format(time.RFC3339),
		}),
	})
}

// LogBookingFailed records an abandoned booking.
func (s *Service) LogBookingFailed(ctx context.Context, sessionID, reason string) error {
	return s.Log(ctx, Event{
		Kind:      EventBookingFailed,
		SessionID: sessionID,
		Details:   marshalDetails(Details{Reason: reason}),
	})
}

// LogEscalated records a handoff to staff.
func (s *Service) LogEscalated(ctx context.Context, sessionID, reason string) error {
	return s.Log(ctx, Event{
		Kind:      EventEscalated,
		SessionID: sessionID,
		Details:   marshalDetails(Details{Reason: reason}),
	})
}

func marshalDetails(d Details) json.RawMessage {
	raw, _ := json.Marshal(d)
	return raw
}
