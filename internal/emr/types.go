// Package emr defines the interface the scheduling core uses to talk to the
// clinic's EMR. The EMR owns the schedule; nothing here is cached beyond a
// single call's resolution lifetime.
package emr

import (
	"context"
	"time"
)

// Client defines the operations the core needs from an EMR integration.
type Client interface {
	// GetAvailability retrieves appointment slots for a provider and date range.
	GetAvailability(ctx context.Context, req AvailabilityRequest) ([]Slot, error)

	// CreateAppointment books an appointment. The request carries an
	// idempotency key; resubmitting the same key must not create a duplicate.
	CreateAppointment(ctx context.Context, req AppointmentRequest) (*Confirmation, error)

	// GetAppointment retrieves a booked appointment by its EMR id.
	GetAppointment(ctx context.Context, appointmentID string) (*Appointment, error)

	// CancelAppointment cancels an existing appointment.
	CancelAppointment(ctx context.Context, appointmentID string) error
}

// AvailabilityRequest asks for a provider's slots over a window.
type AvailabilityRequest struct {
	ProviderID   string
	StartDate    time.Time
	EndDate      time.Time
	DurationMins int
}

// SlotStatus mirrors FHIR slot statuses. Anything that is not free is treated
// as busy by the conflict detector.
type SlotStatus string

const (
	SlotFree            SlotStatus = "free"
	SlotBusy            SlotStatus = "busy"
	SlotBusyUnavailable SlotStatus = "busy-unavailable"
	SlotBusyTentative   SlotStatus = "busy-tentative"
)

// Busy reports whether the status blocks booking. Unknown statuses count as
// busy so a partial or malformed EMR answer can never look like availability.
func (s SlotStatus) Busy() bool {
	return s != SlotFree
}

// Slot is a candidate appointment window as reported by the EMR.
type Slot struct {
	ID           string
	ProviderID   string
	ProviderName string
	Start        time.Time
	End          time.Time
	Status       SlotStatus
}

// Duration returns the slot length.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether the slot overlaps the [start, end) window.
func (s Slot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && s.End.After(start)
}

// PatientQuery narrows a chart lookup. At least one field must be set; the
// EMR rejects an unbounded patient search.
type PatientQuery struct {
	GivenName  string
	FamilyName string
	BirthDate  string // YYYY-MM-DD
}

// Patient is the EMR's demographic record for a caller. Intake uses it to
// attach the booking to an existing chart instead of registering a new one.
type Patient struct {
	ID         string
	GivenName  string
	FamilyName string
	BirthDate  string
	Phone      string
}

// AppointmentRequest is the write payload sent to the EMR. A retried write
// must be byte-identical to the original attempt, so callers build this once
// and resend it unchanged.
type AppointmentRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ProviderID     string    `json:"provider_id"`
	PatientID      string    `json:"patient_id"`
	SlotID         string    `json:"slot_id,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Reason         string    `json:"reason,omitempty"`
	Notes          string    `json:"notes,omitempty"`
}

// Confirmation is the EMR's answer to a successful booking. The confirmation
// number is generated or echoed by the EMR; it is the number spoken back to
// the patient.
type Confirmation struct {
	AppointmentID      string
	ConfirmationNumber string
}

// Appointment is the durable booking record, owned by the EMR. The core only
// ever reads it back; it never stores a local copy.
type Appointment struct {
	ID         string
	ProviderID string
	PatientID  string
	Start      time.Time
	End        time.Time
	Status     string
}
