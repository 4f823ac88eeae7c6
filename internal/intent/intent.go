// Package intent defines the contract between the transcript adapter and the
// dialogue core, and the appointment intent accumulated across turns.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultDurationMins is the appointment length assumed when the caller does
// not specify one.
const DefaultDurationMins = 30

// Fields are the structured values the transcript adapter extracted from one
// utterance. Empty strings mean "not mentioned this turn".
type Fields struct {
	Name            string `json:"name,omitempty"`
	Date            string `json:"date,omitempty"` // spoken form, e.g. "next tuesday"
	Time            string `json:"time,omitempty"` // spoken form, e.g. "two thirty pm"
	Reason          string `json:"reason,omitempty"`
	AppointmentType string `json:"appointment_type,omitempty"`
}

// Turn is the per-utterance message received from the transcript adapter.
// The core never receives raw audio.
type Turn struct {
	Transcript       string  `json:"transcript"`
	Confidence       float64 `json:"transcript_confidence"`
	Fields           Fields  `json:"extracted_fields"`
	HandoffRequested bool    `json:"handoff_requested"`
}

// Appointment is the mutable accumulator built across dialogue turns. It is
// finalized once all required fields are present and the turn confidence
// cleared the threshold.
type Appointment struct {
	PatientName     string
	PatientID       string
	ProviderID      string
	Reason          string
	AppointmentType string

	// Day holds a collected date while the clock time is still unknown.
	Day time.Time
	// Start and End are set once both date and time are known.
	Start time.Time
	End   time.Time

	// Confidence of the most recent accepted turn.
	Confidence float64
}

// Merge folds an accepted turn into the accumulator. Spoken date and time
// fragments are parsed relative to now; a turn can supply either or both, and
// later turns overwrite earlier values so the caller can correct themselves.
func (a *Appointment) Merge(t Turn, now time.Time) error {
	if t.Fields.Name != "" {
		a.PatientName = strings.TrimSpace(t.Fields.Name)
	}
	if t.Fields.Reason != "" {
		a.Reason = strings.TrimSpace(t.Fields.Reason)
	}
	if t.Fields.AppointmentType != "" {
		a.AppointmentType = strings.TrimSpace(t.Fields.AppointmentType)
	}

	if t.Fields.Date != "" {
		day, err := ParseSpokenDate(t.Fields.Date, now)
		if err != nil {
			return err
		}
		a.Day = day
		if !a.Start.IsZero() {
			// Re-anchor a previously collected clock time to the new date.
			a.setWindow(day, a.Start.Hour(), a.Start.Minute(), now.Location())
		}
	}

	if t.Fields.Time != "" {
		hour, minute, err := ParseSpokenTime(t.Fields.Time)
		if err != nil {
			return err
		}
		day := a.Day
		if day.IsZero() {
			day = now
		}
		a.setWindow(day, hour, minute, now.Location())
	}

	a.Confidence = t.Confidence
	return nil
}

// SetSlot pins the accumulator to a concrete provider slot, e.g. after the
// caller picks one of the offered alternatives.
func (a *Appointment) SetSlot(providerID string, start, end time.Time) {
	a.ProviderID = providerID
	a.Start = start
	a.End = end
	a.Day = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
}

func (a *Appointment) setWindow(day time.Time, hour, minute int, loc *time.Location) {
	a.Start = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	a.End = a.Start.Add(DefaultDurationMins * time.Minute)
}

// Complete reports whether every required field has been collected.
func (a *Appointment) Complete() bool {
	return a.PatientName != "" && !a.Start.IsZero() && a.Reason != ""
}

// Missing returns the required fields not yet collected, in prompt order.
func (a *Appointment) Missing() []string {
	var missing []string
	if a.PatientName == "" {
		missing = append(missing, "name")
	}
	if a.Start.IsZero() {
		if a.Day.IsZero() {
			missing = append(missing, "date")
		} else {
			missing = append(missing, "time")
		}
	}
	if a.Reason == "" {
		missing = append(missing, "reason")
	}
	return missing
}

// Fingerprint returns a stable digest of the intent's booking-relevant
// fields. It feeds the idempotency key, so two different intents can never
// share a key and the same intent always reproduces it.
func (a *Appointment) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToLower(strings.TrimSpace(a.PatientName)),
		a.PatientID,
		a.ProviderID,
		strings.ToLower(strings.TrimSpace(a.Reason)),
		a.Start.UTC().Format(time.RFC3339),
		a.End.UTC().Format(time.RFC3339),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
