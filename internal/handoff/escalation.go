// Package handoff turns an abandoned dialogue into work for a human: it
// records an escalation for staff and pushes them an SMS and email with the
// partial intent collected so far.
package handoff

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nightdesk/nightdesk/internal/audit"
	"github.com/nightdesk/nightdesk/internal/intent"
	"github.com/nightdesk/nightdesk/internal/notify"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

var tracer = otel.Tracer("nightdesk/handoff")

// Priority represents the urgency level of an escalation.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Status represents the workflow state of an escalation.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// Escalation is a staff work item created when a call could not be booked
// automatically. CallerPhone is stored so staff can call back; it never
// appears in logs or audit events.
type Escalation struct {
	ID             uuid.UUID
	SessionID      string
	Reason         string
	Priority       Priority
	Status         Status
	CallerPhone    string
	PatientName    string
	IntentSummary  string
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string
	Resolution     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StaffContacts is where notifications go.
type StaffContacts struct {
	Phone string
	Email string
}

// Service records escalations and notifies staff.
type Service struct {
	db       *sql.DB
	email    notify.EmailSender
	sms      notify.SMSSender
	contacts StaffContacts
	logger   *logging.Logger
}

// NewService creates an escalation service. Email and SMS senders may be nil;
// the record is still written.
func NewService(db *sql.DB, email notify.EmailSender, sms notify.SMSSender, contacts StaffContacts, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		db:       db,
		email:    email,
		sms:      sms,
		contacts: contacts,
		logger:   logger,
	}
}

// Raise records the escalation and notifies staff. Notification failures are
// logged but never fail the escalation: the record is what staff work from.
func (s *Service) Raise(ctx context.Context, sessionID, callerPhone, reason string, appt intent.Appointment) error {
	ctx, span := tracer.Start(ctx, "handoff.raise")
	defer span.End()
	span.SetAttributes(
		attribute.String("handoff.reason", reason),
		attribute.String("handoff.session_id", sessionID),
	)

	now := time.Now().UTC()
	esc := &Escalation{
		ID:            uuid.New(),
		SessionID:     sessionID,
		Reason:        reason,
		Priority:      priorityFor(reason),
		Status:        StatusPending,
		CallerPhone:   callerPhone,
		PatientName:   appt.PatientName,
		IntentSummary: summarize(appt),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store(ctx, esc); err != nil {
		span.RecordError(err)
		return fmt.Errorf("handoff: store escalation: %w", err)
	}

	if err := s.notifyStaff(ctx, esc); err != nil {
		s.logger.Error("failed to notify staff", "error", err, "escalation_id", esc.ID)
	}

	s.logger.Info("escalation raised",
		"escalation_id", esc.ID,
		"session_id", sessionID,
		"reason", reason,
		"priority", string(esc.Priority),
		"caller_ref", audit.CallerRef(callerPhone),
	)
	return nil
}

// priorityFor maps the dialogue's end reason to staff urgency. A caller who
// asked for a person is waiting on hold right now.
func priorityFor(reason string) Priority {
	switch reason {
	case "caller_requested", "resolver_failure":
		return PriorityHigh
	case "low_confidence", "no_agreeable_slot":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// summarize renders the partial intent as staff-readable lines. Missing
// fields are listed so staff know what still needs collecting.
func summarize(appt intent.Appointment) string {
	var sb strings.Builder
	if appt.PatientName != "" {
		sb.WriteString(fmt.Sprintf("Name: %s\n", appt.PatientName))
	}
	if !appt.Start.IsZero() {
		sb.WriteString(fmt.Sprintf("Requested: %s\n", appt.Start.Format("Monday, January 2 at 3:04 PM")))
	} else if !appt.Day.IsZero() {
		sb.WriteString(fmt.Sprintf("Requested day: %s (no time yet)\n", appt.Day.Format("Monday, January 2")))
	}
	if appt.Reason != "" {
		sb.WriteString(fmt.Sprintf("Visit reason: %s\n", appt.Reason))
	}
	if appt.ProviderID != "" {
		sb.WriteString(fmt.Sprintf("Provider: %s\n", appt.ProviderID))
	}
	if missing := appt.Missing(); len(missing) > 0 {
		sb.WriteString(fmt.Sprintf("Still needed: %s\n", strings.Join(missing, ", ")))
	}
	if sb.Len() == 0 {
		return "No details collected before handoff."
	}
	return sb.String()
}

func (s *Service) store(ctx context.Context, e *Escalation) error {
	query := `
		INSERT INTO escalations (
			id, session_id, reason, priority, status, caller_phone,
			patient_name, intent_summary, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.SessionID, e.Reason, e.Priority, e.Status, e.CallerPhone,
		e.PatientName, e.IntentSummary, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (s *Service) notifyStaff(ctx context.Context, e *Escalation) error {
	if e.Priority != PriorityLow && s.sms != nil && s.contacts.Phone != "" {
		if err := s.sms.SendSMS(ctx, s.contacts.Phone, s.formatSMS(e)); err != nil {
			s.logger.Error("failed to send escalation SMS", "error", err)
		}
	}
	if s.email != nil && s.contacts.Email != "" {
		subject, body := s.formatEmail(e)
		if err := s.email.Send(ctx, notify.EmailMessage{
			To:      s.contacts.Email,
			Subject: subject,
			Body:    body,
		}); err != nil {
			s.logger.Error("failed to send escalation email", "error", err)
			return err
		}
	}
	return nil
}

func (s *Service) formatSMS(e *Escalation) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] Call handoff: %s\n", e.Priority, e.Reason))
	if e.CallerPhone != "" {
		sb.WriteString(fmt.Sprintf("Caller: %s\n", e.CallerPhone))
	}
	sb.WriteString("Please check your email for details.")
	return sb.String()
}

func (s *Service) formatEmail(e *Escalation) (subject, body string) {
	subject = fmt.Sprintf("[%s Priority] Scheduling call needs follow-up", e.Priority)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Escalation ID: %s\n", e.ID))
	sb.WriteString(fmt.Sprintf("Reason: %s\n", e.Reason))
	sb.WriteString(fmt.Sprintf("Created: %s\n\n", e.CreatedAt.Format(time.RFC1123)))
	if e.CallerPhone != "" {
		sb.WriteString(fmt.Sprintf("Caller phone: %s\n", e.CallerPhone))
	}
	sb.WriteString("\n--- Collected so far ---\n")
	sb.WriteString(e.IntentSummary)
	return subject, sb.String()
}

// Acknowledge marks an escalation as picked up by a staff member.
func (s *Service) Acknowledge(ctx context.Context, escalationID uuid.UUID, staffMember string) error {
	now := time.Now().UTC()
	query := `
		UPDATE escalations
		SET status = $1, acknowledged_at = $2, acknowledged_by = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	result, err := s.db.ExecContext(ctx, query, StatusAcknowledged, now, staffMember, now, escalationID, StatusPending)
	if err != nil {
		return fmt.Errorf("handoff: acknowledge escalation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("handoff: escalation not found or already acknowledged")
	}
	s.logger.Info("escalation acknowledged", "escalation_id", escalationID, "by", staffMember)
	return nil
}

// Resolve closes an escalation with an outcome note.
func (s *Service) Resolve(ctx context.Context, escalationID uuid.UUID, staffMember, resolution string) error {
	now := time.Now().UTC()
	query := `
		UPDATE escalations
		SET status = $1, resolved_at = $2, resolved_by = $3, resolution = $4, updated_at = $5
		WHERE id = $6 AND status != $7
	`
	result, err := s.db.ExecContext(ctx, query, StatusResolved, now, staffMember, resolution, now, escalationID, StatusResolved)
	if err != nil {
		return fmt.Errorf("handoff: resolve escalation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("handoff: escalation not found or already resolved")
	}
	s.logger.Info("escalation resolved", "escalation_id", escalationID, "by", staffMember)
	return nil
}

// Pending returns unacknowledged escalations, most urgent first.
func (s *Service) Pending(ctx context.Context) ([]*Escalation, error) {
	query := `
		SELECT id, session_id, reason, priority, status, caller_phone,
			   patient_name, intent_summary, acknowledged_at, acknowledged_by,
			   resolved_at, resolved_by, resolution, created_at, updated_at
		FROM escalations
		WHERE status = $1
		ORDER BY
			CASE priority WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END,
			created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("handoff: query escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		var e Escalation
		var ackBy, resBy, resolution sql.NullString
		err := rows.Scan(
			&e.ID, &e.SessionID, &e.Reason, &e.Priority, &e.Status, &e.CallerPhone,
			&e.PatientName, &e.IntentSummary, &e.AcknowledgedAt, &ackBy,
			&e.ResolvedAt, &resBy, &resolution, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("handoff: scan escalation: %w", err)
		}
		e.AcknowledgedBy = ackBy.String
		e.ResolvedBy = resBy.String
		e.Resolution = resolution.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
