package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightdesk/nightdesk/internal/intent"
	"github.com/nightdesk/nightdesk/internal/notify"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

type capturingEmail struct {
	messages []notify.EmailMessage
}

func (c *capturingEmail) Send(ctx context.Context, msg notify.EmailMessage) error {
	c.messages = append(c.messages, msg)
	return nil
}

type capturingSMS struct {
	bodies []string
	to     []string
}

func (c *capturingSMS) SendSMS(ctx context.Context, to, body string) error {
	c.to = append(c.to, to)
	c.bodies = append(c.bodies, body)
	return nil
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *capturingEmail, *capturingSMS) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	email := &capturingEmail{}
	sms := &capturingSMS{}
	svc := NewService(db, email, sms, StaffContacts{Phone: "+15550001111", Email: "frontdesk@example.com"}, logging.New("error"))
	return svc, mock, email, sms
}

func partialIntent() intent.Appointment {
	return intent.Appointment{
		PatientName: "Dana Whitfield",
		Reason:      "checkup",
		Start:       time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC),
		End:         time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
	}
}

func TestRaiseStoresAndNotifies(t *testing.T) {
	svc, mock, email, sms := newTestService(t)
	mock.ExpectExec("INSERT INTO escalations").WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.Raise(context.Background(), "sess-1", "+15550104477", "caller_requested", partialIntent())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, sms.bodies, 1, "high priority must send SMS")
	assert.Equal(t, "+15550001111", sms.to[0])
	assert.Contains(t, sms.bodies[0], "HIGH")

	require.Len(t, email.messages, 1)
	assert.Contains(t, email.messages[0].Body, "Dana Whitfield")
	assert.Contains(t, email.messages[0].Body, "+15550104477")
	assert.Contains(t, email.messages[0].Body, "Tuesday, September 1 at 2:30 PM")
}

func TestRaiseLowPrioritySkipsSMS(t *testing.T) {
	svc, mock, email, sms := newTestService(t)
	mock.ExpectExec("INSERT INTO escalations").WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.Raise(context.Background(), "sess-1", "+15550104477", "too_many_turns", intent.Appointment{})
	require.NoError(t, err)

	assert.Empty(t, sms.bodies)
	require.Len(t, email.messages, 1)
	assert.Contains(t, email.messages[0].Body, "No details collected")
}

func TestRaiseStoreFailureSurfaces(t *testing.T) {
	svc, mock, email, _ := newTestService(t)
	mock.ExpectExec("INSERT INTO escalations").WillReturnError(assert.AnError)

	err := svc.Raise(context.Background(), "sess-1", "+15550104477", "caller_requested", partialIntent())
	require.Error(t, err)
	assert.Empty(t, email.messages, "no notification without a stored record")
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityHigh, priorityFor("caller_requested"))
	assert.Equal(t, PriorityHigh, priorityFor("resolver_failure"))
	assert.Equal(t, PriorityMedium, priorityFor("low_confidence"))
	assert.Equal(t, PriorityMedium, priorityFor("no_agreeable_slot"))
	assert.Equal(t, PriorityLow, priorityFor("too_many_turns"))
}

func TestSummarizeListsMissingFields(t *testing.T) {
	summary := summarize(intent.Appointment{PatientName: "Dana"})
	assert.Contains(t, summary, "Name: Dana")
	assert.Contains(t, summary, "Still needed: date, reason")
}

func TestAcknowledgeAndResolve(t *testing.T) {
	svc, mock, _, _ := newTestService(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE escalations").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.Acknowledge(context.Background(), id, "jordan"))

	mock.ExpectExec("UPDATE escalations").WillReturnResult(sqlmock.NewResult(0, 0))
	err := svc.Resolve(context.Background(), id, "jordan", "called back, booked manually")
	require.Error(t, err, "zero rows means not found or already resolved")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingOrdersByPriority(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "reason", "priority", "status", "caller_phone",
		"patient_name", "intent_summary", "acknowledged_at", "acknowledged_by",
		"resolved_at", "resolved_by", "resolution", "created_at", "updated_at",
	}).AddRow(uuid.New(), "sess-1", "caller_requested", "HIGH", "PENDING", "+15550104477",
		"Dana", "Name: Dana\n", nil, nil, nil, nil, nil, now, now)

	mock.ExpectQuery("SELECT id, session_id").WillReturnRows(rows)

	pending, err := svc.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, PriorityHigh, pending[0].Priority)
	assert.Equal(t, "sess-1", pending[0].SessionID)
}
