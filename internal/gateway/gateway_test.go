package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightdesk/nightdesk/internal/audit"
	"github.com/nightdesk/nightdesk/internal/emr"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// flakyEMR fails the first failures calls with failWith, then books. It
// tracks every request payload and de-duplicates by idempotency key the way
// a conditional create does.
type flakyEMR struct {
	mu       sync.Mutex
	failures int
	failWith error
	calls    int
	requests []emr.AppointmentRequest
	booked   map[string]*emr.Confirmation
}

func newFlakyEMR(failures int, failWith error) *flakyEMR {
	return &flakyEMR{failures: failures, failWith: failWith, booked: make(map[string]*emr.Confirmation)}
}

func (f *flakyEMR) CreateAppointment(ctx context.Context, req emr.AppointmentRequest) (*emr.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	if conf, ok := f.booked[req.IdempotencyKey]; ok {
		return conf, nil
	}
	conf := &emr.Confirmation{AppointmentID: "appt-1", ConfirmationNumber: "CONF-0042"}
	f.booked[req.IdempotencyKey] = conf
	return conf, nil
}

func (f *flakyEMR) GetAvailability(ctx context.Context, req emr.AvailabilityRequest) ([]emr.Slot, error) {
	return nil, nil
}

func (f *flakyEMR) GetAppointment(ctx context.Context, id string) (*emr.Appointment, error) {
	return nil, nil
}

func (f *flakyEMR) CancelAppointment(ctx context.Context, id string) error {
	return nil
}

func newTestGateway(client emr.Client, sink *audit.MemorySink) *Gateway {
	g := New(client, audit.NewService(sink), logging.New("error")).
		WithBackoff(time.Millisecond, 2*time.Millisecond)
	g.jitter = func(time.Duration) time.Duration { return 0 }
	return g
}

func bookingReq() emr.AppointmentRequest {
	start := time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)
	return emr.AppointmentRequest{
		IdempotencyKey: BookingKey("sess-1", "prov-1", start, start.Add(30*time.Minute), "fp"),
		ProviderID:     "prov-1",
		PatientID:      "pat-7",
		Start:          start,
		End:            start.Add(30 * time.Minute),
		Reason:         "follow-up",
	}
}

func TestBookingKeyDeterministic(t *testing.T) {
	start := time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	k1 := BookingKey("sess-1", "prov-1", start, end, "fp")
	k2 := BookingKey("sess-1", "prov-1", start.In(time.FixedZone("EST", -5*3600)), end, "fp")
	assert.Equal(t, k1, k2, "zone changes must not change the key")
	assert.Len(t, k1, 32)

	assert.NotEqual(t, k1, BookingKey("sess-2", "prov-1", start, end, "fp"))
	assert.NotEqual(t, k1, BookingKey("sess-1", "prov-1", start.Add(time.Minute), end, "fp"))
	assert.NotEqual(t, k1, BookingKey("sess-1", "prov-1", start, end, "fp2"))
}

func TestBookFirstAttemptSucceeds(t *testing.T) {
	fake := newFlakyEMR(0, nil)
	sink := audit.NewMemorySink()
	g := newTestGateway(fake, sink)

	conf, err := g.Book(context.Background(), "sess-1", bookingReq())
	require.NoError(t, err)
	assert.Equal(t, "CONF-0042", conf.ConfirmationNumber)
	assert.Equal(t, 1, fake.calls)

	assert.Len(t, sink.ByKind(audit.EventEMRAttempt), 1)
	assert.Len(t, sink.ByKind(audit.EventBookingConfirmed), 1)
}

func TestBookRetriesTransientErrors(t *testing.T) {
	fake := newFlakyEMR(2, &emr.APIError{StatusCode: 503, Body: "unavailable"})
	sink := audit.NewMemorySink()
	g := newTestGateway(fake, sink)

	conf, err := g.Book(context.Background(), "sess-1", bookingReq())
	require.NoError(t, err)
	assert.Equal(t, "appt-1", conf.AppointmentID)
	assert.Equal(t, 3, fake.calls)

	// Every retry must reuse the frozen request verbatim.
	for _, req := range fake.requests[1:] {
		assert.Equal(t, fake.requests[0], req)
	}
	assert.Len(t, fake.booked, 1, "retries must never create a second appointment")

	assert.Len(t, sink.ByKind(audit.EventEMRAttempt), 3)
	results := sink.ByKind(audit.EventEMRResult)
	require.Len(t, results, 3)
	var d audit.Details
	require.NoError(t, json.Unmarshal(results[0].Details, &d))
	assert.Equal(t, "transient", d.ErrorClass)
	assert.Equal(t, 503, d.StatusCode)
}

func TestBookConflictIsFinal(t *testing.T) {
	fake := newFlakyEMR(4, &emr.ConflictError{Detail: "slot taken"})
	sink := audit.NewMemorySink()
	g := newTestGateway(fake, sink)

	_, err := g.Book(context.Background(), "sess-1", bookingReq())
	require.Error(t, err)
	assert.True(t, emr.IsConflict(err))
	assert.Equal(t, 1, fake.calls, "a conflict must not be retried")

	failed := sink.ByKind(audit.EventBookingFailed)
	require.Len(t, failed, 1)
	var d audit.Details
	require.NoError(t, json.Unmarshal(failed[0].Details, &d))
	assert.Equal(t, "slot_conflict", d.Reason)
}

func TestBookPermanentErrorIsFinal(t *testing.T) {
	fake := newFlakyEMR(4, &emr.APIError{StatusCode: 422, Body: "bad reference"})
	g := newTestGateway(fake, audit.NewMemorySink())

	_, err := g.Book(context.Background(), "sess-1", bookingReq())
	require.Error(t, err)
	assert.False(t, emr.IsTransient(err))
	assert.Equal(t, 1, fake.calls)
}

func TestBookExhaustsAttempts(t *testing.T) {
	fake := newFlakyEMR(10, &emr.APIError{StatusCode: 503, Body: "unavailable"})
	sink := audit.NewMemorySink()
	g := newTestGateway(fake, sink)

	_, err := g.Book(context.Background(), "sess-1", bookingReq())
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 4, fake.calls)

	failed := sink.ByKind(audit.EventBookingFailed)
	require.Len(t, failed, 1)
}

func TestBookRejectsMissingKey(t *testing.T) {
	g := newTestGateway(newFlakyEMR(0, nil), audit.NewMemorySink())
	req := bookingReq()
	req.IdempotencyKey = ""

	_, err := g.Book(context.Background(), "sess-1", req)
	require.Error(t, err)
}

func TestBackoffCapsAndGrows(t *testing.T) {
	g := New(newFlakyEMR(0, nil), nil, logging.New("error")).
		WithBackoff(500*time.Millisecond, 8*time.Second)
	g.jitter = func(time.Duration) time.Duration { return 0 }

	assert.Equal(t, 500*time.Millisecond, g.backoff(1))
	assert.Equal(t, time.Second, g.backoff(2))
	assert.Equal(t, 2*time.Second, g.backoff(3))
	assert.Equal(t, 8*time.Second, g.backoff(6))
}

func TestBookStopsAtDeadline(t *testing.T) {
	fake := newFlakyEMR(10, &emr.APIError{StatusCode: 503, Body: "unavailable"})
	g := New(fake, nil, logging.New("error")).
		WithBackoff(time.Hour, time.Hour).
		WithDeadline(20 * time.Millisecond)
	g.jitter = func(time.Duration) time.Duration { return 0 }

	start := time.Now()
	_, err := g.Book(context.Background(), "sess-1", bookingReq())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "deadline must cut the backoff short")
	assert.Equal(t, 1, fake.calls)
}
