package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerRef(t *testing.T) {
	ref := CallerRef("+1 (555) 010-4477")
	require.Len(t, ref, 16)
	assert.Equal(t, ref, CallerRef("15550104477"), "formatting must not change the reference")
	assert.NotEqual(t, ref, CallerRef("15550104478"))
	assert.NotContains(t, ref, "5550104477")
	assert.Empty(t, CallerRef(""))
}

func TestServiceFillsIDAndTimestamp(t *testing.T) {
	sink := NewMemorySink()
	svc := NewService(sink)

	require.NoError(t, svc.LogSessionStarted(context.Background(), "sess-1", "+15550104477"))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.Equal(t, EventSessionStarted, events[0].Kind)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Len(t, events[0].CallerRef, 16)
}

func TestTransitionDetails(t *testing.T) {
	sink := NewMemorySink()
	svc := NewService(sink)

	require.NoError(t, svc.LogTransition(context.Background(), "sess-1", "CollectingInfo", "ConfirmingDetails", "fields_complete"))

	events := sink.ByKind(EventStateTransition)
	require.Len(t, events, 1)

	var d Details
	require.NoError(t, json.Unmarshal(events[0].Details, &d))
	assert.Equal(t, "CollectingInfo", d.FromState)
	assert.Equal(t, "ConfirmingDetails", d.ToState)
	assert.Equal(t, "fields_complete", d.Trigger)
}

func TestPostgresSinkRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewPostgresSink(db)
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), string(EventEMRAttempt), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(sink)
	err = svc.LogEMRAttempt(context.Background(), "sess-1", 2, "a1b2c3d4e5f60718")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "kind", "session_id", "caller_ref", "details", "created_at"}).
		AddRow("ev-1", string(EventBookingConfirmed), "sess-1", nil, []byte(`{"confirmation_number":"CONF-0042"}`), created)

	mock.ExpectQuery("SELECT id, kind, session_id").
		WithArgs("sess-1").
		WillReturnRows(rows)

	sink := NewPostgresSink(db)
	events, err := sink.Query(context.Background(), Filter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventBookingConfirmed, events[0].Kind)
	assert.Equal(t, "sess-1", events[0].SessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkQueryByKinds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "kind", "session_id", "caller_ref", "details", "created_at"}).
		AddRow("ev-1", string(EventBookingConfirmed), "sess-1", nil, nil, created).
		AddRow("ev-2", string(EventBookingFailed), "sess-2", nil, nil, created)

	mock.ExpectQuery(`kind = ANY`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	sink := NewPostgresSink(db)
	events, err := sink.Query(context.Background(), Filter{Kinds: []EventKind{EventBookingConfirmed, EventBookingFailed}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
