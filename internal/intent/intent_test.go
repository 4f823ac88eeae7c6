package intent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAccumulatesAcrossTurns(t *testing.T) {
	var a Appointment

	require.NoError(t, a.Merge(Turn{
		Confidence: 0.9,
		Fields:     Fields{Name: "Dana Reyes"},
	}, testNow))
	assert.Equal(t, []string{"date", "reason"}, a.Missing())
	assert.False(t, a.Complete())

	require.NoError(t, a.Merge(Turn{
		Confidence: 0.8,
		Fields:     Fields{Date: "tomorrow"},
	}, testNow))
	assert.Equal(t, []string{"time", "reason"}, a.Missing())

	require.NoError(t, a.Merge(Turn{
		Confidence: 0.85,
		Fields:     Fields{Time: "2:30 pm", Reason: "knee pain"},
	}, testNow))

	assert.True(t, a.Complete())
	assert.Empty(t, a.Missing())
	assert.Equal(t, time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC), a.Start)
	assert.Equal(t, time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC), a.End)
	assert.Equal(t, 0.85, a.Confidence)
}

func TestMergeLaterTurnCorrectsDate(t *testing.T) {
	var a Appointment
	require.NoError(t, a.Merge(Turn{
		Confidence: 0.9,
		Fields:     Fields{Date: "tomorrow", Time: "2 pm"},
	}, testNow))
	require.Equal(t, time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC), a.Start)

	// Caller corrects themselves; the clock time carries over.
	require.NoError(t, a.Merge(Turn{
		Confidence: 0.9,
		Fields:     Fields{Date: "friday"},
	}, testNow))
	assert.Equal(t, time.Date(2026, 9, 4, 14, 0, 0, 0, time.UTC), a.Start)
}

func TestMergeRejectsUnparseableDate(t *testing.T) {
	var a Appointment
	err := a.Merge(Turn{Confidence: 0.9, Fields: Fields{Date: "whenever works"}}, testNow)
	assert.Error(t, err)
}

func TestSetSlot(t *testing.T) {
	var a Appointment
	start := time.Date(2026, 9, 3, 11, 0, 0, 0, time.UTC)
	a.SetSlot("dr-1", start, start.Add(30*time.Minute))

	assert.Equal(t, "dr-1", a.ProviderID)
	assert.Equal(t, start, a.Start)
	assert.Equal(t, time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC), a.Day)
}

func TestFingerprintStability(t *testing.T) {
	mk := func() Appointment {
		return Appointment{
			PatientName: "Dana Reyes",
			PatientID:   "pat-9",
			ProviderID:  "dr-1",
			Reason:      "knee pain",
			Start:       time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC),
			End:         time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC),
		}
	}

	a, b := mk(), mk()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Case and surrounding whitespace do not change the fingerprint.
	b.PatientName = "  dana reyes "
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// A different slot does.
	b = mk()
	b.Start = b.Start.Add(30 * time.Minute)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestParseExtraction(t *testing.T) {
	turn, err := parseExtraction(`{"name": "Dana", "date": "next tuesday", "time": "2:30 pm", "reason": "checkup", "handoff_requested": false, "confidence": 0.92}`, 0.88)
	require.NoError(t, err)

	assert.Equal(t, "Dana", turn.Fields.Name)
	assert.Equal(t, "next tuesday", turn.Fields.Date)
	assert.Equal(t, 0.88, turn.Confidence, "STT confidence caps the extraction confidence")
	assert.False(t, turn.HandoffRequested)
}

func TestParseExtractionCodeFence(t *testing.T) {
	turn, err := parseExtraction("```json\n{\"name\": \"Dana\", \"confidence\": 0.5}\n```", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 0.5, turn.Confidence)
}

func TestParseExtractionMalformed(t *testing.T) {
	_, err := parseExtraction("I could not parse that.", 0.9)
	assert.Error(t, err)
}
