package intent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday
var testNow = time.Date(2026, 8, 31, 20, 15, 0, 0, time.UTC)

func TestParseSpokenDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"today", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)},
		{"tomorrow", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"day after tomorrow", time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)},
		{"tuesday", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"Monday", time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)}, // never today
		{"next tuesday", time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC)},
		{"on friday", time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)},
		{"september 15", time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)},
		{"september 1st", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"january 5", time.Date(2027, 1, 5, 0, 0, 0, 0, time.UTC)}, // past month rolls forward
		{"9/15", time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)},
		{"2026-09-15", time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpokenDate(tt.in, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpokenDateRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "whenever", "13/45", "smarch 5"} {
		_, err := ParseSpokenDate(in, testNow)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseSpokenTime(t *testing.T) {
	tests := []struct {
		in         string
		hour, min  int
	}{
		{"2:30 pm", 14, 30},
		{"2 pm", 14, 0},
		{"2pm", 14, 0},
		{"12 pm", 12, 0},
		{"12 am", 0, 0},
		{"at 9 am", 9, 0},
		{"14:00", 14, 0},
		{"9:05", 9, 5},
		{"noon", 12, 0},
		{"morning", 9, 0},
		{"afternoon", 14, 0},
		{"evening", 17, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			hour, minute, err := ParseSpokenTime(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.hour, hour)
			assert.Equal(t, tt.min, minute)
		})
	}
}

func TestParseSpokenTimeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "sometime", "25:00", "9:75"} {
		_, _, err := ParseSpokenTime(in)
		assert.Error(t, err, "input %q", in)
	}
}
