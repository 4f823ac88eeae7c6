package scheduling

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightdesk/nightdesk/internal/emr"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 9, 1, hour, minute, 0, 0, time.UTC)
}

func free(id string, start time.Time, mins int) emr.Slot {
	return emr.Slot{ID: id, ProviderID: "prov-1", Start: start, End: start.Add(time.Duration(mins) * time.Minute), Status: emr.SlotFree}
}

func busy(id string, start time.Time, mins int) emr.Slot {
	return emr.Slot{ID: id, ProviderID: "prov-1", Start: start, End: start.Add(time.Duration(mins) * time.Minute), Status: emr.SlotBusy}
}

func TestCheckAvailableWindow(t *testing.T) {
	holds := NewHoldRegistry(time.Minute)
	d := NewDetector(15*time.Minute, 3, holds)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		free("s1", at(9, 0), 60),
		busy("b1", at(10, 30), 30),
	}}

	res := d.Check("sess-a", sched, at(9, 0), at(9, 30))
	require.True(t, res.Available)
	assert.Equal(t, "s1", res.Slot.ID)
	assert.True(t, holds.HeldBy("sess-b", "prov-1", at(9, 0), at(10, 0)), "accepted slot must be held")
}

func TestCheckBusyOverlap(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, NewHoldRegistry(time.Minute))
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		busy("b1", at(10, 0), 60),
	}}

	res := d.Check("sess-a", sched, at(10, 15), at(10, 45))
	require.False(t, res.Available)
	assert.Equal(t, ReasonBusyOverlap, res.Reason)
}

func TestCheckBufferTooTight(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, NewHoldRegistry(time.Minute))
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		free("s1", at(9, 0), 90),
		busy("b1", at(10, 30), 30),
	}}

	// Ends exactly when the busy block starts; the turnaround buffer still
	// disqualifies it.
	res := d.Check("sess-a", sched, at(10, 0), at(10, 30))
	require.False(t, res.Available)
	assert.Equal(t, ReasonBufferTooTight, res.Reason)

	// Fifteen clear minutes before the busy block is enough.
	res = d.Check("sess-a", sched, at(9, 45), at(10, 15))
	assert.True(t, res.Available)
}

func TestCheckProviderBufferOverride(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, NewHoldRegistry(time.Minute)).
		WithProviderBuffer("prov-surgical", 30*time.Minute)

	slots := []emr.Slot{
		free("s1", at(9, 0), 90),
		busy("b1", at(10, 30), 30),
	}

	// 15 minutes of turnaround passes for a default provider but not for
	// one with a 30 minute override.
	res := d.Check("sess-a", Schedule{ProviderID: "prov-1", Slots: slots}, at(9, 45), at(10, 15))
	assert.True(t, res.Available)

	res = d.Check("sess-b", Schedule{ProviderID: "prov-surgical", Slots: slots}, at(9, 45), at(10, 15))
	require.False(t, res.Available)
	assert.Equal(t, ReasonBufferTooTight, res.Reason)
}

func TestCheckOutsideKnownSchedule(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, NewHoldRegistry(time.Minute))
	sched := Schedule{ProviderID: "prov-1", Partial: true, Slots: []emr.Slot{
		free("s1", at(9, 0), 60),
	}}

	res := d.Check("sess-a", sched, at(14, 0), at(14, 30))
	require.False(t, res.Available)
	assert.Equal(t, ReasonUnknown, res.Reason)
}

func TestCheckHeldSlotRejected(t *testing.T) {
	holds := NewHoldRegistry(time.Minute)
	d := NewDetector(15*time.Minute, 3, holds)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		free("s1", at(9, 0), 30),
	}}

	require.True(t, d.Check("sess-a", sched, at(9, 0), at(9, 30)).Available)

	res := d.Check("sess-b", sched, at(9, 0), at(9, 30))
	require.False(t, res.Available)
	assert.Equal(t, ReasonHeld, res.Reason)
	assert.Empty(t, res.Alternatives, "the held slot is the only candidate")
}

func TestAlternativesForwardFirstRanking(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, nil)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		free("s0900", at(9, 0), 30),
		busy("b1", at(10, 0), 30),
		free("s1100", at(11, 0), 30),
		free("s1300", at(13, 0), 30),
	}}

	res := d.Check("sess-a", sched, at(10, 15), at(10, 45))
	require.False(t, res.Available)

	ids := make([]string, 0, len(res.Alternatives))
	for _, s := range res.Alternatives {
		ids = append(ids, s.ID)
	}
	// The next opening after the requested time outranks closer slots that
	// are already behind it.
	assert.Equal(t, []string{"s1100", "s1300", "s0900"}, ids)
}

func TestAlternativesCapAndViability(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, nil)
	slots := []emr.Slot{busy("b1", at(12, 0), 60)}
	for i := 0; i < 6; i++ {
		start := at(13, 30).Add(time.Duration(i) * time.Hour)
		slots = append(slots, free(fmt.Sprintf("f%d", i), start, 30))
	}
	// Too short for a 30-minute visit.
	slots = append(slots, free("short", at(8, 0), 15))
	sched := Schedule{ProviderID: "prov-1", Slots: slots}

	alts := d.Alternatives("sess-a", sched, at(12, 15), at(12, 45))
	require.Len(t, alts, 3)
	assert.Equal(t, "f0", alts[0].ID)
	assert.Equal(t, "f1", alts[1].ID)
	assert.Equal(t, "f2", alts[2].ID)
	for _, s := range alts {
		assert.NotEqual(t, "short", s.ID)
	}
}

func TestAlternativesSkipSlotsHeldByOthers(t *testing.T) {
	holds := NewHoldRegistry(time.Minute)
	d := NewDetector(15*time.Minute, 3, holds)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		busy("b1", at(10, 0), 30),
		free("s1100", at(11, 0), 30),
		free("s1300", at(13, 0), 30),
	}}

	require.True(t, holds.Acquire("sess-other", free("s1100", at(11, 0), 30)))

	alts := d.Alternatives("sess-a", sched, at(10, 15), at(10, 45))
	require.Len(t, alts, 1)
	assert.Equal(t, "s1300", alts[0].ID)
}

func TestConcurrentChecksNeverShareASlot(t *testing.T) {
	holds := NewHoldRegistry(time.Minute)
	d := NewDetector(15*time.Minute, 3, holds)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		free("s1", at(9, 0), 30),
	}}

	const sessions = 16
	var wg sync.WaitGroup
	results := make([]bool, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := d.Check(fmt.Sprintf("sess-%d", i), sched, at(9, 0), at(9, 30))
			results[i] = res.Available
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one session may hold the slot")
}

func TestAlternativesReachAcrossDays(t *testing.T) {
	d := NewDetector(15*time.Minute, 3, nil)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{
		busy("allday", at(8, 0), 9*60),
		free("s-next", at(9, 0).AddDate(0, 0, 1), 30),
		free("s-later", at(14, 0).AddDate(0, 0, 2), 30),
	}}

	res := d.Check("sess-a", sched, at(10, 15), at(10, 45))
	require.False(t, res.Available)

	// A fully booked day falls through to the first openings on the days
	// behind it, nearest day first.
	require.Len(t, res.Alternatives, 2)
	assert.Equal(t, "s-next", res.Alternatives[0].ID)
	assert.Equal(t, "s-later", res.Alternatives[1].ID)
}

func TestReleaseFreesHeldWindow(t *testing.T) {
	holds := NewHoldRegistry(time.Minute)
	d := NewDetector(15*time.Minute, 3, holds)
	slot := free("s1", at(14, 30), 30)
	sched := Schedule{ProviderID: "prov-1", Slots: []emr.Slot{slot}}

	first := d.Check("sess-a", sched, at(14, 30), at(15, 0))
	require.True(t, first.Available)
	require.False(t, d.Check("sess-b", sched, at(14, 30), at(15, 0)).Available)

	d.Release("sess-a", first.Slot)
	assert.True(t, d.Check("sess-b", sched, at(14, 30), at(15, 0)).Available,
		"a released window is immediately available to the next caller")
}
