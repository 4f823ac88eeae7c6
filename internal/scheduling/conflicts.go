package scheduling

import (
	"sort"
	"time"

	"github.com/nightdesk/nightdesk/internal/emr"
)

// CheckResult is the detector's verdict on a requested window.
type CheckResult struct {
	// Available is true when the requested window fits a free slot, does
	// not touch any busy slot's buffered window, and is not held by
	// another session.
	Available bool
	// Slot is the free slot that satisfies the request when Available.
	Slot emr.Slot
	// Alternatives are up to MaxAlternatives free slots ranked for the
	// caller to offer, populated only when the window is unavailable.
	Alternatives []emr.Slot
	// Reason is a short machine token explaining an unavailable result.
	Reason string
}

const (
	ReasonBusyOverlap    = "busy_overlap"
	ReasonBufferTooTight = "buffer_too_tight"
	ReasonHeld           = "held_by_other_session"
	ReasonNoFreeSlot     = "no_free_slot"
	ReasonUnknown        = "outside_known_schedule"
)

// Detector decides whether a requested window conflicts with a provider's
// schedule. Comparisons use a symmetric buffer so back-to-back bookings keep
// turnaround time between patients.
type Detector struct {
	buffer          time.Duration
	providerBuffers map[string]time.Duration
	maxAlternatives int
	holds           *HoldRegistry
}

// NewDetector builds a detector with the given buffer. maxAlternatives caps
// how many fallback slots Check proposes.
func NewDetector(buffer time.Duration, maxAlternatives int, holds *HoldRegistry) *Detector {
	if maxAlternatives <= 0 {
		maxAlternatives = 3
	}
	return &Detector{buffer: buffer, maxAlternatives: maxAlternatives, holds: holds}
}

// WithProviderBuffer overrides the buffer for one provider. Procedure-heavy
// providers need more turnaround between patients than the default allows.
func (d *Detector) WithProviderBuffer(providerID string, buffer time.Duration) *Detector {
	if d.providerBuffers == nil {
		d.providerBuffers = make(map[string]time.Duration)
	}
	d.providerBuffers[providerID] = buffer
	return d
}

func (d *Detector) bufferFor(providerID string) time.Duration {
	if b, ok := d.providerBuffers[providerID]; ok {
		return b
	}
	return d.buffer
}

// Check evaluates the requested window for the session against the schedule.
// A partial schedule only vouches for the days it covers; a window outside
// the fetched slots is reported unavailable rather than guessed at.
func (d *Detector) Check(sessionID string, sched Schedule, start, end time.Time) CheckResult {
	if conflict, tight := d.conflictsWithBusy(sched, start, end); conflict {
		reason := ReasonBusyOverlap
		if tight {
			reason = ReasonBufferTooTight
		}
		return d.unavailable(sessionID, sched, start, end, reason)
	}

	slot, ok := d.coveringFreeSlot(sched, start, end)
	if !ok {
		reason := ReasonNoFreeSlot
		if sched.Partial {
			reason = ReasonUnknown
		}
		return d.unavailable(sessionID, sched, start, end, reason)
	}

	if d.holds != nil && !d.holds.Acquire(sessionID, slot) {
		return d.unavailable(sessionID, sched, start, end, ReasonHeld)
	}

	return CheckResult{Available: true, Slot: slot}
}

// Release drops the session's hold on slot. Called when a booking attempt
// ends without consuming the hold, so the window frees up for other callers
// before the TTL would reclaim it.
func (d *Detector) Release(sessionID string, slot emr.Slot) {
	if d.holds != nil {
		d.holds.Release(sessionID, slot)
	}
}

// conflictsWithBusy reports whether the window touches any busy slot. The
// second return distinguishes a clean overlap from a window that only fails
// because of the buffer.
func (d *Detector) conflictsWithBusy(sched Schedule, start, end time.Time) (conflict, bufferOnly bool) {
	buffer := d.bufferFor(sched.ProviderID)
	for _, slot := range sched.Slots {
		if !slot.Status.Busy() {
			continue
		}
		if slot.Overlaps(start, end) {
			return true, false
		}
		if slot.Overlaps(start.Add(-buffer), end.Add(buffer)) {
			return true, true
		}
	}
	return false, false
}

// coveringFreeSlot finds the free slot containing the requested window.
func (d *Detector) coveringFreeSlot(sched Schedule, start, end time.Time) (emr.Slot, bool) {
	for _, slot := range sched.Slots {
		if slot.Status.Busy() {
			continue
		}
		if !start.Before(slot.Start) && !end.After(slot.End) {
			return slot, true
		}
	}
	return emr.Slot{}, false
}

func (d *Detector) unavailable(sessionID string, sched Schedule, start, end time.Time, reason string) CheckResult {
	return CheckResult{
		Available:    false,
		Alternatives: d.Alternatives(sessionID, sched, start, end),
		Reason:       reason,
	}
}

// Alternatives ranks the provider's viable free slots around the requested
// window. Slots starting at or after the request come first, nearest first,
// then earlier slots nearest first; a patient who asked for mid-morning is
// better served by the next opening than by one already behind the time they
// named. Ties break toward the earlier start.
func (d *Detector) Alternatives(sessionID string, sched Schedule, start, end time.Time) []emr.Slot {
	duration := end.Sub(start)
	type ranked struct {
		slot     emr.Slot
		forward  bool
		distance time.Duration
	}

	var candidates []ranked
	for _, slot := range sched.Slots {
		if slot.Status.Busy() {
			continue
		}
		if slot.Duration() < duration {
			continue
		}
		candStart, candEnd := slot.Start, slot.Start.Add(duration)
		if conflict, _ := d.conflictsWithBusy(sched, candStart, candEnd); conflict {
			continue
		}
		if d.holds != nil && d.holds.HeldBy(sessionID, sched.ProviderID, candStart, candEnd) {
			continue
		}
		dist := candStart.Sub(start)
		forward := dist >= 0
		if dist < 0 {
			dist = -dist
		}
		candidates = append(candidates, ranked{slot: slot, forward: forward, distance: dist})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.forward != b.forward {
			return a.forward
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.slot.Start.Before(b.slot.Start)
	})

	n := len(candidates)
	if n > d.maxAlternatives {
		n = d.maxAlternatives
	}
	out := make([]emr.Slot, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.slot)
	}
	return out
}
