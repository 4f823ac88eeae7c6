package scheduling

import (
	"sync"
	"time"

	"github.com/nightdesk/nightdesk/internal/emr"
)

// HoldRegistry is the process-local set of slots currently held by in-flight
// booking attempts. A hold is advisory: it prevents two concurrent call
// sessions in this process from racing toward the same window, but the EMR's
// own conflict check at write time remains authoritative.
type HoldRegistry struct {
	mu      sync.Mutex
	holds   map[string]holdEntry
	ttl     time.Duration
	nowFunc func() time.Time
}

type holdEntry struct {
	sessionID  string
	providerID string
	start      time.Time
	end        time.Time
	expires    time.Time
}

// NewHoldRegistry creates a registry whose holds expire after ttl even if the
// owner never releases them, so a crashed session cannot wedge a slot.
func NewHoldRegistry(ttl time.Duration) *HoldRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HoldRegistry{
		holds:   make(map[string]holdEntry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// WithClock overrides the registry's clock. Test hook.
func (r *HoldRegistry) WithClock(now func() time.Time) *HoldRegistry {
	r.nowFunc = now
	return r
}

// Acquire holds the slot for sessionID. It returns false when another live
// session already holds an overlapping window for the same provider.
// Re-acquiring a window this session already holds succeeds.
func (r *HoldRegistry) Acquire(sessionID string, slot emr.Slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	r.expireLocked(now)

	for _, h := range r.holds {
		if h.providerID != slot.ProviderID || h.sessionID == sessionID {
			continue
		}
		if h.start.Before(slot.End) && h.end.After(slot.Start) {
			return false
		}
	}

	r.holds[holdKey(slot)] = holdEntry{
		sessionID:  sessionID,
		providerID: slot.ProviderID,
		start:      slot.Start,
		end:        slot.End,
		expires:    now.Add(r.ttl),
	}
	return true
}

// Release drops the hold on slot if sessionID owns it. Releasing a slot that
// is not held is a no-op, so release can run unconditionally on every exit
// path.
func (r *HoldRegistry) Release(sessionID string, slot emr.Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := holdKey(slot)
	if h, ok := r.holds[key]; ok && h.sessionID == sessionID {
		delete(r.holds, key)
	}
}

// ReleaseSession drops every hold owned by sessionID. Called during session
// teardown and cancellation.
func (r *HoldRegistry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, h := range r.holds {
		if h.sessionID == sessionID {
			delete(r.holds, key)
		}
	}
}

// HeldBy reports whether any other session holds a window overlapping
// [start, end) for the provider.
func (r *HoldRegistry) HeldBy(sessionID, providerID string, start, end time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(r.nowFunc())

	for _, h := range r.holds {
		if h.providerID != providerID || h.sessionID == sessionID {
			continue
		}
		if h.start.Before(end) && h.end.After(start) {
			return true
		}
	}
	return false
}

func (r *HoldRegistry) expireLocked(now time.Time) {
	for key, h := range r.holds {
		if !h.expires.After(now) {
			delete(r.holds, key)
		}
	}
}

func holdKey(slot emr.Slot) string {
	return slot.ProviderID + "|" + slot.Start.UTC().Format(time.RFC3339) + "|" + slot.End.UTC().Format(time.RFC3339)
}
