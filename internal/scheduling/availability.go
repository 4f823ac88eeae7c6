// Package scheduling holds the availability resolver, the conflict detector,
// and the process-local held-slot registry that together decide whether a
// requested appointment window can be booked.
package scheduling

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/nightdesk/nightdesk/internal/emr"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// Schedule is the resolver's normalized view of a provider's calendar over
// the requested window. Slots are time-ordered, deduplicated, and free of
// malformed entries. Partial means the deadline fired before the whole window
// was fetched; the conflict detector treats the missing remainder as
// unavailable.
type Schedule struct {
	ProviderID string
	Slots      []emr.Slot
	Partial    bool
}

// FreeSlots returns the bookable slots in order.
func (s Schedule) FreeSlots() []emr.Slot {
	free := make([]emr.Slot, 0, len(s.Slots))
	for _, slot := range s.Slots {
		if !slot.Status.Busy() {
			free = append(free, slot)
		}
	}
	return free
}

// Resolver queries the EMR for a provider's slots and normalizes the answer.
// Results are never cached: the EMR is the only durable source of truth, so
// staleness is bounded by the gap between resolution and the write attempt.
type Resolver struct {
	client  emr.Client
	logger  *logging.Logger
	timeout time.Duration
}

// NewResolver creates a resolver with the given per-resolution deadline.
func NewResolver(client emr.Client, timeout time.Duration, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{client: client, logger: logger, timeout: timeout}
}

// Resolve fetches the provider's schedule between from and to. The EMR is
// queried one day at a time so a slow response costs at most one day of
// lookahead: when the deadline fires mid-window, whatever days completed are
// returned with Partial set.
func (r *Resolver) Resolve(ctx context.Context, providerID string, from, to time.Time) (Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sched := Schedule{ProviderID: providerID}

	var fetched []emr.Slot
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		dayEnd := day.AddDate(0, 0, 1)
		if dayEnd.After(to) {
			dayEnd = to
		}
		slots, err := r.client.GetAvailability(ctx, emr.AvailabilityRequest{
			ProviderID:   providerID,
			StartDate:    day,
			EndDate:      dayEnd,
			DurationMins: 30,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				r.logger.Warn("availability fetch hit deadline, returning partial schedule",
					"provider_id", providerID,
					"fetched_days", int(day.Sub(from).Hours()/24),
				)
				sched.Partial = true
				break
			}
			return Schedule{ProviderID: providerID}, err
		}
		fetched = append(fetched, slots...)
	}

	sched.Slots = r.normalize(providerID, fetched)
	return sched, nil
}

// normalize drops malformed and duplicate entries and orders what is left.
// Bad slots are a data-quality problem on the EMR side, not a fatal error.
func (r *Resolver) normalize(providerID string, slots []emr.Slot) []emr.Slot {
	seen := make(map[string]struct{}, len(slots))
	out := make([]emr.Slot, 0, len(slots))
	dropped := 0

	for _, slot := range slots {
		if !slot.End.After(slot.Start) {
			dropped++
			continue
		}
		if slot.ProviderID != "" && slot.ProviderID != providerID {
			dropped++
			continue
		}
		key := holdKey(slot) + "|" + string(slot.Status)
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		slot.ProviderID = providerID
		out = append(out, slot)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})

	// Free slots that overlap an earlier free slot are EMR feed defects;
	// keep the first and drop the rest.
	var lastFreeEnd time.Time
	filtered := out[:0]
	for _, slot := range out {
		if !slot.Status.Busy() {
			if slot.Start.Before(lastFreeEnd) {
				dropped++
				continue
			}
			lastFreeEnd = slot.End
		}
		filtered = append(filtered, slot)
	}

	if dropped > 0 {
		r.logger.Warn("discarded malformed or duplicate slots",
			"provider_id", providerID,
			"dropped", dropped,
			"kept", len(filtered),
		)
	}
	return filtered
}
