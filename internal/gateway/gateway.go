// Package gateway owns the write path to the EMR. It is the only place the
// orchestrator books from, and it enforces the idempotency and retry rules
// that keep a flaky EMR from ever producing two appointments for one request.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nightdesk/nightdesk/internal/audit"
	"github.com/nightdesk/nightdesk/internal/emr"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// ErrAttemptsExhausted is returned when every retry budgeted for a booking
// has been spent without a definitive answer from the EMR.
var ErrAttemptsExhausted = errors.New("gateway: booking attempts exhausted")

// Observer receives booking outcome signals. The metrics package implements
// it; tests use the no-op default.
type Observer interface {
	EMRAttempt(outcome string)
	BookingOutcome(outcome string, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) EMRAttempt(string) {}

func (noopObserver) BookingOutcome(string, time.Duration) {}

// Gateway serializes appointment writes to the EMR with bounded retries.
type Gateway struct {
	client      emr.Client
	audit       *audit.Service
	logger      *logging.Logger
	observer    Observer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	deadline    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func(d time.Duration) time.Duration
}

// New creates a gateway with production retry settings.
func New(client emr.Client, auditSvc *audit.Service, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{
		client:      client,
		audit:       auditSvc,
		logger:      logger,
		observer:    noopObserver{},
		maxAttempts: 4,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    8 * time.Second,
		deadline:    20 * time.Second,
		sleep:       sleepCtx,
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(d)/2 + 1))
		},
	}
}

func (g *Gateway) WithMaxAttempts(n int) *Gateway {
	if n > 0 {
		g.maxAttempts = n
	}
	return g
}

func (g *Gateway) WithBackoff(base, max time.Duration) *Gateway {
	if base > 0 {
		g.baseDelay = base
	}
	if max > 0 {
		g.maxDelay = max
	}
	return g
}

func (g *Gateway) WithDeadline(d time.Duration) *Gateway {
	if d > 0 {
		g.deadline = d
	}
	return g
}

func (g *Gateway) WithObserver(o Observer) *Gateway {
	if o != nil {
		g.observer = o
	}
	return g
}

// BookingKey derives the idempotency key for one logical booking request.
// The same session asking for the same window with the same intent always
// produces the same key, so a retried write lands on the original resource.
func BookingKey(sessionID, providerID string, start, end time.Time, intentFingerprint string) string {
	material := sessionID +
		"\x00" + providerID +
		"\x00" + start.UTC().Format(time.RFC3339) +
		"\x00" + end.UTC().Format(time.RFC3339) +
		"\x00" + intentFingerprint
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:32]
}

// Book writes the appointment to the EMR, retrying transient failures with
// exponential backoff until the attempt budget or deadline runs out. The
// request is frozen before the first attempt: every retry carries the exact
// same payload and idempotency key. A conflict is final and returned to the
// caller for re-resolution, never retried.
func (g *Gateway) Book(ctx context.Context, sessionID string, req emr.AppointmentRequest) (*emr.Confirmation, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("gateway: request has no idempotency key")
	}

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	started := time.Now()
	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		g.logAttempt(ctx, sessionID, attempt, req.IdempotencyKey)

		conf, err := g.client.CreateAppointment(ctx, req)
		if err == nil {
			g.logResult(ctx, sessionID, attempt, 0, "")
			g.logConfirmed(ctx, sessionID, conf, req)
			g.observer.EMRAttempt("success")
			g.observer.BookingOutcome("confirmed", time.Since(started))
			g.logger.Info("appointment booked",
				"session_id", sessionID,
				"attempt", attempt,
				"appointment_id", conf.AppointmentID,
			)
			return conf, nil
		}

		lastErr = err
		class, status := classify(err)
		g.logResult(ctx, sessionID, attempt, status, class)
		g.observer.EMRAttempt(class)

		if emr.IsConflict(err) {
			g.logFailed(ctx, sessionID, "slot_conflict")
			g.observer.BookingOutcome("conflict", time.Since(started))
			return nil, err
		}
		if !emr.IsTransient(err) {
			g.logFailed(ctx, sessionID, "permanent_error")
			g.observer.BookingOutcome("failed", time.Since(started))
			return nil, err
		}
		if attempt == g.maxAttempts {
			break
		}

		delay := g.backoff(attempt)
		g.logger.Warn("transient EMR error, will retry",
			"session_id", sessionID,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if err := g.sleep(ctx, delay); err != nil {
			g.logFailed(ctx, sessionID, "deadline_exceeded")
			g.observer.BookingOutcome("timeout", time.Since(started))
			return nil, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
		}
	}

	g.logFailed(ctx, sessionID, "attempts_exhausted")
	g.observer.BookingOutcome("failed", time.Since(started))
	return nil, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

// backoff doubles the delay per attempt, capped, with jitter so parallel
// sessions do not hammer the EMR in lockstep.
func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.baseDelay * time.Duration(1<<(attempt-1))
	if delay > g.maxDelay {
		delay = g.maxDelay
	}
	return delay + g.jitter(delay)
}

func classify(err error) (class string, status int) {
	var apiErr *emr.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	switch {
	case emr.IsConflict(err):
		return "conflict", status
	case emr.IsTransient(err):
		return "transient", status
	default:
		return "permanent", status
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Audit failures must not abort a booking that the EMR already accepted, so
// the helpers log and continue.

func (g *Gateway) logAttempt(ctx context.Context, sessionID string, attempt int, key string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogEMRAttempt(ctx, sessionID, attempt, key); err != nil {
		g.logger.Error("audit write failed", "error", err)
	}
}

func (g *Gateway) logResult(ctx context.Context, sessionID string, attempt, status int, class string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogEMRResult(ctx, sessionID, attempt, status, class); err != nil {
		g.logger.Error("audit write failed", "error", err)
	}
}

func (g *Gateway) logConfirmed(ctx context.Context, sessionID string, conf *emr.Confirmation, req emr.AppointmentRequest) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogBookingConfirmed(ctx, sessionID, conf.AppointmentID, conf.ConfirmationNumber, req.ProviderID, req.Start); err != nil {
		g.logger.Error("audit write failed", "error", err)
	}
}

func (g *Gateway) logFailed(ctx context.Context, sessionID, reason string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogBookingFailed(ctx, sessionID, reason); err != nil {
		g.logger.Error("audit write failed", "error", err)
	}
}
