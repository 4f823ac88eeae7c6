// Package dialogue drives one phone call through the booking conversation.
// The Machine owns all state transitions; collaborators report outcomes back
// to it and never change state themselves.
package dialogue

import (
	"context"
	"time"

	"github.com/nightdesk/nightdesk/internal/audit"
	"github.com/nightdesk/nightdesk/internal/emr"
	"github.com/nightdesk/nightdesk/internal/gateway"
	"github.com/nightdesk/nightdesk/internal/intent"
	"github.com/nightdesk/nightdesk/internal/scheduling"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// State is a dialogue phase. Confirmed, Escalated, and Failed are terminal.
type State string

const (
	StateGreeting              State = "Greeting"
	StateCollectingInfo        State = "CollectingInfo"
	StateConfirmingDetails     State = "ConfirmingDetails"
	StateResolvingAvailability State = "ResolvingAvailability"
	StateBooking               State = "Booking"
	StateConfirmed             State = "Confirmed"
	StateEscalated             State = "Escalated"
	StateFailed                State = "Failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateEscalated || s == StateFailed
}

// Failure reasons carried on a Failed terminal state.
const (
	FailSessionTimeout = "SessionTimeout"
	FailEMRUnavailable = "EMRUnavailable"
	FailBookingError   = "BookingError"
)

// Escalation reasons carried on an Escalated terminal state.
const (
	EscalateCallerRequested = "caller_requested"
	EscalateLowConfidence   = "low_confidence"
	EscalateTooManyTurns    = "too_many_turns"
	EscalateNoAgreeableSlot = "no_agreeable_slot"
	EscalateResolverFailure = "resolver_failure"
)

// Result is what one processed turn hands back to the session loop.
type Result struct {
	State        State
	Reply        string
	Done         bool
	Confirmation *emr.Confirmation
}

type availabilityResolver interface {
	Resolve(ctx context.Context, providerID string, from, to time.Time) (scheduling.Schedule, error)
}

type conflictChecker interface {
	Check(sessionID string, sched scheduling.Schedule, start, end time.Time) scheduling.CheckResult
	Release(sessionID string, slot emr.Slot)
}

type booker interface {
	Book(ctx context.Context, sessionID string, req emr.AppointmentRequest) (*emr.Confirmation, error)
}

// Config holds the conversation policy knobs.
type Config struct {
	ConfidenceThreshold     float64
	MaxLowConfidenceTurns   int
	MaxIntentTurns          int
	MaxAlternativeRounds    int
	AvailabilityHorizonDays int
	SilenceTimeout          time.Duration
	DefaultProviderID       string
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.70
	}
	if c.MaxLowConfidenceTurns <= 0 {
		c.MaxLowConfidenceTurns = 2
	}
	if c.MaxIntentTurns <= 0 {
		c.MaxIntentTurns = 10
	}
	if c.MaxAlternativeRounds <= 0 {
		c.MaxAlternativeRounds = 2
	}
	if c.AvailabilityHorizonDays <= 0 {
		c.AvailabilityHorizonDays = 30
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 30 * time.Second
	}
	return c
}

// Machine is the per-call state machine. It is not safe for concurrent use;
// the session loop serializes turns onto it.
type Machine struct {
	sessionID string
	patientID string
	cfg       Config

	resolver availabilityResolver
	detector conflictChecker
	gateway  booker
	audit    *audit.Service
	logger   *logging.Logger
	nowFunc  func() time.Time

	state               State
	appt                intent.Appointment
	lowConfidenceStreak int
	turns               int
	alternativeRounds   int
	lastActivity        time.Time
	endReason           string
	confirmation        *emr.Confirmation
}

// NewMachine creates a machine in the Greeting state.
func NewMachine(sessionID, patientID string, cfg Config, resolver availabilityResolver, detector conflictChecker, gw booker, auditSvc *audit.Service, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()
	m := &Machine{
		sessionID: sessionID,
		patientID: patientID,
		cfg:       cfg,
		resolver:  resolver,
		detector:  detector,
		gateway:   gw,
		audit:     auditSvc,
		logger:    logger.WithSession(sessionID),
		nowFunc:   time.Now,
		state:     StateGreeting,
	}
	m.appt.PatientID = patientID
	m.appt.ProviderID = cfg.DefaultProviderID
	return m
}

// WithClock overrides the machine's clock. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.nowFunc = now
	return m
}

// State returns the current dialogue state.
func (m *Machine) State() State { return m.state }

// EndReason returns the failure or escalation reason once terminal.
func (m *Machine) EndReason() string { return m.endReason }

// Appointment returns a copy of the collected intent, complete or not. The
// handoff path uses it to brief staff after an escalation.
func (m *Machine) Appointment() intent.Appointment { return m.appt }

// Confirmation returns the EMR confirmation once the state is Confirmed.
func (m *Machine) Confirmation() *emr.Confirmation { return m.confirmation }

// Start opens the conversation and moves to CollectingInfo.
func (m *Machine) Start(ctx context.Context) Result {
	m.lastActivity = m.nowFunc()
	m.transition(ctx, StateCollectingInfo, "call_answered")
	return Result{State: m.state, Reply: greetingPrompt()}
}

// CheckSilence fails the session when no turn has arrived within the silence
// timeout. The session loop calls it from its ticker. It reports whether the
// machine just became terminal.
func (m *Machine) CheckSilence(ctx context.Context) bool {
	if m.state.Terminal() || m.lastActivity.IsZero() {
		return false
	}
	if m.nowFunc().Sub(m.lastActivity) <= m.cfg.SilenceTimeout {
		return false
	}
	m.fail(ctx, FailSessionTimeout)
	return true
}

// Expire force-fails a call that ran past the overall per-call duration cap.
// The session loop owns wall-clock limits; the machine only records the
// terminal state. It reports whether the machine just became terminal.
func (m *Machine) Expire(ctx context.Context) bool {
	if m.state.Terminal() {
		return false
	}
	m.fail(ctx, FailSessionTimeout)
	return true
}

// HandleTurn folds one caller utterance into the conversation and returns
// the spoken reply. Terminal states absorb further turns without change.
func (m *Machine) HandleTurn(ctx context.Context, turn intent.Turn) Result {
	if m.state.Terminal() {
		return m.result(goodbyePrompt())
	}
	m.lastActivity = m.nowFunc()
	m.turns++

	if turn.HandoffRequested {
		m.escalate(ctx, EscalateCallerRequested)
		return m.result(transferPrompt())
	}

	if turn.Confidence < m.cfg.ConfidenceThreshold {
		m.lowConfidenceStreak++
		if m.lowConfidenceStreak >= m.cfg.MaxLowConfidenceTurns {
			m.escalate(ctx, EscalateLowConfidence)
			return m.result(transferPrompt())
		}
		// The turn is discarded whole: low-confidence fields must never
		// leak into the accumulator.
		return m.result(repromptLowConfidence())
	}
	m.lowConfidenceStreak = 0

	if m.turns > m.cfg.MaxIntentTurns {
		m.escalate(ctx, EscalateTooManyTurns)
		return m.result(transferPrompt())
	}

	switch m.state {
	case StateGreeting:
		m.transition(ctx, StateCollectingInfo, "first_turn")
		return m.collect(ctx, turn)
	case StateCollectingInfo:
		return m.collect(ctx, turn)
	case StateConfirmingDetails:
		return m.confirm(ctx, turn)
	default:
		// Resolving and Booking never yield the floor to the caller; a
		// turn arriving here is a transcript adapter race. Ignore it.
		return m.result(holdOnPrompt())
	}
}

func (m *Machine) collect(ctx context.Context, turn intent.Turn) Result {
	if err := m.appt.Merge(turn, m.nowFunc()); err != nil {
		m.logger.Warn("could not parse turn fields", "error", err)
		return m.result(repromptUnparsed())
	}
	if !m.appt.Complete() {
		return m.result(promptForMissing(m.appt.Missing()))
	}
	m.transition(ctx, StateConfirmingDetails, "fields_complete")
	return m.result(confirmDetailsPrompt(m.appt))
}

func (m *Machine) confirm(ctx context.Context, turn intent.Turn) Result {
	switch {
	case isAffirmative(turn.Transcript):
		m.transition(ctx, StateResolvingAvailability, "details_confirmed")
		return m.resolveAndBook(ctx)
	case isNegative(turn.Transcript):
		m.transition(ctx, StateCollectingInfo, "details_rejected")
		// Fold any correction carried on the same utterance.
		return m.collect(ctx, turn)
	default:
		return m.result(confirmDetailsPrompt(m.appt))
	}
}

// resolveAndBook runs the resolver, the conflict check, and the EMR write in
// one pass while the caller waits. An EMR conflict re-resolves against a
// fresh schedule; each unavailable round costs one alternative round.
func (m *Machine) resolveAndBook(ctx context.Context) Result {
	sched, err := m.resolve(ctx)
	if err != nil {
		m.logger.Error("availability resolution failed", "error", err)
		m.escalate(ctx, EscalateResolverFailure)
		return m.result(transferPrompt())
	}

	check := m.detector.Check(m.sessionID, sched, m.appt.Start, m.appt.End)
	if !check.Available {
		return m.offerAlternatives(ctx, check)
	}
	if m.appt.ProviderID == "" {
		m.appt.ProviderID = check.Slot.ProviderID
	}

	m.transition(ctx, StateBooking, "slot_available")
	conf, err := m.gateway.Book(ctx, m.sessionID, m.bookingRequest(check.Slot))
	if err == nil {
		m.confirmation = conf
		m.transition(ctx, StateConfirmed, "emr_confirmed")
		m.endReason = "booked"
		return Result{State: m.state, Reply: confirmedPrompt(m.appt, conf.ConfirmationNumber), Done: true, Confirmation: conf}
	}

	if emr.IsConflict(err) {
		// Someone else took the slot between resolve and write. The EMR
		// is authoritative; go around with a fresh schedule. The hold on
		// the dead slot is released now rather than at teardown, since
		// the session stays live.
		m.detector.Release(m.sessionID, check.Slot)
		m.logger.Info("slot conflicted at write time, re-resolving")
		m.transition(ctx, StateResolvingAvailability, "emr_conflict")
		fresh, rerr := m.resolve(ctx)
		if rerr != nil {
			m.escalate(ctx, EscalateResolverFailure)
			return m.result(transferPrompt())
		}
		return m.offerAlternatives(ctx, m.detector.Check(m.sessionID, fresh, m.appt.Start, m.appt.End))
	}

	m.logger.Error("booking failed", "error", err)
	m.fail(ctx, FailBookingError)
	return m.result(bookingFailedPrompt())
}

// resolve fetches the schedule from the requested day through the lookahead
// horizon, so alternatives can land on a later day when the requested one is
// full.
func (m *Machine) resolve(ctx context.Context) (scheduling.Schedule, error) {
	day := time.Date(m.appt.Start.Year(), m.appt.Start.Month(), m.appt.Start.Day(), 0, 0, 0, 0, m.appt.Start.Location())
	return m.resolver.Resolve(ctx, m.appt.ProviderID, day, day.AddDate(0, 0, m.cfg.AvailabilityHorizonDays))
}

func (m *Machine) offerAlternatives(ctx context.Context, check scheduling.CheckResult) Result {
	m.alternativeRounds++
	if m.alternativeRounds > m.cfg.MaxAlternativeRounds || len(check.Alternatives) == 0 {
		m.escalate(ctx, EscalateNoAgreeableSlot)
		return m.result(transferPrompt())
	}
	m.transition(ctx, StateCollectingInfo, "alternatives_offered")
	return m.result(alternativesPrompt(m.appt.Start, check.Alternatives))
}

func (m *Machine) bookingRequest(slot emr.Slot) emr.AppointmentRequest {
	return emr.AppointmentRequest{
		IdempotencyKey: gateway.BookingKey(m.sessionID, m.appt.ProviderID, m.appt.Start, m.appt.End, m.appt.Fingerprint()),
		ProviderID:     m.appt.ProviderID,
		PatientID:      m.appt.PatientID,
		SlotID:         slot.ID,
		Start:          m.appt.Start,
		End:            m.appt.End,
		Reason:         m.appt.Reason,
	}
}

func (m *Machine) escalate(ctx context.Context, reason string) {
	m.endReason = reason
	m.transition(ctx, StateEscalated, reason)
	if m.audit != nil {
		if err := m.audit.LogEscalated(ctx, m.sessionID, reason); err != nil {
			m.logger.Error("audit write failed", "error", err)
		}
	}
}

func (m *Machine) fail(ctx context.Context, reason string) {
	m.endReason = reason
	m.transition(ctx, StateFailed, reason)
}

// transition moves the machine to a new state. A terminal state is a wall:
// requests to leave it are logged and dropped.
func (m *Machine) transition(ctx context.Context, to State, trigger string) {
	if m.state.Terminal() {
		m.logger.Warn("transition out of terminal state refused",
			"state", string(m.state),
			"requested", string(to),
		)
		return
	}
	from := m.state
	m.state = to
	m.logger.Info("dialogue transition",
		"from", string(from),
		"to", string(to),
		"trigger", trigger,
	)
	if m.audit != nil {
		if err := m.audit.LogTransition(ctx, m.sessionID, string(from), string(to), trigger); err != nil {
			m.logger.Error("audit write failed", "error", err)
		}
	}
}

func (m *Machine) result(reply string) Result {
	return Result{State: m.state, Reply: reply, Done: m.state.Terminal()}
}
