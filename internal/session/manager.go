// Package session admits calls, runs one goroutine per live call, and tears
// the call down on any exit path. The concurrency cap is enforced here at
// intake, before any dialogue state exists.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightdesk/nightdesk/internal/audit"
	"github.com/nightdesk/nightdesk/internal/dialogue"
	"github.com/nightdesk/nightdesk/internal/intent"
	"github.com/nightdesk/nightdesk/internal/scheduling"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// ErrConcurrencyLimit is returned when intake is at capacity. No session is
// created; the caller hears the busy message.
var ErrConcurrencyLimit = errors.New("session: concurrency limit reached")

// ErrSessionEnded is returned for turns arriving after the session is gone.
var ErrSessionEnded = errors.New("session: session has ended")

// MachineFactory builds the dialogue machine for a newly admitted session.
type MachineFactory func(sessionID, patientID string) *dialogue.Machine

// Escalator hands an escalated session's partial intent to staff.
type Escalator interface {
	Raise(ctx context.Context, sessionID, callerPhone, reason string, appt intent.Appointment) error
}

// Observer receives session lifecycle signals for metrics.
type Observer interface {
	SessionStarted()
	SessionEnded(finalState string)
	SessionRejected()
}

type noopObserver struct{}

func (noopObserver) SessionStarted()     {}
func (noopObserver) SessionEnded(string) {}
func (noopObserver) SessionRejected()    {}

type turnMsg struct {
	turn  intent.Turn
	reply chan dialogue.Result
}

// Session is a handle to one live call. Turns are serialized through the
// session's goroutine; callers never touch the machine directly.
type Session struct {
	ID        string
	PatientID string

	callerPhone string

	machine   *dialogue.Machine
	turns     chan turnMsg
	done      chan struct{}
	cancel    context.CancelFunc
	startedAt time.Time

	mu         sync.Mutex
	finalState dialogue.State
	endReason  string
}

// HandleTurn delivers one caller utterance and waits for the spoken reply.
func (s *Session) HandleTurn(ctx context.Context, turn intent.Turn) (dialogue.Result, error) {
	msg := turnMsg{turn: turn, reply: make(chan dialogue.Result, 1)}
	select {
	case s.turns <- msg:
	case <-s.done:
		return dialogue.Result{}, ErrSessionEnded
	case <-ctx.Done():
		return dialogue.Result{}, ctx.Err()
	}
	select {
	case res := <-msg.reply:
		return res, nil
	case <-s.done:
		return dialogue.Result{}, ErrSessionEnded
	case <-ctx.Done():
		return dialogue.Result{}, ctx.Err()
	}
}

// Cancel tears down this session only. Other sessions are untouched.
func (s *Session) Cancel() { s.cancel() }

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// FinalState reports the dialogue state the session ended in, once done.
func (s *Session) FinalState() (dialogue.State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalState, s.endReason
}

func (s *Session) setFinal(state dialogue.State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalState = state
	s.endReason = reason
}

// Manager owns the bounded session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	newMachine      MachineFactory
	maxSessions     int
	tickInterval    time.Duration
	maxCallDuration time.Duration

	holds       *scheduling.HoldRegistry
	auditSvc    *audit.Service
	transcripts *TranscriptStore
	escalator   Escalator
	observer    Observer
	logger      *logging.Logger
}

// NewManager creates a manager with the default cap of five live sessions.
func NewManager(factory MachineFactory, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:     make(map[string]*Session),
		rootCtx:      ctx,
		rootCancel:   cancel,
		newMachine:   factory,
		maxSessions:  5,
		tickInterval: time.Second,
		observer:     noopObserver{},
		logger:       logger,
	}
}

func (m *Manager) WithMaxSessions(n int) *Manager {
	if n > 0 {
		m.maxSessions = n
	}
	return m
}

func (m *Manager) WithTickInterval(d time.Duration) *Manager {
	if d > 0 {
		m.tickInterval = d
	}
	return m
}

// WithMaxDuration caps how long any one call may run end to end. Zero means
// no cap; silence handling alone bounds the call.
func (m *Manager) WithMaxDuration(d time.Duration) *Manager {
	if d > 0 {
		m.maxCallDuration = d
	}
	return m
}

func (m *Manager) WithHolds(h *scheduling.HoldRegistry) *Manager {
	m.holds = h
	return m
}

func (m *Manager) WithAudit(a *audit.Service) *Manager {
	m.auditSvc = a
	return m
}

func (m *Manager) WithTranscripts(t *TranscriptStore) *Manager {
	m.transcripts = t
	return m
}

func (m *Manager) WithEscalator(e Escalator) *Manager {
	m.escalator = e
	return m
}

func (m *Manager) WithObserver(o Observer) *Manager {
	if o != nil {
		m.observer = o
	}
	return m
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Start admits a call. Over the cap it returns ErrConcurrencyLimit without
// creating anything; otherwise it returns the session and the greeting to
// speak.
func (m *Manager) Start(ctx context.Context, callerPhone, patientID string) (*Session, string, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.observer.SessionRejected()
		m.logger.Warn("session rejected at intake", "active", m.maxSessions)
		if m.auditSvc != nil {
			if err := m.auditSvc.LogSessionRejected(ctx, callerPhone, "concurrency_limit"); err != nil {
				m.logger.Error("audit write failed", "error", err)
			}
		}
		return nil, dialogue.BusyPrompt(), ErrConcurrencyLimit
	}

	sessionCtx, cancel := context.WithCancel(m.rootCtx)
	sessionID := uuid.NewString()
	sess := &Session{
		ID:          sessionID,
		PatientID:   patientID,
		callerPhone: callerPhone,
		machine:     m.newMachine(sessionID, patientID),
		turns:       make(chan turnMsg),
		done:        make(chan struct{}),
		cancel:      cancel,
		startedAt:   time.Now(),
	}
	m.sessions[sess.ID] = sess
	m.wg.Add(1)
	m.mu.Unlock()

	m.observer.SessionStarted()
	if m.auditSvc != nil {
		if err := m.auditSvc.LogSessionStarted(ctx, sess.ID, callerPhone); err != nil {
			m.logger.Error("audit write failed", "error", err)
		}
	}

	greeting := sess.machine.Start(sessionCtx)
	go m.run(sessionCtx, sess)

	m.logger.Info("session started", "session_id", sess.ID)
	return sess, greeting.Reply, nil
}

// Shutdown cancels every live session and waits for teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.rootCancel()
	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	defer m.teardown(sess)

	for {
		select {
		case <-ctx.Done():
			sess.setFinal(sess.machine.State(), "canceled")
			return
		case msg := <-sess.turns:
			res := sess.machine.HandleTurn(ctx, msg.turn)
			m.recordTurn(ctx, sess, msg.turn, res)
			msg.reply <- res
			if res.Done {
				m.finish(ctx, sess)
				return
			}
		case <-ticker.C:
			if sess.machine.CheckSilence(ctx) {
				m.finish(ctx, sess)
				return
			}
			if m.maxCallDuration > 0 && time.Since(sess.startedAt) > m.maxCallDuration {
				m.logger.Warn("call exceeded duration cap", "session_id", sess.ID)
				sess.machine.Expire(ctx)
				m.finish(ctx, sess)
				return
			}
		}
	}
}

func (m *Manager) recordTurn(ctx context.Context, sess *Session, turn intent.Turn, res dialogue.Result) {
	if m.transcripts == nil {
		return
	}
	entry := TranscriptEntry{
		At:         time.Now().UTC(),
		Transcript: turn.Transcript,
		Confidence: turn.Confidence,
		Reply:      res.Reply,
		State:      string(res.State),
	}
	if err := m.transcripts.Append(ctx, sess.ID, entry); err != nil {
		m.logger.Error("transcript write failed", "session_id", sess.ID, "error", err)
	}
}

// finish runs the terminal-state side effects while the session context is
// still live.
func (m *Manager) finish(ctx context.Context, sess *Session) {
	state := sess.machine.State()
	reason := sess.machine.EndReason()
	sess.setFinal(state, reason)

	if state != dialogue.StateEscalated {
		return
	}
	if m.transcripts != nil {
		if err := m.transcripts.SaveIntent(ctx, sess.ID, sess.machine.Appointment()); err != nil {
			m.logger.Error("intent snapshot failed", "session_id", sess.ID, "error", err)
		}
	}
	if m.escalator != nil {
		if err := m.escalator.Raise(ctx, sess.ID, sess.callerPhone, reason, sess.machine.Appointment()); err != nil {
			m.logger.Error("escalation handoff failed", "session_id", sess.ID, "error", err)
		}
	}
}

// teardown releases every resource the session touched. It runs on every
// exit path, cancellation included, and must not depend on the session
// context still being alive.
func (m *Manager) teardown(sess *Session) {
	if m.holds != nil {
		m.holds.ReleaseSession(sess.ID)
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	state, reason := sess.FinalState()
	if state == "" {
		state = sess.machine.State()
		reason = sess.machine.EndReason()
		sess.setFinal(state, reason)
	}

	if m.auditSvc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.auditSvc.LogSessionEnded(ctx, sess.ID, string(state), reason); err != nil {
			m.logger.Error("audit write failed", "error", err)
		}
	}

	m.observer.SessionEnded(string(state))
	m.logger.Info("session ended",
		"session_id", sess.ID,
		"final_state", string(state),
		"reason", reason,
	)

	close(sess.done)
	sess.cancel()
	m.wg.Done()
}
