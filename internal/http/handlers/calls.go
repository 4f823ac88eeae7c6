// Package handlers exposes the call intake and turn webhook that the
// telephony adapter posts to, plus health and escalation endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nightdesk/nightdesk/internal/dialogue"
	"github.com/nightdesk/nightdesk/internal/intent"
	"github.com/nightdesk/nightdesk/internal/session"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// CallsHandler serves the telephony adapter. The adapter owns audio; this
// API only ever sees transcripts and speaks back reply text.
type CallsHandler struct {
	manager     *session.Manager
	extractor   intent.Extractor
	transcripts *session.TranscriptStore
	logger      *logging.Logger
}

// NewCallsHandler creates the call API handler. The transcript store may be
// nil when redis is not configured.
func NewCallsHandler(manager *session.Manager, extractor intent.Extractor, transcripts *session.TranscriptStore, logger *logging.Logger) *CallsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CallsHandler{
		manager:     manager,
		extractor:   extractor,
		transcripts: transcripts,
		logger:      logger,
	}
}

type startCallRequest struct {
	CallerPhone string `json:"caller_phone"`
	PatientID   string `json:"patient_id"`
}

type callReply struct {
	SessionID          string `json:"session_id,omitempty"`
	State              string `json:"state,omitempty"`
	Reply              string `json:"reply"`
	Done               bool   `json:"done,omitempty"`
	ConfirmationNumber string `json:"confirmation_number,omitempty"`
}

// StartCall admits a new call. At capacity it answers 503 with the busy
// message so the adapter can still speak it.
func (h *CallsHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallerPhone == "" {
		http.Error(w, "caller_phone is required", http.StatusBadRequest)
		return
	}

	sess, reply, err := h.manager.Start(r.Context(), req.CallerPhone, req.PatientID)
	if err != nil {
		if errors.Is(err, session.ErrConcurrencyLimit) {
			writeJSON(w, http.StatusServiceUnavailable, callReply{Reply: reply})
			return
		}
		h.logger.Error("call intake failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, callReply{
		SessionID: sess.ID,
		State:     string(dialogue.StateCollectingInfo),
		Reply:     reply,
	})
}

type turnRequest struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// HandleTurn feeds one transcribed utterance to the session and returns the
// reply to speak. An extractor failure is treated as an unintelligible turn
// rather than an API error: the caller hears a re-prompt.
func (h *CallsHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := h.manager.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	turn, err := h.extractor.Extract(r.Context(), req.Transcript, req.Confidence)
	if err != nil {
		h.logger.Warn("intent extraction failed", "session_id", sessionID, "error", err)
		turn = intent.Turn{Transcript: req.Transcript, Confidence: 0}
	}

	res, err := sess.HandleTurn(r.Context(), turn)
	if err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			http.Error(w, "session has ended", http.StatusGone)
			return
		}
		h.logger.Error("turn handling failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	reply := callReply{
		SessionID: sessionID,
		State:     string(res.State),
		Reply:     res.Reply,
		Done:      res.Done,
	}
	if res.Confirmation != nil {
		reply.ConfirmationNumber = res.Confirmation.ConfirmationNumber
	}
	writeJSON(w, http.StatusOK, reply)
}

// EndCall cancels a live session, e.g. when the caller hangs up.
func (h *CallsHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := h.manager.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// GetTranscript returns the stored transcript for staff follow-up.
func (h *CallsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	if h.transcripts == nil {
		http.Error(w, "transcript store not configured", http.StatusNotImplemented)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	history, err := h.transcripts.History(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("transcript load failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"entries":    history,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
