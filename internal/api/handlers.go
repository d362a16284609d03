package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pixelbrain/internal/monitor"
	"github.com/mattjoyce/pixelbrain/internal/session"
	"github.com/mattjoyce/pixelbrain/internal/store"
	"github.com/mattjoyce/pixelbrain/internal/view"
)

// SubmitRequest is the JSON body for POST /v1/chat.
type SubmitRequest struct {
	Prompt string `json:"prompt"`
}

// SubmitResponse is returned when a generation is accepted.
type SubmitResponse struct {
	SessionID string        `json:"session_id"`
	Phase     session.Phase `json:"phase"`
	Model     string        `json:"model"`
}

// CancelResponse is returned by POST /v1/chat/cancel.
type CancelResponse struct {
	Cancelled bool          `json:"cancelled"`
	Phase     session.Phase `json:"phase"`
}

// ChatResponse is returned by GET /v1/chat.
type ChatResponse struct {
	View    view.State       `json:"view"`
	Session *session.Session `json:"session,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleGetChat handles GET /v1/chat.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	snap := s.chat.Snapshot()
	respondJSON(w, http.StatusOK, ChatResponse{
		View:    view.Project(snap, s.config.StoppedMarker),
		Session: snap.Session,
	})
}

// handleSubmit handles POST /v1/chat.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.chat.Submit(req.Prompt)
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	case errors.Is(err, session.ErrSessionActive):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to submit prompt", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		SessionID: sess.ID,
		Phase:     sess.Phase,
		Model:     sess.Request.Model,
	})
}

// handleCancel handles POST /v1/chat/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.chat.Cancel()
	respondJSON(w, http.StatusOK, CancelResponse{
		Cancelled: cancelled,
		Phase:     s.chat.Snapshot().Phase(),
	})
}

// handleConnectivity handles GET /v1/connectivity.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.conn.State())
}

// handleChatEvents handles GET /v1/chat/events. It streams a "state" event
// for every published snapshot and a "connectivity" event after every probe.
func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.chat.Subscribe()
	defer sub.Close()

	var connCh <-chan monitor.ConnectivityState
	if s.conn != nil {
		ch, unsubscribe := s.conn.Subscribe()
		defer unsubscribe()
		connCh = ch
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.conn != nil {
		if err := writeEvent(w, "connectivity", s.conn.State()); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.StreamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, "state", view.Project(snap, s.config.StoppedMarker)); err != nil {
				return
			}
		case st, ok := <-connCh:
			if !ok {
				connCh = nil
				continue
			}
			if err := writeEvent(w, "connectivity", st); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// handleListGenerations handles GET /v1/generations.
func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	gens, err := s.generations.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list generations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	respondJSON(w, http.StatusOK, gens)
}

// handleGetGeneration handles GET /v1/generations/{generation_id}.
func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "generation_id")

	gen, err := s.generations.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get generation", "generation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get generation")
		return
	}
	respondJSON(w, http.StatusOK, gen)
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
