package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"meditalk/internal/db"
)

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeEvent writes one named SSE event with a JSON payload.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleCallEvents streams session snapshots, one per state change, and
// ends after the terminal snapshot.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	flusher, ok := startStream(w)
	if !ok {
		return
	}
	ctx := r.Context()
	for {
		// Take the channel before the snapshot so no change is missed.
		changed := session.Changed()
		snap := session.Snapshot()
		if err := writeEvent(w, flusher, "session", snap); err != nil {
			s.logger.Debug("session stream closed", slog.String("error", err.Error()))
			return
		}
		if snap.Phase.Terminal() {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

type reportEvent struct {
	Type           string `json:"type"`
	ConsultationID string `json:"consultation_id"`
	Status         string `json:"status"`
}

// handleReportEvents streams a report_ready event whenever a report of one
// of the caller's consultations is stored, on this or any other instance.
func (s *Server) handleReportEvents(w http.ResponseWriter, r *http.Request) {
	if s.Updates == nil {
		writeError(w, http.StatusNotFound, "report stream not available")
		return
	}
	ctx := r.Context()
	ids, err := s.Updates.Listen(ctx)
	if err != nil {
		s.logger.Error("failed to listen for reports", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "report stream not available")
		return
	}
	flusher, ok := startStream(w)
	if !ok {
		return
	}
	owner := ownerFrom(r)
	for id := range ids {
		consultation, err := s.Repo.FindOwned(ctx, id, owner)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				s.logger.Warn("failed to load notified consultation", slog.String("error", err.Error()))
			}
			continue
		}
		ev := reportEvent{Type: "report_ready", ConsultationID: consultation.ID, Status: string(consultation.Status)}
		if err := writeEvent(w, flusher, "report", ev); err != nil {
			return
		}
	}
}
