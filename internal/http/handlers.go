package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meditalk/internal/core"
	"meditalk/internal/db"
	"meditalk/pkg"
)

// OwnerHeader carries the identity of the signed-in patient.  Authentication
// happens upstream of this server.
const OwnerHeader = "X-User-ID"

// Consultations is the subset of the repository the handlers use.
type Consultations interface {
	Create(ctx context.Context, ownerID, symptom string) (*pkg.Consultation, error)
	FindOwned(ctx context.Context, id, ownerID string) (*pkg.Consultation, error)
	ListOwned(ctx context.Context, ownerID string) ([]pkg.Consultation, error)
}

// Regenerator rebuilds the report of a stored consultation.
type Regenerator interface {
	Regenerate(ctx context.Context, consultationID, ownerID string) (*pkg.Report, error)
}

// Listener yields consultation ids as their reports are stored.
type Listener interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.ListenAndServe.
type Server struct {
	Repo     Consultations
	Sessions *core.SessionManager
	Reports  Regenerator
	Sealer   core.Sealer
	Updates  Listener

	router *chi.Mux
	logger *slog.Logger
}

// NewServer constructs a Server and its routes.  updates may be nil, in
// which case the report stream is not served.
func NewServer(repo Consultations, sessions *core.SessionManager, reports Regenerator, sealer core.Sealer, updates Listener, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Repo:     repo,
		Sessions: sessions,
		Reports:  reports,
		Sealer:   sealer,
		Updates:  updates,
		router:   chi.NewRouter(),
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)
		r.Post("/consultations", s.handleCreateConsultation)
		r.Get("/consultations", s.handleListConsultations)
		r.Get("/reports/events", s.handleReportEvents)
		r.Route("/consultations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConsultation)
			r.Post("/report", s.handleRegenerateReport)
			r.Post("/call", s.handleStartCall)
			r.Get("/call", s.handleCallStatus)
			r.Delete("/call", s.handleStopCall)
			r.Post("/call/mute", s.handleMute)
			r.Get("/call/events", s.handleCallEvents)
		})
	})
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type createConsultationRequest struct {
	Symptom string `json:"gejala"`
}

// handleCreateConsultation stores a new pending consultation for the
// reported symptom.
func (s *Server) handleCreateConsultation(w http.ResponseWriter, r *http.Request) {
	var req createConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	symptom := strings.TrimSpace(req.Symptom)
	if symptom == "" {
		writeError(w, http.StatusUnprocessableEntity, core.StatusSymptomRequired)
		return
	}
	consultation, err := s.Repo.Create(r.Context(), ownerFrom(r), symptom)
	if err != nil {
		s.logger.Error("failed to create consultation", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create consultation")
		return
	}
	writeJSON(w, http.StatusCreated, consultation)
}

func (s *Server) handleListConsultations(w http.ResponseWriter, r *http.Request) {
	list, err := s.Repo.ListOwned(r.Context(), ownerFrom(r))
	if err != nil {
		s.logger.Error("failed to list consultations", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list consultations")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type consultationDetail struct {
	pkg.Consultation
	Conversation []pkg.TranscriptEntry `json:"conversation"`
	Report       *pkg.Report           `json:"report"`
}

// handleGetConsultation returns the record with its transcript and report
// decrypted.  Blobs that cannot be decrypted are returned as null.
func (s *Server) handleGetConsultation(w http.ResponseWriter, r *http.Request) {
	consultation, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	detail := consultationDetail{Consultation: *consultation}
	var transcript []pkg.TranscriptEntry
	if s.Sealer.Decrypt(consultation.Conversation, &transcript) {
		detail.Conversation = transcript
	}
	var report pkg.Report
	if s.Sealer.Decrypt(consultation.Report, &report) {
		detail.Report = &report
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRegenerateReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.Reports.Regenerate(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type startCallRequest struct {
	MicrophoneGranted bool `json:"microphone_granted"`
}

// requestMicrophone reports the permission answer the patient's device gave.
type requestMicrophone bool

func (m requestMicrophone) RequestAccess(context.Context) error {
	if !m {
		return errors.New("NotAllowedError: permission denied")
	}
	return nil
}

// handleStartCall runs a new session up to the point where the call is
// connecting and returns its snapshot.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	session, err := s.Sessions.Start(r.Context(), chi.URLParam(r, "id"), ownerFrom(r), requestMicrophone(req.MicrophoneGranted))
	if err != nil {
		if session == nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, statusFor(err), session.Snapshot())
		return
	}
	writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleStopCall hangs up.  For an active call it returns once the
// transcript and report have been handled.
func (s *Server) handleStopCall(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := session.Stop(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// handleMute sets the mute flag, or toggles it when the body names none.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req muteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	var err error
	if req.Muted != nil {
		err = session.SetMuted(*req.Muted)
	} else {
		_, err = session.ToggleMute()
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*core.SessionController, bool) {
	session, err := s.Sessions.Get(chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return nil, false
	}
	return session, true
}

func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request) (*pkg.Consultation, bool) {
	consultation, err := s.Repo.FindOwned(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return nil, false
	}
	return consultation, true
}

func statusFor(err error) int {
	var perr *core.ProviderError
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSessionActive), errors.Is(err, core.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, core.ErrSymptomRequired), errors.Is(err, core.ErrNoTranscript):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrMicrophoneDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, core.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
