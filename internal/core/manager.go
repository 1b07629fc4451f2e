package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionManager owns the live sessions of the server, at most one running
// session per consultation.  Finished sessions stay readable for
// SessionConfig.FinishedRetention and are then dropped; the stored
// encrypted record is the durable copy.
type SessionManager struct {
	deps SessionDeps
	cfg  SessionConfig

	mu       sync.Mutex
	sessions map[string]*SessionController
}

func NewSessionManager(deps SessionDeps, cfg SessionConfig) *SessionManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &SessionManager{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*SessionController),
	}
}

// Start opens a new session for the consultation and runs it up to the
// Connecting phase.  Ownership is checked first, so a stranger can neither
// see that a session is running nor replace a finished one.  A finished
// session of the owner is replaced; a running one yields ErrSessionActive.
// Once registered, the session is returned even when Start fails so callers
// can show its terminal status.
func (m *SessionManager) Start(ctx context.Context, consultationID, ownerID string, mic Microphone) (*SessionController, error) {
	findCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	_, err := m.deps.Store.FindOwned(findCtx, consultationID, ownerID)
	cancel()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[consultationID]; ok && !existing.Snapshot().Phase.Terminal() {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	session := NewSessionController(consultationID, ownerID, mic, m.deps, m.cfg)
	m.sessions[consultationID] = session
	m.mu.Unlock()

	go m.evictWhenDone(consultationID, session)
	return session, session.Start(ctx)
}

// Get returns the current session of a consultation owned by ownerID.
func (m *SessionManager) Get(consultationID, ownerID string) (*SessionController, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[consultationID]
	if !ok || session.OwnerID() != ownerID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// evictWhenDone drops session once it has been finished for the retention
// period, unless a newer session has replaced it.
func (m *SessionManager) evictWhenDone(consultationID string, session *SessionController) {
	<-session.Done()
	time.AfterFunc(m.cfg.FinishedRetention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[consultationID] == session {
			delete(m.sessions, consultationID)
		}
	})
}

// StopAll hangs up every running session.  Used on shutdown.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	sessions := make([]*SessionController, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Stop()
	}
}
