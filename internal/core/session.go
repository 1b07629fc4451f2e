package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meditalk/pkg"
)

// SessionConfig bounds every suspension point of a session.
type SessionConfig struct {
	PermissionTimeout time.Duration
	AgentTimeout      time.Duration
	ConnectTimeout    time.Duration
	PersistTimeout    time.Duration
	ReportTimeout     time.Duration
	// FinishedRetention is how long a finished session, transcript
	// included, stays readable before the manager drops it.
	FinishedRetention time.Duration
	AgentModel        string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 30 * time.Second
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 20 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 90 * time.Second
	}
	if c.FinishedRetention <= 0 {
		c.FinishedRetention = 5 * time.Minute
	}
	return c
}

// SessionDeps are the collaborators shared by every session.
type SessionDeps struct {
	Store   ConsultationStore
	Sealer  Sealer
	Agents  AgentProvisioner
	Voice   VoiceProvider
	Reports ReportGenerator
	Logger  *slog.Logger
}

// SessionController drives one live consultation call from the patient's
// start action to a saved report or a terminal error.  A controller is used
// once: after Complete or Error a new one must be created.
//
// The phase doubles as the guard for the end-of-call routine: only the
// goroutine that moves the session out of PhaseActive runs it, so a provider
// hangup racing a user stop saves exactly once.
type SessionController struct {
	id             string
	consultationID string
	ownerID        string
	mic            Microphone
	deps           SessionDeps
	cfg            SessionConfig
	logger         *slog.Logger
	now            func() time.Time

	mu           sync.Mutex
	started      bool
	phase        pkg.Phase
	status       string
	muted        bool
	reportFailed bool
	transcript   []pkg.TranscriptEntry
	consultation *pkg.Consultation
	call         Call
	updatedAt    time.Time
	changed      chan struct{}
	done         chan struct{}
}

// NewSessionController constructs an idle session for a consultation owned
// by ownerID.  mic is asked for permission when the session starts.
func NewSessionController(consultationID, ownerID string, mic Microphone, deps SessionDeps, cfg SessionConfig) *SessionController {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &SessionController{
		id:             id,
		consultationID: consultationID,
		ownerID:        ownerID,
		mic:            mic,
		deps:           deps,
		cfg:            cfg.withDefaults(),
		logger:         logger.With(slog.String("consultation_id", consultationID), slog.String("session_id", id)),
		now:            time.Now,
		phase:          pkg.PhaseIdle,
		status:         StatusReady,
		updatedAt:      time.Now(),
		changed:        make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// ID returns the session instance id.
func (c *SessionController) ID() string { return c.id }

// OwnerID returns the identity the session was opened for.
func (c *SessionController) OwnerID() string { return c.ownerID }

// Start runs the session up to the Connecting phase and hands the call over
// to the event loop.  The returned error mirrors the terminal status when
// the session could not get that far.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.phase != pkg.PhaseIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	consultation, err := c.deps.Store.FindOwned(loadCtx, c.consultationID, c.ownerID)
	cancel()
	if err != nil {
		c.fail(err, fmt.Sprintf(StatusErrorFmt, err.Error()))
		return err
	}
	if strings.TrimSpace(consultation.Symptom) == "" {
		c.fail(ErrSymptomRequired, StatusSymptomRequired)
		return ErrSymptomRequired
	}
	c.mu.Lock()
	c.consultation = consultation
	c.mu.Unlock()

	if !c.advance(pkg.PhaseIdle, pkg.PhaseRequestingPermission, StatusRequestingMic) {
		return c.abortedErr()
	}
	permCtx, cancel := context.WithTimeout(ctx, c.cfg.PermissionTimeout)
	err = c.mic.RequestAccess(permCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMicrophoneDenied, err)
		c.fail(err, StatusMicrophoneDenied)
		return err
	}

	if !c.advance(pkg.PhaseRequestingPermission, pkg.PhaseCreatingAgent, StatusCreatingAgent) {
		return c.abortedErr()
	}
	agentCtx, cancel := context.WithTimeout(ctx, c.cfg.AgentTimeout)
	agentID, err := c.deps.Agents.CreateAgent(agentCtx, BuildAgentSpec(consultation.Symptom, c.cfg.AgentModel))
	cancel()
	if err == nil && strings.TrimSpace(agentID) == "" {
		err = errors.New("provider returned no agent id")
	}
	if err != nil {
		err = &ProviderError{Op: "agent", Err: err}
		c.fail(err, fmt.Sprintf(StatusErrorFmt, err.Error()))
		return err
	}

	if !c.advance(pkg.PhaseCreatingAgent, pkg.PhaseConnecting, StatusConnecting) {
		return c.abortedErr()
	}
	// connectCtx bounds the setup only; the call lives until it is stopped.
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	call, err := c.deps.Voice.Start(connectCtx, agentID)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, err)
			c.fail(err, StatusConnectTimeout)
			return err
		}
		err = &ProviderError{Op: "call", Err: err}
		c.fail(err, fmt.Sprintf(StatusErrorFmt, describeProviderError(err.Error())))
		return err
	}

	c.mu.Lock()
	if c.phase != pkg.PhaseConnecting {
		c.mu.Unlock()
		_ = call.Stop()
		return c.abortedErr()
	}
	c.call = call
	c.mu.Unlock()

	go c.run(call)
	return nil
}

// Stop is the patient's hang-up.  During an active call it converges on the
// same end-of-call routine as a provider hangup and returns once the session
// is terminal.  Before the call is active it stops the call and ends the
// session in Error.  Stopping a finished session is a no-op.
func (c *SessionController) Stop() error {
	c.mu.Lock()
	phase, call := c.phase, c.call
	c.mu.Unlock()

	switch {
	case phase == pkg.PhaseActive:
		if call != nil {
			if err := call.Stop(); err != nil {
				c.logger.Warn("failed to stop call", slog.String("error", err.Error()))
			}
		}
		c.endCall()
		<-c.done
	case phase == pkg.PhaseSaving || phase == pkg.PhaseReportGenerating:
		<-c.done
	case phase.Terminal():
	default:
		c.fail(ErrStoppedEarly, StatusStoppedEarly)
	}
	return nil
}

// SetMuted mutes or unmutes the patient's microphone on the live call.
// Incoming assistant speech keeps being recorded either way.
func (c *SessionController) SetMuted(muted bool) error {
	c.mu.Lock()
	phase, call := c.phase, c.call
	c.mu.Unlock()
	if phase != pkg.PhaseActive || call == nil {
		return ErrNotActive
	}
	if err := call.SetMuted(muted); err != nil {
		return &ProviderError{Op: "call", Err: err}
	}
	c.mu.Lock()
	c.muted = muted
	c.touch()
	c.mu.Unlock()
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (c *SessionController) ToggleMute() (bool, error) {
	c.mu.Lock()
	next := !c.muted
	c.mu.Unlock()
	if err := c.SetMuted(next); err != nil {
		return false, err
	}
	return next, nil
}

// Snapshot returns a copy of the observable session state.
func (c *SessionController) Snapshot() pkg.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	transcript := make([]pkg.TranscriptEntry, len(c.transcript))
	copy(transcript, c.transcript)
	return pkg.SessionSnapshot{
		SessionID:      c.id,
		ConsultationID: c.consultationID,
		Phase:          c.phase,
		Status:         c.status,
		Muted:          c.muted,
		Transcript:     transcript,
		ReportFailed:   c.reportFailed,
		UpdatedAt:      c.updatedAt,
	}
}

// Changed returns a channel that is closed on the next state change.
func (c *SessionController) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Done is closed once the session reaches Complete or Error.
func (c *SessionController) Done() <-chan struct{} { return c.done }

// run consumes call events until the call is over.  Events are handled one
// at a time in delivery order.
func (c *SessionController) run(call Call) {
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	events := call.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.endOrFail(errors.New("call closed before it connected"))
				return
			}
			switch ev.Type {
			case pkg.CallStarted:
				timer.Stop()
				c.advance(pkg.PhaseConnecting, pkg.PhaseActive, StatusActive)
			case pkg.CallTranscript:
				c.appendTranscript(ev)
			case pkg.CallEnded:
				c.endOrFail(errors.New("call ended before it connected"))
				return
			case pkg.CallError:
				c.logger.Warn("voice provider error", slog.String("message", ev.Message))
				c.endOrFail(&ProviderError{Op: "call", Err: errors.New(ev.Message)})
				return
			}
		case <-timer.C:
			c.mu.Lock()
			connecting := c.phase == pkg.PhaseConnecting
			c.mu.Unlock()
			if connecting {
				_ = call.Stop()
				c.fail(ErrConnectTimeout, StatusConnectTimeout)
				return
			}
		case <-c.done:
			return
		}
	}
}

// endOrFail ends an active call normally; a call that never became active
// fails with cause instead.
func (c *SessionController) endOrFail(cause error) {
	if c.endCall() {
		return
	}
	c.mu.Lock()
	connecting := c.phase == pkg.PhaseConnecting
	c.mu.Unlock()
	if connecting {
		c.fail(cause, fmt.Sprintf(StatusErrorFmt, describeProviderError(cause.Error())))
	}
}

// appendTranscript records a final utterance as delivered.  Partial
// results never reach the controller; the voice adapter drops them.
func (c *SessionController) appendTranscript(ev pkg.CallEvent) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	speaker := pkg.SpeakerUser
	if ev.Speaker == pkg.SpeakerAssistant {
		speaker = pkg.SpeakerAssistant
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != pkg.PhaseActive {
		c.logger.Debug("dropping transcript outside active call", slog.String("phase", string(c.phase)))
		return
	}
	c.transcript = append(c.transcript, pkg.TranscriptEntry{
		Speaker:   speaker,
		Content:   ev.Text,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	})
	c.touch()
}

// endCall is the single exit routine of an active call.  It reports whether
// this caller won the transition out of PhaseActive; losers return at once.
// Once started it runs to completion on its own context.
func (c *SessionController) endCall() bool {
	c.mu.Lock()
	if c.phase != pkg.PhaseActive {
		c.mu.Unlock()
		return false
	}
	transcript := make([]pkg.TranscriptEntry, len(c.transcript))
	copy(transcript, c.transcript)
	consultation := c.consultation
	c.setPhase(pkg.PhaseSaving, StatusSaving)
	c.mu.Unlock()

	if len(transcript) == 0 {
		c.complete(StatusNothingToSave, false)
		return true
	}

	ctx := context.Background()
	if err := c.saveTranscript(ctx, consultation, transcript); err != nil {
		c.logger.Error("failed to save conversation", slog.String("error", err.Error()))
		c.fail(err, fmt.Sprintf(StatusSaveFailedFmt, err.Error()))
		return true
	}

	if !c.advance(pkg.PhaseSaving, pkg.PhaseReportGenerating, StatusGeneratingReport) {
		return true
	}
	reportCtx, cancel := context.WithTimeout(ctx, c.cfg.ReportTimeout)
	_, err := c.deps.Reports.Generate(reportCtx, consultation, transcript)
	cancel()
	if err != nil {
		c.complete(fmt.Sprintf(StatusReportFailedFmt, err.Error()), true)
		return true
	}
	c.complete(StatusComplete, false)
	return true
}

func (c *SessionController) saveTranscript(ctx context.Context, consultation *pkg.Consultation, transcript []pkg.TranscriptEntry) error {
	blob, err := c.deps.Sealer.Encrypt(transcript)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()
	if _, err := c.deps.Store.FindOwned(ctx, consultation.ID, consultation.CreatedBy); err != nil {
		return err
	}
	return c.deps.Store.Update(ctx, consultation.ID, pkg.ConsultationUpdate{Conversation: &blob})
}

// advance moves from one phase to the next and reports false when the
// session has meanwhile left from (a stop or an error won the race).
func (c *SessionController) advance(from, to pkg.Phase, status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != from {
		return false
	}
	c.setPhase(to, status)
	return true
}

func (c *SessionController) complete(status string, reportFailed bool) {
	c.finish(pkg.PhaseComplete, status, nil, reportFailed)
}

func (c *SessionController) fail(cause error, status string) {
	c.finish(pkg.PhaseError, status, cause, false)
}

func (c *SessionController) finish(phase pkg.Phase, status string, cause error, reportFailed bool) {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()
		return
	}
	call := c.call
	c.reportFailed = reportFailed
	c.setPhase(phase, status)
	close(c.done)
	c.mu.Unlock()

	if cause != nil {
		c.logger.Warn("session failed", slog.String("error", cause.Error()))
	}
	if call != nil {
		_ = call.Stop()
	}
}

// abortedErr explains why Start gave up after a concurrent transition.
func (c *SessionController) abortedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Errorf("session %s: %s", c.phase, c.status)
}

// setPhase must be called with mu held.
func (c *SessionController) setPhase(phase pkg.Phase, status string) {
	c.phase = phase
	c.status = status
	c.touch()
	c.logger.Info("session phase changed", slog.String("phase", string(phase)), slog.String("status", status))
}

// touch must be called with mu held.
func (c *SessionController) touch() {
	c.updatedAt = c.now()
	close(c.changed)
	c.changed = make(chan struct{})
}

// describeProviderError maps raw voice provider messages to something the
// patient can act on.
func describeProviderError(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout"):
		return StatusConnectTimeout
	case strings.Contains(lower, "permission") || strings.Contains(lower, "notallowederror"):
		return StatusProviderMicDenied
	case strings.Contains(lower, "network"):
		return StatusProviderNetwork
	default:
		return message
	}
}
