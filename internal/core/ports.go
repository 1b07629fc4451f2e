package core

import (
	"context"
	"errors"
	"fmt"

	"meditalk/pkg"
)

var (
	ErrSymptomRequired  = errors.New("symptom description is required")
	ErrMicrophoneDenied = errors.New("microphone access denied")
	ErrSessionActive    = errors.New("a session is already running for this consultation")
	ErrSessionNotFound  = errors.New("no session for this consultation")
	ErrAlreadyStarted   = errors.New("session has already been started")
	ErrNotActive        = errors.New("call is not active")
	ErrStoppedEarly     = errors.New("call stopped before it connected")
	ErrConnectTimeout   = errors.New("timed out waiting for the call to connect")
	ErrNoTranscript     = errors.New("no conversation found to generate report")
)

// ProviderError wraps a failure of an external provider.  Op names the call
// that failed: "agent", "call" or "completion".
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ConsultationStore is the persistence collaborator.  FindOwned returns an
// error wrapping a not-found sentinel when the record is missing or belongs
// to someone else; it must be called before every Update.
type ConsultationStore interface {
	FindOwned(ctx context.Context, id, ownerID string) (*pkg.Consultation, error)
	Update(ctx context.Context, id string, update pkg.ConsultationUpdate) error
}

// Sealer encrypts values for storage.  Decrypt reports false for anything it
// cannot authenticate or decode.
type Sealer interface {
	Encrypt(v any) (string, error)
	Decrypt(blob string, out any) bool
}

// Notifier announces that a consultation has a finished report.
type Notifier interface {
	Notify(ctx context.Context, consultationID string) error
}

// Microphone asks the patient's device for audio capture permission.  A nil
// error means access was granted.
type Microphone interface {
	RequestAccess(ctx context.Context) error
}

// AgentProvisioner creates the short-lived voice agent for one call and
// returns its provider id.
type AgentProvisioner interface {
	CreateAgent(ctx context.Context, spec pkg.AgentSpec) (string, error)
}

// VoiceProvider starts calls against a provisioned agent.
type VoiceProvider interface {
	Start(ctx context.Context, agentID string) (Call, error)
}

// Call is a live voice call.  Events are delivered in provider order on a
// single channel which is closed when the call is over.
type Call interface {
	Events() <-chan pkg.CallEvent
	SetMuted(muted bool) error
	Stop() error
}

// ReportGenerator turns a saved transcript into a persisted report.
type ReportGenerator interface {
	Generate(ctx context.Context, consultation *pkg.Consultation, transcript []pkg.TranscriptEntry) (*pkg.Report, error)
}
