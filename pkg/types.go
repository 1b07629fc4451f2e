package pkg

import "time"

// ConsultationStatus is the durable lifecycle flag stored on a consultation
// record.  Only report persistence moves a record to StatusComplete; every
// other write leaves the status untouched so a failed report can be retried.
type ConsultationStatus string

const (
	StatusPending  ConsultationStatus = "PENDING"
	StatusComplete ConsultationStatus = "COMPLETE"
)

// Consultation is the record owned by the persistence layer.  Conversation
// and Report hold encrypted blobs (see internal/encryption); an empty string means
// nothing has been stored yet.
type Consultation struct {
	ID           string             `json:"id"`
	CreatedBy    string             `json:"created_by"`
	Symptom      string             `json:"gejala"`
	Conversation string             `json:"-"`
	Report       string             `json:"-"`
	Status       ConsultationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ConsultationUpdate describes a partial write.  Nil fields are left as they
// are in the store.
type ConsultationUpdate struct {
	Conversation *string
	Report       *string
	Status       *ConsultationStatus
}

// Speaker describes who produced a transcript entry.
type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

// TranscriptEntry is one utterance of the voice call.  Entries are kept in
// the order the voice provider delivered them; Timestamp is informational
// only and is never used for ordering.
type TranscriptEntry struct {
	Speaker   Speaker `json:"role"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
}

// Recommendation is the advice block of a report.
type Recommendation struct {
	Immediate       string `json:"tindakan_segera"`
	HomeCare        string `json:"perawatan_rumah"`
	WhenToSeeDoctor string `json:"kapan_ke_dokter"`
	Specialist      string `json:"spesialis_yang_disarankan"`
}

// Report is the structured consultation report generated from a transcript.
// SymptomSummary, ChiefComplaint, Severity, Recommendation and Urgency are
// always populated once the extractor has run.
type Report struct {
	SymptomSummary     string          `json:"ringkasan_gejala"`
	ChiefComplaint     string          `json:"keluhan_utama"`
	AdditionalSymptoms []string        `json:"gejala_tambahan"`
	Duration           string          `json:"durasi_gejala,omitempty"`
	Severity           string          `json:"tingkat_keparahan"`
	Triggers           string          `json:"faktor_pemicu,omitempty"`
	PriorTreatment     string          `json:"riwayat_pengobatan,omitempty"`
	Recommendation     Recommendation  `json:"rekomendasi"`
	Notes              string          `json:"catatan_penting,omitempty"`
	Urgency            string          `json:"tingkat_urgensi"`
	Metadata           *ReportMetadata `json:"metadata,omitempty"`
}

// ReportMetadata is attached to a report when it is persisted.
type ReportMetadata struct {
	GeneratedAt        time.Time `json:"generated_at"`
	ConsultationID     string    `json:"consultation_id"`
	ConversationLength int       `json:"conversation_length"`
	DurationMinutes    int       `json:"duration_minutes"`
	AIModel            string    `json:"ai_model"`
	GeneratedBy        string    `json:"generated_by"`
}

// Phase is the lifecycle phase of one live consultation session.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseRequestingPermission Phase = "requesting_permission"
	PhaseCreatingAgent        Phase = "creating_agent"
	PhaseConnecting           Phase = "connecting"
	PhaseActive               Phase = "active"
	PhaseSaving               Phase = "saving"
	PhaseReportGenerating     Phase = "report_generating"
	PhaseComplete             Phase = "complete"
	PhaseError                Phase = "error"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// SessionSnapshot is a point-in-time copy of a session's observable state.
type SessionSnapshot struct {
	SessionID      string            `json:"session_id"`
	ConsultationID string            `json:"consultation_id"`
	Phase          Phase             `json:"phase"`
	Status         string            `json:"status"`
	Muted          bool              `json:"muted"`
	Transcript     []TranscriptEntry `json:"transcript"`
	ReportFailed   bool              `json:"report_failed,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// CallEventType enumerates the signals a voice provider emits.
type CallEventType string

const (
	CallStarted    CallEventType = "call-start"
	CallEnded      CallEventType = "call-end"
	CallTranscript CallEventType = "transcript"
	CallError      CallEventType = "error"
)

// CallEvent is a single message from a live call.  Speaker and Text are set
// for CallTranscript, Message for CallError.
type CallEvent struct {
	Type    CallEventType `json:"type"`
	Speaker Speaker       `json:"role,omitempty"`
	Text    string        `json:"text,omitempty"`
	Message string        `json:"message,omitempty"`
}

// AgentSpec is the short-lived configuration used to provision a voice agent
// for one consultation.  It scopes the assistant to the reported symptom and
// bounds the length of every turn and of the call as a whole.
type AgentSpec struct {
	Name                  string   `json:"name"`
	SystemPrompt          string   `json:"system_prompt"`
	FirstMessage          string   `json:"first_message"`
	EndCallMessage        string   `json:"end_call_message"`
	Model                 string   `json:"model"`
	MaxTokens             int      `json:"max_tokens"`
	Temperature           float32  `json:"temperature"`
	Language              string   `json:"language"`
	SilenceTimeoutSeconds int      `json:"silence_timeout_seconds"`
	MaxDurationSeconds    int      `json:"max_duration_seconds"`
	Functions             []string `json:"functions,omitempty"`
}
