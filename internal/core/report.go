package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"meditalk/internal/llm"
	"meditalk/pkg"
)

// ReportConfig controls the completion call and the metadata stamped on
// every report.
type ReportConfig struct {
	Model          string
	GeneratedBy    string
	MaxTokens      int
	Temperature    float32
	Timeout        time.Duration
	PersistTimeout time.Duration
}

func (c ReportConfig) withDefaults() ReportConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2000
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.3
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.GeneratedBy == "" {
		c.GeneratedBy = "Groq AI"
	}
	return c
}

// ReportService turns a transcript into an encrypted, persisted report.  The
// model output is never trusted: it goes through the Extractor, so the only
// failures Generate reports are an unreachable provider, an encryption
// failure or a rejected write.
type ReportService struct {
	LLM       llm.Client
	Store     ConsultationStore
	Sealer    Sealer
	Notifier  Notifier
	Extractor *Extractor

	cfg    ReportConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewReportService constructs a report service.  notifier may be nil.
func NewReportService(client llm.Client, store ConsultationStore, sealer Sealer, notifier Notifier, cfg ReportConfig, logger *slog.Logger) *ReportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportService{
		LLM:       client,
		Store:     store,
		Sealer:    sealer,
		Notifier:  notifier,
		Extractor: NewExtractor(logger),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// BuildReportPrompt composes the user prompt from the reported symptom and
// the transcript in delivery order.
func BuildReportPrompt(symptom string, transcript []pkg.TranscriptEntry) string {
	var b strings.Builder
	b.WriteString(ReportInstruction)
	b.WriteString("\n\nGejala awal yang dilaporkan: ")
	b.WriteString(strings.TrimSpace(symptom))
	b.WriteString("\n\nPercakapan konsultasi:\n")
	for i, entry := range transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		label := AssistantLabel
		if entry.Speaker == pkg.SpeakerUser {
			label = PatientLabel
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(entry.Content)
	}
	b.WriteString("\n\nBuatlah laporan medis dalam format JSON sesuai instruksi.")
	return b.String()
}

// Generate asks the model for a report, extracts it, stamps metadata,
// encrypts it and stores it with the consultation marked complete.
func (s *ReportService) Generate(ctx context.Context, consultation *pkg.Consultation, transcript []pkg.TranscriptEntry) (*pkg.Report, error) {
	if len(transcript) == 0 {
		return nil, ErrNoTranscript
	}
	logger := s.logger.With(slog.String("consultation_id", consultation.ID))

	completionCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	text, err := s.LLM.Complete(completionCtx, llm.Request{
		SystemPrompt: ReportSystemPrompt,
		UserPrompt:   BuildReportPrompt(consultation.Symptom, transcript),
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
	})
	cancel()
	if err != nil {
		logger.Error("report completion failed", slog.String("error", err.Error()))
		return nil, &ProviderError{Op: "completion", Err: err}
	}

	extraction := s.Extractor.Extract(text)
	if extraction.Degraded() {
		logger.Warn("report degraded",
			slog.String("source", extraction.Source),
			slog.Any("defaulted", extraction.Defaulted))
	}
	report := extraction.Report
	report.Metadata = &pkg.ReportMetadata{
		GeneratedAt:        s.now().UTC(),
		ConsultationID:     consultation.ID,
		ConversationLength: len(transcript),
		DurationMinutes:    durationMinutes(transcript),
		AIModel:            s.cfg.Model,
		GeneratedBy:        s.cfg.GeneratedBy,
	}

	blob, err := s.Sealer.Encrypt(report)
	if err != nil {
		logger.Error("report encryption failed", slog.String("error", err.Error()))
		return nil, err
	}

	status := pkg.StatusComplete
	if err := s.persist(ctx, consultation, pkg.ConsultationUpdate{Report: &blob, Status: &status}); err != nil {
		logger.Error("failed to save report", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, consultation.ID); err != nil {
			logger.Warn("report notification failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("report generated", slog.String("source", extraction.Source))
	return &report, nil
}

// Regenerate rebuilds the report of an owned consultation from its stored
// transcript.  It is the retry path for sessions whose report failed.
func (s *ReportService) Regenerate(ctx context.Context, consultationID, ownerID string) (*pkg.Report, error) {
	findCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	consultation, err := s.Store.FindOwned(findCtx, consultationID, ownerID)
	cancel()
	if err != nil {
		return nil, err
	}
	var transcript []pkg.TranscriptEntry
	if !s.Sealer.Decrypt(consultation.Conversation, &transcript) || len(transcript) == 0 {
		return nil, ErrNoTranscript
	}
	return s.Generate(ctx, consultation, transcript)
}

// persist re-checks ownership before writing.
func (s *ReportService) persist(ctx context.Context, consultation *pkg.Consultation, update pkg.ConsultationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if _, err := s.Store.FindOwned(ctx, consultation.ID, consultation.CreatedBy); err != nil {
		return err
	}
	return s.Store.Update(ctx, consultation.ID, update)
}

// durationMinutes is the rounded span between the first and last entry, or
// zero when either timestamp cannot be parsed.
func durationMinutes(transcript []pkg.TranscriptEntry) int {
	if len(transcript) == 0 {
		return 0
	}
	first, err := time.Parse(time.RFC3339Nano, transcript[0].Timestamp)
	if err != nil {
		return 0
	}
	last, err := time.Parse(time.RFC3339Nano, transcript[len(transcript)-1].Timestamp)
	if err != nil {
		return 0
	}
	minutes := int(math.Round(last.Sub(first).Minutes()))
	if minutes < 0 {
		return 0
	}
	return minutes
}
