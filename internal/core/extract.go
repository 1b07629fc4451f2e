package core

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"meditalk/pkg"
)

// Field defaults used when the model omits a required field.  Severity and
// urgency default to the middle tier rather than the lowest so that a
// degraded report never tells the patient there is nothing to worry about.
const (
	DefaultFieldValue = "Tidak tersedia"
	DefaultTier       = "sedang"

	// FallbackPlaceholder fills every required text field when nothing
	// usable could be recovered from the model output.
	FallbackPlaceholder = "Data tidak mencukupi - konsultasikan dengan dokter"
	// FallbackNote is set on a fallback report.
	FallbackNote = "Laporan gagal dibuat otomatis. Segera konsultasi dokter untuk evaluasi lengkap."
	// UnknownValue fills optional descriptive fields on a fallback report.
	UnknownValue = "Tidak diketahui"
)

// Sources recorded on an Extraction.
const (
	SourceDirect   = "direct"
	SourceEmbedded = "embedded"
	SourceFallback = "fallback"
)

// DefaultRecommendation is substituted for a missing recommendation block.
var DefaultRecommendation = pkg.Recommendation{
	Immediate:       "Konsultasi dengan dokter",
	HomeCare:        "Istirahat yang cukup",
	WhenToSeeDoctor: "Jika gejala memburuk",
	Specialist:      "Dokter umum",
}

var fallbackRecommendation = pkg.Recommendation{
	Immediate:       "Konsultasi dengan dokter untuk evaluasi",
	HomeCare:        "Istirahat dan pantau gejala",
	WhenToSeeDoctor: "Segera untuk evaluasi lebih lanjut",
	Specialist:      "Dokter umum",
}

var (
	leadingFence  = regexp.MustCompile("^```[A-Za-z0-9_-]*\\s*")
	trailingFence = regexp.MustCompile("\\s*```$")
	embeddedJSON  = regexp.MustCompile(`(?s)\{.*\}`)
)

// Strategy turns cleaned model output into a candidate report.  It returns
// false when it cannot find a JSON object in text.
type Strategy struct {
	Name  string
	Parse func(text string) (*pkg.Report, bool)
}

// DefaultStrategies is the cascade used by NewExtractor: the whole text as
// JSON, then the widest {...} span inside it.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: SourceDirect, Parse: ParseDirect},
		{Name: SourceEmbedded, Parse: ParseEmbedded},
	}
}

// Extraction is the result of running the extractor.  Report is always fully
// populated.  Defaulted lists the JSON names of the required fields that had
// to be filled in.
type Extraction struct {
	Report    pkg.Report
	Source    string
	Defaulted []string
}

// Degraded reports whether any part of the report came from defaults.
func (e Extraction) Degraded() bool {
	return e.Source == SourceFallback || len(e.Defaulted) > 0
}

// Extractor recovers a ConsultationReport from untrusted model output.  It
// never fails: parse problems are logged and resolved to defaults.
type Extractor struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewExtractor constructs an extractor with the given strategies, or the
// default cascade when none are supplied.
func NewExtractor(logger *slog.Logger, strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{strategies: strategies, logger: logger}
}

// Extract runs the strategy cascade over raw and validates the outcome field
// by field.
func (x *Extractor) Extract(raw string) Extraction {
	cleaned := StripFences(raw)

	var (
		candidate *pkg.Report
		source    = SourceFallback
	)
	if cleaned != "" {
		for _, strategy := range x.strategies {
			report, ok := strategy.Parse(cleaned)
			if ok {
				candidate, source = report, strategy.Name
				break
			}
			x.logger.Debug("report strategy did not match", slog.String("strategy", strategy.Name))
		}
	}
	if candidate == nil {
		x.logger.Warn("model output unusable, using fallback report", slog.Int("length", len(raw)))
		return Extraction{Report: FallbackReport(), Source: SourceFallback}
	}

	defaulted := fillDefaults(candidate)
	for _, field := range defaulted {
		x.logger.Warn("missing required report field, setting default value", slog.String("field", field))
	}
	return Extraction{Report: *candidate, Source: source, Defaulted: defaulted}
}

// StripFences trims raw and removes a leading ``` (with optional language
// tag) and a trailing ```.
func StripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = leadingFence.ReplaceAllString(cleaned, "")
		cleaned = trailingFence.ReplaceAllString(cleaned, "")
	}
	return strings.TrimSpace(cleaned)
}

// ParseDirect treats the whole text as a JSON object.
func ParseDirect(text string) (*pkg.Report, bool) {
	return decodeReport(text)
}

// ParseEmbedded parses the span from the first '{' to the last '}'.
func ParseEmbedded(text string) (*pkg.Report, bool) {
	match := embeddedJSON.FindString(text)
	if match == "" {
		return nil, false
	}
	return decodeReport(match)
}

// FallbackReport is returned when no structured data could be recovered.
func FallbackReport() pkg.Report {
	return pkg.Report{
		SymptomSummary:     FallbackPlaceholder,
		ChiefComplaint:     FallbackPlaceholder,
		AdditionalSymptoms: []string{},
		Duration:           UnknownValue,
		Severity:           DefaultTier,
		Triggers:           UnknownValue,
		PriorTreatment:     UnknownValue,
		Recommendation:     fallbackRecommendation,
		Notes:              FallbackNote,
		Urgency:            DefaultTier,
	}
}

// decodeReport reads fields leniently: wrong JSON types are treated as
// absent rather than failing the whole object.
func decodeReport(text string) (*pkg.Report, bool) {
	if !gjson.Valid(text) {
		return nil, false
	}
	doc := gjson.Parse(text)
	if !doc.IsObject() {
		return nil, false
	}

	report := &pkg.Report{
		SymptomSummary:     scalar(doc.Get("ringkasan_gejala")),
		ChiefComplaint:     scalar(doc.Get("keluhan_utama")),
		AdditionalSymptoms: list(doc.Get("gejala_tambahan")),
		Duration:           scalar(doc.Get("durasi_gejala")),
		Severity:           scalar(doc.Get("tingkat_keparahan")),
		Triggers:           scalar(doc.Get("faktor_pemicu")),
		PriorTreatment:     scalar(doc.Get("riwayat_pengobatan")),
		Notes:              scalar(doc.Get("catatan_penting")),
		Urgency:            scalar(doc.Get("tingkat_urgensi")),
	}

	rec := doc.Get("rekomendasi")
	switch {
	case rec.IsObject():
		report.Recommendation = pkg.Recommendation{
			Immediate:       scalar(rec.Get("tindakan_segera")),
			HomeCare:        scalar(rec.Get("perawatan_rumah")),
			WhenToSeeDoctor: scalar(rec.Get("kapan_ke_dokter")),
			Specialist:      scalar(rec.Get("spesialis_yang_disarankan")),
		}
	case rec.Type == gjson.String:
		report.Recommendation.Immediate = strings.TrimSpace(rec.Str)
	}
	return report, true
}

func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(r.String())
	default:
		return ""
	}
}

func list(r gjson.Result) []string {
	out := []string{}
	switch {
	case r.IsArray():
		for _, item := range r.Array() {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
	case r.Type == gjson.String:
		if s := strings.TrimSpace(r.Str); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fillDefaults substitutes per-field defaults and returns the JSON names of
// the fields it touched.  A recommendation block that is only partly filled
// keeps what it has.
func fillDefaults(r *pkg.Report) []string {
	var defaulted []string
	text := func(value *string, name, def string) {
		if *value == "" {
			*value = def
			defaulted = append(defaulted, name)
		}
	}

	text(&r.SymptomSummary, "ringkasan_gejala", DefaultFieldValue)
	text(&r.ChiefComplaint, "keluhan_utama", DefaultFieldValue)
	text(&r.Severity, "tingkat_keparahan", DefaultTier)

	rec := &r.Recommendation
	if *rec == (pkg.Recommendation{}) {
		*rec = DefaultRecommendation
		defaulted = append(defaulted, "rekomendasi")
	} else {
		text(&rec.Immediate, "rekomendasi.tindakan_segera", DefaultRecommendation.Immediate)
		text(&rec.HomeCare, "rekomendasi.perawatan_rumah", DefaultRecommendation.HomeCare)
		text(&rec.WhenToSeeDoctor, "rekomendasi.kapan_ke_dokter", DefaultRecommendation.WhenToSeeDoctor)
		text(&rec.Specialist, "rekomendasi.spesialis_yang_disarankan", DefaultRecommendation.Specialist)
	}

	text(&r.Urgency, "tingkat_urgensi", DefaultTier)

	if r.AdditionalSymptoms == nil {
		r.AdditionalSymptoms = []string{}
	}
	return defaulted
}
