package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
)

const (
	ThreatBenign  = "Benign"
	ThreatUnknown = "Unknown"

	ReasonDisabled = "AI disabled or not configured"
	ReasonNonJSON  = "Non-JSON response from AI"
)

// Request is one file submitted for analysis.
type Request struct {
	FileName    string
	FileContent string
}

// Verdict is the normalized classifier answer.
type Verdict struct {
	IsMalicious     bool    `json:"is_malicious"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reason          string  `json:"reason"`
	ThreatType      string  `json:"threat_type"`
}

// Classifier analyzes file content.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Verdict, error)
	Enabled() bool
}

// Generator produces raw model text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// New returns a Gemini-backed classifier, or the disabled one when no API
// key is configured. The returned close func releases the model client.
func New(ctx context.Context, cfg config.ClassifierConfig, logger *slog.Logger) (Classifier, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, file analysis falls back to benign verdicts")
		return Disabled{}, func() error { return nil }, nil
	}

	gen, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.Model)
	if err != nil {
		return nil, nil, apperrors.NewClassifierError("create gemini client", err)
	}
	return NewGeminiClassifier(gen, cfg, logger), gen.Close, nil
}

// Disabled answers every request with a benign verdict.
type Disabled struct{}

func (Disabled) Classify(context.Context, Request) (*Verdict, error) {
	return benign(ReasonDisabled), nil
}

func (Disabled) Enabled() bool { return false }

func benign(reason string) *Verdict {
	return &Verdict{IsMalicious: false, ConfidenceScore: 0, Reason: reason, ThreatType: ThreatBenign}
}

// GeminiClassifier prompts a model for a JSON verdict.
type GeminiClassifier struct {
	gen      Generator
	timeout  time.Duration
	maxBytes int
	logger   *slog.Logger
}

func NewGeminiClassifier(gen Generator, cfg config.ClassifierConfig, logger *slog.Logger) *GeminiClassifier {
	return &GeminiClassifier{
		gen:      gen,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxContentBytes,
		logger:   logger.With(slog.String("component", "classifier")),
	}
}

func (c *GeminiClassifier) Enabled() bool { return true }

// Classify sends the content to the model. Model text that is not a JSON
// object yields a benign verdict rather than an error.
func (c *GeminiClassifier) Classify(ctx context.Context, req Request) (*Verdict, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	content, truncated := truncate(req.FileContent, c.maxBytes)
	start := time.Now()
	text, err := c.gen.Generate(ctx, buildPrompt(req.FileName, content))
	if err != nil {
		return nil, apperrors.NewClassifierError("generate content", err).WithContext("file_name", req.FileName)
	}

	verdict, ok := ParseVerdict(text)
	if !ok {
		c.logger.WarnContext(ctx, "model returned non-JSON, falling back",
			slog.String("file_name", req.FileName),
			slog.Int("response_length", len(text)))
		return benign(ReasonNonJSON), nil
	}

	c.logger.InfoContext(ctx, "file analyzed",
		slog.String("file_name", req.FileName),
		slog.Bool("truncated", truncated),
		slog.Bool("is_malicious", verdict.IsMalicious),
		slog.String("threat_type", verdict.ThreatType),
		slog.Duration("duration", time.Since(start)))
	return verdict, nil
}

func buildPrompt(fileName, content string) string {
	return fmt.Sprintf(`Respond ONLY with a minified JSON object. No backticks.
{
  "is_malicious": boolean,
  "confidence_score": number (0..1),
  "reason": string,
  "threat_type": string
}
Analyze the following file content for malicious behavior as a senior cybersecurity analyst.
The file is named %q.
Content:
---
%s
---`, fileName, content)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

type rawVerdict struct {
	IsMalicious     any `json:"is_malicious"`
	ConfidenceScore any `json:"confidence_score"`
	Reason          any `json:"reason"`
	ThreatType      any `json:"threat_type"`
}

// ParseVerdict strips code fences and decodes a model answer. Loose types
// are coerced: truthy is_malicious, numeric strings for the score, which
// is clamped to [0, 1].
func ParseVerdict(text string) (*Verdict, bool) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, "```", ""))

	var raw rawVerdict
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, false
	}

	v := &Verdict{
		IsMalicious:     truthy(raw.IsMalicious),
		ConfidenceScore: clamp01(number(raw.ConfidenceScore)),
		Reason:          stringOr(raw.Reason, ""),
		ThreatType:      stringOr(raw.ThreatType, ThreatUnknown),
	}
	return v, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

func number(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func stringOr(v any, fallback string) string {
	switch t := v.(type) {
	case nil:
		return fallback
	case string:
		if t == "" {
			return fallback
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}
