// Package analysis runs the AI orchestrator: one queue handler that
// enriches a pending inbox message with intent, sentiment and a draft
// reply, links it to a CRM customer and optionally hands the draft to
// the outbound dispatcher. The LLM call itself sits behind the Analyzer
// interface; OpenAI and Gemini clients live in this package and are
// selected by configuration.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/almudeerhq/almudeer/internal/config"
)

// ErrRateLimited marks a provider 429. The orchestrator reacts by
// arming the global cooldown so every worker backs off together.
var ErrRateLimited = errors.New("analysis: provider rate limited")

// Request is everything the analyzer sees about one message.
type Request struct {
	Body        string
	SenderName  string
	History     []string // "User: …" / "Agent: …" lines, oldest first
	PageContext string   // scraped text of the first URL in the body
}

// Result is the fixed verdict shape. Urgency is normalized to one of
// low, normal, high, urgent before persistence.
type Result struct {
	Intent        string
	Urgency       string
	Sentiment     string
	Language      string
	Dialect       string
	Summary       string
	DraftResponse string
}

// Analyzer produces a Result for one message. Implementations must
// return ErrRateLimited (wrapped is fine) on a provider 429.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// TTS renders a draft reply to an audio file and returns its path.
// Optional: a nil TTS disables voice replies.
type TTS interface {
	Synthesize(ctx context.Context, licenseID, text string) (string, error)
}

// FromConfig selects the analyzer from the environment. OpenAI wins
// when both keys are present.
func FromConfig(cfg config.Analysis) (Analyzer, error) {
	switch {
	case cfg.OpenAIKey != "":
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel), nil
	case cfg.GoogleKey != "":
		return NewGemini(cfg.GoogleKey, cfg.GoogleModel), nil
	default:
		return nil, fmt.Errorf("analysis: no provider key configured (OPENAI_API_KEY or GOOGLE_API_KEY)")
	}
}

// normalizeUrgency clamps free-form provider output onto the stored
// vocabulary.
func normalizeUrgency(u string) string {
	switch u {
	case "low", "normal", "high", "urgent":
		return u
	case "medium", "moderate":
		return "normal"
	case "critical", "very high":
		return "urgent"
	default:
		return "normal"
	}
}
