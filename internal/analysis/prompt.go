package analysis

import (
	"encoding/json"
	"strings"
)

// systemPrompt fixes the assistant role and the response contract. The
// customer base is Arabic-speaking, so the draft mirrors the customer's
// language and dialect.
const systemPrompt = `You are a customer-service analyst for a small business. ` +
	`Analyze the customer's message and reply with a single JSON object, no prose, with exactly these keys: ` +
	`"intent" (one of: purchase, inquiry, complaint, support, spam, other), ` +
	`"urgency" (one of: low, normal, high, urgent), ` +
	`"sentiment" (one of: positive, neutral, negative), ` +
	`"language" (ISO 639-1 code of the message language), ` +
	`"dialect" (for Arabic: gulf, egyptian, levantine, maghrebi or msa; otherwise empty), ` +
	`"summary" (one sentence, in the customer's language), ` +
	`"draft_response" (a polite, concise reply in the customer's own language and dialect, ready to send).`

// buildUserPrompt lays out history, scraped page context and the message
// itself in labeled sections so the model can tell them apart.
func buildUserPrompt(req Request) string {
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, line := range req.History {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if req.PageContext != "" {
		b.WriteString("Content of the link the customer sent:\n")
		b.WriteString(req.PageContext)
		b.WriteString("\n\n")
	}
	if req.SenderName != "" {
		b.WriteString("Customer name: ")
		b.WriteString(req.SenderName)
		b.WriteByte('\n')
	}
	b.WriteString("New message:\n")
	b.WriteString(req.Body)
	return b.String()
}

// wireResult is the JSON shape both providers are instructed to emit.
type wireResult struct {
	Intent        string `json:"intent"`
	Urgency       string `json:"urgency"`
	Sentiment     string `json:"sentiment"`
	Language      string `json:"language"`
	Dialect       string `json:"dialect"`
	Summary       string `json:"summary"`
	DraftResponse string `json:"draft_response"`
}

// parseResult decodes the model's JSON answer. Some models wrap the
// object in a markdown fence even in JSON mode; strip it before
// decoding.
func parseResult(raw string) (*Result, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	return &Result{
		Intent:        w.Intent,
		Urgency:       normalizeUrgency(w.Urgency),
		Sentiment:     w.Sentiment,
		Language:      w.Language,
		Dialect:       w.Dialect,
		Summary:       w.Summary,
		DraftResponse: w.DraftResponse,
	}, nil
}
