// Package analysis derives a summary, topics, keywords, and action items
// from a finished transcript with one structured-output LLM call.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/krdn/voice-recognition/internal/ollama"
)

// ActionItem is one follow-up extracted from the transcript. Assignee and
// Deadline stay nil when the model could not determine them.
type ActionItem struct {
	Text     string  `json:"text"`
	Assignee *string `json:"assignee"`
	Deadline *string `json:"deadline"`
}

// Result holds the four analysis fields. A degraded run yields Empty().
type Result struct {
	Summary     *string      `json:"summary"`
	Topics      []string     `json:"topics"`
	Keywords    []string     `json:"keywords"`
	ActionItems []ActionItem `json:"action_items"`
}

// Empty is the well-defined degraded result: no summary, empty lists.
func Empty() Result {
	return Result{
		Topics:      []string{},
		Keywords:    []string{},
		ActionItems: []ActionItem{},
	}
}

// Chatter is the LLM call the stage depends on.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Analyzer issues the analysis call. Any failure (transport, non-success
// response, malformed output) degrades to Empty() instead of an error: an
// analysis failure must never abort a job that already has a transcript.
type Analyzer struct {
	client   Chatter
	model    string
	maxChars int
	timeout  time.Duration
	logger   *slog.Logger
}

func NewAnalyzer(client Chatter, model string, maxChars int, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if maxChars <= 0 {
		maxChars = 6000
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client:   client,
		model:    model,
		maxChars: maxChars,
		timeout:  timeout,
		logger:   logger,
	}
}

// Analyze runs the stage on the full transcript text with a language hint.
func (a *Analyzer) Analyze(ctx context.Context, fullText, language string) Result {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.client.Chat(ctx, a.model, []ollama.Message{
		{Role: "user", Content: buildPrompt(fullText, language, a.maxChars)},
	}, resultSchema())
	if err != nil {
		a.logger.Warn("analysis call failed, degrading to empty result", "error", err)
		return Empty()
	}

	var parsed struct {
		Summary     *string      `json:"summary"`
		Topics      []string     `json:"topics"`
		Keywords    []string     `json:"keywords"`
		ActionItems []ActionItem `json:"action_items"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		a.logger.Warn("analysis output unparseable, degrading to empty result",
			"error", err, "response", raw)
		return Empty()
	}

	out := Empty()
	out.Summary = parsed.Summary
	if parsed.Topics != nil {
		out.Topics = parsed.Topics
	}
	if parsed.Keywords != nil {
		out.Keywords = parsed.Keywords
	}
	if parsed.ActionItems != nil {
		out.ActionItems = parsed.ActionItems
	}
	return out
}

// buildPrompt embeds the transcript, truncated to a rune budget to bound
// prompt cost, and spells out the expected output shape.
func buildPrompt(fullText, language string, maxChars int) string {
	return fmt.Sprintf(`Analyze the following voice recording transcript (language: %s).

[TRANSCRIPT]
%s

Respond with JSON only, in exactly this shape:
{
    "summary": "3-5 sentence summary of the whole recording",
    "topics": ["main topic 1", "main topic 2", "main topic 3"],
    "keywords": ["keyword1", "keyword2", "keyword3", "keyword4", "keyword5"],
    "action_items": [
        {"text": "what needs to be done", "assignee": "who (null if unknown)", "deadline": "when (null if unknown)"}
    ]
}`, language, truncate(fullText, maxChars))
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

func resultSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"summary":      {Type: "string", Description: "3-5 sentence summary"},
			"topics":       {Type: "array", Description: "Main topics discussed"},
			"keywords":     {Type: "array", Description: "Salient keywords"},
			"action_items": {Type: "array", Description: "Follow-ups with optional assignee and deadline"},
		},
		Required: []string{"summary", "topics", "keywords", "action_items"},
	}
}
