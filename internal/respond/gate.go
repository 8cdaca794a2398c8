package respond

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sjawhar/ghost-turns/internal/llm"
)

// Gate asks a small model whether a question-like utterance is addressed to
// the assistant. Any failure lets the utterance through.
type Gate struct {
	model   string
	factory ClientFactory
}

func NewGate(model string, factory ClientFactory) *Gate {
	return &Gate{model: model, factory: factory}
}

// GateMaxTokens bounds the gate model's yes/no answer.
const GateMaxTokens = 16

// GateOptions configures a gate client for short deterministic answers.
func GateOptions() []llm.Option {
	return []llm.Option{llm.WithTemperature(0), llm.WithMaxTokens(GateMaxTokens)}
}

// TailWords keeps the last n words of text, marking the cut with "[...]".
func TailWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return "[...] " + strings.Join(words[len(words)-n:], " ")
}

func (g *Gate) Addressed(ctx context.Context, req Request) bool {
	if g == nil || g.factory == nil || strings.TrimSpace(g.model) == "" {
		return true
	}

	recent := TailWords(strings.Join(req.Context, "\n"), 200)
	prompt := fmt.Sprintf(`You are listening to a live meeting as an AI assistant.

Recent conversation:
%s

Latest utterance from %s:
%s

Is the latest utterance a question the assistant should answer, rather than a question between participants or a rhetorical one?
Reply with ONLY yes or no.`, recent, speakerName(req.SpeakerID), req.Text)

	provider, model, err := llm.ParseModel(g.model)
	if err != nil {
		slog.Warn("gate: letting utterance through", "reason", "parse model failed", "error", err)
		return true
	}

	client, err := g.factory(provider, model)
	if err != nil {
		slog.Warn("gate: letting utterance through", "reason", "create client failed", "error", err)
		return true
	}

	result, err := client.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		slog.Warn("gate: letting utterance through", "reason", "llm complete failed", "error", err)
		return true
	}

	answer := ""
	if fields := strings.Fields(strings.ToLower(result)); len(fields) > 0 {
		answer = strings.Trim(fields[0], ".,!\"'")
	}
	switch answer {
	case "no":
		return false
	case "yes":
		return true
	default:
		slog.Warn("gate: letting utterance through", "reason", "unrecognised answer", "answer", answer)
		return true
	}
}

func speakerName(id string) string {
	if id == "" || id == "unknown" {
		return "an unknown speaker"
	}
	return "speaker " + id
}
