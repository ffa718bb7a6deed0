// Package extract turns admitted evidence into candidate regulatory facts by
// calling an Ollama model, local or cloud depending on the routing decision.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/orchestrator"
	"github.com/fiskala/regtruth/internal/resilience"
	"github.com/fiskala/regtruth/pkg/ollama"
)

const systemPrompt = `You are an extraction engine for Croatian tax and invoicing regulation.
Given a regulatory document, extract every concrete obligation, rate, deadline,
threshold or procedural rule as a JSON array of fact objects:
[{"kind": "...", "statement": "...", "effective_from": "...", "citation": "..."}]
Extract only what the text states. Return [] when the document contains no
extractable regulatory facts. Respond with the JSON array and nothing else.`

// factsSchema constrains the model output to a JSON array.
var factsSchema = json.RawMessage(`{"type":"array","items":{"type":"object"}}`)

// Fact is one extracted candidate regulatory fact.
type Fact struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Statement     string `json:"statement"`
	EffectiveFrom string `json:"effective_from,omitempty"`
	Citation      string `json:"citation,omitempty"`
}

// Extractor implements orchestrator.Extractor over two Ollama endpoints.
type Extractor struct {
	local ollama.Client
	cloud ollama.Client
}

// New creates an Extractor. cloud may be nil when no cloud endpoint is
// configured; cloud-routed work then fails as a validation error rather than
// silently downgrading the decision.
func New(local, cloud ollama.Client) *Extractor {
	return &Extractor{local: local, cloud: cloud}
}

// Extract implements orchestrator.Extractor.
func (e *Extractor) Extract(ctx context.Context, provider model.Provider, ev model.Evidence) (orchestrator.ExtractStats, error) {
	client := e.local
	if provider == model.ProviderCloudOllama {
		client = e.cloud
	}
	if client == nil {
		return orchestrator.ExtractStats{}, resilience.WithClass(resilience.ClassValidation,
			eris.Errorf("extract: no client for provider %s", provider))
	}

	resp, err := client.Chat(ctx, ollama.ChatRequest{
		Messages: []ollama.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: ev.Content},
		},
		Format: factsSchema,
	})
	if err != nil {
		return orchestrator.ExtractStats{}, classify(err)
	}

	facts, err := parseFacts(resp.Message.Content)
	if err != nil {
		// The model produced unparseable output; tokens were still spent.
		return orchestrator.ExtractStats{TokensUsed: resp.TotalTokens()},
			resilience.WithClass(resilience.ClassContent, err)
	}

	stats := orchestrator.ExtractStats{
		TokensUsed:    resp.TotalTokens(),
		ItemsProduced: int64(len(facts)),
	}
	for _, f := range facts {
		stats.FactIDs = append(stats.FactIDs, f.ID)
	}

	zap.L().Debug("extract: completed",
		zap.String("evidence_id", ev.ID),
		zap.String("provider", string(provider)),
		zap.Int64("tokens_used", stats.TokensUsed),
		zap.Int64("items_produced", stats.ItemsProduced),
	)
	return stats, nil
}

// parseFacts decodes the model output, tolerating a fenced code block around
// the JSON array.
func parseFacts(content string) ([]Fact, error) {
	trimmed := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	var facts []Fact
	if err := json.Unmarshal([]byte(trimmed), &facts); err != nil {
		return nil, eris.Wrap(err, "extract: parse model output")
	}
	for i := range facts {
		if facts[i].ID == "" {
			facts[i].ID = uuid.NewString()
		}
	}
	return facts, nil
}

// classify maps client failures onto the error taxonomy.
func classify(err error) error {
	var statusErr *ollama.StatusError
	if errors.As(err, &statusErr) {
		class := resilience.ClassFromHTTPStatus(statusErr.StatusCode)
		if statusErr.QuotaExhausted() {
			class = resilience.ClassQuota
		}
		return resilience.WithClass(class, err)
	}
	// Timeouts and connection failures classify as transient downstream.
	return eris.Wrap(err, "extract: chat")
}
