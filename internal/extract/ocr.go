package extract

import (
	"context"

	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/pkg/ollama"
)

const ocrPrompt = `The following is raw text recovered from a scanned Croatian
regulatory document, possibly garbled by the scan. Reconstruct the readable
document text. Respond with the reconstructed text and nothing else.`

// OCR recovers text from scanned evidence through the local model. Scanned
// documents never go to the cloud before a readability check.
type OCR struct {
	client ollama.Client
	model  string
}

// NewOCR creates an OCR recognizer over the local Ollama endpoint.
func NewOCR(client ollama.Client, modelName string) *OCR {
	return &OCR{client: client, model: modelName}
}

// Recognize implements orchestrator.OCR.
func (o *OCR) Recognize(ctx context.Context, ev model.Evidence) (string, error) {
	resp, err := o.client.Chat(ctx, ollama.ChatRequest{
		Model: o.model,
		Messages: []ollama.Message{
			{Role: "system", Content: ocrPrompt},
			{Role: "user", Content: ev.Content},
		},
	})
	if err != nil {
		return "", classify(err)
	}

	zap.L().Debug("ocr: recovered text",
		zap.String("evidence_id", ev.ID),
		zap.Int64("tokens_used", resp.TotalTokens()),
		zap.Int("recovered_chars", len(resp.Message.Content)),
	)
	return resp.Message.Content, nil
}
