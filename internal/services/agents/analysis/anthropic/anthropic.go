// Package anthropic provides an analysis backend for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

const systemPrompt = `You analyze event streams for an autonomous agent engine.
Given a pattern description and a window of domain events, decide whether the
pattern genuinely holds. Respond with a single JSON object and nothing else:
{"detected": bool, "confidence": number between 0 and 1, "reason": string,
"command": {"type": string, "payload": object} | null, "data": object | null}`

// Options configures the Anthropic analysis backend.
type Options struct {
	Model       anthropic.Model
	MaxTokens   int64
	Temperature float64
	APIKey      string
}

// Backend asks Claude for a structured verdict on a triggered pattern.
type Backend struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic analysis backend using the official client.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:   1024,
		Temperature: 0,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Backend{client: &client, opts: opts}
}

// NewFromClient creates a backend from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Backend {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:   1024,
		Temperature: 0,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{client: client, opts: opts}
}

// verdict mirrors the JSON contract in systemPrompt.
type verdict struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Command    *struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"command"`
	Data json.RawMessage `json:"data"`
}

// Analyze sends the pattern prompt and event window to Claude and decodes the
// structured verdict.
func (b *Backend) Analyze(ctx context.Context, prompt string, events []event.Event) (analysis.Result, error) {
	if b == nil || b.client == nil {
		return analysis.Result{}, verrors.New(verrors.CodeLLMUnavailable, "anthropic backend is not configured")
	}

	userMessage, err := buildUserMessage(prompt, events)
	if err != nil {
		return analysis.Result{}, fmt.Errorf("build analysis message: %w", err)
	}

	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       b.opts.Model,
		MaxTokens:   b.opts.MaxTokens,
		Temperature: anthropic.Float(b.opts.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	})
	if err != nil {
		return analysis.Result{}, classifyAPIError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	decoded, err := decodeVerdict(text.String())
	if err != nil {
		return analysis.Result{}, verrors.Wrap(verrors.CodeLLMUnavailable, "anthropic verdict is not valid json", err)
	}

	result := analysis.Result{
		Detected:   decoded.Detected,
		Confidence: clampConfidence(decoded.Confidence),
		Reason:     strings.TrimSpace(decoded.Reason),
		DataJSON:   decoded.Data,
		Cost:       float64(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	if decoded.Command != nil && strings.TrimSpace(decoded.Command.Type) != "" {
		payload := decoded.Command.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		result.Command = &analysis.ProposedCommand{
			Type:        strings.TrimSpace(decoded.Command.Type),
			PayloadJSON: payload,
		}
	}
	return result, nil
}

func buildUserMessage(prompt string, events []event.Event) (string, error) {
	type eventDoc struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		StreamID  string          `json:"streamId"`
		Timestamp string          `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	docs := make([]eventDoc, 0, len(events))
	for _, evt := range events {
		docs = append(docs, eventDoc{
			ID:        evt.ID,
			Type:      string(evt.Type),
			StreamID:  evt.StreamID,
			Timestamp: evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Payload:   evt.PayloadJSON,
		})
	}
	encoded, err := json.Marshal(docs)
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return fmt.Sprintf("Pattern:\n%s\n\nEvents:\n%s", strings.TrimSpace(prompt), encoded), nil
}

// decodeVerdict tolerates models that wrap the JSON object in markdown fences.
func decodeVerdict(text string) (verdict, error) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	if end := strings.LastIndex(text, "}"); end >= 0 && end < len(text)-1 {
		text = text[:end+1]
	}
	var decoded verdict
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return verdict{}, err
	}
	return decoded, nil
}

func clampConfidence(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func classifyAPIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return verrors.Wrap(verrors.CodeLLMTimeout, "anthropic call timed out", err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return verrors.Wrap(verrors.CodeLLMAuthFailed, "anthropic authentication failed", err)
		case 429:
			return verrors.Wrap(verrors.CodeLLMRateLimited, "anthropic rate limit exceeded", err)
		case 408, 504:
			return verrors.Wrap(verrors.CodeLLMTimeout, "anthropic call timed out", err)
		}
	}
	return verrors.Wrap(verrors.CodeLLMUnavailable, "anthropic call failed", err)
}
