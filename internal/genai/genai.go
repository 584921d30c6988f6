// Package genai implements the text classification capability on the OpenAI
// API: intent selection for intent_router nodes and outcome selection for
// ai-mode condition nodes.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowssist/flowssist/internal/engine"
)

// completionService is the minimal chat-completion surface, satisfied by the
// real client and by test doubles.
type completionService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client is the OpenAI-backed classifier.
type Client struct {
	completions completionService
	model       openai.ChatModel
}

var _ engine.Classifier = (*Client)(nil)

// NewClient creates a classifier client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		Model:  openai.ChatModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{completions: &client.Chat.Completions, model: cfg.Model}, nil
}

// ClassifyIntent selects the best-matching candidate name for the customer
// text. Returns an empty string when the model answers that none fit.
func (c *Client) ClassifyIntent(ctx context.Context, text string, candidates []engine.IntentCandidate) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("You classify customer messages into exactly one intent.\n")
	sb.WriteString("Intents:\n")
	for _, cand := range candidates {
		if cand.Description != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", cand.Name, cand.Description)
		} else {
			fmt.Fprintf(&sb, "- %s\n", cand.Name)
		}
	}
	sb.WriteString("Reply with the intent name only. If none fit, reply with none.")

	answer, err := c.complete(ctx, sb.String(), text)
	if err != nil {
		return "", fmt.Errorf("classify intent: %w", err)
	}

	answer = normalizeAnswer(answer)
	for _, cand := range candidates {
		if strings.EqualFold(answer, cand.Name) {
			return cand.Name, nil
		}
	}
	slog.Debug("genai.ClassifyIntent: no candidate matched", "answer", answer)
	return "", nil
}

// EvaluateCondition selects one of outcomes for the authored prompt, given
// the session variables as context.
func (c *Client) EvaluateCondition(ctx context.Context, prompt string, variables map[string]string, outcomes []string) (string, error) {
	if len(outcomes) == 0 {
		return "", fmt.Errorf("no outcomes to evaluate")
	}

	var sb strings.Builder
	sb.WriteString("You evaluate a condition about a customer conversation.\n")
	sb.WriteString("Condition: ")
	sb.WriteString(prompt)
	sb.WriteString("\nPossible outcomes: ")
	sb.WriteString(strings.Join(outcomes, ", "))
	sb.WriteString("\nReply with exactly one outcome, nothing else.")

	var user strings.Builder
	user.WriteString("Conversation variables:\n")
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&user, "%s: %s\n", k, variables[k])
	}

	answer, err := c.complete(ctx, sb.String(), user.String())
	if err != nil {
		return "", fmt.Errorf("evaluate condition: %w", err)
	}

	answer = normalizeAnswer(answer)
	for _, outcome := range outcomes {
		if strings.EqualFold(answer, outcome) {
			return outcome, nil
		}
	}
	return "", fmt.Errorf("model answered %q, not a declared outcome", answer)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func normalizeAnswer(answer string) string {
	answer = strings.TrimSpace(answer)
	answer = strings.Trim(answer, `"'.`)
	if strings.EqualFold(answer, "none") {
		return ""
	}
	return answer
}
