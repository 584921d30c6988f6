package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowssist/flowssist/internal/engine"
)

type mockCompletions struct {
	answer     string
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockCompletions) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastParams = body
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.answer}},
		},
	}, nil
}

func newTestClient(mock *mockCompletions) *Client {
	return &Client{completions: mock, model: openai.ChatModelGPT4oMini}
}

var candidates = []engine.IntentCandidate{
	{Name: "order", Description: "wants to purchase"},
	{Name: "support", Description: "needs assistance"},
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"exact match", "order", "order"},
		{"case and punctuation tolerated", ` "Support". `, "support"},
		{"none maps to empty", "none", ""},
		{"unknown answer maps to empty", "weather", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockCompletions{answer: tt.answer}
			got, err := newTestClient(mock).ClassifyIntent(context.Background(), "hi", candidates)
			if err != nil {
				t.Fatalf("ClassifyIntent failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyIntentNoCandidates(t *testing.T) {
	mock := &mockCompletions{answer: "order"}
	got, err := newTestClient(mock).ClassifyIntent(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("ClassifyIntent failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty for no candidates, got %q", got)
	}
}

func TestClassifyIntentPropagatesError(t *testing.T) {
	mock := &mockCompletions{err: errors.New("rate limited")}
	if _, err := newTestClient(mock).ClassifyIntent(context.Background(), "hi", candidates); err == nil {
		t.Error("expected error")
	}
}

func TestEvaluateCondition(t *testing.T) {
	mock := &mockCompletions{answer: "qualified"}
	got, err := newTestClient(mock).EvaluateCondition(context.Background(),
		"Is this customer a qualified lead?",
		map[string]string{"budget": "5000", "email": "a@b.com"},
		[]string{"qualified", "unqualified"})
	if err != nil {
		t.Fatalf("EvaluateCondition failed: %v", err)
	}
	if got != "qualified" {
		t.Errorf("got %q", got)
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected system+user messages, got %d", len(mock.lastParams.Messages))
	}
}

func TestEvaluateConditionRejectsUndeclaredOutcome(t *testing.T) {
	mock := &mockCompletions{answer: "maybe"}
	if _, err := newTestClient(mock).EvaluateCondition(context.Background(),
		"prompt", nil, []string{"yes", "no"}); err == nil {
		t.Error("expected error for undeclared outcome")
	}
}
