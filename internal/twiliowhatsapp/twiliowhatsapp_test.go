package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "+15550001111", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestMockClient_SendTemplate(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendTemplate(ctx, "+15550001111", "HX123", []string{"Alice", "order 42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentTemplates) != 1 {
		t.Fatalf("expected 1 template send, got %d", len(mock.SentTemplates))
	}

	sent := mock.SentTemplates[0]
	if sent.ContentSID != "HX123" {
		t.Errorf("expected content SID %q, got %q", "HX123", sent.ContentSID)
	}
	if len(sent.Params) != 2 || sent.Params[1] != "order 42" {
		t.Errorf("unexpected params: %v", sent.Params)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Fatal("expected error for missing credentials")
	}

	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Fatal("expected error for missing from number")
	}

	client, err := NewClient(
		WithAccountSID("AC123"),
		WithAuthToken("tok"),
		WithFromWhats("whatsapp:+15550009999"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.fromWhats != "whatsapp:+15550009999" {
		t.Errorf("unexpected fromWhats: %q", client.fromWhats)
	}
}
