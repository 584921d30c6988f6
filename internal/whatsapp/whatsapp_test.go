package whatsapp

import (
	"context"
	"testing"
)

func TestMockClientRecordsSends(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "+15550001111", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.SendMessage(ctx, "+15550002222", "world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15550001111" || mock.SentMessages[0].Body != "hello" {
		t.Errorf("unexpected first message: %+v", mock.SentMessages[0])
	}
}
