package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/twiliowhatsapp"
	"github.com/flowssist/flowssist/internal/whatsapp"
)

func TestCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "already canonical", in: "+15550001111", want: "+15550001111"},
		{name: "missing plus", in: "15550001111", want: "+15550001111"},
		{name: "formatted", in: "+1 (555) 000-1111", want: "+15550001111"},
		{name: "whatsapp prefix", in: "whatsapp:+15550001111", want: "+15550001111"},
		{name: "empty", in: "", wantErr: true},
		{name: "no digits", in: "not-a-number", wantErr: true},
		{name: "too short", in: "12345", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonicalizeRecipient(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("canonicalizeRecipient(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWhatsAppServiceSendMessage(t *testing.T) {
	ctx := context.Background()
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, nil)

	if err := svc.SendMessage(ctx, "1 (555) 000-1111", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15550001111" {
		t.Errorf("expected canonical recipient, got %q", mock.SentMessages[0].To)
	}

	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "+15550001111" {
			t.Errorf("unexpected receipt recipient: %q", receipt.To)
		}
	default:
		t.Error("expected a sent receipt to be emitted")
	}
}

func TestWhatsAppServiceSendTemplate(t *testing.T) {
	ctx := context.Background()
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, map[string]string{
		"reengage": "Hi {{1}}, you have {{2}} waiting for you.",
	})

	err := svc.SendTemplate(ctx, "+15550001111", "reengage", []string{"Alice", "2 messages"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(mock.SentMessages))
	}
	want := "Hi Alice, you have 2 messages waiting for you."
	if mock.SentMessages[0].Body != want {
		t.Errorf("expected rendered body %q, got %q", want, mock.SentMessages[0].Body)
	}

	if err := svc.SendTemplate(ctx, "+15550001111", "missing", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestTwilioServiceSendTemplate(t *testing.T) {
	ctx := context.Background()
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, map[string]string{"reengage": "HXabc"})

	err := svc.SendTemplate(ctx, "+15550001111", "reengage", []string{"Alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentTemplates) != 1 {
		t.Fatalf("expected 1 template send, got %d", len(mock.SentTemplates))
	}
	if mock.SentTemplates[0].ContentSID != "HXabc" {
		t.Errorf("expected content SID HXabc, got %q", mock.SentTemplates[0].ContentSID)
	}

	if err := svc.SendTemplate(ctx, "+15550001111", "unknown", nil); err == nil {
		t.Error("expected error for unmapped template")
	}
}

func TestTwilioServiceStoppedRejectsSends(t *testing.T) {
	ctx := context.Background()
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)

	if err := svc.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Fatalf("unexpected error on second stop: %v", err)
	}

	if err := svc.SendMessage(ctx, "+15550001111", "late"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := svc.SendTemplate(ctx, "+15550001111", "reengage", nil); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)

	form := url.Values{}
	form.Set("From", "whatsapp:+15550001111")
	form.Set("Body", "I want to order")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	select {
	case response := <-svc.Responses():
		if response.From != "whatsapp:+15550001111" {
			t.Errorf("unexpected sender: %q", response.From)
		}
		if response.Body != "I want to order" {
			t.Errorf("unexpected body: %q", response.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a response on the channel")
	}
}

func TestTwilioWebhookHandlerMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)

	form := url.Values{}
	form.Set("From", "whatsapp:+15550001111")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

type recordingProcessor struct {
	mu       sync.Mutex
	tenants  []string
	from     []string
	bodies   []string
	received chan struct{}
}

func (p *recordingProcessor) HandleInbound(ctx context.Context, tenantID, customerID, body string, at time.Time) error {
	p.mu.Lock()
	p.tenants = append(p.tenants, tenantID)
	p.from = append(p.from, customerID)
	p.bodies = append(p.bodies, body)
	p.mu.Unlock()
	p.received <- struct{}{}
	return nil
}

func TestResponseHandlerRoutesInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)
	processor := &recordingProcessor{received: make(chan struct{}, 1)}
	handler := NewResponseHandler(svc, processor, "tenant-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handler.Start(ctx)

	svc.safeEmitResponse(models.Response{From: "whatsapp:+15550001111", Body: "hello there", Time: time.Now().Unix()})

	select {
	case <-processor.received:
	case <-time.After(time.Second):
		t.Fatal("expected processor to receive the inbound message")
	}

	processor.mu.Lock()
	defer processor.mu.Unlock()
	if processor.tenants[0] != "tenant-1" {
		t.Errorf("unexpected tenant: %q", processor.tenants[0])
	}
	if processor.from[0] != "+15550001111" {
		t.Errorf("expected canonical sender, got %q", processor.from[0])
	}
	if processor.bodies[0] != "hello there" {
		t.Errorf("unexpected body: %q", processor.bodies[0])
	}
}
