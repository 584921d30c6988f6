// Package twiliowhatsapp wraps the Twilio REST API for the WhatsApp channel.
// Free-form sends use plain message bodies; template sends go through the
// Content API, which is how approved templates reach customers outside the
// messaging window.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the outbound Twilio surface (for production and testing).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendTemplate(ctx context.Context, to string, contentSID string, params []string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number, in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio WhatsApp client. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER environment
// variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendMessage sends a free-form WhatsApp message. The channel rejects these
// outside the messaging window; callers route through the window governor.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendTemplate sends an approved content template identified by its content
// SID. Positional params bind to the template's {{1}}, {{2}}, ... variables.
func (c *Client) SendTemplate(ctx context.Context, to string, contentSID string, params []string) error {
	variables := make(map[string]string, len(params))
	for i, p := range params {
		variables[fmt.Sprintf("%d", i+1)] = p
	}
	variablesJSON, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("encode template variables: %w", err)
	}

	msgParams := &twilioApi.CreateMessageParams{}
	msgParams.SetTo("whatsapp:" + to)
	msgParams.SetFrom(c.fromWhats)
	msgParams.SetContentSid(contentSID)
	msgParams.SetContentVariables(string(variablesJSON))

	_, err = c.client.Api.CreateMessage(msgParams)
	if err != nil {
		slog.Error("Twilio SendTemplate failed", "to", to, "contentSID", contentSID, "error", err)
		return fmt.Errorf("failed to send template to %s: %w", to, err)
	}

	slog.Debug("Twilio template sent", "to", to, "contentSID", contentSID)
	return nil
}

// MockClient records sends instead of calling Twilio (for tests).
type MockClient struct {
	SentMessages  []SentMessage
	SentTemplates []SentTemplate
}

type SentMessage struct {
	To   string
	Body string
}

type SentTemplate struct {
	To         string
	ContentSID string
	Params     []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendTemplate(ctx context.Context, to string, contentSID string, params []string) error {
	m.SentTemplates = append(m.SentTemplates, SentTemplate{To: to, ContentSID: contentSID, Params: params})
	return nil
}
