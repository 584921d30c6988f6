// Package messaging provides a pluggable message delivery abstraction over
// the WhatsApp channel adapters, plus the inbound bridge that feeds customer
// replies into conversation processing.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/flowssist/flowssist/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when operations are attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// nonDigitRegex strips everything except digits during recipient canonicalization.
var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports free-form and template sends, and provides channels for receipt
// and response events. Implementations satisfy window.Dispatcher.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonical E.164 form ("+" followed by digits)
	// and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a free-form message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendTemplate sends a pre-approved template to a recipient. Template
	// sends are the only messages the channel accepts outside the messaging
	// window.
	SendTemplate(ctx context.Context, to string, templateName string, params []string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming customer responses.
	Responses() <-chan models.Response
}

// canonicalizeRecipient strips formatting from a phone number and returns the
// canonical "+digits" form shared by both channel adapters.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}

	digits := nonDigitRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", errors.New("invalid phone number: no digits found in recipient")
	}
	if len(digits) < 6 {
		return "", errors.New("invalid phone number: minimum 6 digits required")
	}

	return "+" + digits, nil
}
