// Package models defines messaging-window state structures.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ConversationID derives the stable conversation identifier for a
// (tenant, customer) pair. Window state outlives individual sessions, so it is
// keyed by conversation, not by session.
func ConversationID(tenantID, customerID string) string {
	return tenantID + ":" + customerID
}

// SplitConversationID splits a conversation identifier back into its tenant
// and customer parts.
func SplitConversationID(conversationID string) (tenantID, customerID string, err error) {
	parts := strings.SplitN(conversationID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed conversation id %q", conversationID)
	}
	return parts[0], parts[1], nil
}

// WindowState tracks the customer-initiated service window for one
// conversation. Open/closed is always derived from LastInboundAt, never
// stored.
type WindowState struct {
	ConversationID  string     `json:"conversation_id"`
	LastInboundAt   *time.Time `json:"last_inbound_at,omitempty"`
	LastReengagedAt *time.Time `json:"last_reengaged_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OpenAt reports whether the window is open at the given instant for the
// given policy duration. A conversation with no prior inbound message is
// closed; the window closes exactly at the boundary.
func (w *WindowState) OpenAt(now time.Time, windowDuration time.Duration) bool {
	if w == nil || w.LastInboundAt == nil {
		return false
	}
	return now.Sub(*w.LastInboundAt) < windowDuration
}

// QueuedMessage is one deferred outbound message held while the window is
// closed. Queue order is insertion order and is preserved on flush.
type QueuedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Recipient      string    `json:"recipient"`
	Body           string    `json:"body"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	EnqueuedBy     string    `json:"enqueued_by,omitempty"`
	// Position is assigned by the store and fixes FIFO order.
	Position int64 `json:"position"`
}

// WindowStatus is the read-only window snapshot exposed to dashboards.
type WindowStatus struct {
	ConversationID  string     `json:"conversation_id"`
	Open            bool       `json:"open"`
	LastInboundAt   *time.Time `json:"last_inbound_at,omitempty"`
	LastReengagedAt *time.Time `json:"last_reengaged_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	QueuedCount     int        `json:"queued_count"`
}
