// Package models defines conversation session and event structures.
package models

import "time"

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionStatusRunning indicates the interpreter may advance the session.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusWaitingForInput indicates the session is suspended until
	// the customer replies.
	SessionStatusWaitingForInput SessionStatus = "waiting_for_input"
	// SessionStatusWaitingForTimeout indicates the session is suspended with
	// an armed timeout; a customer reply or the timeout resumes it.
	SessionStatusWaitingForTimeout SessionStatus = "waiting_for_timeout"
	// SessionStatusHandedOff indicates automation has stopped and a human owns
	// the conversation.
	SessionStatusHandedOff SessionStatus = "handed_off"
	// SessionStatusCompleted indicates the session reached an end node.
	SessionStatusCompleted SessionStatus = "completed"
)

// IsValidSessionStatus checks if the given session status is valid.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusRunning, SessionStatusWaitingForInput, SessionStatusWaitingForTimeout,
		SessionStatusHandedOff, SessionStatusCompleted:
		return true
	default:
		return false
	}
}

// OrDefault maps the zero value to the explicit running default so read sites
// never branch on empty statuses.
func (s SessionStatus) OrDefault() SessionStatus {
	if s == "" {
		return SessionStatusRunning
	}
	return s
}

// Suspended reports whether the session is waiting on the customer or a timer.
func (s SessionStatus) Suspended() bool {
	return s == SessionStatusWaitingForInput || s == SessionStatusWaitingForTimeout
}

// Terminal reports whether automation is finished for the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusHandedOff || s == SessionStatusCompleted
}

// ConversationSession is the mutable execution state of one (tenant, customer)
// conversation. It is mutated exclusively by the interpreter and archived, not
// deleted, when it terminates.
type ConversationSession struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	CustomerID        string            `json:"customer_id"`
	DefinitionID      string            `json:"definition_id"`
	DefinitionVersion int               `json:"definition_version"`
	CurrentNodeID     string            `json:"current_node_id"`
	Variables         map[string]string `json:"variables,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	StepCount         int               `json:"step_count"`
	Status            SessionStatus     `json:"status"`
	StatusReason      string            `json:"status_reason,omitempty"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ArchivedAt        *time.Time        `json:"archived_at,omitempty"`
}

// SetVariable stores a variable on the session, allocating the map lazily.
func (s *ConversationSession) SetVariable(key, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[key] = value
}

// HasTag reports whether the session carries the given tag.
func (s *ConversationSession) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present.
func (s *ConversationSession) AddTag(tag string) {
	if !s.HasTag(tag) {
		s.Tags = append(s.Tags, tag)
	}
}

// RemoveTag removes a tag if present.
func (s *ConversationSession) RemoveTag(tag string) {
	for i, t := range s.Tags {
		if t == tag {
			s.Tags = append(s.Tags[:i], s.Tags[i+1:]...)
			return
		}
	}
}

// EventType identifies the origin of an inbound interpreter event.
type EventType string

const (
	// EventTypeMessage is a customer text message.
	EventTypeMessage EventType = "message"
	// EventTypeTimeout is a synthetic event fired when a wait_response
	// timeout elapses.
	EventTypeTimeout EventType = "timeout"
	// EventTypeSignal is a structured external signal (e.g. reset, payment
	// completed) delivered into the interpreter.
	EventTypeSignal EventType = "signal"
)

// InboundEvent is one input to an interpreter step.
type InboundEvent struct {
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionType identifies an outbound side effect produced by a step.
type ActionType string

const (
	// ActionSendMessage requests a free-form outbound send.
	ActionSendMessage ActionType = "send_message"
	// ActionHandoff requests a human-handoff notification.
	ActionHandoff ActionType = "handoff"
)

// OutboundAction is one side effect produced by an interpreter step. Actions
// are dispatched by the orchestrator after the step completes; the interpreter
// itself never sends.
type OutboundAction struct {
	Type   ActionType `json:"type"`
	Body   string     `json:"body,omitempty"`
	Reason string     `json:"reason,omitempty"`
	NodeID string     `json:"node_id,omitempty"`
}
