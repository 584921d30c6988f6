// Package models defines the core data structures for flowssist.
//
// It includes workflow definitions, conversation sessions, messaging-window
// state, and the shared API response types used across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for outbound message bodies
	MaxMessageBodyLength = 4096
	// MaxVariableNameLength defines the maximum allowed length for session variable names
	MaxVariableNameLength = 100
	// MaxNodeCount defines the maximum number of nodes allowed in a workflow definition
	MaxNodeCount = 500
	// MaxOutcomesPerNode defines the maximum number of named outcomes on a branching node
	MaxOutcomesPerNode = 25
)

// Error variables for better error handling and testability
var (
	ErrEmptyTenant          = errors.New("tenant cannot be empty")
	ErrEmptyDefinitionName  = errors.New("definition name cannot be empty")
	ErrMissingStartNode     = errors.New("definition has no start node")
	ErrStartNodeNotFound    = errors.New("start node id does not reference an existing node")
	ErrDanglingEdge         = errors.New("edge references a node that does not exist")
	ErrMissingOutgoingEdge  = errors.New("non-terminal node has no outgoing edge")
	ErrInvalidNodeKind      = errors.New("invalid node kind")
	ErrMissingNodeConfig    = errors.New("node is missing its kind-specific configuration")
	ErrAmbiguousNodeConfig  = errors.New("node carries configuration for more than one kind")
	ErrEmptyMessageBody     = errors.New("message body cannot be empty")
	ErrMessageBodyTooLong   = errors.New("message body exceeds maximum length")
	ErrEmptyVariableName    = errors.New("variable name cannot be empty")
	ErrVariableNameTooLong  = errors.New("variable name exceeds maximum length")
	ErrNoOutcomes           = errors.New("branching node requires at least one named outcome")
	ErrTooManyOutcomes      = errors.New("branching node exceeds maximum outcome count")
	ErrTooManyNodes         = errors.New("definition exceeds maximum node count")
	ErrNoTriggers           = errors.New("definition requires at least one trigger")
	ErrInvalidTriggerType   = errors.New("invalid trigger type")
	ErrDefinitionPublished  = errors.New("published definitions are immutable")
	ErrDefinitionNotFound   = errors.New("workflow definition not found")
	ErrSessionNotFound      = errors.New("conversation session not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Product represents a sellable item resolved for offer_product nodes.
type Product struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type,omitempty"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an API request was accepted for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted creates an accepted API response with a message.
func Accepted(message string) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message}
}
