// Package models defines workflow definition structures for flowssist.
package models

import (
	"fmt"
	"time"
)

// NodeKind identifies the behavior of a workflow node.
type NodeKind string

const (
	NodeKindStart        NodeKind = "start"
	NodeKindMessage      NodeKind = "message"
	NodeKindOfferProduct NodeKind = "offer_product"
	NodeKindCollectInfo  NodeKind = "collect_info"
	NodeKindCondition    NodeKind = "condition"
	NodeKindIntentRouter NodeKind = "intent_router"
	NodeKindWaitResponse NodeKind = "wait_response"
	NodeKindAssignTag    NodeKind = "assign_tag"
	NodeKindHandoff      NodeKind = "handoff"
	NodeKindEnd          NodeKind = "end"
)

// IsValidNodeKind checks if the given node kind is supported.
func IsValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindStart, NodeKindMessage, NodeKindOfferProduct, NodeKindCollectInfo,
		NodeKindCondition, NodeKindIntentRouter, NodeKindWaitResponse,
		NodeKindAssignTag, NodeKindHandoff, NodeKindEnd:
		return true
	default:
		return false
	}
}

// IsTerminalNodeKind reports whether nodes of this kind end automated traversal.
func IsTerminalNodeKind(k NodeKind) bool {
	return k == NodeKindHandoff || k == NodeKindEnd
}

// EdgeHandleTimeout names the designated timeout edge of a wait_response node.
const EdgeHandleTimeout = "timeout"

// ValidationKind identifies the input validation applied by collect_info nodes.
type ValidationKind string

const (
	ValidationKindNone  ValidationKind = "none"
	ValidationKindEmail ValidationKind = "email"
	ValidationKindPhone ValidationKind = "phone"
)

// ProductStrategy identifies how an offer_product node selects products.
type ProductStrategy string

const (
	ProductStrategyIDs        ProductStrategy = "ids"
	ProductStrategyPriceRange ProductStrategy = "price_range"
	ProductStrategyType       ProductStrategy = "type"
)

// ConditionMode identifies how a condition node evaluates its outcome.
type ConditionMode string

const (
	// ConditionModeExpression evaluates deterministic rules over session variables.
	ConditionModeExpression ConditionMode = "expression"
	// ConditionModeAI delegates outcome selection to the classifier capability.
	ConditionModeAI ConditionMode = "ai"
)

// ConditionOperator is the comparison applied by an expression rule.
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "eq"
	OperatorNotEquals ConditionOperator = "ne"
	OperatorContains  ConditionOperator = "contains"
	OperatorExists    ConditionOperator = "exists"
)

// MessageConfig carries data for message nodes.
type MessageConfig struct {
	Body string `json:"body"`
}

// OfferProductConfig carries data for offer_product nodes.
type OfferProductConfig struct {
	Strategy      ProductStrategy `json:"strategy"`
	ProductIDs    []string        `json:"product_ids,omitempty"`
	MinPriceCents int64           `json:"min_price_cents,omitempty"`
	MaxPriceCents int64           `json:"max_price_cents,omitempty"`
	ProductType   string          `json:"product_type,omitempty"`
	// Template is rendered once per resolved product with {{name}} and
	// {{price}} placeholders substituted.
	Template string `json:"template"`
}

// CollectInfoConfig carries data for collect_info nodes.
type CollectInfoConfig struct {
	Prompt     string         `json:"prompt"`
	Variable   string         `json:"variable"`
	Validation ValidationKind `json:"validation,omitempty"`
}

// ConditionRule is a single deterministic rule; the first matching rule
// selects its outcome.
type ConditionRule struct {
	Outcome  string            `json:"outcome"`
	Variable string            `json:"variable"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value,omitempty"`
}

// ConditionConfig carries data for condition nodes.
type ConditionConfig struct {
	Mode           ConditionMode   `json:"mode"`
	Rules          []ConditionRule `json:"rules,omitempty"`
	AIPrompt       string          `json:"ai_prompt,omitempty"`
	Outcomes       []string        `json:"outcomes"`
	DefaultOutcome string          `json:"default_outcome,omitempty"`
}

// IntentDefinition describes one routable intent for an intent_router node.
type IntentDefinition struct {
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords,omitempty"`
	Description string   `json:"description,omitempty"`
}

// IntentRouterConfig carries data for intent_router nodes.
type IntentRouterConfig struct {
	Intents        []IntentDefinition `json:"intents"`
	DefaultOutcome string             `json:"default_outcome"`
	// UseClassifier enables the external classifier fallback when no
	// keyword match is found.
	UseClassifier bool `json:"use_classifier,omitempty"`
}

// WaitResponseConfig carries data for wait_response nodes.
type WaitResponseConfig struct {
	// Variable names where the captured reply is stored.
	Variable string `json:"variable"`
	// TimeoutSeconds arms the scheduler when greater than zero.
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// AssignTagConfig carries data for assign_tag nodes.
type AssignTagConfig struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// HandoffConfig carries data for handoff nodes.
type HandoffConfig struct {
	Reason string `json:"reason,omitempty"`
}

// EndConfig carries data for end nodes.
type EndConfig struct {
	ClosingMessage string `json:"closing_message,omitempty"`
}

// Node is a tagged union over node kinds: exactly one kind-specific
// configuration must be set, matching the Kind field. Nodes are pure
// configuration, referenced by sessions only through their id.
type Node struct {
	ID           string              `json:"id"`
	Kind         NodeKind            `json:"kind"`
	Message      *MessageConfig      `json:"message,omitempty"`
	OfferProduct *OfferProductConfig `json:"offer_product,omitempty"`
	CollectInfo  *CollectInfoConfig  `json:"collect_info,omitempty"`
	Condition    *ConditionConfig    `json:"condition,omitempty"`
	IntentRouter *IntentRouterConfig `json:"intent_router,omitempty"`
	WaitResponse *WaitResponseConfig `json:"wait_response,omitempty"`
	AssignTag    *AssignTagConfig    `json:"assign_tag,omitempty"`
	Handoff      *HandoffConfig      `json:"handoff,omitempty"`
	End          *EndConfig          `json:"end,omitempty"`
}

// configCount returns how many kind-specific configurations are set.
func (n *Node) configCount() int {
	count := 0
	if n.Message != nil {
		count++
	}
	if n.OfferProduct != nil {
		count++
	}
	if n.CollectInfo != nil {
		count++
	}
	if n.Condition != nil {
		count++
	}
	if n.IntentRouter != nil {
		count++
	}
	if n.WaitResponse != nil {
		count++
	}
	if n.AssignTag != nil {
		count++
	}
	if n.Handoff != nil {
		count++
	}
	if n.End != nil {
		count++
	}
	return count
}

// Validate checks that the node's kind and configuration are consistent.
func (n *Node) Validate() error {
	if !IsValidNodeKind(n.Kind) {
		return fmt.Errorf("node %s: %w", n.ID, ErrInvalidNodeKind)
	}
	count := n.configCount()
	if count > 1 {
		return fmt.Errorf("node %s: %w", n.ID, ErrAmbiguousNodeConfig)
	}

	switch n.Kind {
	case NodeKindStart:
		// Start nodes carry no configuration.
	case NodeKindMessage:
		if n.Message == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if n.Message.Body == "" {
			return fmt.Errorf("node %s: %w", n.ID, ErrEmptyMessageBody)
		}
		if len(n.Message.Body) > MaxMessageBodyLength {
			return fmt.Errorf("node %s: %w", n.ID, ErrMessageBodyTooLong)
		}
	case NodeKindOfferProduct:
		if n.OfferProduct == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if n.OfferProduct.Template == "" {
			return fmt.Errorf("node %s: %w", n.ID, ErrEmptyMessageBody)
		}
	case NodeKindCollectInfo:
		if n.CollectInfo == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if err := validateVariableName(n.CollectInfo.Variable); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		if n.CollectInfo.Prompt == "" {
			return fmt.Errorf("node %s: %w", n.ID, ErrEmptyMessageBody)
		}
	case NodeKindCondition:
		if n.Condition == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if len(n.Condition.Outcomes) == 0 {
			return fmt.Errorf("node %s: %w", n.ID, ErrNoOutcomes)
		}
		if len(n.Condition.Outcomes) > MaxOutcomesPerNode {
			return fmt.Errorf("node %s: %w", n.ID, ErrTooManyOutcomes)
		}
	case NodeKindIntentRouter:
		if n.IntentRouter == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if len(n.IntentRouter.Intents) == 0 {
			return fmt.Errorf("node %s: %w", n.ID, ErrNoOutcomes)
		}
		if len(n.IntentRouter.Intents) > MaxOutcomesPerNode {
			return fmt.Errorf("node %s: %w", n.ID, ErrTooManyOutcomes)
		}
	case NodeKindWaitResponse:
		if n.WaitResponse == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if err := validateVariableName(n.WaitResponse.Variable); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	case NodeKindAssignTag:
		if n.AssignTag == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeKindHandoff:
		// Handoff configuration is optional; a nil config means no reason.
	case NodeKindEnd:
		// End configuration is optional; a nil config means no closing message.
	}
	return nil
}

func validateVariableName(name string) error {
	if name == "" {
		return ErrEmptyVariableName
	}
	if len(name) > MaxVariableNameLength {
		return ErrVariableNameTooLong
	}
	return nil
}

// Edge represents a directed connection between two nodes. Handle names the
// outcome it carries (condition outcomes, intent names, or "timeout"); an
// empty handle marks the node's primary edge.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"handle,omitempty"`
	Label  string `json:"label,omitempty"`
}

// TriggerType identifies how a trigger matches a new conversation.
type TriggerType string

const (
	// TriggerTypeAnyMessage matches any first inbound message.
	TriggerTypeAnyMessage TriggerType = "any_message"
	// TriggerTypeKeyword matches when the first inbound message contains
	// one of the trigger's keywords.
	TriggerTypeKeyword TriggerType = "keyword"
)

// Trigger describes a condition under which a workflow starts for a new
// conversation. Triggers are evaluated in order; the first match wins.
type Trigger struct {
	Type     TriggerType `json:"type"`
	Keywords []string    `json:"keywords,omitempty"`
}

// WorkflowDefinition is an immutable-once-published workflow graph document.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Version     int             `json:"version"`
	Active      bool            `json:"active"`
	Triggers    []Trigger       `json:"triggers"`
	StartNodeID string          `json:"start_node_id"`
	Nodes       map[string]Node `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	PublishedAt time.Time       `json:"published_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OutgoingEdges returns the edges whose source is the given node, preserving
// definition order.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeByHandle returns the outgoing edge of nodeID carrying the named handle.
func (d *WorkflowDefinition) EdgeByHandle(nodeID, handle string) (Edge, bool) {
	for _, e := range d.Edges {
		if e.Source == nodeID && e.Handle == handle {
			return e, true
		}
	}
	return Edge{}, false
}

// PrimaryEdge returns the first outgoing edge of nodeID without a handle.
// When every edge is named, the first non-timeout edge is used instead.
func (d *WorkflowDefinition) PrimaryEdge(nodeID string) (Edge, bool) {
	edges := d.OutgoingEdges(nodeID)
	for _, e := range edges {
		if e.Handle == "" {
			return e, true
		}
	}
	for _, e := range edges {
		if e.Handle != EdgeHandleTimeout {
			return e, true
		}
	}
	return Edge{}, false
}
