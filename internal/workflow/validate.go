// Package workflow manages workflow definitions: publish-time validation,
// versioning, and trigger matching for new conversations.
package workflow

import (
	"fmt"
	"sort"

	"github.com/flowssist/flowssist/internal/models"
)

// ValidateDefinition checks a definition against the publish-time rules and
// returns non-fatal warnings alongside any fatal error. A definition that
// fails here is rejected and never reaches execution.
//
// Unreachable nodes produce warnings rather than errors so tenants can stage
// partially wired graphs, but every structural reference must resolve.
func ValidateDefinition(def models.WorkflowDefinition) ([]string, error) {
	if def.TenantID == "" {
		return nil, models.ErrEmptyTenant
	}
	if def.Name == "" {
		return nil, models.ErrEmptyDefinitionName
	}
	if len(def.Nodes) == 0 || def.StartNodeID == "" {
		return nil, models.ErrMissingStartNode
	}
	if len(def.Nodes) > models.MaxNodeCount {
		return nil, models.ErrTooManyNodes
	}

	start, ok := def.Nodes[def.StartNodeID]
	if !ok {
		return nil, models.ErrStartNodeNotFound
	}
	if start.Kind != models.NodeKindStart {
		return nil, fmt.Errorf("node %s: start node must have kind %q: %w",
			def.StartNodeID, models.NodeKindStart, models.ErrInvalidNodeKind)
	}

	if len(def.Triggers) == 0 {
		return nil, models.ErrNoTriggers
	}
	for i, trig := range def.Triggers {
		switch trig.Type {
		case models.TriggerTypeAnyMessage:
		case models.TriggerTypeKeyword:
			if len(trig.Keywords) == 0 {
				return nil, fmt.Errorf("trigger %d: keyword trigger requires keywords: %w", i, models.ErrInvalidTriggerType)
			}
		default:
			return nil, fmt.Errorf("trigger %d: %w", i, models.ErrInvalidTriggerType)
		}
	}

	for id, node := range def.Nodes {
		if node.ID != id {
			return nil, fmt.Errorf("node %s: id field %q does not match map key: %w", id, node.ID, models.ErrInvalidNodeKind)
		}
		if err := node.Validate(); err != nil {
			return nil, err
		}
	}

	for _, edge := range def.Edges {
		if _, ok := def.Nodes[edge.Source]; !ok {
			return nil, fmt.Errorf("edge %s->%s: source: %w", edge.Source, edge.Target, models.ErrDanglingEdge)
		}
		if _, ok := def.Nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("edge %s->%s: target: %w", edge.Source, edge.Target, models.ErrDanglingEdge)
		}
	}

	for id, node := range def.Nodes {
		if models.IsTerminalNodeKind(node.Kind) {
			continue
		}
		if len(def.OutgoingEdges(id)) == 0 {
			return nil, fmt.Errorf("node %s: %w", id, models.ErrMissingOutgoingEdge)
		}
	}

	var warnings []string
	warnings = append(warnings, outcomeWarnings(def)...)
	warnings = append(warnings, unreachableWarnings(def)...)
	return warnings, nil
}

// outcomeWarnings flags branching nodes whose declared outcomes have no
// matching edge. Execution treats a missing outcome edge as a configuration
// error for the affected conversation, so surface it at publish time.
func outcomeWarnings(def models.WorkflowDefinition) []string {
	var warnings []string
	for _, id := range sortedNodeIDs(def) {
		node := def.Nodes[id]
		switch node.Kind {
		case models.NodeKindCondition:
			for _, outcome := range node.Condition.Outcomes {
				if _, ok := def.EdgeByHandle(id, outcome); !ok {
					warnings = append(warnings, fmt.Sprintf("node %s: outcome %q has no matching edge", id, outcome))
				}
			}
		case models.NodeKindIntentRouter:
			for _, intent := range node.IntentRouter.Intents {
				if _, ok := def.EdgeByHandle(id, intent.Name); !ok {
					warnings = append(warnings, fmt.Sprintf("node %s: intent %q has no matching edge", id, intent.Name))
				}
			}
		case models.NodeKindWaitResponse:
			if node.WaitResponse.TimeoutSeconds > 0 {
				if _, ok := def.EdgeByHandle(id, models.EdgeHandleTimeout); !ok {
					warnings = append(warnings, fmt.Sprintf("node %s: timeout configured but no %q edge; the timeout will follow the primary edge", id, models.EdgeHandleTimeout))
				}
			}
		}
	}
	return warnings
}

// unreachableWarnings walks the graph from the start node and reports nodes
// no path reaches.
func unreachableWarnings(def models.WorkflowDefinition) []string {
	visited := make(map[string]bool, len(def.Nodes))
	stack := []string{def.StartNodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, edge := range def.OutgoingEdges(id) {
			if !visited[edge.Target] {
				stack = append(stack, edge.Target)
			}
		}
	}

	var warnings []string
	for _, id := range sortedNodeIDs(def) {
		if !visited[id] {
			warnings = append(warnings, fmt.Sprintf("node %s: unreachable from start node", id))
		}
	}
	return warnings
}

func sortedNodeIDs(def models.WorkflowDefinition) []string {
	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
