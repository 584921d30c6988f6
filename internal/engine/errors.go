// Package engine implements the workflow graph interpreter. A step consumes
// one inbound event and advances the session until it suspends, terminates,
// or exhausts the traversal budget; outbound sends are returned as actions
// for the caller to dispatch.
package engine

import "fmt"

// ConfigurationError marks a published definition that references something
// invalid only discoverable at run time, such as a missing outcome edge. It
// degrades the single affected conversation to handoff; other conversations
// on the same definition are unaffected.
type ConfigurationError struct {
	NodeID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error at node %s: %s", e.NodeID, e.Reason)
}

// CapacityError marks a step that exhausted the traversal budget, usually a
// cycle of automatic nodes. Policy matches ConfigurationError: degrade the
// conversation to handoff.
type CapacityError struct {
	NodeID string
	Hops   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("traversal budget exhausted after %d hops at node %s", e.Hops, e.NodeID)
}

// TransientError wraps a capability failure (classifier, catalog) that is
// worth retrying. After retries are exhausted the step degrades the same way
// a ConfigurationError does.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
