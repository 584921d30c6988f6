package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowssist/flowssist/internal/models"
)

// DefaultMaxHops bounds automatic traversal within a single step. A step that
// would exceed it (a cycle of automatic nodes) degrades the conversation
// instead of looping.
const DefaultMaxHops = 25

// IntentCandidate is one routable intent offered to the classifier.
type IntentCandidate struct {
	Name        string
	Description string
}

// Classifier is the text/intent classification capability consumed by
// condition (ai mode) and intent_router nodes.
type Classifier interface {
	// ClassifyIntent selects the best-matching candidate name for the given
	// customer text, or returns an empty string when none fits.
	ClassifyIntent(ctx context.Context, text string, candidates []IntentCandidate) (string, error)

	// EvaluateCondition selects one of outcomes for the given prompt and
	// session variables.
	EvaluateCondition(ctx context.Context, prompt string, variables map[string]string, outcomes []string) (string, error)
}

// Catalog is the product lookup capability consumed by offer_product nodes.
type Catalog interface {
	ResolveProducts(ctx context.Context, tenantID string, cfg models.OfferProductConfig) ([]models.Product, error)
}

// StepResult carries the side effects of one interpreter step. The caller
// dispatches Actions in order after persisting the session.
type StepResult struct {
	Actions []models.OutboundAction

	// TimeoutAfter arms a durable timer for the suspended session when > 0.
	TimeoutAfter time.Duration

	// ClearTimeout requests cancellation of any armed timer for this
	// conversation, set when a reply preempts a pending timeout or the
	// session terminates.
	ClearTimeout bool
}

// Opts holds configuration options for the interpreter.
type Opts struct {
	MaxHops       int
	RetryAttempts int
	RetryBase     time.Duration
}

// Option configures the interpreter.
type Option func(*Opts)

// WithMaxHops overrides the traversal budget per step.
func WithMaxHops(n int) Option {
	return func(o *Opts) { o.MaxHops = n }
}

// WithRetry overrides the retry policy around capability calls.
func WithRetry(attempts int, base time.Duration) Option {
	return func(o *Opts) {
		o.RetryAttempts = attempts
		o.RetryBase = base
	}
}

// Interpreter advances conversation sessions over published workflow graphs.
// It is deterministic for expression-mode graphs: identical session, event,
// and definition produce identical results. It never sends; outbound effects
// are returned as actions.
type Interpreter struct {
	classifier    Classifier
	catalog       Catalog
	maxHops       int
	retryAttempts int
	retryBase     time.Duration
}

// NewInterpreter creates an interpreter. classifier and catalog may be nil
// when no published definition uses the corresponding node kinds; reaching
// such a node without the capability degrades that conversation only.
func NewInterpreter(classifier Classifier, catalog Catalog, opts ...Option) *Interpreter {
	cfg := Opts{
		MaxHops:       DefaultMaxHops,
		RetryAttempts: 3,
		RetryBase:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Interpreter{
		classifier:    classifier,
		catalog:       catalog,
		maxHops:       cfg.MaxHops,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBase,
	}
}

// Step consumes one inbound event and advances the session until it suspends,
// terminates, or fails. The session is mutated in place; the caller persists
// it afterwards. On ConfigurationError, CapacityError, or exhausted retries
// the session is degraded to handed_off and the result carries the handoff
// action alongside the returned error.
func (i *Interpreter) Step(ctx context.Context, session *models.ConversationSession, def *models.WorkflowDefinition, event models.InboundEvent) (StepResult, error) {
	status := session.Status.OrDefault()
	if status.Terminal() {
		slog.Debug("Interpreter.Step: session terminal, ignoring event",
			"sessionID", session.ID, "status", status)
		return StepResult{}, nil
	}
	// A timer that fired after the customer already replied is stale.
	if event.Type == models.EventTypeTimeout && status != models.SessionStatusWaitingForTimeout {
		slog.Debug("Interpreter.Step: stale timeout ignored", "sessionID", session.ID, "status", status)
		return StepResult{}, nil
	}
	if event.Type == models.EventTypeSignal && event.Text == "" {
		event.Text = event.Signal
	}

	session.StepCount++
	var res StepResult

	if status.Suspended() {
		done, err := i.resume(session, def, event, &res)
		if err != nil {
			return i.degrade(session, &res, err)
		}
		if done {
			return res, nil
		}
	}

	session.Status = models.SessionStatusRunning
	if err := i.traverse(ctx, session, def, event, &res); err != nil {
		return i.degrade(session, &res, err)
	}
	return res, nil
}

// resume consumes the event at the suspended node. It returns done=true when
// the step ends here (invalid input re-prompt), or done=false when the
// session advanced and traversal should continue.
func (i *Interpreter) resume(session *models.ConversationSession, def *models.WorkflowDefinition, event models.InboundEvent, res *StepResult) (bool, error) {
	node, ok := def.Nodes[session.CurrentNodeID]
	if !ok {
		return false, &ConfigurationError{NodeID: session.CurrentNodeID, Reason: "current node not in definition"}
	}

	switch node.Kind {
	case models.NodeKindCollectInfo:
		cfg := node.CollectInfo
		if !validInput(cfg.Validation, event.Text) {
			// Stay on the node and re-emit the prompt. Repeated invalid
			// input across steps never consumes traversal budget.
			res.Actions = append(res.Actions, models.OutboundAction{
				Type:   models.ActionSendMessage,
				Body:   renderTemplate(cfg.Prompt, session.Variables),
				NodeID: node.ID,
			})
			session.Status = models.SessionStatusWaitingForInput
			return true, nil
		}
		session.SetVariable(cfg.Variable, strings.TrimSpace(event.Text))
		return false, i.advance(session, def, node.ID)

	case models.NodeKindWaitResponse:
		if session.Status == models.SessionStatusWaitingForTimeout {
			res.ClearTimeout = true
		}
		if event.Type == models.EventTypeTimeout {
			if edge, ok := def.EdgeByHandle(node.ID, models.EdgeHandleTimeout); ok {
				session.CurrentNodeID = edge.Target
				return false, nil
			}
			// No timeout edge; the primary edge carries the flow.
			return false, i.advance(session, def, node.ID)
		}
		if cfg := node.WaitResponse; cfg.Variable != "" {
			session.SetVariable(cfg.Variable, event.Text)
		}
		return false, i.advance(session, def, node.ID)

	default:
		// Suspended on a node kind that does not consume input; advance.
		return false, nil
	}
}

func (i *Interpreter) traverse(ctx context.Context, session *models.ConversationSession, def *models.WorkflowDefinition, event models.InboundEvent, res *StepResult) error {
	hops := 0
	for {
		node, ok := def.Nodes[session.CurrentNodeID]
		if !ok {
			return &ConfigurationError{NodeID: session.CurrentNodeID, Reason: "current node not in definition"}
		}
		hops++
		if hops > i.maxHops {
			return &CapacityError{NodeID: node.ID, Hops: hops}
		}

		switch node.Kind {
		case models.NodeKindStart:
			if err := i.advance(session, def, node.ID); err != nil {
				return err
			}

		case models.NodeKindMessage:
			res.Actions = append(res.Actions, models.OutboundAction{
				Type:   models.ActionSendMessage,
				Body:   renderTemplate(node.Message.Body, session.Variables),
				NodeID: node.ID,
			})
			if err := i.advance(session, def, node.ID); err != nil {
				return err
			}

		case models.NodeKindOfferProduct:
			if err := i.offerProducts(ctx, session, node, res); err != nil {
				return err
			}
			if err := i.advance(session, def, node.ID); err != nil {
				return err
			}

		case models.NodeKindCollectInfo:
			res.Actions = append(res.Actions, models.OutboundAction{
				Type:   models.ActionSendMessage,
				Body:   renderTemplate(node.CollectInfo.Prompt, session.Variables),
				NodeID: node.ID,
			})
			session.Status = models.SessionStatusWaitingForInput
			return nil

		case models.NodeKindCondition:
			outcome, err := i.evaluateCondition(ctx, session, node)
			if err != nil {
				return err
			}
			if err := i.follow(session, def, node.ID, outcome); err != nil {
				return err
			}

		case models.NodeKindIntentRouter:
			outcome, err := i.routeIntent(ctx, node, event.Text)
			if err != nil {
				return err
			}
			if err := i.follow(session, def, node.ID, outcome); err != nil {
				return err
			}

		case models.NodeKindWaitResponse:
			cfg := node.WaitResponse
			if cfg.TimeoutSeconds > 0 {
				session.Status = models.SessionStatusWaitingForTimeout
				res.TimeoutAfter = time.Duration(cfg.TimeoutSeconds) * time.Second
			} else {
				session.Status = models.SessionStatusWaitingForInput
			}
			return nil

		case models.NodeKindAssignTag:
			for _, tag := range node.AssignTag.Add {
				session.AddTag(tag)
			}
			for _, tag := range node.AssignTag.Remove {
				session.RemoveTag(tag)
			}
			if err := i.advance(session, def, node.ID); err != nil {
				return err
			}

		case models.NodeKindHandoff:
			reason := "workflow handoff"
			if node.Handoff != nil && node.Handoff.Reason != "" {
				reason = node.Handoff.Reason
			}
			session.Status = models.SessionStatusHandedOff
			session.StatusReason = reason
			res.Actions = append(res.Actions, models.OutboundAction{
				Type:   models.ActionHandoff,
				Reason: reason,
				NodeID: node.ID,
			})
			res.ClearTimeout = true
			slog.Info("Interpreter: session handed off", "sessionID", session.ID, "nodeID", node.ID, "reason", reason)
			return nil

		case models.NodeKindEnd:
			if node.End != nil && node.End.ClosingMessage != "" {
				res.Actions = append(res.Actions, models.OutboundAction{
					Type:   models.ActionSendMessage,
					Body:   renderTemplate(node.End.ClosingMessage, session.Variables),
					NodeID: node.ID,
				})
			}
			session.Status = models.SessionStatusCompleted
			res.ClearTimeout = true
			slog.Info("Interpreter: session completed", "sessionID", session.ID, "nodeID", node.ID)
			return nil

		default:
			return &ConfigurationError{NodeID: node.ID, Reason: fmt.Sprintf("unsupported node kind %q", node.Kind)}
		}
	}
}

// advance moves the session along the node's primary edge.
func (i *Interpreter) advance(session *models.ConversationSession, def *models.WorkflowDefinition, nodeID string) error {
	edge, ok := def.PrimaryEdge(nodeID)
	if !ok {
		return &ConfigurationError{NodeID: nodeID, Reason: "no outgoing edge"}
	}
	session.CurrentNodeID = edge.Target
	return nil
}

// follow moves the session along the edge carrying the named outcome.
func (i *Interpreter) follow(session *models.ConversationSession, def *models.WorkflowDefinition, nodeID, outcome string) error {
	if outcome == "" {
		return &ConfigurationError{NodeID: nodeID, Reason: "no outcome selected and no default configured"}
	}
	edge, ok := def.EdgeByHandle(nodeID, outcome)
	if !ok {
		return &ConfigurationError{NodeID: nodeID, Reason: fmt.Sprintf("no edge for outcome %q", outcome)}
	}
	session.CurrentNodeID = edge.Target
	return nil
}

func (i *Interpreter) offerProducts(ctx context.Context, session *models.ConversationSession, node models.Node, res *StepResult) error {
	if i.catalog == nil {
		return &ConfigurationError{NodeID: node.ID, Reason: "no catalog capability configured"}
	}
	cfg := node.OfferProduct

	var products []models.Product
	err := withRetry(ctx, "catalog.ResolveProducts", i.retryAttempts, i.retryBase, func() error {
		var err error
		products, err = i.catalog.ResolveProducts(ctx, session.TenantID, *cfg)
		return err
	})
	if err != nil {
		return err
	}

	for _, p := range products {
		res.Actions = append(res.Actions, models.OutboundAction{
			Type:   models.ActionSendMessage,
			Body:   renderProduct(cfg.Template, p, session.Variables),
			NodeID: node.ID,
		})
	}
	return nil
}

func (i *Interpreter) evaluateCondition(ctx context.Context, session *models.ConversationSession, node models.Node) (string, error) {
	cfg := node.Condition
	switch cfg.Mode {
	case models.ConditionModeExpression, "":
		return evalRules(cfg, session.Variables), nil

	case models.ConditionModeAI:
		if i.classifier == nil {
			return "", &ConfigurationError{NodeID: node.ID, Reason: "no classifier capability configured"}
		}
		var outcome string
		err := withRetry(ctx, "classifier.EvaluateCondition", i.retryAttempts, i.retryBase, func() error {
			var err error
			outcome, err = i.classifier.EvaluateCondition(ctx, cfg.AIPrompt, session.Variables, cfg.Outcomes)
			return err
		})
		if err != nil {
			// A configured default keeps the conversation scripted when the
			// classifier is unavailable.
			if cfg.DefaultOutcome != "" {
				slog.Info("Interpreter: condition fell back to default outcome",
					"sessionID", session.ID, "nodeID", node.ID, "error", err)
				return cfg.DefaultOutcome, nil
			}
			return "", err
		}
		for _, candidate := range cfg.Outcomes {
			if outcome == candidate {
				return outcome, nil
			}
		}
		return cfg.DefaultOutcome, nil

	default:
		return "", &ConfigurationError{NodeID: node.ID, Reason: fmt.Sprintf("unsupported condition mode %q", cfg.Mode)}
	}
}

// evalRules applies deterministic rules in declaration order; the first match
// selects its outcome, otherwise the default (possibly empty) applies.
func evalRules(cfg *models.ConditionConfig, vars map[string]string) string {
	for _, rule := range cfg.Rules {
		value, ok := vars[rule.Variable]
		var match bool
		switch rule.Operator {
		case models.OperatorExists:
			match = ok && value != ""
		case models.OperatorEquals:
			match = ok && value == rule.Value
		case models.OperatorNotEquals:
			match = !ok || value != rule.Value
		case models.OperatorContains:
			match = ok && strings.Contains(strings.ToLower(value), strings.ToLower(rule.Value))
		}
		if match {
			return rule.Outcome
		}
	}
	return cfg.DefaultOutcome
}

// routeIntent resolves the outcome for an intent_router node: exact name
// match first, then keyword containment, then the classifier when enabled.
// Classifier failure falls through to the default outcome rather than
// degrading, since a default always exists for routers.
func (i *Interpreter) routeIntent(ctx context.Context, node models.Node, text string) (string, error) {
	cfg := node.IntentRouter
	lowered := strings.ToLower(strings.TrimSpace(text))

	for _, intent := range cfg.Intents {
		if lowered == strings.ToLower(intent.Name) {
			return intent.Name, nil
		}
	}
	for _, intent := range cfg.Intents {
		for _, kw := range intent.Keywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				return intent.Name, nil
			}
		}
	}

	if cfg.UseClassifier && i.classifier != nil && lowered != "" {
		candidates := make([]IntentCandidate, 0, len(cfg.Intents))
		for _, intent := range cfg.Intents {
			candidates = append(candidates, IntentCandidate{Name: intent.Name, Description: intent.Description})
		}
		var name string
		err := withRetry(ctx, "classifier.ClassifyIntent", i.retryAttempts, i.retryBase, func() error {
			var err error
			name, err = i.classifier.ClassifyIntent(ctx, text, candidates)
			return err
		})
		if err != nil {
			slog.Info("Interpreter: intent classification failed, using default outcome",
				"nodeID", node.ID, "error", err)
			return cfg.DefaultOutcome, nil
		}
		for _, intent := range cfg.Intents {
			if name == intent.Name {
				return name, nil
			}
		}
	}
	return cfg.DefaultOutcome, nil
}

// degrade hands the conversation to a human after an unrecoverable step
// failure. The result still carries the handoff action so the caller can
// notify, and the error is returned for logging.
func (i *Interpreter) degrade(session *models.ConversationSession, res *StepResult, err error) (StepResult, error) {
	slog.Error("Interpreter: degrading session to handoff",
		"sessionID", session.ID, "nodeID", session.CurrentNodeID, "error", err)
	session.Status = models.SessionStatusHandedOff
	session.StatusReason = err.Error()
	res.Actions = append(res.Actions, models.OutboundAction{
		Type:   models.ActionHandoff,
		Reason: err.Error(),
		NodeID: session.CurrentNodeID,
	})
	res.ClearTimeout = true
	res.TimeoutAfter = 0
	return *res, err
}
