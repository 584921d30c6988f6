package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flowssist/flowssist/internal/models"
)

type mockClassifier struct {
	intentFn    func(text string, candidates []IntentCandidate) (string, error)
	conditionFn func(prompt string, vars map[string]string, outcomes []string) (string, error)
}

func (m *mockClassifier) ClassifyIntent(ctx context.Context, text string, candidates []IntentCandidate) (string, error) {
	if m.intentFn == nil {
		return "", errors.New("unexpected ClassifyIntent call")
	}
	return m.intentFn(text, candidates)
}

func (m *mockClassifier) EvaluateCondition(ctx context.Context, prompt string, vars map[string]string, outcomes []string) (string, error) {
	if m.conditionFn == nil {
		return "", errors.New("unexpected EvaluateCondition call")
	}
	return m.conditionFn(prompt, vars, outcomes)
}

type mockCatalog struct {
	resolveFn func(tenantID string, cfg models.OfferProductConfig) ([]models.Product, error)
	calls     int
}

func (m *mockCatalog) ResolveProducts(ctx context.Context, tenantID string, cfg models.OfferProductConfig) ([]models.Product, error) {
	m.calls++
	if m.resolveFn == nil {
		return nil, errors.New("unexpected ResolveProducts call")
	}
	return m.resolveFn(tenantID, cfg)
}

func newInterpreter(classifier Classifier, catalog Catalog, opts ...Option) *Interpreter {
	opts = append([]Option{WithRetry(2, time.Millisecond)}, opts...)
	return NewInterpreter(classifier, catalog, opts...)
}

func newSession(def *models.WorkflowDefinition) *models.ConversationSession {
	return &models.ConversationSession{
		ID:                "s_test",
		TenantID:          "t1",
		CustomerID:        "+15550001111",
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		CurrentNodeID:     def.StartNodeID,
		Status:            models.SessionStatusRunning,
	}
}

func messageEvent(text string) models.InboundEvent {
	return models.InboundEvent{Type: models.EventTypeMessage, Text: text, Timestamp: time.Now()}
}

func linearDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf1", TenantID: "t1", Name: "linear", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"hello": {ID: "hello", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "Hello!"}},
			"bye":   {ID: "bye", Kind: models.NodeKindEnd, End: &models.EndConfig{ClosingMessage: "Bye!"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "hello"},
			{Source: "hello", Target: "bye"},
		},
	}
}

func TestStepLinearFlow(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := linearDefinition()
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d: %+v", len(res.Actions), res.Actions)
	}
	if res.Actions[0].Body != "Hello!" || res.Actions[1].Body != "Bye!" {
		t.Errorf("unexpected action bodies: %+v", res.Actions)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", sess.Status)
	}
	if sess.StepCount != 1 {
		t.Errorf("expected step count 1, got %d", sess.StepCount)
	}
}

func TestStepDeterministic(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := linearDefinition()

	a := newSession(def)
	b := newSession(def)
	resA, errA := interp.Step(context.Background(), a, def, messageEvent("hi"))
	resB, errB := interp.Step(context.Background(), b, def, messageEvent("hi"))
	if errA != nil || errB != nil {
		t.Fatalf("steps failed: %v / %v", errA, errB)
	}
	if len(resA.Actions) != len(resB.Actions) {
		t.Fatalf("action counts differ: %d vs %d", len(resA.Actions), len(resB.Actions))
	}
	for i := range resA.Actions {
		if resA.Actions[i] != resB.Actions[i] {
			t.Errorf("action %d differs: %+v vs %+v", i, resA.Actions[i], resB.Actions[i])
		}
	}
	if a.Status != b.Status || a.CurrentNodeID != b.CurrentNodeID {
		t.Errorf("sessions diverged: %+v vs %+v", a, b)
	}
}

func TestTerminalSessionIgnoresEvents(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := linearDefinition()
	sess := newSession(def)
	sess.Status = models.SessionStatusHandedOff

	res, err := interp.Step(context.Background(), sess, def, messageEvent("hello?"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Errorf("expected no actions for terminal session, got %+v", res.Actions)
	}
	if sess.StepCount != 0 {
		t.Errorf("terminal session must not advance, step count %d", sess.StepCount)
	}
}

func collectEmailDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf2", TenantID: "t1", Name: "collect", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"ask": {ID: "ask", Kind: models.NodeKindCollectInfo, CollectInfo: &models.CollectInfoConfig{
				Prompt: "What is your email?", Variable: "email", Validation: models.ValidationKindEmail,
			}},
			"thanks": {ID: "thanks", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "Thanks, {{email}}!"}},
			"done":   {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "thanks"},
			{Source: "thanks", Target: "done"},
		},
	}
}

func TestCollectInfoEmailScenario(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := collectEmailDefinition()
	sess := newSession(def)

	// First message reaches the collect_info node and emits the prompt.
	res, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Body != "What is your email?" {
		t.Fatalf("expected prompt action, got %+v", res.Actions)
	}
	if sess.Status != models.SessionStatusWaitingForInput || sess.CurrentNodeID != "ask" {
		t.Fatalf("expected suspension at ask, got status=%s node=%s", sess.Status, sess.CurrentNodeID)
	}

	// Invalid input re-emits the prompt and stays on the node.
	res, err = interp.Step(context.Background(), sess, def, messageEvent("not-an-email"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Body != "What is your email?" {
		t.Fatalf("expected re-prompt, got %+v", res.Actions)
	}
	if sess.CurrentNodeID != "ask" || sess.Status != models.SessionStatusWaitingForInput {
		t.Fatalf("expected to stay on ask, got node=%s status=%s", sess.CurrentNodeID, sess.Status)
	}
	if sess.Variables["email"] != "" {
		t.Errorf("variable must not be stored for invalid input, got %q", sess.Variables["email"])
	}

	// Valid input stores the variable and advances to the end.
	res, err = interp.Step(context.Background(), sess, def, messageEvent("a@b.com"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if sess.Variables["email"] != "a@b.com" {
		t.Errorf("expected variable stored, got %q", sess.Variables["email"])
	}
	if len(res.Actions) != 1 || res.Actions[0].Body != "Thanks, a@b.com!" {
		t.Errorf("expected rendered thanks message, got %+v", res.Actions)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", sess.Status)
	}
}

func TestTraversalBudgetOnCycle(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf3", TenantID: "t1", Name: "cycle", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"a":     {ID: "a", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "a"}},
			"b":     {ID: "b", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "b"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	interp := newInterpreter(nil, nil)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("go"))
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if sess.Status != models.SessionStatusHandedOff {
		t.Errorf("expected handed_off, got %s", sess.Status)
	}
	last := res.Actions[len(res.Actions)-1]
	if last.Type != models.ActionHandoff {
		t.Errorf("expected trailing handoff action, got %+v", last)
	}
	// Emitted sends stay below the budget.
	if len(res.Actions) > DefaultMaxHops+1 {
		t.Errorf("too many actions emitted: %d", len(res.Actions))
	}
}

func TestConditionExpression(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf4", TenantID: "t1", Name: "cond", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"branch": {ID: "branch", Kind: models.NodeKindCondition, Condition: &models.ConditionConfig{
				Mode:     models.ConditionModeExpression,
				Outcomes: []string{"vip", "regular"},
				Rules: []models.ConditionRule{
					{Outcome: "vip", Variable: "tier", Operator: models.OperatorEquals, Value: "gold"},
				},
				DefaultOutcome: "regular",
			}},
			"vip_msg": {ID: "vip_msg", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "Welcome back!"}},
			"reg_msg": {ID: "reg_msg", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "Hello!"}},
			"done":    {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "branch"},
			{Source: "branch", Target: "vip_msg", Handle: "vip"},
			{Source: "branch", Target: "reg_msg", Handle: "regular"},
			{Source: "vip_msg", Target: "done"},
			{Source: "reg_msg", Target: "done"},
		},
	}
	interp := newInterpreter(nil, nil)

	vip := newSession(def)
	vip.SetVariable("tier", "gold")
	res, err := interp.Step(context.Background(), vip, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if res.Actions[0].Body != "Welcome back!" {
		t.Errorf("expected vip branch, got %+v", res.Actions)
	}

	reg := newSession(def)
	res, err = interp.Step(context.Background(), reg, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if res.Actions[0].Body != "Hello!" {
		t.Errorf("expected default branch, got %+v", res.Actions)
	}
}

func TestConditionMissingOutcomeEdgeDegrades(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf5", TenantID: "t1", Name: "broken", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"branch": {ID: "branch", Kind: models.NodeKindCondition, Condition: &models.ConditionConfig{
				Mode:           models.ConditionModeExpression,
				Outcomes:       []string{"yes"},
				DefaultOutcome: "yes",
			}},
			"done": {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "branch"},
			// No edge carries the "yes" handle.
			{Source: "branch", Target: "done"},
		},
	}
	interp := newInterpreter(nil, nil)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if sess.Status != models.SessionStatusHandedOff {
		t.Errorf("expected handed_off, got %s", sess.Status)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != models.ActionHandoff {
		t.Errorf("expected handoff action, got %+v", res.Actions)
	}
}

func intentDefinition(useClassifier bool) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf6", TenantID: "t1", Name: "router", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"route": {ID: "route", Kind: models.NodeKindIntentRouter, IntentRouter: &models.IntentRouterConfig{
				Intents: []models.IntentDefinition{
					{Name: "order", Keywords: []string{"buy", "order"}, Description: "wants to purchase"},
					{Name: "support", Keywords: []string{"broken", "help"}, Description: "needs assistance"},
				},
				DefaultOutcome: "fallback",
				UseClassifier:  useClassifier,
			}},
			"order_msg":    {ID: "order_msg", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "order"}},
			"support_msg":  {ID: "support_msg", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "support"}},
			"fallback_msg": {ID: "fallback_msg", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "fallback"}},
			"done":         {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "order_msg", Handle: "order"},
			{Source: "route", Target: "support_msg", Handle: "support"},
			{Source: "route", Target: "fallback_msg", Handle: "fallback"},
			{Source: "order_msg", Target: "done"},
			{Source: "support_msg", Target: "done"},
			{Source: "fallback_msg", Target: "done"},
		},
	}
}

func TestIntentRouterKeywords(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := intentDefinition(false)

	tests := []struct {
		text string
		want string
	}{
		{"I want to BUY something", "order"},
		{"my thing is broken", "support"},
		{"order", "order"},
		{"what is the weather", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			sess := newSession(def)
			res, err := interp.Step(context.Background(), sess, def, messageEvent(tt.text))
			if err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if res.Actions[0].Body != tt.want {
				t.Errorf("expected %q branch, got %+v", tt.want, res.Actions)
			}
		})
	}
}

func TestIntentRouterClassifierFallback(t *testing.T) {
	classifier := &mockClassifier{
		intentFn: func(text string, candidates []IntentCandidate) (string, error) {
			if len(candidates) != 2 {
				return "", fmt.Errorf("expected 2 candidates, got %d", len(candidates))
			}
			return "support", nil
		},
	}
	interp := newInterpreter(classifier, nil)
	def := intentDefinition(true)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("it stopped working yesterday"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if res.Actions[0].Body != "support" {
		t.Errorf("expected classifier routing to support, got %+v", res.Actions)
	}
}

func TestIntentRouterClassifierErrorUsesDefault(t *testing.T) {
	classifier := &mockClassifier{
		intentFn: func(text string, candidates []IntentCandidate) (string, error) {
			return "", errors.New("upstream timeout")
		},
	}
	interp := newInterpreter(classifier, nil)
	def := intentDefinition(true)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("mystery text"))
	if err != nil {
		t.Fatalf("expected graceful fallback, got %v", err)
	}
	if res.Actions[0].Body != "fallback" {
		t.Errorf("expected fallback branch, got %+v", res.Actions)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", sess.Status)
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{
		"name":  "Alice",
		"email": "a@b.com",
		"quote": "use {{email}} here",
	}
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no placeholders", "hello", "hello"},
		{"single", "Hi {{name}}!", "Hi Alice!"},
		{"repeated", "{{name}} and {{name}}", "Alice and Alice"},
		{"unknown kept", "Hi {{missing}}!", "Hi {{missing}}!"},
		{"value with placeholder stays literal", "{{quote}}", "use {{email}} here"},
		{"unterminated", "Hi {{name", "Hi {{name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderTemplate(tc.body, vars); got != tc.want {
				t.Errorf("renderTemplate(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}

func waitDefinition(timeoutSeconds int64) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf7", TenantID: "t1", Name: "wait", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"wait": {ID: "wait", Kind: models.NodeKindWaitResponse, WaitResponse: &models.WaitResponseConfig{
				Variable: "reply", TimeoutSeconds: timeoutSeconds,
			}},
			"got":   {ID: "got", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "Got: {{reply}}"}},
			"nudge": {ID: "nudge", Kind: models.NodeKindMessage, Message: &models.MessageConfig{Body: "Still there?"}},
			"done":  {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "got"},
			{Source: "wait", Target: "nudge", Handle: models.EdgeHandleTimeout},
			{Source: "got", Target: "done"},
			{Source: "nudge", Target: "done"},
		},
	}
}

func TestWaitResponseTimeoutScenario(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := waitDefinition(3600)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if sess.Status != models.SessionStatusWaitingForTimeout {
		t.Fatalf("expected waiting_for_timeout, got %s", sess.Status)
	}
	if res.TimeoutAfter != time.Hour {
		t.Errorf("expected 1h timeout, got %v", res.TimeoutAfter)
	}

	// The timeout fires; the session follows the timeout edge.
	res, err = interp.Step(context.Background(), sess, def, models.InboundEvent{Type: models.EventTypeTimeout, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("timeout step failed: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Body != "Still there?" {
		t.Errorf("expected nudge, got %+v", res.Actions)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %s", sess.Status)
	}
}

func TestWaitResponseTimeoutWithoutTimeoutEdge(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := waitDefinition(3600)
	// Drop the timeout edge; the primary edge must carry the flow instead.
	var edges []models.Edge
	for _, e := range def.Edges {
		if e.Handle != models.EdgeHandleTimeout {
			edges = append(edges, e)
		}
	}
	def.Edges = edges
	sess := newSession(def)

	if _, err := interp.Step(context.Background(), sess, def, messageEvent("hi")); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	res, err := interp.Step(context.Background(), sess, def, models.InboundEvent{Type: models.EventTypeTimeout, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("timeout step failed: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Body != "Got: {{reply}}" {
		t.Errorf("expected primary-edge message, got %+v", res.Actions)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed via the primary edge, got %s", sess.Status)
	}
}

func TestWaitResponseReplyClearsTimeout(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := waitDefinition(3600)
	sess := newSession(def)

	if _, err := interp.Step(context.Background(), sess, def, messageEvent("hi")); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	res, err := interp.Step(context.Background(), sess, def, messageEvent("yes please"))
	if err != nil {
		t.Fatalf("reply step failed: %v", err)
	}
	if !res.ClearTimeout {
		t.Error("expected ClearTimeout on reply before the timeout")
	}
	if sess.Variables["reply"] != "yes please" {
		t.Errorf("expected reply captured, got %q", sess.Variables["reply"])
	}
	if len(res.Actions) != 1 || res.Actions[0].Body != "Got: yes please" {
		t.Errorf("expected rendered reply, got %+v", res.Actions)
	}
}

func TestWaitResponseWithoutTimeoutSuspendsForInput(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := waitDefinition(0)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if sess.Status != models.SessionStatusWaitingForInput {
		t.Errorf("expected waiting_for_input, got %s", sess.Status)
	}
	if res.TimeoutAfter != 0 {
		t.Errorf("expected no timer, got %v", res.TimeoutAfter)
	}
}

func TestStaleTimeoutIgnored(t *testing.T) {
	interp := newInterpreter(nil, nil)
	def := waitDefinition(3600)
	sess := newSession(def)
	sess.Status = models.SessionStatusWaitingForInput
	sess.CurrentNodeID = "wait"

	res, err := interp.Step(context.Background(), sess, def, models.InboundEvent{Type: models.EventTypeTimeout})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Errorf("stale timeout must be a no-op, got %+v", res.Actions)
	}
	if sess.CurrentNodeID != "wait" {
		t.Errorf("session must not move on stale timeout, at %s", sess.CurrentNodeID)
	}
}

func TestOfferProductRendersCatalogResults(t *testing.T) {
	catalog := &mockCatalog{
		resolveFn: func(tenantID string, cfg models.OfferProductConfig) ([]models.Product, error) {
			if tenantID != "t1" {
				return nil, fmt.Errorf("unexpected tenant %s", tenantID)
			}
			return []models.Product{
				{ID: "p1", Name: "Basic", PriceCents: 999, Currency: "USD"},
				{ID: "p2", Name: "Pro", PriceCents: 2950, Currency: "USD"},
			}, nil
		},
	}
	def := &models.WorkflowDefinition{
		ID: "wf8", TenantID: "t1", Name: "offer", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"offer": {ID: "offer", Kind: models.NodeKindOfferProduct, OfferProduct: &models.OfferProductConfig{
				Strategy: models.ProductStrategyType, ProductType: "plan",
				Template: "{{name}}: {{price}}",
			}},
			"done": {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "offer"},
			{Source: "offer", Target: "done"},
		},
	}
	interp := newInterpreter(nil, catalog)
	sess := newSession(def)

	res, err := interp.Step(context.Background(), sess, def, messageEvent("plans?"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("expected 2 product messages, got %+v", res.Actions)
	}
	if res.Actions[0].Body != "Basic: 9.99 USD" || res.Actions[1].Body != "Pro: 29.50 USD" {
		t.Errorf("unexpected rendered products: %+v", res.Actions)
	}
}

func TestOfferProductCatalogFailureDegrades(t *testing.T) {
	catalog := &mockCatalog{
		resolveFn: func(tenantID string, cfg models.OfferProductConfig) ([]models.Product, error) {
			return nil, errors.New("catalog unavailable")
		},
	}
	def := &models.WorkflowDefinition{
		ID: "wf9", TenantID: "t1", Name: "offer", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"offer": {ID: "offer", Kind: models.NodeKindOfferProduct, OfferProduct: &models.OfferProductConfig{
				Strategy: models.ProductStrategyIDs, ProductIDs: []string{"p1"}, Template: "{{name}}",
			}},
			"done": {ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "offer"},
			{Source: "offer", Target: "done"},
		},
	}
	interp := newInterpreter(nil, catalog)
	sess := newSession(def)

	_, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError after retries, got %v", err)
	}
	if catalog.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", catalog.calls)
	}
	if sess.Status != models.SessionStatusHandedOff {
		t.Errorf("expected handed_off, got %s", sess.Status)
	}
}

func TestAssignTagAndHandoff(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf10", TenantID: "t1", Name: "tagged", Version: 1,
		StartNodeID: "start",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"tag": {ID: "tag", Kind: models.NodeKindAssignTag, AssignTag: &models.AssignTagConfig{
				Add: []string{"hot-lead"}, Remove: []string{"cold"},
			}},
			"human": {ID: "human", Kind: models.NodeKindHandoff, Handoff: &models.HandoffConfig{Reason: "sales escalation"}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "tag"},
			{Source: "tag", Target: "human"},
		},
	}
	interp := newInterpreter(nil, nil)
	sess := newSession(def)
	sess.Tags = []string{"cold"}

	res, err := interp.Step(context.Background(), sess, def, messageEvent("hi"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !sess.HasTag("hot-lead") || sess.HasTag("cold") {
		t.Errorf("tags not applied: %v", sess.Tags)
	}
	if sess.Status != models.SessionStatusHandedOff || sess.StatusReason != "sales escalation" {
		t.Errorf("expected handoff with reason, got %s / %q", sess.Status, sess.StatusReason)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != models.ActionHandoff || res.Actions[0].Reason != "sales escalation" {
		t.Errorf("expected handoff action, got %+v", res.Actions)
	}
}

func TestValidInput(t *testing.T) {
	tests := []struct {
		kind  models.ValidationKind
		input string
		want  bool
	}{
		{models.ValidationKindEmail, "a@b.com", true},
		{models.ValidationKindEmail, "not-an-email", false},
		{models.ValidationKindEmail, "a b@c.com", false},
		{models.ValidationKindPhone, "+1 555 123 4567", true},
		{models.ValidationKindPhone, "12345", false},
		{models.ValidationKindNone, "anything", true},
		{models.ValidationKindNone, "   ", false},
	}
	for _, tt := range tests {
		if got := validInput(tt.kind, tt.input); got != tt.want {
			t.Errorf("validInput(%s, %q) = %v, want %v", tt.kind, tt.input, got, tt.want)
		}
	}
}
