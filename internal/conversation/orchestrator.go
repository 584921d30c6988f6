// Package conversation orchestrates the inbound message pipeline: window
// bookkeeping first, then session lookup or trigger matching, then one
// interpreter step, then persistence and outbound dispatch. It is the only
// package that coordinates the governor, interpreter, registry, and scheduler
// together.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowssist/flowssist/internal/engine"
	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/store"
	"github.com/flowssist/flowssist/internal/util"
	"github.com/flowssist/flowssist/internal/window"
	"github.com/flowssist/flowssist/internal/workflow"
)

// enqueuedBySystem marks queue entries produced by workflow steps.
const enqueuedBySystem = "workflow"

// TimerScheduler arms and cancels durable wait_response timers. The scheduler
// package implements this.
type TimerScheduler interface {
	ArmTimeout(sessionID, conversationID string, after time.Duration) error
	CancelTimeout(conversationID string) error
}

// HandoffNotifier receives human-handoff notifications. Deployments wire a
// webhook or inbox integration here; a nil notifier drops them.
type HandoffNotifier interface {
	NotifyHandoff(ctx context.Context, session models.ConversationSession, reason string)
}

// Opts holds configuration options for the orchestrator.
type Opts struct {
	Notifier HandoffNotifier
	Clock    func() time.Time
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithNotifier sets the handoff notifier.
func WithNotifier(n HandoffNotifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Orchestrator serializes all processing per conversation and drives the
// inbound pipeline end to end.
type Orchestrator struct {
	st       store.Store
	registry *workflow.Registry
	interp   *engine.Interpreter
	governor *window.Governor
	timers   TimerScheduler
	notifier HandoffNotifier
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(st store.Store, registry *workflow.Registry, interp *engine.Interpreter, governor *window.Governor, timers TimerScheduler, opts ...Option) *Orchestrator {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		st:       st,
		registry: registry,
		interp:   interp,
		governor: governor,
		timers:   timers,
		notifier: cfg.Notifier,
		now:      cfg.Clock,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockConversation returns the mutex serializing one conversation's
// processing, creating it on first use. Lock striping is per conversation id;
// the map only grows, which is acceptable for the daemon's lifetime.
func (o *Orchestrator) lockConversation(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[conversationID] = lock
	}
	return lock
}

// HandleInbound processes one customer message: records the inbound timestamp
// (reopening the window), flushes any queued backlog, resumes or starts a
// session, runs one interpreter step, and dispatches the resulting actions.
// It implements messaging.InboundProcessor.
func (o *Orchestrator) HandleInbound(ctx context.Context, tenantID, customerID, body string, at time.Time) error {
	conversationID := models.ConversationID(tenantID, customerID)
	slog.Debug("Orchestrator.HandleInbound invoked", "conversationID", conversationID, "body_length", len(body))

	lock := o.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.governor.RecordInbound(conversationID, at); err != nil {
		return fmt.Errorf("record inbound: %w", err)
	}

	// The reply reopened the window; deliver queued backlog before the
	// workflow produces new messages.
	if res, err := o.governor.FlushQueue(ctx, conversationID); err != nil {
		slog.Error("Orchestrator.HandleInbound: flush failed", "error", err, "conversationID", conversationID)
	} else if res.Sent > 0 || res.Failed > 0 {
		slog.Info("Orchestrator.HandleInbound: flushed queued messages",
			"conversationID", conversationID, "sent", res.Sent, "failed", res.Failed)
	}

	session, err := o.st.GetOpenSession(tenantID, customerID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if session == nil || session.Status.OrDefault().Terminal() {
		session, err = o.startSession(tenantID, customerID, body)
		if err != nil {
			return err
		}
		if session == nil {
			// No definition triggered; nothing to automate.
			slog.Debug("Orchestrator.HandleInbound: no trigger matched", "conversationID", conversationID)
			return nil
		}
	}

	event := models.InboundEvent{Type: models.EventTypeMessage, Text: body, Timestamp: at}
	return o.step(ctx, session, event)
}

// HandleSignal delivers a structured external signal into an open session.
// Signals do not reopen the messaging window and never start sessions.
func (o *Orchestrator) HandleSignal(ctx context.Context, tenantID, customerID, signal string) error {
	conversationID := models.ConversationID(tenantID, customerID)
	slog.Debug("Orchestrator.HandleSignal invoked", "conversationID", conversationID, "signal", signal)

	lock := o.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	session, err := o.st.GetOpenSession(tenantID, customerID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return models.ErrSessionNotFound
	}

	event := models.InboundEvent{Type: models.EventTypeSignal, Signal: signal, Timestamp: o.now()}
	return o.step(ctx, session, event)
}

// HandleTimeout resumes a session whose wait_response timer elapsed. Sessions
// no longer waiting on a timer ignore the event; a late timer firing after the
// customer replied is expected, not an error. It implements
// scheduler.TimeoutHandler.
func (o *Orchestrator) HandleTimeout(ctx context.Context, sessionID string) error {
	session, err := o.st.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		slog.Debug("Orchestrator.HandleTimeout: session not found", "sessionID", sessionID)
		return nil
	}

	conversationID := models.ConversationID(session.TenantID, session.CustomerID)
	lock := o.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a reply may have resumed the session between
	// the claim and now.
	session, err = o.st.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.Status.OrDefault() != models.SessionStatusWaitingForTimeout {
		slog.Debug("Orchestrator.HandleTimeout: stale timer ignored", "sessionID", sessionID)
		return nil
	}

	event := models.InboundEvent{Type: models.EventTypeTimeout, Timestamp: o.now()}
	return o.step(ctx, session, event)
}

// startSession matches the inbound text against the tenant's active triggers
// and creates a fresh session for the matched definition. Returns (nil, nil)
// when no trigger matches.
func (o *Orchestrator) startSession(tenantID, customerID, text string) (*models.ConversationSession, error) {
	def, err := o.registry.MatchTrigger(tenantID, text)
	if err != nil {
		return nil, fmt.Errorf("match trigger: %w", err)
	}
	if def == nil {
		return nil, nil
	}

	now := o.now()
	session := &models.ConversationSession{
		ID:                util.GenerateSessionID(),
		TenantID:          tenantID,
		CustomerID:        customerID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		CurrentNodeID:     def.StartNodeID,
		Status:            models.SessionStatusRunning,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	slog.Info("Orchestrator: session started",
		"sessionID", session.ID, "tenantID", tenantID,
		"definitionID", def.ID, "version", def.Version)
	return session, nil
}

// step runs one interpreter step and applies its effects: persist the session
// (archiving terminal ones), dispatch actions through the governor, and arm or
// cancel the wait_response timer. The session is persisted even when the step
// degrades to handoff, so the terminal state survives.
func (o *Orchestrator) step(ctx context.Context, session *models.ConversationSession, event models.InboundEvent) error {
	def, err := o.registry.Get(session.DefinitionID, session.DefinitionVersion)
	if err != nil {
		return fmt.Errorf("load definition %s v%d: %w", session.DefinitionID, session.DefinitionVersion, err)
	}

	res, stepErr := o.interp.Step(ctx, session, def, event)
	if stepErr != nil {
		slog.Error("Orchestrator.step: interpreter degraded", "error", stepErr, "sessionID", session.ID)
	}

	now := o.now()
	session.LastActivityAt = now
	session.UpdatedAt = now
	if session.Status.OrDefault().Terminal() && session.ArchivedAt == nil {
		archivedAt := now
		session.ArchivedAt = &archivedAt
		slog.Info("Orchestrator.step: session archived", "sessionID", session.ID, "status", session.Status)
	}
	if err := o.st.SaveSession(*session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	conversationID := models.ConversationID(session.TenantID, session.CustomerID)
	o.dispatch(ctx, conversationID, session, res.Actions)

	if res.ClearTimeout {
		if err := o.timers.CancelTimeout(conversationID); err != nil {
			slog.Error("Orchestrator.step: cancel timer failed", "error", err, "conversationID", conversationID)
		}
	}
	if res.TimeoutAfter > 0 {
		if err := o.timers.ArmTimeout(session.ID, conversationID, res.TimeoutAfter); err != nil {
			slog.Error("Orchestrator.step: arm timer failed", "error", err, "conversationID", conversationID)
		}
	}

	return stepErr
}

// dispatch routes step actions: send_message goes through the governor's
// send-or-queue path, which retries the network send with backoff; handoff
// goes to the notifier. A send that fails past its retries is logged, never
// replayed through the interpreter.
func (o *Orchestrator) dispatch(ctx context.Context, conversationID string, session *models.ConversationSession, actions []models.OutboundAction) {
	for _, action := range actions {
		switch action.Type {
		case models.ActionSendMessage:
			result, err := o.governor.TrySend(ctx, conversationID, session.CustomerID, action.Body, enqueuedBySystem)
			if err != nil {
				slog.Error("Orchestrator.dispatch: send failed", "error", err, "conversationID", conversationID, "nodeID", action.NodeID)
				continue
			}
			if result.Queued {
				slog.Info("Orchestrator.dispatch: message queued for closed window",
					"conversationID", conversationID, "position", result.Position)
			}
		case models.ActionHandoff:
			slog.Info("Orchestrator.dispatch: handoff requested",
				"conversationID", conversationID, "reason", action.Reason)
			if o.notifier != nil {
				o.notifier.NotifyHandoff(ctx, *session, action.Reason)
			}
		default:
			slog.Warn("Orchestrator.dispatch: unknown action type", "type", action.Type)
		}
	}
}

// GetConversationState returns the open session for a conversation, or
// models.ErrSessionNotFound when none exists.
func (o *Orchestrator) GetConversationState(tenantID, customerID string) (*models.ConversationSession, error) {
	session, err := o.st.GetOpenSession(tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, models.ErrSessionNotFound
	}
	return session, nil
}

// GetWindowStatus returns the derived window status for a conversation.
func (o *Orchestrator) GetWindowStatus(tenantID, customerID string) (models.WindowStatus, error) {
	return o.governor.Status(models.ConversationID(tenantID, customerID))
}

// FlushQueue attempts delivery of a conversation's queued backlog. It is the
// admin surface behind the API's flush endpoint; the governor still refuses to
// flush into a closed window.
func (o *Orchestrator) FlushQueue(ctx context.Context, tenantID, customerID string) (window.FlushResult, error) {
	conversationID := models.ConversationID(tenantID, customerID)
	lock := o.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	return o.governor.FlushQueue(ctx, conversationID)
}

// ForceHandoff terminates automation for a conversation and hands it to a
// human, regardless of the session's current node.
func (o *Orchestrator) ForceHandoff(ctx context.Context, tenantID, customerID, reason string) error {
	conversationID := models.ConversationID(tenantID, customerID)
	lock := o.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	session, err := o.st.GetOpenSession(tenantID, customerID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return models.ErrSessionNotFound
	}
	if session.Status.OrDefault().Terminal() {
		return nil
	}

	now := o.now()
	session.Status = models.SessionStatusHandedOff
	session.StatusReason = reason
	session.LastActivityAt = now
	session.UpdatedAt = now
	archivedAt := now
	session.ArchivedAt = &archivedAt
	if err := o.st.SaveSession(*session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if err := o.timers.CancelTimeout(conversationID); err != nil {
		slog.Error("Orchestrator.ForceHandoff: cancel timer failed", "error", err, "conversationID", conversationID)
	}

	slog.Info("Orchestrator.ForceHandoff: session handed off", "sessionID", session.ID, "reason", reason)
	if o.notifier != nil {
		o.notifier.NotifyHandoff(ctx, *session, reason)
	}
	return nil
}
