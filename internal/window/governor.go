// Package window implements the messaging-window governor. Free-form sends
// are only allowed inside the customer-initiated service window; outside it
// they are queued in order and flushed when the customer's next message
// reopens the window. Re-engagement uses channel-approved templates, which
// are exempt from the window restriction.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/store"
	"github.com/flowssist/flowssist/internal/util"
)

// DefaultWindowDuration is the channel's free-form messaging window.
const DefaultWindowDuration = 24 * time.Hour

// DefaultReengageGrace is how long a window must stay closed with a non-empty
// queue before a re-engagement template is sent.
const DefaultReengageGrace = 6 * time.Hour

// Dispatcher is the outbound channel surface the governor sends through. It
// distinguishes free-form sends, which are window-restricted, from approved
// template sends, which are not.
type Dispatcher interface {
	SendMessage(ctx context.Context, recipient, body string) error
	SendTemplate(ctx context.Context, recipient, templateName string, params []string) error
}

// Opts holds configuration options for the governor.
type Opts struct {
	WindowDuration   time.Duration
	ReengageGrace    time.Duration
	ReengageTemplate string
	RetryAttempts    int
	RetryBase        time.Duration
	Clock            func() time.Time
}

// Option configures the governor.
type Option func(*Opts)

// WithWindowDuration overrides the 24h window policy.
func WithWindowDuration(d time.Duration) Option {
	return func(o *Opts) { o.WindowDuration = d }
}

// WithReengageGrace overrides the grace period before re-engagement.
func WithReengageGrace(d time.Duration) Option {
	return func(o *Opts) { o.ReengageGrace = d }
}

// WithReengageTemplate sets the approved template name used for re-engagement.
func WithReengageTemplate(name string) Option {
	return func(o *Opts) { o.ReengageTemplate = name }
}

// WithRetry overrides the backoff policy around dispatcher calls.
func WithRetry(attempts int, base time.Duration) Option {
	return func(o *Opts) {
		o.RetryAttempts = attempts
		o.RetryBase = base
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// SendResult reports where TrySend delivered the message.
type SendResult struct {
	Queued   bool
	Position int64
}

// FlushResult counts the outcome of one FlushQueue pass.
type FlushResult struct {
	Sent   int
	Failed int
}

// Governor enforces the messaging window for one deployment. All decisions
// derive from persisted timestamps; the governor holds no in-memory window
// state and survives restarts unchanged.
type Governor struct {
	windows          store.WindowRepo
	queue            store.QueueRepo
	dispatcher       Dispatcher
	windowDuration   time.Duration
	reengageGrace    time.Duration
	reengageTemplate string
	retryAttempts    int
	retryBase        time.Duration
	now              func() time.Time
}

// NewGovernor creates a governor over the given window and queue repositories.
func NewGovernor(windows store.WindowRepo, queue store.QueueRepo, dispatcher Dispatcher, opts ...Option) *Governor {
	cfg := Opts{
		WindowDuration:   DefaultWindowDuration,
		ReengageGrace:    DefaultReengageGrace,
		ReengageTemplate: "reengage_default",
		RetryAttempts:    3,
		RetryBase:        500 * time.Millisecond,
		Clock:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Governor{
		windows:          windows,
		queue:            queue,
		dispatcher:       dispatcher,
		windowDuration:   cfg.WindowDuration,
		reengageGrace:    cfg.ReengageGrace,
		reengageTemplate: cfg.ReengageTemplate,
		retryAttempts:    cfg.RetryAttempts,
		retryBase:        cfg.RetryBase,
		now:              cfg.Clock,
	}
}

// sendWithBackoff retries one dispatch call with exponential backoff. Only the
// network send is retried; interpreter steps never re-run for a retry.
func (g *Governor) sendWithBackoff(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := g.retryBase * time.Duration(1<<(attempt-1))
			slog.Debug("Governor retry", "op", op, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		slog.Debug("Governor retry attempt failed", "op", op, "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

// RecordInbound records a customer message timestamp, reopening the window.
// The timestamp is monotonic: an older or duplicate delivery never moves the
// window backwards, so the call is idempotent.
func (g *Governor) RecordInbound(conversationID string, at time.Time) error {
	state, err := g.windows.GetWindowState(conversationID)
	if err != nil {
		return fmt.Errorf("load window state %s: %w", conversationID, err)
	}
	if state == nil {
		state = &models.WindowState{ConversationID: conversationID}
	}
	if state.LastInboundAt != nil && !at.After(*state.LastInboundAt) {
		slog.Debug("Governor.RecordInbound: stale timestamp ignored",
			"conversationID", conversationID, "at", at, "lastInboundAt", *state.LastInboundAt)
		return nil
	}
	state.LastInboundAt = &at
	state.UpdatedAt = g.now()
	if err := g.windows.SaveWindowState(*state); err != nil {
		return fmt.Errorf("save window state %s: %w", conversationID, err)
	}
	slog.Debug("Governor.RecordInbound: window updated", "conversationID", conversationID, "at", at)
	return nil
}

// IsWindowOpen reports whether free-form sends are currently allowed.
func (g *Governor) IsWindowOpen(conversationID string) (bool, error) {
	state, err := g.windows.GetWindowState(conversationID)
	if err != nil {
		return false, fmt.Errorf("load window state %s: %w", conversationID, err)
	}
	return state.OpenAt(g.now(), g.windowDuration), nil
}

// TrySend delivers body immediately when the window is open, otherwise queues
// it in FIFO order. Dispatch failures on an open window are returned to the
// caller for retry; nothing is queued in that case.
func (g *Governor) TrySend(ctx context.Context, conversationID, recipient, body, enqueuedBy string) (SendResult, error) {
	open, err := g.IsWindowOpen(conversationID)
	if err != nil {
		return SendResult{}, err
	}

	if open {
		err := g.sendWithBackoff(ctx, "SendMessage", func() error {
			return g.dispatcher.SendMessage(ctx, recipient, body)
		})
		if err != nil {
			return SendResult{}, fmt.Errorf("dispatch to %s: %w", recipient, err)
		}
		slog.Debug("Governor.TrySend: sent", "conversationID", conversationID)
		return SendResult{}, nil
	}

	position, err := g.queue.EnqueueMessage(models.QueuedMessage{
		ID:             util.GenerateMessageID(),
		ConversationID: conversationID,
		Recipient:      recipient,
		Body:           body,
		EnqueuedAt:     g.now(),
		EnqueuedBy:     enqueuedBy,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("enqueue for %s: %w", conversationID, err)
	}
	slog.Info("Governor.TrySend: window closed, queued",
		"conversationID", conversationID, "position", position)
	return SendResult{Queued: true, Position: position}, nil
}

// FlushQueue sends queued messages in order while the window is open. A
// failed send does not block the rest of the queue: the message stays queued
// at its original position, ahead of anything enqueued later, and the flush
// moves on. Returns how many messages were sent and how many failed.
func (g *Governor) FlushQueue(ctx context.Context, conversationID string) (FlushResult, error) {
	open, err := g.IsWindowOpen(conversationID)
	if err != nil {
		return FlushResult{}, err
	}
	if !open {
		slog.Debug("Governor.FlushQueue: window closed, nothing flushed", "conversationID", conversationID)
		return FlushResult{}, nil
	}

	msgs, err := g.queue.ListQueuedMessages(conversationID)
	if err != nil {
		return FlushResult{}, fmt.Errorf("list queue %s: %w", conversationID, err)
	}

	var res FlushResult
	for _, m := range msgs {
		sendErr := g.sendWithBackoff(ctx, "SendMessage", func() error {
			return g.dispatcher.SendMessage(ctx, m.Recipient, m.Body)
		})
		if sendErr != nil {
			slog.Error("Governor.FlushQueue: dispatch failed, message stays queued",
				"conversationID", conversationID, "messageID", m.ID, "error", sendErr)
			res.Failed++
			continue
		}
		if err := g.queue.DeleteQueuedMessage(m.ID); err != nil {
			return res, fmt.Errorf("dequeue %s: %w", m.ID, err)
		}
		res.Sent++
	}
	if res.Sent > 0 || res.Failed > 0 {
		slog.Info("Governor.FlushQueue: queue flushed",
			"conversationID", conversationID, "sent", res.Sent, "failed", res.Failed)
	}
	return res, nil
}

// ShouldReengage reports whether the conversation qualifies for a
// re-engagement template: the queue is non-empty, the window has been closed
// longer than the grace period, and no re-engagement was sent since the
// window closed.
func (g *Governor) ShouldReengage(conversationID string) (bool, error) {
	count, err := g.queue.CountQueuedMessages(conversationID)
	if err != nil {
		return false, fmt.Errorf("count queue %s: %w", conversationID, err)
	}
	if count == 0 {
		return false, nil
	}

	state, err := g.windows.GetWindowState(conversationID)
	if err != nil {
		return false, fmt.Errorf("load window state %s: %w", conversationID, err)
	}
	now := g.now()
	if state.OpenAt(now, g.windowDuration) {
		return false, nil
	}

	// closedAt is when the window shut; for never-contacted conversations the
	// first enqueue stands in, since there was never an open window.
	var closedAt time.Time
	if state != nil && state.LastInboundAt != nil {
		closedAt = state.LastInboundAt.Add(g.windowDuration)
	} else {
		msgs, err := g.queue.ListQueuedMessages(conversationID)
		if err != nil {
			return false, fmt.Errorf("list queue %s: %w", conversationID, err)
		}
		if len(msgs) == 0 {
			return false, nil
		}
		closedAt = msgs[0].EnqueuedAt
	}

	if now.Sub(closedAt) < g.reengageGrace {
		return false, nil
	}
	if state != nil && state.LastReengagedAt != nil && state.LastReengagedAt.After(closedAt) {
		return false, nil
	}
	return true, nil
}

// SendReengagement dispatches the approved re-engagement template and records
// the attempt so the conversation is not re-engaged again until the window
// cycles.
func (g *Governor) SendReengagement(ctx context.Context, conversationID string) error {
	_, customerID, err := models.SplitConversationID(conversationID)
	if err != nil {
		return err
	}

	err = g.sendWithBackoff(ctx, "SendTemplate", func() error {
		return g.dispatcher.SendTemplate(ctx, customerID, g.reengageTemplate, nil)
	})
	if err != nil {
		return fmt.Errorf("send re-engagement to %s: %w", conversationID, err)
	}

	state, err := g.windows.GetWindowState(conversationID)
	if err != nil {
		return fmt.Errorf("load window state %s: %w", conversationID, err)
	}
	if state == nil {
		state = &models.WindowState{ConversationID: conversationID}
	}
	now := g.now()
	state.LastReengagedAt = &now
	state.UpdatedAt = now
	if err := g.windows.SaveWindowState(*state); err != nil {
		return fmt.Errorf("save window state %s: %w", conversationID, err)
	}
	slog.Info("Governor.SendReengagement: template sent", "conversationID", conversationID)
	return nil
}

// Status returns the read-only window snapshot for dashboards.
func (g *Governor) Status(conversationID string) (models.WindowStatus, error) {
	state, err := g.windows.GetWindowState(conversationID)
	if err != nil {
		return models.WindowStatus{}, fmt.Errorf("load window state %s: %w", conversationID, err)
	}
	count, err := g.queue.CountQueuedMessages(conversationID)
	if err != nil {
		return models.WindowStatus{}, fmt.Errorf("count queue %s: %w", conversationID, err)
	}

	status := models.WindowStatus{
		ConversationID: conversationID,
		Open:           state.OpenAt(g.now(), g.windowDuration),
		QueuedCount:    count,
	}
	if state != nil {
		status.LastInboundAt = state.LastInboundAt
		status.LastReengagedAt = state.LastReengagedAt
		if state.LastInboundAt != nil {
			expires := state.LastInboundAt.Add(g.windowDuration)
			status.ExpiresAt = &expires
		}
	}
	return status, nil
}
