// Package scheduler turns persisted timestamps into events. Wait timeouts are
// durable jobs that survive restarts; re-engagement is a periodic sweep over
// conversations with queued messages. Neither holds timers in memory.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowssist/flowssist/internal/store"
)

// Job kinds executed by the runner.
const (
	// JobKindWaitTimeout fires when a wait_response timeout elapses.
	JobKindWaitTimeout = "wait_timeout"
)

// WaitTimeoutPayload is the JSON payload of a wait_timeout job.
type WaitTimeoutPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// timeoutDedupeKey keys a conversation's pending timeout so arming twice is
// a no-op and a reply can disarm it.
func timeoutDedupeKey(conversationID string) string {
	return "timeout:" + conversationID
}

// TimeoutHandler receives fired wait_response timeouts. Implemented by the
// conversation orchestrator; handlers re-check session status so a timer that
// raced a customer reply is a no-op.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, sessionID string) error
}

// Reengager is the governor surface the re-engagement sweep drives.
type Reengager interface {
	ShouldReengage(conversationID string) (bool, error)
	SendReengagement(ctx context.Context, conversationID string) error
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	PollInterval time.Duration
	SweepSpec    string
}

// Option configures the scheduler.
type Option func(*Opts)

// WithPollInterval overrides how often the job runner polls for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithSweepSpec overrides the cron spec of the re-engagement sweep.
func WithSweepSpec(spec string) Option {
	return func(o *Opts) { o.SweepSpec = spec }
}

// Scheduler owns the durable job runner and the re-engagement cron sweep.
type Scheduler struct {
	st        store.Store
	runner    *store.JobRunner
	cron      *cron.Cron
	timeouts  TimeoutHandler
	reengager Reengager
	sweepSpec string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewScheduler creates a scheduler. timeouts handles fired wait_response
// timers; reengager is consulted by the periodic sweep.
func NewScheduler(st store.Store, timeouts TimeoutHandler, reengager Reengager, opts ...Option) *Scheduler {
	cfg := Opts{
		PollInterval: 5 * time.Second,
		SweepSpec:    "*/10 * * * *",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Scheduler{
		st:        st,
		runner:    store.NewJobRunner(st, cfg.PollInterval),
		cron:      cron.New(),
		timeouts:  timeouts,
		reengager: reengager,
		sweepSpec: cfg.SweepSpec,
	}
	s.runner.RegisterHandler(JobKindWaitTimeout, s.handleWaitTimeout)
	return s
}

// ArmTimeout schedules a durable wait_response timeout. Re-arming the same
// conversation is a no-op through the dedupe key; the existing timer stands.
func (s *Scheduler) ArmTimeout(sessionID, conversationID string, after time.Duration) error {
	payload, err := json.Marshal(WaitTimeoutPayload{
		SessionID:      sessionID,
		ConversationID: conversationID,
	})
	if err != nil {
		return fmt.Errorf("marshal timeout payload: %w", err)
	}
	runAt := time.Now().Add(after)
	jobID, err := s.st.EnqueueJob(JobKindWaitTimeout, runAt, string(payload), timeoutDedupeKey(conversationID))
	if err != nil {
		return fmt.Errorf("arm timeout for %s: %w", conversationID, err)
	}
	slog.Debug("Scheduler.ArmTimeout: timer armed",
		"conversationID", conversationID, "sessionID", sessionID, "runAt", runAt, "jobID", jobID)
	return nil
}

// CancelTimeout disarms any pending timeout for the conversation, typically
// because the customer replied or the session terminated.
func (s *Scheduler) CancelTimeout(conversationID string) error {
	n, err := s.st.CancelJobsByDedupeKey(timeoutDedupeKey(conversationID))
	if err != nil {
		return fmt.Errorf("cancel timeout for %s: %w", conversationID, err)
	}
	if n > 0 {
		slog.Debug("Scheduler.CancelTimeout: timer disarmed", "conversationID", conversationID, "canceled", n)
	}
	return nil
}

func (s *Scheduler) handleWaitTimeout(ctx context.Context, payloadJSON string) error {
	var payload WaitTimeoutPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decode timeout payload: %w", err)
	}
	return s.timeouts.HandleTimeout(ctx, payload.SessionID)
}

// sweepReengagements checks every conversation with queued messages and
// sends re-engagement templates where the policy allows.
func (s *Scheduler) sweepReengagements(ctx context.Context) {
	convs, err := s.st.ListQueuedConversations()
	if err != nil {
		slog.Error("Scheduler.sweepReengagements: list failed", "error", err)
		return
	}
	for _, convID := range convs {
		should, err := s.reengager.ShouldReengage(convID)
		if err != nil {
			slog.Error("Scheduler.sweepReengagements: check failed", "conversationID", convID, "error", err)
			continue
		}
		if !should {
			continue
		}
		if err := s.reengager.SendReengagement(ctx, convID); err != nil {
			slog.Error("Scheduler.sweepReengagements: send failed", "conversationID", convID, "error", err)
			continue
		}
		slog.Info("Scheduler.sweepReengagements: re-engagement sent", "conversationID", convID)
	}
}

// Start recovers stale jobs left running by a crash, then starts the polling
// runner and the cron sweep. It returns immediately.
func (s *Scheduler) Start() error {
	if err := s.runner.RecoverStaleJobs(); err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.runner.Run(ctx)
	}()

	if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.sweepReengagements(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule re-engagement sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("Scheduler.Start: scheduler running", "sweepSpec", s.sweepSpec)
	return nil
}

// Stop halts the runner and the cron sweep, waiting for in-flight work.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if s.done != nil {
		<-s.done
	}
	slog.Info("Scheduler.Stop: scheduler stopped")
}
