package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/store"
)

type mockTimeoutHandler struct {
	mu       sync.Mutex
	sessions []string
}

func (m *mockTimeoutHandler) HandleTimeout(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, sessionID)
	return nil
}

type mockReengager struct {
	mu     sync.Mutex
	should map[string]bool
	sent   []string
}

func (m *mockReengager) ShouldReengage(conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.should[conversationID], nil
}

func (m *mockReengager) SendReengagement(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, conversationID)
	return nil
}

func TestArmTimeoutDedupe(t *testing.T) {
	st := store.NewInMemoryStore()
	sched := NewScheduler(st, &mockTimeoutHandler{}, &mockReengager{})

	if err := sched.ArmTimeout("s1", "t1:cust", time.Hour); err != nil {
		t.Fatalf("ArmTimeout failed: %v", err)
	}
	// Arming again while the first timer is pending must not add a second job.
	if err := sched.ArmTimeout("s1", "t1:cust", 2*time.Hour); err != nil {
		t.Fatalf("second ArmTimeout failed: %v", err)
	}

	jobs, err := st.ClaimDueJobs(time.Now().Add(3*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 pending timer, got %d", len(jobs))
	}

	var payload WaitTimeoutPayload
	if err := json.Unmarshal([]byte(jobs[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.SessionID != "s1" || payload.ConversationID != "t1:cust" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestCancelTimeout(t *testing.T) {
	st := store.NewInMemoryStore()
	sched := NewScheduler(st, &mockTimeoutHandler{}, &mockReengager{})

	if err := sched.ArmTimeout("s1", "t1:cust", time.Hour); err != nil {
		t.Fatalf("ArmTimeout failed: %v", err)
	}
	if err := sched.CancelTimeout("t1:cust"); err != nil {
		t.Fatalf("CancelTimeout failed: %v", err)
	}

	jobs, err := st.ClaimDueJobs(time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no claimable timers after cancel, got %d", len(jobs))
	}

	// Canceling a conversation with no pending timer is fine.
	if err := sched.CancelTimeout("t1:other"); err != nil {
		t.Errorf("CancelTimeout for unknown conversation failed: %v", err)
	}
}

func TestHandleWaitTimeoutDispatch(t *testing.T) {
	st := store.NewInMemoryStore()
	handler := &mockTimeoutHandler{}
	sched := NewScheduler(st, handler, &mockReengager{})

	payload, _ := json.Marshal(WaitTimeoutPayload{SessionID: "s42", ConversationID: "t1:cust"})
	if err := sched.handleWaitTimeout(context.Background(), string(payload)); err != nil {
		t.Fatalf("handleWaitTimeout failed: %v", err)
	}
	if len(handler.sessions) != 1 || handler.sessions[0] != "s42" {
		t.Errorf("expected session s42 dispatched, got %v", handler.sessions)
	}

	if err := sched.handleWaitTimeout(context.Background(), "not json"); err == nil {
		t.Error("expected error on malformed payload")
	}
}

func TestSweepReengagements(t *testing.T) {
	st := store.NewInMemoryStore()
	reengager := &mockReengager{should: map[string]bool{"t1:due": true, "t1:fresh": false}}
	sched := NewScheduler(st, &mockTimeoutHandler{}, reengager)

	for i, convID := range []string{"t1:due", "t1:fresh"} {
		msg := models.QueuedMessage{
			ID:             "m_sweep" + string(rune('a'+i)),
			ConversationID: convID,
			Recipient:      "+15550001111",
			Body:           "held",
			EnqueuedAt:     time.Now(),
		}
		if _, err := st.EnqueueMessage(msg); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	sched.sweepReengagements(context.Background())

	if len(reengager.sent) != 1 || reengager.sent[0] != "t1:due" {
		t.Errorf("expected only t1:due re-engaged, got %v", reengager.sent)
	}
}
