package store

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/util"
)

// InMemoryStore implements Store with in-process maps. It is used by tests
// and by deployments that do not need persistence.
type InMemoryStore struct {
	mu          sync.Mutex
	definitions map[string]models.WorkflowDefinition // key: id|version
	sessions    map[string]models.ConversationSession
	windows     map[string]models.WindowState
	queued      map[string][]models.QueuedMessage // key: conversation_id, ordered by position
	products    map[string]models.Product
	jobs        map[string]Job
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]models.WorkflowDefinition),
		sessions:    make(map[string]models.ConversationSession),
		windows:     make(map[string]models.WindowState),
		queued:      make(map[string][]models.QueuedMessage),
		products:    make(map[string]models.Product),
		jobs:        make(map[string]Job),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func defKey(id string, version int) string {
	return id + "|" + strconv.Itoa(version)
}

// --- DefinitionRepo ---

func (s *InMemoryStore) SaveDefinition(def models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[defKey(def.ID, def.Version)] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(id string, version int) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[defKey(id, version)]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *InMemoryStore) GetLatestVersion(tenantID, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.Name == name && def.Version > latest {
			latest = def.Version
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListActiveDefinitions(tenantID string) ([]models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var defs []models.WorkflowDefinition
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.Active {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].PublishedAt.Equal(defs[j].PublishedAt) {
			return defs[i].PublishedAt.Before(defs[j].PublishedAt)
		}
		return defs[i].Version < defs[j].Version
	})
	return defs, nil
}

func (s *InMemoryStore) DeactivateDefinitions(tenantID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, def := range s.definitions {
		if def.TenantID == tenantID && def.Name == name && def.Active {
			def.Active = false
			s.definitions[key] = def
		}
	}
	return nil
}

// --- SessionRepo ---

func (s *InMemoryStore) SaveSession(sess models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *InMemoryStore) GetOpenSession(tenantID, customerID string) (*models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.ConversationSession
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.CustomerID != customerID || sess.ArchivedAt != nil {
			continue
		}
		if found == nil || sess.CreatedAt.After(found.CreatedAt) {
			sessCopy := sess
			found = &sessCopy
		}
	}
	return found, nil
}

// --- WindowRepo ---

func (s *InMemoryStore) GetWindowState(conversationID string) (*models.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[conversationID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *InMemoryStore) SaveWindowState(w models.WindowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.ConversationID] = w
	return nil
}

// --- QueueRepo ---

func (s *InMemoryStore) EnqueueMessage(m models.QueuedMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxPos int64
	for _, existing := range s.queued[m.ConversationID] {
		if existing.Position > maxPos {
			maxPos = existing.Position
		}
	}
	m.Position = maxPos + 1
	s.queued[m.ConversationID] = append(s.queued[m.ConversationID], m)
	return m.Position, nil
}

func (s *InMemoryStore) ListQueuedMessages(conversationID string) ([]models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]models.QueuedMessage, len(s.queued[conversationID]))
	copy(msgs, s.queued[conversationID])
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Position < msgs[j].Position })
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs, nil
}

func (s *InMemoryStore) DeleteQueuedMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, msgs := range s.queued {
		for i, m := range msgs {
			if m.ID == id {
				s.queued[convID] = append(msgs[:i], msgs[i+1:]...)
				if len(s.queued[convID]) == 0 {
					delete(s.queued, convID)
				}
				return nil
			}
		}
	}
	return nil
}

func (s *InMemoryStore) CountQueuedMessages(conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued[conversationID]), nil
}

func (s *InMemoryStore) ListQueuedConversations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for convID := range s.queued {
		ids = append(ids, convID)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- ProductRepo ---

func (s *InMemoryStore) SaveProduct(p models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetProductsByIDs(tenantID string, ids []string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var products []models.Product
	for _, id := range ids {
		p, ok := s.products[id]
		if ok && p.TenantID == tenantID && p.Active {
			products = append(products, p)
		}
	}
	return products, nil
}

func (s *InMemoryStore) GetProductsByPriceRange(tenantID string, minCents, maxCents int64) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var products []models.Product
	for _, p := range s.products {
		if p.TenantID == tenantID && p.Active && p.PriceCents >= minCents && p.PriceCents <= maxCents {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].PriceCents < products[j].PriceCents })
	return products, nil
}

func (s *InMemoryStore) GetProductsByType(tenantID, productType string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var products []models.Product
	for _, p := range s.products {
		if p.TenantID == tenantID && p.Active && p.Type == productType {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

// --- JobRepo ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled && j.Status != JobStatusFailed {
				return j.ID, nil
			}
		}
	}

	now := time.Now()
	job := Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: 3,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = JobStatusRunning
		lockedAt := now
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.UpdatedAt = time.Now()
		s.jobs[id] = j
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
		s.jobs[id] = j
	}
	return nil
}

func (s *InMemoryStore) CancelJobsByDedupeKey(dedupeKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, j := range s.jobs {
		if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled && j.Status != JobStatusFailed {
			j.Status = JobStatusCanceled
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			s.jobs[id] = j
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			s.jobs[id] = j
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}
