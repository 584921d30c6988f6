// Package store provides storage backends for flowssist.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// --- DefinitionRepo ---

func (s *SQLiteStore) SaveDefinition(def models.WorkflowDefinition) error {
	triggersJSON, nodesJSON, edgesJSON, err := encodeDefinition(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO workflow_definitions (id, version, tenant_id, name, active, start_node_id, triggers_json, nodes_json, edges_json, published_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.TenantID, def.Name, def.Active, def.StartNodeID,
		triggersJSON, nodesJSON, edgesJSON, def.PublishedAt, def.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveDefinition failed", "error", err, "id", def.ID, "version", def.Version)
		return fmt.Errorf("save definition %s v%d: %w", def.ID, def.Version, err)
	}
	slog.Debug("SQLiteStore.SaveDefinition", "id", def.ID, "version", def.Version, "tenant", def.TenantID)
	return nil
}

const definitionColumns = `id, version, tenant_id, name, active, start_node_id, triggers_json, nodes_json, edges_json, published_at, created_at`

func (s *SQLiteStore) GetDefinition(id string, version int) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ? AND version = ?`,
		id, version,
	)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s v%d: %w", id, version, err)
	}
	return &def, nil
}

func (s *SQLiteStore) GetLatestVersion(tenantID, name string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(version) FROM workflow_definitions WHERE tenant_id = ? AND name = ?`,
		tenantID, name,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest version for %s/%s: %w", tenantID, name, err)
	}
	return int(version.Int64), nil
}

func (s *SQLiteStore) ListActiveDefinitions(tenantID string) ([]models.WorkflowDefinition, error) {
	rows, err := s.db.Query(
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE tenant_id = ? AND active = 1 ORDER BY published_at ASC, version ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active definitions for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var defs []models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition row: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definition rows: %w", err)
	}
	return defs, nil
}

func (s *SQLiteStore) DeactivateDefinitions(tenantID, name string) error {
	_, err := s.db.Exec(
		`UPDATE workflow_definitions SET active = 0 WHERE tenant_id = ? AND name = ?`,
		tenantID, name,
	)
	if err != nil {
		return fmt.Errorf("deactivate definitions %s/%s: %w", tenantID, name, err)
	}
	return nil
}

// --- SessionRepo ---

const sessionColumns = `id, tenant_id, customer_id, definition_id, definition_version, current_node_id, variables_json, tags_json, step_count, status, status_reason, last_activity_at, created_at, updated_at, archived_at`

func (s *SQLiteStore) SaveSession(sess models.ConversationSession) error {
	variablesJSON, tagsJSON, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO conversation_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.CustomerID, sess.DefinitionID, sess.DefinitionVersion,
		sess.CurrentNodeID, nilIfEmpty(variablesJSON), nilIfEmpty(tagsJSON), sess.StepCount,
		string(sess.Status.OrDefault()), nilIfEmpty(sess.StatusReason), sess.LastActivityAt,
		sess.CreatedAt, sess.UpdatedAt, nilIfZeroTime(sess.ArchivedAt),
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore.SaveSession", "sessionID", sess.ID, "status", sess.Status, "node", sess.CurrentNodeID)
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM conversation_sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetOpenSession(tenantID, customerID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM conversation_sessions
		 WHERE tenant_id = ? AND customer_id = ? AND archived_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, customerID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open session %s/%s: %w", tenantID, customerID, err)
	}
	return &sess, nil
}

// --- WindowRepo ---

func (s *SQLiteStore) GetWindowState(conversationID string) (*models.WindowState, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, last_inbound_at, last_reengaged_at, updated_at FROM window_states WHERE conversation_id = ?`,
		conversationID,
	)
	w, err := scanWindowState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get window state %s: %w", conversationID, err)
	}
	return &w, nil
}

func (s *SQLiteStore) SaveWindowState(w models.WindowState) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO window_states (conversation_id, last_inbound_at, last_reengaged_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		w.ConversationID, nilIfZeroTime(w.LastInboundAt), nilIfZeroTime(w.LastReengagedAt), w.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveWindowState failed", "error", err, "conversationID", w.ConversationID)
		return fmt.Errorf("save window state %s: %w", w.ConversationID, err)
	}
	return nil
}

// --- QueueRepo ---

func (s *SQLiteStore) EnqueueMessage(m models.QueuedMessage) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("enqueue begin tx: %w", err)
	}
	defer tx.Rollback()

	var position int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(position), 0) + 1 FROM queued_messages WHERE conversation_id = ?`,
		m.ConversationID,
	).Scan(&position); err != nil {
		return 0, fmt.Errorf("enqueue next position: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO queued_messages (id, conversation_id, recipient, body, enqueued_at, enqueued_by, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Recipient, m.Body, m.EnqueuedAt, nilIfEmpty(m.EnqueuedBy), position,
	); err != nil {
		return 0, fmt.Errorf("enqueue message %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue commit: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueMessage", "conversationID", m.ConversationID, "position", position)
	return position, nil
}

func (s *SQLiteStore) ListQueuedMessages(conversationID string) ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, recipient, body, enqueued_at, enqueued_by, position
		 FROM queued_messages WHERE conversation_id = ? ORDER BY position ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued messages %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []models.QueuedMessage
	for rows.Next() {
		m, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) DeleteQueuedMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM queued_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queued message %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CountQueuedMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages WHERE conversation_id = ?`, conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued messages %s: %w", conversationID, err)
	}
	return count, nil
}

func (s *SQLiteStore) ListQueuedConversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT conversation_id FROM queued_messages`)
	if err != nil {
		return nil, fmt.Errorf("list queued conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queued conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued conversations: %w", err)
	}
	return ids, nil
}

// --- ProductRepo ---

const productColumns = `id, tenant_id, name, type, price_cents, currency, active, created_at, updated_at`

func (s *SQLiteStore) SaveProduct(p models.Product) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, nilIfEmpty(p.Type), p.PriceCents, nilIfEmpty(p.Currency),
		p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save product %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetProductsByIDs(tenantID string, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.Query(
		`SELECT `+productColumns+` FROM products WHERE tenant_id = ? AND active = 1 AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get products by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Product)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	// Preserve the requested id order.
	var products []models.Product
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (s *SQLiteStore) GetProductsByPriceRange(tenantID string, minCents, maxCents int64) ([]models.Product, error) {
	rows, err := s.db.Query(
		`SELECT `+productColumns+` FROM products
		 WHERE tenant_id = ? AND active = 1 AND price_cents >= ? AND price_cents <= ?
		 ORDER BY price_cents ASC`,
		tenantID, minCents, maxCents,
	)
	if err != nil {
		return nil, fmt.Errorf("get products by price range: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *SQLiteStore) GetProductsByType(tenantID, productType string) ([]models.Product, error) {
	rows, err := s.db.Query(
		`SELECT `+productColumns+` FROM products WHERE tenant_id = ? AND active = 1 AND type = ? ORDER BY name ASC`,
		tenantID, productType,
	)
	if err != nil {
		return nil, fmt.Errorf("get products by type: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func collectProducts(rows *sql.Rows) ([]models.Product, error) {
	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// --- JobRepo ---

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, 3, ?, ?, ?)`,
		id, kind, runAt, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	for i := range jobs {
		_, err := s.db.Exec(
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
	}

	return jobs, nil
}

func (s *SQLiteStore) CompleteJob(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelJob(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelJobsByDedupeKey(dedupeKey string) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ?
		 WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`,
		now, dedupeKey,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by dedupe key failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
