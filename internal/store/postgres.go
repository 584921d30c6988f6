package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/util"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres connection pool")
	return s.db.Close()
}

// --- DefinitionRepo ---

func (s *PostgresStore) SaveDefinition(def models.WorkflowDefinition) error {
	triggersJSON, nodesJSON, edgesJSON, err := encodeDefinition(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO workflow_definitions (id, version, tenant_id, name, active, start_node_id, triggers_json, nodes_json, edges_json, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		def.ID, def.Version, def.TenantID, def.Name, def.Active, def.StartNodeID,
		triggersJSON, nodesJSON, edgesJSON, def.PublishedAt, def.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveDefinition failed", "error", err, "id", def.ID, "version", def.Version)
		return fmt.Errorf("save definition %s v%d: %w", def.ID, def.Version, err)
	}
	return nil
}

func (s *PostgresStore) GetDefinition(id string, version int) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1 AND version = $2`,
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

func (s *PostgresStore) GetLatestVersion(tenantID, name string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(version) FROM workflow_definitions WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest version for %s/%s: %w", tenantID, name, err)
	}
	return int(version.Int64), nil
}

func (s *PostgresStore) ListActiveDefinitions(tenantID string) ([]models.WorkflowDefinition, error) {
	rows, err := s.db.Query(
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE tenant_id = $1 AND active = TRUE ORDER BY published_at ASC, version ASC`,
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

func (s *PostgresStore) DeactivateDefinitions(tenantID, name string) error {
	_, err := s.db.Exec(
		`UPDATE workflow_definitions SET active = FALSE WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	)
	if err != nil {
		return fmt.Errorf("deactivate definitions %s/%s: %w", tenantID, name, err)
	}
	return nil
}

// --- SessionRepo ---

func (s *PostgresStore) SaveSession(sess models.ConversationSession) error {
	variablesJSON, tagsJSON, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO conversation_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   current_node_id = EXCLUDED.current_node_id,
		   variables_json = EXCLUDED.variables_json,
		   tags_json = EXCLUDED.tags_json,
		   step_count = EXCLUDED.step_count,
		   status = EXCLUDED.status,
		   status_reason = EXCLUDED.status_reason,
		   last_activity_at = EXCLUDED.last_activity_at,
		   updated_at = EXCLUDED.updated_at,
		   archived_at = EXCLUDED.archived_at`,
		sess.ID, sess.TenantID, sess.CustomerID, sess.DefinitionID, sess.DefinitionVersion,
		sess.CurrentNodeID, nilIfEmpty(variablesJSON), nilIfEmpty(tagsJSON), sess.StepCount,
		string(sess.Status.OrDefault()), nilIfEmpty(sess.StatusReason), sess.LastActivityAt,
		sess.CreatedAt, sess.UpdatedAt, nilIfZeroTime(sess.ArchivedAt),
	)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM conversation_sessions WHERE id = $1`, id,
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

func (s *PostgresStore) GetOpenSession(tenantID, customerID string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM conversation_sessions
		 WHERE tenant_id = $1 AND customer_id = $2 AND archived_at IS NULL
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

func (s *PostgresStore) GetWindowState(conversationID string) (*models.WindowState, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, last_inbound_at, last_reengaged_at, updated_at FROM window_states WHERE conversation_id = $1`,
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

func (s *PostgresStore) SaveWindowState(w models.WindowState) error {
	_, err := s.db.Exec(
		`INSERT INTO window_states (conversation_id, last_inbound_at, last_reengaged_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   last_inbound_at = EXCLUDED.last_inbound_at,
		   last_reengaged_at = EXCLUDED.last_reengaged_at,
		   updated_at = EXCLUDED.updated_at`,
		w.ConversationID, nilIfZeroTime(w.LastInboundAt), nilIfZeroTime(w.LastReengagedAt), w.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveWindowState failed", "error", err, "conversationID", w.ConversationID)
		return fmt.Errorf("save window state %s: %w", w.ConversationID, err)
	}
	return nil
}

// --- QueueRepo ---

func (s *PostgresStore) EnqueueMessage(m models.QueuedMessage) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("enqueue begin tx: %w", err)
	}
	defer tx.Rollback()

	var position int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(position), 0) + 1 FROM queued_messages WHERE conversation_id = $1`,
		m.ConversationID,
	).Scan(&position); err != nil {
		return 0, fmt.Errorf("enqueue next position: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO queued_messages (id, conversation_id, recipient, body, enqueued_at, enqueued_by, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.Recipient, m.Body, m.EnqueuedAt, nilIfEmpty(m.EnqueuedBy), position,
	); err != nil {
		return 0, fmt.Errorf("enqueue message %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue commit: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) ListQueuedMessages(conversationID string) ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, recipient, body, enqueued_at, enqueued_by, position
		 FROM queued_messages WHERE conversation_id = $1 ORDER BY position ASC`,
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

func (s *PostgresStore) DeleteQueuedMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM queued_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queued message %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CountQueuedMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages WHERE conversation_id = $1`, conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued messages %s: %w", conversationID, err)
	}
	return count, nil
}

func (s *PostgresStore) ListQueuedConversations() ([]string, error) {
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

func (s *PostgresStore) SaveProduct(p models.Product) error {
	_, err := s.db.Exec(
		`INSERT INTO products (`+productColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   type = EXCLUDED.type,
		   price_cents = EXCLUDED.price_cents,
		   currency = EXCLUDED.currency,
		   active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.TenantID, p.Name, nilIfEmpty(p.Type), p.PriceCents, nilIfEmpty(p.Currency),
		p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save product %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetProductsByIDs(tenantID string, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tenantID)
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, id)
	}
	rows, err := s.db.Query(
		`SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND active = TRUE AND id IN (`+strings.Join(placeholders, ", ")+`)`,
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

	var products []models.Product
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (s *PostgresStore) GetProductsByPriceRange(tenantID string, minCents, maxCents int64) ([]models.Product, error) {
	rows, err := s.db.Query(
		`SELECT `+productColumns+` FROM products
		 WHERE tenant_id = $1 AND active = TRUE AND price_cents >= $2 AND price_cents <= $3
		 ORDER BY price_cents ASC`,
		tenantID, minCents, maxCents,
	)
	if err != nil {
		return nil, fmt.Errorf("get products by price range: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) GetProductsByType(tenantID, productType string) ([]models.Product, error) {
	rows, err := s.db.Query(
		`SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND active = TRUE AND type = $2 ORDER BY name ASC`,
		tenantID, productType,
	)
	if err != nil {
		return nil, fmt.Errorf("get products by type: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

// --- JobRepo ---

func (s *PostgresStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = $1 AND status NOT IN ('done', 'canceled', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, 3, $5, $6, $7)`,
		id, kind, runAt, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent pollers from double-claiming.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= $1
		 ORDER BY run_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	rows.Close()

	for i := range jobs {
		if _, err := tx.Exec(
			`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $2 WHERE id = $3`,
			now, now, jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	now := time.Now()
	_, err := s.db.Exec(`UPDATE jobs SET status = 'done', updated_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = $1`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'failed', attempt = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'queued', attempt = $1, last_error = $2, run_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			attempt, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJob(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = $1 WHERE id = $2`, now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJobsByDedupeKey(dedupeKey string) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = $1
		 WHERE dedupe_key = $2 AND status NOT IN ('done', 'canceled', 'failed')`,
		now, dedupeKey,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by dedupe key failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'running' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
