// Package store provides storage backends for flowssist.
//
// It defines repository interfaces for workflow definitions, conversation
// sessions, window state, the deferred-message queue, durable jobs, and the
// product catalog, with SQLite, PostgreSQL, and in-memory implementations.
package store

import (
	"strings"

	"github.com/flowssist/flowssist/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite,
	// postgres:// URL or key=value DSN for PostgreSQL).
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// DefinitionRepo persists workflow definitions. Definitions are immutable
// once published; new revisions insert new rows.
type DefinitionRepo interface {
	// SaveDefinition inserts a definition row. It never updates published rows.
	SaveDefinition(def models.WorkflowDefinition) error

	// GetDefinition retrieves one definition by id and version.
	GetDefinition(id string, version int) (*models.WorkflowDefinition, error)

	// GetLatestVersion returns the highest published version for a tenant's
	// named workflow, or 0 when none exists.
	GetLatestVersion(tenantID, name string) (int, error)

	// ListActiveDefinitions returns the tenant's active definitions in
	// publication order (trigger precedence order).
	ListActiveDefinitions(tenantID string) ([]models.WorkflowDefinition, error)

	// DeactivateDefinitions clears the active flag on all versions of a
	// tenant's named workflow. Used before activating a new revision.
	DeactivateDefinitions(tenantID, name string) error
}

// SessionRepo persists conversation sessions. Sessions are archived, never
// deleted.
type SessionRepo interface {
	// SaveSession inserts or updates a session.
	SaveSession(s models.ConversationSession) error

	// GetSession retrieves a session by id, or nil when not found.
	GetSession(id string) (*models.ConversationSession, error)

	// GetOpenSession retrieves the non-archived session for a (tenant,
	// customer) conversation, or nil when none exists.
	GetOpenSession(tenantID, customerID string) (*models.ConversationSession, error)
}

// WindowRepo persists per-conversation window state.
type WindowRepo interface {
	// GetWindowState retrieves window state, or nil when the conversation has
	// never been seen.
	GetWindowState(conversationID string) (*models.WindowState, error)

	// SaveWindowState inserts or updates window state.
	SaveWindowState(w models.WindowState) error
}

// QueueRepo persists the FIFO queue of deferred outbound messages.
type QueueRepo interface {
	// EnqueueMessage appends a message to the conversation's queue and
	// returns its assigned position.
	EnqueueMessage(m models.QueuedMessage) (int64, error)

	// ListQueuedMessages returns a conversation's queue in FIFO order.
	ListQueuedMessages(conversationID string) ([]models.QueuedMessage, error)

	// DeleteQueuedMessage removes one message (after a successful send).
	DeleteQueuedMessage(id string) error

	// CountQueuedMessages returns the queue length for a conversation.
	CountQueuedMessages(conversationID string) (int, error)

	// ListQueuedConversations returns the ids of conversations with at least
	// one queued message (re-engagement sweep input).
	ListQueuedConversations() ([]string, error)
}

// ProductRepo persists the tenant product catalog.
type ProductRepo interface {
	// SaveProduct inserts or updates a product.
	SaveProduct(p models.Product) error

	// GetProductsByIDs returns the tenant's active products with the given ids,
	// in the order requested.
	GetProductsByIDs(tenantID string, ids []string) ([]models.Product, error)

	// GetProductsByPriceRange returns the tenant's active products priced in
	// [minCents, maxCents], cheapest first.
	GetProductsByPriceRange(tenantID string, minCents, maxCents int64) ([]models.Product, error)

	// GetProductsByType returns the tenant's active products of the given type.
	GetProductsByType(tenantID, productType string) ([]models.Product, error)
}

// Store aggregates every repository plus the durable JobRepo.
type Store interface {
	DefinitionRepo
	SessionRepo
	WindowRepo
	QueueRepo
	ProductRepo
	JobRepo
	Close() error
}
