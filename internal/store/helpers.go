package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowssist/flowssist/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for nil time pointers, otherwise the time value.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// marshalJSON encodes v, returning the empty string for nil maps/slices so
// nullable columns stay NULL.
func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json marshal failed: %w", err)
	}
	s := string(b)
	if s == "null" {
		return "", nil
	}
	return s, nil
}

// definitionRow carries the scanned column values of one definition row
// before JSON decoding.
type definitionRow struct {
	triggersJSON string
	nodesJSON    string
	edgesJSON    string
}

func (r *definitionRow) decodeInto(def *models.WorkflowDefinition) error {
	if r.triggersJSON != "" {
		if err := json.Unmarshal([]byte(r.triggersJSON), &def.Triggers); err != nil {
			return fmt.Errorf("decode triggers failed: %w", err)
		}
	}
	if r.nodesJSON != "" {
		if err := json.Unmarshal([]byte(r.nodesJSON), &def.Nodes); err != nil {
			return fmt.Errorf("decode nodes failed: %w", err)
		}
	}
	if r.edgesJSON != "" {
		if err := json.Unmarshal([]byte(r.edgesJSON), &def.Edges); err != nil {
			return fmt.Errorf("decode edges failed: %w", err)
		}
	}
	return nil
}

// encodeDefinition marshals the JSON columns of a definition.
func encodeDefinition(def models.WorkflowDefinition) (triggersJSON, nodesJSON, edgesJSON string, err error) {
	if triggersJSON, err = marshalJSON(def.Triggers); err != nil {
		return
	}
	if nodesJSON, err = marshalJSON(def.Nodes); err != nil {
		return
	}
	edgesJSON, err = marshalJSON(def.Edges)
	return
}

// encodeSession marshals the JSON columns of a session.
func encodeSession(s models.ConversationSession) (variablesJSON, tagsJSON string, err error) {
	if variablesJSON, err = marshalJSON(s.Variables); err != nil {
		return
	}
	tagsJSON, err = marshalJSON(s.Tags)
	return
}

// decodeSessionJSON fills a session's map/slice fields from their JSON columns.
func decodeSessionJSON(s *models.ConversationSession, variablesJSON, tagsJSON string) error {
	if variablesJSON != "" {
		if err := json.Unmarshal([]byte(variablesJSON), &s.Variables); err != nil {
			return fmt.Errorf("decode session variables failed: %w", err)
		}
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &s.Tags); err != nil {
			return fmt.Errorf("decode session tags failed: %w", err)
		}
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a Job from a row or rows cursor.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanSession scans a ConversationSession from a row or rows cursor.
func scanSession(row rowScanner) (models.ConversationSession, error) {
	var s models.ConversationSession
	var variablesJSON, tagsJSON, statusReason sql.NullString
	var archivedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.TenantID, &s.CustomerID, &s.DefinitionID, &s.DefinitionVersion,
		&s.CurrentNodeID, &variablesJSON, &tagsJSON, &s.StepCount, &s.Status,
		&statusReason, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt, &archivedAt,
	)
	if err != nil {
		return s, err
	}
	s.StatusReason = statusReason.String
	if archivedAt.Valid {
		s.ArchivedAt = &archivedAt.Time
	}
	if err := decodeSessionJSON(&s, variablesJSON.String, tagsJSON.String); err != nil {
		return s, err
	}
	return s, nil
}

// scanDefinition scans a WorkflowDefinition from a row or rows cursor.
func scanDefinition(row rowScanner) (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var r definitionRow
	err := row.Scan(
		&def.ID, &def.Version, &def.TenantID, &def.Name, &def.Active, &def.StartNodeID,
		&r.triggersJSON, &r.nodesJSON, &r.edgesJSON, &def.PublishedAt, &def.CreatedAt,
	)
	if err != nil {
		return def, err
	}
	if err := r.decodeInto(&def); err != nil {
		return def, err
	}
	return def, nil
}

// scanQueuedMessage scans a QueuedMessage from a row or rows cursor.
func scanQueuedMessage(row rowScanner) (models.QueuedMessage, error) {
	var m models.QueuedMessage
	var enqueuedBy sql.NullString
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Recipient, &m.Body, &m.EnqueuedAt, &enqueuedBy, &m.Position,
	)
	if err != nil {
		return m, err
	}
	m.EnqueuedBy = enqueuedBy.String
	return m, nil
}

// scanProduct scans a Product from a row or rows cursor.
func scanProduct(row rowScanner) (models.Product, error) {
	var p models.Product
	var productType, currency sql.NullString
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &productType, &p.PriceCents, &currency,
		&p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.Type = productType.String
	p.Currency = currency.String
	return p, nil
}

// scanWindowState scans a WindowState from a row or rows cursor.
func scanWindowState(row rowScanner) (models.WindowState, error) {
	var w models.WindowState
	var lastInbound, lastReengaged sql.NullTime
	err := row.Scan(&w.ConversationID, &lastInbound, &lastReengaged, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	if lastInbound.Valid {
		w.LastInboundAt = &lastInbound.Time
	}
	if lastReengaged.Valid {
		w.LastReengagedAt = &lastReengaged.Time
	}
	return w, nil
}
