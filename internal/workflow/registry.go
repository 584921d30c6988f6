package workflow

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/store"
	"github.com/flowssist/flowssist/internal/util"
)

// Registry is the store-backed definition surface. Publishing validates and
// versions a definition; published versions are immutable, so edits always
// produce a new version. Sessions pin the version they started on.
type Registry struct {
	repo store.DefinitionRepo
}

// NewRegistry creates a registry over the given definition repository.
func NewRegistry(repo store.DefinitionRepo) *Registry {
	return &Registry{repo: repo}
}

// Publish validates def, assigns the next version for (tenant, name), and
// activates it, deactivating older versions of the same definition when
// def.Active is set. Returns the stored definition and validation warnings.
func (r *Registry) Publish(def models.WorkflowDefinition) (models.WorkflowDefinition, []string, error) {
	slog.Debug("Registry.Publish invoked", "tenantID", def.TenantID, "name", def.Name)

	warnings, err := ValidateDefinition(def)
	if err != nil {
		slog.Error("Registry.Publish: validation failed", "error", err, "tenantID", def.TenantID, "name", def.Name)
		return models.WorkflowDefinition{}, nil, fmt.Errorf("validate definition: %w", err)
	}
	for _, w := range warnings {
		slog.Info("Registry.Publish: validation warning", "tenantID", def.TenantID, "name", def.Name, "warning", w)
	}

	latest, err := r.repo.GetLatestVersion(def.TenantID, def.Name)
	if err != nil {
		return models.WorkflowDefinition{}, nil, fmt.Errorf("resolve latest version: %w", err)
	}

	now := time.Now()
	def.Version = latest + 1
	if def.ID == "" {
		def.ID = util.GenerateDefinitionID()
	}
	def.PublishedAt = now
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	if def.Active {
		// At most one active version per (tenant, name) trigger scope.
		if err := r.repo.DeactivateDefinitions(def.TenantID, def.Name); err != nil {
			return models.WorkflowDefinition{}, nil, fmt.Errorf("deactivate previous versions: %w", err)
		}
	}

	if err := r.repo.SaveDefinition(def); err != nil {
		return models.WorkflowDefinition{}, nil, fmt.Errorf("save definition: %w", err)
	}

	slog.Info("Registry.Publish: definition published",
		"tenantID", def.TenantID, "name", def.Name, "id", def.ID,
		"version", def.Version, "active", def.Active, "warnings", len(warnings))
	return def, warnings, nil
}

// Get retrieves a specific published version. Sessions resolve the exact
// version they were pinned to.
func (r *Registry) Get(id string, version int) (*models.WorkflowDefinition, error) {
	def, err := r.repo.GetDefinition(id, version)
	if err != nil {
		return nil, fmt.Errorf("get definition %s v%d: %w", id, version, err)
	}
	if def == nil {
		return nil, fmt.Errorf("definition %s v%d: %w", id, version, models.ErrDefinitionNotFound)
	}
	return def, nil
}

// MatchTrigger selects the active definition whose trigger matches the first
// inbound message of a new conversation. Definitions are evaluated in publish
// order and each definition's triggers in declaration order; the first match
// wins. Returns nil when nothing matches.
func (r *Registry) MatchTrigger(tenantID, text string) (*models.WorkflowDefinition, error) {
	defs, err := r.repo.ListActiveDefinitions(tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active definitions: %w", err)
	}

	for i := range defs {
		if triggerMatches(defs[i].Triggers, text) {
			slog.Debug("Registry.MatchTrigger: matched",
				"tenantID", tenantID, "definitionID", defs[i].ID, "version", defs[i].Version)
			return &defs[i], nil
		}
	}
	slog.Debug("Registry.MatchTrigger: no match", "tenantID", tenantID)
	return nil, nil
}

func triggerMatches(triggers []models.Trigger, text string) bool {
	lowered := strings.ToLower(text)
	for _, trig := range triggers {
		switch trig.Type {
		case models.TriggerTypeAnyMessage:
			return true
		case models.TriggerTypeKeyword:
			for _, kw := range trig.Keywords {
				if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
					return true
				}
			}
		}
	}
	return false
}
