// Package api provides HTTP handlers for flowssist endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/window"
)

// Orchestrator is the conversation surface the API exposes. The conversation
// package implements this.
type Orchestrator interface {
	GetConversationState(tenantID, customerID string) (*models.ConversationSession, error)
	GetWindowStatus(tenantID, customerID string) (models.WindowStatus, error)
	FlushQueue(ctx context.Context, tenantID, customerID string) (window.FlushResult, error)
	ForceHandoff(ctx context.Context, tenantID, customerID, reason string) error
	HandleSignal(ctx context.Context, tenantID, customerID, signal string) error
}

// Publisher is the definition-publishing surface. The workflow registry
// implements this.
type Publisher interface {
	Publish(def models.WorkflowDefinition) (models.WorkflowDefinition, []string, error)
}

// conversationsHandler routes /conversations/{tenant}/{customer}[/...] by
// path segment.
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.conversationsHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/conversations/")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation endpoint"))
		return
	}
	tenantID, customerID := segments[0], segments[1]

	if len(segments) == 2 {
		switch r.Method {
		case http.MethodGet:
			s.getConversationHandler(w, r, tenantID, customerID)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 3 {
		switch segments[2] {
		case "window":
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.getWindowHandler(w, r, tenantID, customerID)
			return
		case "flush":
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.flushHandler(w, r, tenantID, customerID)
			return
		case "handoff":
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.handoffHandler(w, r, tenantID, customerID)
			return
		case "signal":
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.signalHandler(w, r, tenantID, customerID)
			return
		}
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation endpoint"))
}

// getConversationHandler handles GET /conversations/{tenant}/{customer}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request, tenantID, customerID string) {
	session, err := s.orch.GetConversationState(tenantID, customerID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No open session for conversation"))
			return
		}
		slog.Error("Server.getConversationHandler: lookup failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

// getWindowHandler handles GET /conversations/{tenant}/{customer}/window
func (s *Server) getWindowHandler(w http.ResponseWriter, r *http.Request, tenantID, customerID string) {
	status, err := s.orch.GetWindowStatus(tenantID, customerID)
	if err != nil {
		slog.Error("Server.getWindowHandler: lookup failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch window status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// flushHandler handles POST /conversations/{tenant}/{customer}/flush
func (s *Server) flushHandler(w http.ResponseWriter, r *http.Request, tenantID, customerID string) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	res, err := s.orch.FlushQueue(ctx, tenantID, customerID)
	if err != nil {
		slog.Error("Server.flushHandler: flush failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to flush queue"))
		return
	}
	slog.Info("Server.flushHandler: queue flushed", "tenantID", tenantID, "sent", res.Sent, "failed", res.Failed)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"flushed": res.Sent, "failed": res.Failed}))
}

// handoffHandler handles POST /conversations/{tenant}/{customer}/handoff
func (s *Server) handoffHandler(w http.ResponseWriter, r *http.Request, tenantID, customerID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual handoff"
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	if err := s.orch.ForceHandoff(ctx, tenantID, customerID, req.Reason); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No open session for conversation"))
			return
		}
		slog.Error("Server.handoffHandler: handoff failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to hand off conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation handed off", nil))
}

// signalHandler handles POST /conversations/{tenant}/{customer}/signal
func (s *Server) signalHandler(w http.ResponseWriter, r *http.Request, tenantID, customerID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Signal == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: signal"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	if err := s.orch.HandleSignal(ctx, tenantID, customerID, req.Signal); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No open session for conversation"))
			return
		}
		slog.Error("Server.signalHandler: signal failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to deliver signal"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Signal delivered", nil))
}

// publishDefinitionHandler handles POST /definitions
func (s *Server) publishDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.publishDefinitionHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var def models.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		slog.Warn("Server.publishDefinitionHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	published, warnings, err := s.registry.Publish(def)
	if err != nil {
		slog.Warn("Server.publishDefinitionHandler: validation failed", "error", err, "tenantID", def.TenantID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	slog.Info("Server.publishDefinitionHandler: definition published",
		"definitionID", published.ID, "version", published.Version, "warnings", len(warnings))
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]interface{}{
		"id":       published.ID,
		"version":  published.Version,
		"active":   published.Active,
		"warnings": warnings,
	}))
}

// healthHandler provides a health check endpoint for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
