// Package handlers implements the HTTP handlers for the golem engine API.
// All handlers depend on the Store interface and the orchestrator rather
// than concrete implementations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/internal/orchestrator"
	"github.com/golemlab/golem/internal/store"
	"github.com/golemlab/golem/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{Store: s, Orchestrator: orch}
}

// ── Blueprint Handlers ──────────────────────────────────────

func (h *Handlers) ListBlueprints(w http.ResponseWriter, r *http.Request) {
	bps, err := h.Store.ListBlueprints(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bps == nil {
		bps = []models.Blueprint{}
	}
	respondJSON(w, http.StatusOK, bps)
}

func (h *Handlers) CreateBlueprint(w http.ResponseWriter, r *http.Request) {
	var bp models.Blueprint
	if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if bp.ID == "" {
		bp.ID = uuid.New().String()
	}
	if bp.Version == "" {
		bp.Version = "1"
	}
	if bp.Head.Model == "" {
		respondError(w, http.StatusBadRequest, "head.model is required")
		return
	}
	bp.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateBlueprint(r.Context(), &bp); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("blueprint", bp.ID).Str("version", bp.Version).Msg("Blueprint created")
	respondJSON(w, http.StatusCreated, bp)
}

func (h *Handlers) GetBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintID")

	var bp *models.Blueprint
	var err error
	if version := r.URL.Query().Get("version"); version != "" {
		bp, err = h.Store.GetBlueprintVersion(r.Context(), id, version)
	} else {
		bp, err = h.Store.GetBlueprint(r.Context(), id)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bp)
}

// UpdateBlueprint stores a new version of an existing blueprint. Versions
// are append-only; the previous ones stay addressable. The compilation
// cache entries for the blueprint are invalidated so the next execution
// picks up the new definition.
func (h *Handlers) UpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintID")

	var bp models.Blueprint
	if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	bp.ID = id
	if bp.Version == "" {
		respondError(w, http.StatusBadRequest, "version is required")
		return
	}
	if bp.Head.Model == "" {
		respondError(w, http.StatusBadRequest, "head.model is required")
		return
	}
	bp.CreatedAt = time.Now().UTC()

	if err := h.Store.UpdateBlueprint(r.Context(), &bp); err != nil {
		respondStoreError(w, err)
		return
	}

	h.Orchestrator.Invalidate(id)
	log.Info().Str("blueprint", id).Str("version", bp.Version).Msg("Blueprint updated")
	respondJSON(w, http.StatusOK, bp)
}

func (h *Handlers) DeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintID")

	if err := h.Store.DeleteBlueprint(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}

	h.Orchestrator.Invalidate(id)
	log.Info().Str("blueprint", id).Msg("Blueprint deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) ListBlueprintVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintID")

	versions, err := h.Store.ListBlueprintVersions(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

// ── Execution Handlers ──────────────────────────────────────

type executeRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Version   string `json:"version,omitempty"`
}

// ExecuteBlueprint compiles (or fetches from cache) and runs a blueprint.
// Guardrail violations and agent-level failures come back as a 200 with
// the error recorded on the execution result; only infrastructure
// problems map to HTTP errors.
func (h *Handlers) ExecuteBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintID")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.Orchestrator.Execute(r.Context(), orchestrator.ExecuteRequest{
		BlueprintID: id,
		Version:     req.Version,
		SessionID:   req.SessionID,
		Message:     req.Message,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type compileRequest struct {
	Version string `json:"version,omitempty"`
}

// CompileBlueprint compiles a blueprint into the cache without running it.
// Useful for validating a definition and pre-warming before traffic.
func (h *Handlers) CompileBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintID")

	var req compileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if err := h.Orchestrator.Warm(r.Context(), id, req.Version); err != nil {
		var cerr *models.CompilationError
		if errors.As(err, &cerr) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":  cerr.Error(),
				"reason": cerr.Reason,
				"detail": cerr.Detail,
			})
			return
		}
		respondStoreError(w, err)
		return
	}

	log.Info().Str("blueprint", id).Msg("Blueprint compiled")
	respondJSON(w, http.StatusOK, map[string]string{"status": "compiled"})
}

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		BlueprintID: r.URL.Query().Get("blueprint_id"),
		Violated:    r.URL.Query().Get("violated"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	execs, err := h.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []store.ExecutionRecord{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	rec, err := h.Store.GetExecution(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ── Session Handlers ────────────────────────────────────────

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	blueprintID := r.URL.Query().Get("blueprint_id")
	if blueprintID == "" {
		respondError(w, http.StatusBadRequest, "blueprint_id is required")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.Store.ListSessionsByBlueprint(r.Context(), blueprintID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	session, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if err := h.Store.DeleteSession(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("session", id).Msg("Session deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps storage and compilation errors onto HTTP status
// codes. Anything unrecognized is a 500.
func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	var conflict *store.ErrConflict
	if errors.As(err, &conflict) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	var cerr *models.CompilationError
	if errors.As(err, &cerr) {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
