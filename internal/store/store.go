// Package store provides the storage interface and implementations for the
// golem engine. The in-memory implementation covers local dev and tests;
// the interface leaves room for a database-backed one.
package store

import (
	"context"
	"time"

	"github.com/golemlab/golem/pkg/models"
)

// Store is the primary storage interface. All API and orchestrator code
// depends on this interface rather than a concrete implementation.
type Store interface {
	BlueprintStore
	ExecutionStore
	SessionStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Blueprint Store ─────────────────────────────────────────

// BlueprintStore manages versioned blueprints. Versions are append-only:
// updating a blueprint stores a new version and keeps the history.
type BlueprintStore interface {
	ListBlueprints(ctx context.Context) ([]models.Blueprint, error)

	// GetBlueprint returns the latest version of a blueprint.
	GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error)

	// GetBlueprintVersion returns one specific version.
	GetBlueprintVersion(ctx context.Context, id, version string) (*models.Blueprint, error)

	// ListBlueprintVersions returns the version history, oldest first.
	ListBlueprintVersions(ctx context.Context, id string) ([]models.Blueprint, error)

	CreateBlueprint(ctx context.Context, bp *models.Blueprint) error
	UpdateBlueprint(ctx context.Context, bp *models.Blueprint) error
	DeleteBlueprint(ctx context.Context, id string) error
}

// ── Execution Store ─────────────────────────────────────────

// ExecutionRecord is one persisted execution outcome, kept for inspection
// and subject to TTL eviction.
type ExecutionRecord struct {
	ID          string                  `json:"id"`
	BlueprintID string                  `json:"blueprint_id"`
	Version     string                  `json:"version"`
	SessionID   string                  `json:"session_id,omitempty"`
	Result      *models.ExecutionResult `json:"result"`
	StartedAt   time.Time               `json:"started_at"`
}

// ExecutionFilter defines optional filters for listing executions.
type ExecutionFilter struct {
	BlueprintID string // exact match
	Violated    string // executions carrying this guardrail violation
	Limit       int    // max results (default 100)
}

type ExecutionStore interface {
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	DeleteExecution(ctx context.Context, id string) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore manages multi-turn conversation sessions for blueprints
// whose Heart enables memory.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByBlueprint(ctx context.Context, blueprintID string, limit int) ([]models.Session, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a create would overwrite an existing entity
// or a version string is reused.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
