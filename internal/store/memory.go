// In-memory Store implementation with optional JSON snapshot persistence.
// Used for local dev and tests. Supports file-based snapshot persistence so
// blueprints and sessions survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Blueprints map[string][]*models.Blueprint `json:"blueprints"` // key: id → version history (oldest first)
	Executions map[string]*ExecutionRecord    `json:"executions"` // key: id
	Sessions   map[string]*models.Session     `json:"sessions"`   // key: id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	blueprints map[string][]*models.Blueprint // key: id → version history (oldest first)
	executions map[string]*ExecutionRecord    // key: id
	sessions   map[string]*models.Session     // key: id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once

	// Execution records older than this are evicted automatically.
	// Defaults to 7 days. Set via GOLEM_EXECUTION_TTL (Go duration string).
	executionTTL time.Duration
}

// NewMemoryStore creates a new in-memory store.
// If GOLEM_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.golem/data.json.
func NewMemoryStore() *MemoryStore {
	executionTTL := 7 * 24 * time.Hour
	if ttlStr := os.Getenv("GOLEM_EXECUTION_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			executionTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid GOLEM_EXECUTION_TTL, using default 7d")
		}
	}

	m := &MemoryStore{
		blueprints:   make(map[string][]*models.Blueprint),
		executions:   make(map[string]*ExecutionRecord),
		sessions:     make(map[string]*models.Session),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		executionTTL: executionTTL,
	}

	dataDir := os.Getenv("GOLEM_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".golem")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	go m.executionEvictionLoop()

	log.Info().
		Str("execution_ttl", executionTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// NewEphemeralStore creates a store with persistence and eviction disabled.
// Intended for tests.
func NewEphemeralStore() *MemoryStore {
	return &MemoryStore{
		blueprints:   make(map[string][]*models.Blueprint),
		executions:   make(map[string]*ExecutionRecord),
		sessions:     make(map[string]*models.Session),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		executionTTL: 7 * 24 * time.Hour,
	}
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// executionEvictionLoop periodically removes records older than executionTTL.
func (m *MemoryStore) executionEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredExecutions()
		}
	}
}

func (m *MemoryStore) evictExpiredExecutions() {
	cutoff := time.Now().Add(-m.executionTTL)

	m.mu.Lock()
	var evicted int
	for id, rec := range m.executions {
		if rec.StartedAt.Before(cutoff) {
			delete(m.executions, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.executionTTL.String()).Msg("Evicted expired executions")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Blueprints: m.blueprints,
		Executions: m.executions,
		Sessions:   m.sessions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Blueprints != nil {
		m.blueprints = snap.Blueprints
	}
	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}

	log.Info().
		Int("blueprints", len(m.blueprints)).
		Int("executions", len(m.executions)).
		Int("sessions", len(m.sessions)).
		Msg("Snapshot loaded")
}

// ── Blueprint Store ─────────────────────────────────────────

func (m *MemoryStore) ListBlueprints(ctx context.Context) ([]models.Blueprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Blueprint, 0, len(m.blueprints))
	for _, versions := range m.blueprints {
		if len(versions) > 0 {
			out = append(out, *versions[len(versions)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.blueprints[id]
	if len(versions) == 0 {
		return nil, &ErrNotFound{Entity: "blueprint", Key: id}
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (m *MemoryStore) GetBlueprintVersion(ctx context.Context, id, version string) (*models.Blueprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, bp := range m.blueprints[id] {
		if bp.Version == version {
			cp := *bp
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "blueprint version", Key: id + "@" + version}
}

func (m *MemoryStore) ListBlueprintVersions(ctx context.Context, id string) ([]models.Blueprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.blueprints[id]
	if len(versions) == 0 {
		return nil, &ErrNotFound{Entity: "blueprint", Key: id}
	}
	out := make([]models.Blueprint, 0, len(versions))
	for _, bp := range versions {
		out = append(out, *bp)
	}
	return out, nil
}

func (m *MemoryStore) CreateBlueprint(ctx context.Context, bp *models.Blueprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.blueprints[bp.ID]) > 0 {
		return &ErrConflict{Entity: "blueprint", Key: bp.ID}
	}
	cp := *bp
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.blueprints[bp.ID] = []*models.Blueprint{&cp}
	m.requestSave()
	return nil
}

// UpdateBlueprint appends a new version. The caller is responsible for
// bumping bp.Version; storing a version string that already exists is a
// conflict.
func (m *MemoryStore) UpdateBlueprint(ctx context.Context, bp *models.Blueprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.blueprints[bp.ID]
	if len(versions) == 0 {
		return &ErrNotFound{Entity: "blueprint", Key: bp.ID}
	}
	for _, v := range versions {
		if v.Version == bp.Version {
			return &ErrConflict{Entity: "blueprint version", Key: bp.Key()}
		}
	}
	cp := *bp
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.blueprints[bp.ID] = append(versions, &cp)
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteBlueprint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.blueprints[id]) == 0 {
		return &ErrNotFound{Entity: "blueprint", Key: id}
	}
	delete(m.blueprints, id)
	m.requestSave()
	return nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	out := make([]ExecutionRecord, 0)
	for _, rec := range m.executions {
		if filter.BlueprintID != "" && rec.BlueprintID != filter.BlueprintID {
			continue
		}
		if filter.Violated != "" && (rec.Result == nil || !rec.Result.Violated(filter.Violated)) {
			continue
		}
		out = append(out, *rec)
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}
	m.executions[rec.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[id]; !ok {
		return &ErrNotFound{Entity: "execution", Key: id}
	}
	delete(m.executions, id)
	m.requestSave()
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *s
	cp.Messages = append([]models.ChatMessage(nil), s.Messages...)
	return &cp, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return &ErrConflict{Entity: "session", Key: session.ID}
	}
	cp := *session
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.sessions[session.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	cp := *session
	cp.Messages = append([]models.ChatMessage(nil), session.Messages...)
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessions, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSessionsByBlueprint(ctx context.Context, blueprintID string, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]models.Session, 0)
	for _, s := range m.sessions {
		if s.BlueprintID != blueprintID {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}
