// Package sessions provides conversation memory for blueprints whose Heart
// enables it: recalling the trailing message window before a run and
// recording the new turns after.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golemlab/golem/internal/store"
	"github.com/golemlab/golem/pkg/models"
)

// Memory manages conversation transcripts on top of a SessionStore.
type Memory struct {
	store store.SessionStore
}

// NewMemory creates a memory manager backed by the given session store.
func NewMemory(s store.SessionStore) *Memory {
	return &Memory{store: s}
}

// Recall returns the trailing window of a session's transcript. A session
// that does not exist yet recalls as empty; it is created on first Record.
func (m *Memory) Recall(ctx context.Context, sessionID string, windowSize int) ([]models.ChatMessage, error) {
	if sessionID == "" {
		return nil, nil
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("recall session %s: %w", sessionID, err)
	}
	if windowSize <= 0 {
		windowSize = models.DefaultMemoryWindow
	}
	return sess.Window(windowSize), nil
}

// Record appends the user message and the assistant reply to the session's
// transcript, creating the session on first use.
func (m *Memory) Record(ctx context.Context, sessionID, blueprintID, userMsg, assistantMsg string) error {
	if sessionID == "" {
		return nil
	}
	turns := []models.ChatMessage{
		{Role: "user", Content: userMsg},
		{Role: "assistant", Content: assistantMsg},
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		var notFound *store.ErrNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("record session %s: %w", sessionID, err)
		}
		sess = &models.Session{
			ID:          sessionID,
			BlueprintID: blueprintID,
			Messages:    turns,
			CreatedAt:   time.Now().UTC(),
		}
		return m.store.CreateSession(ctx, sess)
	}

	sess.Messages = append(sess.Messages, turns...)
	return m.store.UpdateSession(ctx, sess)
}
