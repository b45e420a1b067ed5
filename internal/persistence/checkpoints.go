package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCheckpointNotFound reports that a session has never been checkpointed.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is everything the failure tracker needs restored after a
// suspend/resume cycle.
type Checkpoint struct {
	SessionID   string         `json:"session_id"`
	Attempts    map[string]int `json:"attempts"`
	Escalations int            `json:"escalations"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SaveCheckpoint upserts the session's tracker state.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	attempts, err := json.Marshal(cp.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (session_id, attempts, escalations, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				attempts = excluded.attempts,
				escalations = excluded.escalations,
				updated_at = excluded.updated_at;
		`, cp.SessionID, string(attempts), cp.Escalations, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// LoadCheckpoint restores the session's tracker state.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		attempts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, attempts, escalations, updated_at
		FROM checkpoints WHERE session_id = ?;
	`, sessionID).Scan(&cp.SessionID, &attempts, &cp.Escalations, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &cp.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return &cp, nil
}
