package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type HookRun struct {
	RunID      string    `json:"run_id"`
	Mapping    string    `json:"mapping"`
	Action     string    `json:"action"`
	SessionKey string    `json:"session_key,omitempty"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Store) RecordHookRun(ctx context.Context, runID, mapping, action, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_runs (run_id, mapping, action, session_key, status)
		VALUES (?, ?, ?, ?, 'accepted');
	`, runID, mapping, action, sessionKey)
	if err != nil {
		return fmt.Errorf("insert hook run: %w", err)
	}
	return nil
}

func (s *Store) UpdateHookRun(ctx context.Context, runID, status, detail string) error {
	switch status {
	case "accepted", "delivered", "failed":
	default:
		return fmt.Errorf("invalid hook run status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE hook_runs
		SET status = ?, detail = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ?;
	`, status, detail, runID)
	if err != nil {
		return fmt.Errorf("update hook run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hook run %q not found", runID)
	}
	return nil
}

func (s *Store) GetHookRun(ctx context.Context, runID string) (HookRun, error) {
	var hr HookRun
	var sessionKey, detail sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, mapping, action, session_key, status, detail, created_at, updated_at
		FROM hook_runs WHERE run_id = ?;
	`, runID).Scan(&hr.RunID, &hr.Mapping, &hr.Action, &sessionKey, &hr.Status, &detail, &hr.CreatedAt, &hr.UpdatedAt)
	if err != nil {
		return hr, fmt.Errorf("query hook run: %w", err)
	}
	hr.SessionKey = sessionKey.String
	hr.Detail = detail.String
	return hr, nil
}

// EnqueueWake stores a wake message for delivery on the next heartbeat tick.
func (s *Store) EnqueueWake(ctx context.Context, text string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO queued_wakes (text) VALUES (?);`, text)
	if err != nil {
		return fmt.Errorf("enqueue wake: %w", err)
	}
	return nil
}

// DrainWakes removes and returns all queued wake texts in insertion order.
func (s *Store) DrainWakes(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, text FROM queued_wakes ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query queued wakes: %w", err)
	}
	var ids []int64
	var texts []string
	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queued wake: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, text)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_wakes WHERE id = ?;`, id); err != nil {
			return nil, fmt.Errorf("delete queued wake: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain tx: %w", err)
	}
	return texts, nil
}
