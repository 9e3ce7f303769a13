package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// SaveSession inserts or updates a session and its snapshot.
func (c *Client) SaveSession(ctx context.Context, session *storage.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
	`, session.ID, session.OwnerID, session.Snapshot, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveSession: %w", err)
	}
	return nil
}

// LoadSession returns storage.ErrNotFound for an unknown session.
func (c *Client) LoadSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, owner_id, snapshot, created_at, updated_at FROM sessions WHERE id = $1", sessionID)

	var s storage.Session
	err := row.Scan(&s.ID, &s.OwnerID, &s.Snapshot, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("LoadSession: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LoadSession: %w", err)
	}
	return &s, nil
}

// RecentSessions lists the owner's sessions, most recently updated first.
func (c *Client) RecentSessions(ctx context.Context, ownerID string, limit int) ([]*storage.Session, error) {
	a := &argList{}
	query := fmt.Sprintf(`
		SELECT id, owner_id, snapshot, created_at, updated_at
		FROM sessions
		WHERE owner_id = %s
		ORDER BY updated_at DESC, id DESC
		%s
	`, a.add(ownerID), limitClause(a, limit))

	rows, err := c.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, fmt.Errorf("RecentSessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*storage.Session
	for rows.Next() {
		var s storage.Session
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Snapshot, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("RecentSessions: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// AppendTurn stores a turn and creates or touches its session row.
func (c *Client) AppendTurn(ctx context.Context, turn *storage.Turn) error {
	if turn.ID == "" {
		turn.ID = c.ids.Next()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AppendTurn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET updated_at = GREATEST(sessions.updated_at, EXCLUDED.updated_at)
	`, turn.SessionID, turn.OwnerID, turn.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("AppendTurn: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO turns (id, session_id, owner_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		turn.ID, turn.SessionID, turn.OwnerID, turn.Role, turn.Content, turn.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("AppendTurn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AppendTurn: %w", err)
	}
	return nil
}

// RecentTurns returns the session's newest turns, newest first.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*storage.Turn, error) {
	a := &argList{}
	query := fmt.Sprintf(`
		SELECT id, session_id, owner_id, role, content, created_at
		FROM turns
		WHERE session_id = %s
		ORDER BY created_at DESC, id DESC
		%s
	`, a.add(sessionID), limitClause(a, limit))

	rows, err := c.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, fmt.Errorf("RecentTurns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*storage.Turn
	for rows.Next() {
		var t storage.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.OwnerID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("RecentTurns: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func scanEntity(scanner interface{ Scan(dest ...interface{}) error }) (*storage.Entity, error) {
	var e storage.Entity
	var metadata []byte
	var lastSeen sql.NullTime
	if err := scanner.Scan(&e.ID, &e.OwnerID, &e.Type, &e.Name, &e.NormalizedName, &metadata, &e.MentionCount, &lastSeen); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	if lastSeen.Valid {
		e.LastSeenAt = lastSeen.Time.UTC()
	}
	return &e, nil
}
