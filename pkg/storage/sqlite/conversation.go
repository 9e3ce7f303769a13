package sqlite

import (
	"context"
	"database/sql"
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, session.ID, session.OwnerID, session.Snapshot, toMillis(session.CreatedAt), toMillis(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("SaveSession: %w", err)
	}
	return nil
}

// LoadSession returns storage.ErrNotFound for an unknown session.
func (c *Client) LoadSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, owner_id, snapshot, created_at, updated_at FROM sessions WHERE id = ?", sessionID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("LoadSession: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LoadSession: %w", err)
	}
	return session, nil
}

// RecentSessions lists the owner's sessions, most recently updated first.
func (c *Client) RecentSessions(ctx context.Context, ownerID string, limit int) ([]*storage.Session, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, owner_id, snapshot, created_at, updated_at
		FROM sessions
		WHERE owner_id = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`, ownerID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("RecentSessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*storage.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("RecentSessions: %w", err)
		}
		sessions = append(sessions, s)
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

	created := toMillis(turn.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = MAX(sessions.updated_at, excluded.updated_at)
	`, turn.SessionID, turn.OwnerID, created, created)
	if err != nil {
		return fmt.Errorf("AppendTurn: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO turns (id, session_id, owner_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		turn.ID, turn.SessionID, turn.OwnerID, turn.Role, turn.Content, created,
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
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, owner_id, role, content, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("RecentTurns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*storage.Turn
	for rows.Next() {
		var t storage.Turn
		var created int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.OwnerID, &t.Role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("RecentTurns: %w", err)
		}
		t.CreatedAt = fromMillis(created)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func scanSession(scanner interface{ Scan(dest ...interface{}) error }) (*storage.Session, error) {
	var s storage.Session
	var created, updated int64
	if err := scanner.Scan(&s.ID, &s.OwnerID, &s.Snapshot, &created, &updated); err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}
