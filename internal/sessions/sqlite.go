package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	position   INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (session_id, position)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);
`

// SQLiteStore persists sessions in a single SQLite database. Prefix
// rewrites run in one transaction, so partially rewritten transcripts are
// never visible.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	// Serialized access keeps the single-writer model simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: init schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: enable WAL: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	created := session.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, kind, title, created_at) VALUES (?, ?, ?, ?)`,
		session.ID, string(session.Kind), session.Title, created)
	if err != nil {
		return fmt.Errorf("sessions: insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, title, created_at FROM sessions WHERE id = ?`, id)

	var session models.Session
	var kind string
	err := row.Scan(&session.ID, &kind, &session.Title, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan session: %w", err)
	}
	session.Kind = models.SessionKind(kind)
	return &session, nil
}

func (s *SQLiteStore) ReadBranch(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sessions: query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sessions: scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("sessions: decode message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin append: %w", err)
	}
	defer tx.Rollback()

	var next int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("sessions: next position: %w", err)
	}

	for i, m := range msgs {
		record := m.Clone()
		record.SessionID = sessionID
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("sessions: marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, position, data) VALUES (?, ?, ?)`,
			sessionID, next+i, string(data)); err != nil {
			return fmt.Errorf("sessions: insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RewritePrefix(ctx context.Context, sessionID string, keepFrom int, replacement []*models.Message) error {
	current, err := s.ReadBranch(ctx, sessionID)
	if err != nil {
		return err
	}
	if keepFrom < 0 {
		keepFrom = 0
	}
	if keepFrom > len(current) {
		keepFrom = len(current)
	}
	next := make([]*models.Message, 0, len(replacement)+len(current)-keepFrom)
	next = append(next, replacement...)
	next = append(next, current[keepFrom:]...)
	return s.replaceTranscript(ctx, sessionID, next)
}

// replaceTranscript swaps the whole message log in one transaction.
func (s *SQLiteStore) replaceTranscript(ctx context.Context, sessionID string, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sessions: clear transcript: %w", err)
	}
	for i, m := range msgs {
		record := m.Clone()
		record.SessionID = sessionID
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("sessions: marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, position, data) VALUES (?, ?, ?)`,
			sessionID, i, string(data)); err != nil {
			return fmt.Errorf("sessions: insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RepairIfNeeded(ctx context.Context, sessionID string) error {
	current, err := s.ReadBranch(ctx, sessionID)
	if err != nil {
		return err
	}
	repaired, changed := repairHistory(current)
	if !changed {
		return nil
	}
	return s.replaceTranscript(ctx, sessionID, repaired)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
