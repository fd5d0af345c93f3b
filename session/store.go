package session

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/logging"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	tool_name TEXT NOT NULL,
	arguments TEXT NOT NULL,
	result TEXT NOT NULL,
	success INTEGER NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_tool_executions_session_id ON tool_executions(session_id);
CREATE INDEX IF NOT EXISTS idx_tool_executions_timestamp ON tool_executions(timestamp);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
}

// Store persists sessions, messages and tool executions in a SQLite file.
// Every write runs in its own transaction.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for database")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	// A single connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logging.OrNop(logger), now: time.Now}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", p)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to initialize schema")
	}
	s.logger.Debug("session store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit transaction")
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	ts := formatTime(s.now())
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (name, created_at, updated_at) VALUES (?, ?, ?)`, name, ts, ts)
		if err != nil {
			return errors.Wrapf(err, "failed to create session")
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("session created", zap.Int64("session_id", id), zap.String("name", name))
	return id, nil
}

// GetSessions returns every session, most recently updated first.
func (s *Store) GetSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list sessions")
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// GetSession returns the session with id, or an error wrapping
// errors.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "session %d", id)
	}
	return sess, err
}

func (s *Store) RenameSession(ctx context.Context, id int64, name string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`, name, formatTime(s.now()), id)
		if err != nil {
			return errors.Wrapf(err, "failed to rename session %d", id)
		}
		changed, err = affected(res)
		return err
	})
	return changed, err
}

// DeleteSession removes the session together with its messages and tool
// executions.
func (s *Store) DeleteSession(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return errors.Wrapf(err, "failed to delete session %d", id)
		}
		deleted, err = affected(res)
		return err
	})
	if deleted {
		s.logger.Debug("session deleted", zap.Int64("session_id", id))
	}
	return deleted, err
}

// AppendMessage stores a message and bumps the session's updated_at.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role Role, content string) (int64, error) {
	if !role.Valid() {
		return 0, errors.New("invalid message role %q", role)
	}
	ts := formatTime(s.now())
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
			sessionID, string(role), content, ts)
		if err != nil {
			return errors.Wrapf(err, "failed to append message to session %d", sessionID)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return touch(ctx, tx, sessionID, ts)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetMessages returns the session's messages oldest first. A positive limit
// keeps only the most recent limit messages.
func (s *Store) GetMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	query := `SELECT id, session_id, role, content, timestamp FROM messages
		WHERE session_id = ? ORDER BY timestamp ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT id, session_id, role, content, timestamp FROM (
			SELECT id, session_id, role, content, timestamp FROM messages
			WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get messages for session %d", sessionID)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m    Message
			role string
			ts   string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &ts); err != nil {
			return nil, errors.Wrapf(err, "failed to scan message")
		}
		m.Role = Role(role)
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, errors.Wrapf(err, "invalid timestamp on message %d", m.ID)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecordToolExecution stores a tool invocation and bumps the session's
// updated_at.
func (s *Store) RecordToolExecution(ctx context.Context, sessionID int64, toolName string, args, result map[string]any, success bool) (int64, error) {
	argsJSON, err := encodeJSON(args)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to encode arguments for %s", toolName)
	}
	resultJSON, err := encodeJSON(result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to encode result for %s", toolName)
	}

	ts := formatTime(s.now())
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tool_executions (session_id, tool_name, arguments, result, success, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, toolName, argsJSON, resultJSON, boolInt(success), ts)
		if err != nil {
			return errors.Wrapf(err, "failed to record tool execution for session %d", sessionID)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return touch(ctx, tx, sessionID, ts)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetToolExecutions returns the session's tool executions newest first. A
// positive limit caps the number returned.
func (s *Store) GetToolExecutions(ctx context.Context, sessionID int64, limit int) ([]ToolExecution, error) {
	query := `SELECT id, session_id, tool_name, arguments, result, success, timestamp
		FROM tool_executions WHERE session_id = ? ORDER BY timestamp DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get tool executions for session %d", sessionID)
	}
	defer rows.Close()

	executions := []ToolExecution{}
	for rows.Next() {
		var e ToolExecution
		var argsJSON, resultJSON, ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ToolName, &argsJSON, &resultJSON, &e.Success, &ts); err != nil {
			return nil, errors.Wrapf(err, "failed to scan tool execution")
		}
		if e.Arguments, err = decodeJSON(argsJSON); err != nil {
			return nil, errors.Wrapf(err, "invalid arguments on tool execution %d", e.ID)
		}
		if e.Result, err = decodeJSON(resultJSON); err != nil {
			return nil, errors.Wrapf(err, "invalid result on tool execution %d", e.ID)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, errors.Wrapf(err, "invalid timestamp on tool execution %d", e.ID)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		table string
		dst   *int
	}{
		{"sessions", &stats.SessionCount},
		{"messages", &stats.MessageCount},
		{"tool_executions", &stats.ToolExecutionCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, errors.Wrapf(err, "failed to count %s", c.table)
		}
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id DESC LIMIT 1`)
	recent, err := scanSession(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		stats.MostRecent = recent
	}
	return stats, nil
}

func touch(ctx context.Context, tx *sql.Tx, sessionID int64, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to update session %d", sessionID)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "session %d", sessionID)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read affected rows")
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	var created, updated string
	if err := r.Scan(&sess.ID, &sess.Name, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "failed to scan session")
	}
	var err error
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, errors.Wrapf(err, "invalid created_at on session %d", sess.ID)
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, errors.Wrapf(err, "invalid updated_at on session %d", sess.ID)
	}
	return &sess, nil
}
