package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/julesbot/internal/types"
)

// SQLiteStore keeps sessions and events in one SQLite database. Writes are
// conditional on the version column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; SQLite serializes writes anyway and this keeps
	// SQLITE_BUSY out of the update path.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		app_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_update_time INTEGER NOT NULL,
		last_seq INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		PRIMARY KEY (app_name, user_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		app_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (app_name, user_id, session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(app_name, user_id, session_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Create(ctx context.Context, id types.Identity, initial *types.State) (*types.Session, error) {
	sess, err := newSession(id, initial)
	if err != nil {
		return nil, err
	}
	state, err := json.Marshal(sess.State)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	key := sess.Identity
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		key.AppName, key.UserID, string(key.SessionID)); err != nil {
		return nil, fmt.Errorf("reset events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(app_name, user_id, session_id, state, created_at, last_update_time, last_seq, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.AppName, key.UserID, string(key.SessionID), string(state),
		sess.CreatedAt.UnixNano(), sess.LastUpdateTime.UnixNano(), sess.LastSeq, sess.Version,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess                 types.Session
		sessionID, state     string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&sess.AppName, &sess.UserID, &sessionID, &state,
		&createdAt, &updatedAt, &sess.LastSeq, &sess.Version); err != nil {
		return nil, err
	}
	sess.SessionID = types.SessionID(sessionID)
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.LastUpdateTime = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &sess, nil
}

const selectSession = `
	SELECT app_name, user_id, session_id, state, created_at, last_update_time, last_seq, version
	FROM sessions`

func (s *SQLiteStore) Get(ctx context.Context, id types.Identity, opts types.GetOptions) (*types.Session, error) {
	if err := id.Validate(false); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx,
		selectSession+` WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		id.AppName, id.UserID, string(id.SessionID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	query := `SELECT data FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`
	args := []any{id.AppName, id.UserID, string(id.SessionID)}
	if !opts.After.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, opts.After.UnixNano())
	}
	query += ` ORDER BY timestamp DESC, seq DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var event types.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		sess.Events = append(sess.Events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	slices.Reverse(sess.Events)
	return sess, nil
}

func (s *SQLiteStore) List(ctx context.Context, appName, userID string) ([]*types.SessionSummary, error) {
	query := selectSession + ` WHERE app_name = ?`
	args := []any{appName}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY last_update_time DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.SessionSummary
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, session *types.Session, event *types.Event) (*types.Event, error) {
	return appendEvent(ctx, s, session, event)
}

func (s *SQLiteStore) Update(ctx context.Context, id types.Identity, fn types.UpdateFunc) (*types.Session, error) {
	return update(ctx, s, id, fn)
}

func (s *SQLiteStore) load(ctx context.Context, id types.Identity) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		selectSession+` WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		id.AppName, id.UserID, string(id.SessionID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) commit(ctx context.Context, prev int64, next *types.Session, event *types.Event) error {
	state, err := json.Marshal(next.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := next.Identity
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, last_update_time = ?, last_seq = ?, version = ?
		WHERE app_name = ? AND user_id = ? AND session_id = ? AND version = ?`,
		string(state), next.LastUpdateTime.UnixNano(), next.LastSeq, next.Version,
		id.AppName, id.UserID, string(id.SessionID), prev,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`,
			id.AppName, id.UserID, string(id.SessionID)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(id)
		}
		return errVersionMismatch
	}

	if event != nil {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (app_name, user_id, session_id, seq, id, timestamp, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id.AppName, id.UserID, string(id.SessionID), event.Seq, string(event.ID),
			event.Timestamp.UnixNano(), string(data),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// Delete removes events before the session row, in one transaction.
func (s *SQLiteStore) Delete(ctx context.Context, id types.Identity) error {
	if err := id.Validate(false); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	args := []any{id.AppName, id.UserID, string(id.SessionID)}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`, args...); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`, args...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
