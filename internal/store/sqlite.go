package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/apirecorder/pkg/types"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS capture_sessions (
			id TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			paused_at DATETIME,
			resumed_at DATETIME,
			captured_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			entry_count INTEGER NOT NULL DEFAULT 0,
			saved_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS archive_entries (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			entry_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY(session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_session ON archive_entries(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession writes sess and replaces any archive already stored under its id.
func (s *SQLiteStore) SaveSession(sess types.CaptureSession, entries []types.ArchiveEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	_, err = tx.Exec(`INSERT INTO capture_sessions(id,backend,target,status,start_time,end_time,paused_at,resumed_at,captured_count,error_message,entry_count,saved_at)
	VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET backend=excluded.backend,target=excluded.target,status=excluded.status,start_time=excluded.start_time,end_time=excluded.end_time,paused_at=excluded.paused_at,resumed_at=excluded.resumed_at,captured_count=excluded.captured_count,error_message=excluded.error_message,entry_count=excluded.entry_count,saved_at=excluded.saved_at`,
		sess.ID, string(sess.Backend), sess.Target, string(sess.Status), sess.StartTime.UTC(),
		nullTime(sess.EndTime), nullTime(sess.PausedAt), nullTime(sess.ResumedAt),
		sess.CapturedCount, sess.ErrorMessage, len(entries), now)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM archive_entries WHERE session_id=?`, sess.ID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO archive_entries(session_id,seq,entry_id,started_at,method,url,status,data) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		if _, err := stmt.Exec(sess.ID, i+1, e.ID, e.StartedAt.UTC(), e.Request.Method, e.Request.URL, e.Response.Status, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const sessionColumns = `id,backend,target,status,start_time,end_time,paused_at,resumed_at,captured_count,error_message,entry_count,saved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*types.StoredSession, error) {
	var out types.StoredSession
	var backend, status string
	var end, paused, resumed sql.NullTime
	if err := row.Scan(&out.ID, &backend, &out.Target, &status, &out.StartTime, &end, &paused, &resumed,
		&out.CapturedCount, &out.ErrorMessage, &out.EntryCount, &out.SavedAt); err != nil {
		return nil, err
	}
	out.Backend = types.BackendKind(backend)
	out.Status = types.SessionStatus(status)
	out.EndTime = timePtr(end)
	out.PausedAt = timePtr(paused)
	out.ResumedAt = timePtr(resumed)
	return &out, nil
}

func (s *SQLiteStore) GetSession(id string) (*types.StoredSession, error) {
	out, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM capture_sessions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *SQLiteStore) ListSessions() ([]types.StoredSession, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM capture_sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.StoredSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// GetEntries returns the archive of a session in capture order.
func (s *SQLiteStore) GetEntries(sessionID string) ([]types.ArchiveEntry, error) {
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT data FROM archive_entries WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.ArchiveEntry, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e types.ArchiveEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode entry of %s: %w", sessionID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM archive_entries WHERE session_id=?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM capture_sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
