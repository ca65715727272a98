package journal

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

const (
	// DBFile is the SQLite database under the runtime dir.
	DBFile = "store.sqlite"
	// EventsFile is the JSONL mirror of the events table.
	EventsFile = "events.jsonl"
)

// ErrSessionNotFound is returned by LoadSession for an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the per-workspace event journal plus its derived tables.
// The agent engine is the single writer; mu serializes appends.
type Store struct {
	mu        sync.Mutex
	root      string
	db        *sql.DB
	jsonlPath string
	now       func() time.Time
}

// Open opens (creating if needed) the store for workspace.
func Open(workspace string) (*Store, error) {
	root := core.RuntimeDir(workspace)
	db, err := OpenDB(filepath.Join(root, DBFile))
	if err != nil {
		return nil, buderr.StorageIO("open", err)
	}
	return NewStore(db, root), nil
}

// NewStore wraps an open database. root is the runtime dir holding events.jsonl.
func NewStore(db *sql.DB, root string) *Store {
	return &Store{
		root:      root,
		db:        db,
		jsonlPath: filepath.Join(root, EventsFile),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Root returns the runtime directory.
func (s *Store) Root() string { return s.root }

// DB exposes the handle for components with their own tables.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextSeqNo returns last+1 for sessionID, starting at 1.
func (s *Store) NextSeqNo(ctx context.Context, sessionID string) (uint64, error) {
	return nextSeqNo(ctx, s.db, sessionID)
}

func nextSeqNo(ctx context.Context, q execer, sessionID string) (uint64, error) {
	var last sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(seq_no) FROM events WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil {
		return 0, buderr.StorageIO("next_seq_no", err)
	}
	if !last.Valid {
		return 1, nil
	}
	return uint64(last.Int64) + 1, nil
}

// AppendEvent writes ev if its seq_no is exactly the next expected value.
// The event row, derived-table updates and the JSONL line commit together;
// on any failure seq_no does not advance.
func (s *Store) AppendEvent(ctx context.Context, ev Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, ev)
}

// Append allocates the next seq_no for sessionID and appends kind.
func (s *Store) Append(ctx context.Context, sessionID string, kind Kind) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.NextSeqNo(ctx, sessionID)
	if err != nil {
		return Envelope{}, err
	}
	ev := Envelope{SeqNo: seq, At: s.now(), SessionID: sessionID, Kind: kind}
	if err := s.appendLocked(ctx, ev); err != nil {
		return Envelope{}, err
	}
	return ev, nil
}

func (s *Store) appendLocked(ctx context.Context, ev Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return buderr.StorageIO("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	expected, err := nextSeqNo(ctx, tx, ev.SessionID)
	if err != nil {
		return err
	}
	if ev.SeqNo != expected {
		return buderr.StorageIO("append", fmt.Errorf("seq_no %d out of order for session %s (expected %d)",
			ev.SeqNo, ev.SessionID, expected))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq_no, at, kind, envelope_json) VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.SeqNo, formatTime(ev.At), ev.Kind.Type(), string(data)); err != nil {
		return buderr.StorageIO("append", err)
	}
	if err := s.projectDerived(ctx, tx, ev); err != nil {
		return buderr.StorageIO("project", err)
	}

	undo, err := s.appendJSONL(data)
	if err != nil {
		return buderr.StorageIO("append_jsonl", err)
	}
	if err := tx.Commit(); err != nil {
		undo()
		return buderr.StorageIO("commit", err)
	}

	logging.Debug("event appended",
		logging.SessionID(ev.SessionID),
		logging.F("seq_no", ev.SeqNo),
		logging.F("kind", ev.Kind.Type()))
	return nil
}

// appendJSONL writes one line and returns a func that truncates it away.
func (s *Store) appendJSONL(line []byte) (func(), error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.jsonlPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = os.Truncate(s.jsonlPath, size)
		return nil, err
	}
	return func() { _ = os.Truncate(s.jsonlPath, size) }, nil
}

// LoadEvents returns sessionID's events in seq_no order.
func (s *Store) LoadEvents(ctx context.Context, sessionID string) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT envelope_json FROM events WHERE session_id = ? ORDER BY seq_no ASC`, sessionID)
	if err != nil {
		return nil, buderr.StorageIO("load_events", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, buderr.StorageIO("scan_event", err)
		}
		var ev Envelope
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, buderr.StorageIO("iterate_events", err)
	}
	return out, nil
}

// ReadJSONL parses an events.jsonl file. Lines for other sessions are kept.
func ReadJSONL(path string) ([]Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Envelope
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Envelope
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("decode jsonl line: %w", err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// RebuildFromEvents loads sessionID's events and folds them.
func (s *Store) RebuildFromEvents(ctx context.Context, sessionID string) (Projection, error) {
	events, err := s.LoadEvents(ctx, sessionID)
	if err != nil {
		return Projection{}, err
	}
	return Rebuild(events), nil
}

// SaveSession upserts the session row.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	budgets, err := json.Marshal(sess.Budgets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, workspace_root, baseline_commit, status, budgets_json, active_plan_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	baseline_commit = excluded.baseline_commit,
	status = excluded.status,
	budgets_json = excluded.budgets_json,
	active_plan_id = excluded.active_plan_id,
	updated_at = excluded.updated_at`,
		sess.ID, sess.WorkspaceRoot, nullString(sess.BaselineCommit), string(sess.Status), string(budgets),
		nullString(sess.ActivePlanID), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return buderr.StorageIO("save_session", err)
	}
	return nil
}

const sessionColumns = `session_id, workspace_root, baseline_commit, status, budgets_json, active_plan_id, created_at, updated_at`

// LoadSession reads one session by id.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

// LoadLatestSession returns the most recently updated session, or nil.
func (s *Store) LoadLatestSession(ctx context.Context) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, rowid DESC LIMIT 1`)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ListSessions returns up to limit sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]session.Info, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT s.session_id, s.status, s.updated_at,
	(SELECT COUNT(*) FROM events e WHERE e.session_id = s.session_id),
	COALESCE((SELECT r.prompt FROM runs r WHERE r.session_id = s.session_id ORDER BY r.created_at ASC LIMIT 1), '')
FROM sessions s ORDER BY s.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, buderr.StorageIO("list_sessions", err)
	}
	defer rows.Close()

	var out []session.Info
	for rows.Next() {
		var info session.Info
		var status, updated, prompt string
		if err := rows.Scan(&info.ID, &status, &updated, &info.Events, &prompt); err != nil {
			return nil, buderr.StorageIO("scan_session", err)
		}
		info.Status = session.Status(status)
		info.UpdatedAt = parseTime(updated)
		info.Preview = session.Truncate(prompt, 50)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, buderr.StorageIO("iterate_sessions", err)
	}
	return out, nil
}

func scanSession(row *sql.Row) (*session.Session, error) {
	var sess session.Session
	var baseline, activePlan sql.NullString
	var status, budgets, created, updated string
	err := row.Scan(&sess.ID, &sess.WorkspaceRoot, &baseline, &status, &budgets, &activePlan, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, buderr.StorageIO("load_session", err)
	}
	sess.BaselineCommit = baseline.String
	sess.ActivePlanID = activePlan.String
	sess.Status = session.Status(status)
	if err := json.Unmarshal([]byte(budgets), &sess.Budgets); err != nil {
		return nil, fmt.Errorf("decode budgets: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
