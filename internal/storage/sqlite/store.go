package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"framestream/internal/domain"
	"framestream/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id_ms INTEGER NOT NULL,
	id_seq INTEGER NOT NULL,
	fields_json TEXT NOT NULL,
	PRIMARY KEY (id_ms, id_seq)
);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'stream entries are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'stream entries are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS consumer_groups (
	name TEXT PRIMARY KEY,
	cursor_ms INTEGER NOT NULL,
	cursor_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_deliveries (
	group_name TEXT NOT NULL,
	id_ms INTEGER NOT NULL,
	id_seq INTEGER NOT NULL,
	consumer TEXT NOT NULL,
	PRIMARY KEY (group_name, id_ms, id_seq)
);
`

// Store persists stream logs in one SQLite database per stream under a base
// directory. Databases run in WAL mode with append-only triggers on the
// entries table.
type Store struct {
	baseDir string
	logger  *slog.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(baseDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{baseDir: baseDir, logger: logger, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = make(map[string]*sql.DB)
	return errors.Join(errs...)
}

func (s *Store) AppendEntry(ctx context.Context, stream string, id domain.EntryID, fields map[string]string) error {
	db, err := s.streamDB(stream)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode entry fields: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO entries(id_ms, id_seq, fields_json) VALUES(?, ?, ?)`,
		int64(id.Ms), int64(id.Seq), string(payload))
	if err != nil {
		return fmt.Errorf("append entry %s: %w", id, err)
	}
	return nil
}

// LoadEntries returns every stored entry in ID order. Rows whose field
// payload fails to decode are skipped with a diagnostic so one bad row
// never blocks recovery.
func (s *Store) LoadEntries(ctx context.Context, stream string) ([]domain.StreamEntry, error) {
	db, err := s.streamDB(stream)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id_ms, id_seq, fields_json FROM entries ORDER BY id_ms, id_seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StreamEntry
	for rows.Next() {
		var ms, seq int64
		var payload string
		if err := rows.Scan(&ms, &seq, &payload); err != nil {
			return nil, err
		}
		id := domain.EntryID{Ms: uint64(ms), Seq: uint64(seq)}
		fields := map[string]string{}
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			s.logger.Warn("skipping malformed stream entry",
				"stream", stream, "id", id.String(), "err", err)
			continue
		}
		out = append(out, domain.StreamEntry{ID: id.String(), Stream: stream, Fields: fields})
	}
	return out, rows.Err()
}

func (s *Store) SaveGroupCursor(ctx context.Context, stream, group string, cursor domain.EntryID) error {
	db, err := s.streamDB(stream)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO consumer_groups(name, cursor_ms, cursor_seq) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET cursor_ms=excluded.cursor_ms, cursor_seq=excluded.cursor_seq`,
		group, int64(cursor.Ms), int64(cursor.Seq))
	if err != nil {
		return fmt.Errorf("save cursor for group %q: %w", group, err)
	}
	return nil
}

func (s *Store) LoadGroups(ctx context.Context, stream string) (map[string]storage.GroupState, error) {
	db, err := s.streamDB(stream)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name, cursor_ms, cursor_seq FROM consumer_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := map[string]storage.GroupState{}
	for rows.Next() {
		var name string
		var ms, seq int64
		if err := rows.Scan(&name, &ms, &seq); err != nil {
			return nil, err
		}
		groups[name] = storage.GroupState{
			Cursor:  domain.EntryID{Ms: uint64(ms), Seq: uint64(seq)},
			Pending: map[domain.EntryID]string{},
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pending, err := db.QueryContext(ctx, `SELECT group_name, id_ms, id_seq, consumer FROM pending_deliveries`)
	if err != nil {
		return nil, err
	}
	defer pending.Close()
	for pending.Next() {
		var name, consumer string
		var ms, seq int64
		if err := pending.Scan(&name, &ms, &seq, &consumer); err != nil {
			return nil, err
		}
		state, ok := groups[name]
		if !ok {
			s.logger.Warn("pending delivery for unknown group", "stream", stream, "group", name)
			continue
		}
		state.Pending[domain.EntryID{Ms: uint64(ms), Seq: uint64(seq)}] = consumer
	}
	return groups, pending.Err()
}

func (s *Store) AddPending(ctx context.Context, stream, group string, id domain.EntryID, consumer string) error {
	db, err := s.streamDB(stream)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO pending_deliveries(group_name, id_ms, id_seq, consumer) VALUES(?, ?, ?, ?)
ON CONFLICT(group_name, id_ms, id_seq) DO UPDATE SET consumer=excluded.consumer`,
		group, int64(id.Ms), int64(id.Seq), consumer)
	return err
}

func (s *Store) RemovePending(ctx context.Context, stream, group string, id domain.EntryID) error {
	db, err := s.streamDB(stream)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM pending_deliveries WHERE group_name=? AND id_ms=? AND id_seq=?`,
		group, int64(id.Ms), int64(id.Seq))
	return err
}

func (s *Store) streamDB(stream string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[stream]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("stream-%s.db", sanitizeStreamName(stream)))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[stream] = db
	return db, nil
}

// sanitizeStreamName keeps file names portable; stream names like
// "analysis-results" pass through unchanged.
func sanitizeStreamName(stream string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, stream)
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
