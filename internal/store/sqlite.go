package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the kernel's durable Store, a single SQLite file in WAL
// mode with a single-writer connection pool (SQLite allows one concurrent
// writer; readers and writer share the same pooled connection here since
// the kernel's write volume is low and simplicity wins over a separate
// read pool).
//
// Schema: state (one row, the current GlobalState snapshot), ledger (one
// row per day_epoch), records (append-only ExecutionRecord log), nodes
// (admin-override rows for NodeRegistry restore), reservations (live
// budget reservations not yet settled or released).
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// ensures its schema exists. path may be ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger (
			day_epoch INTEGER PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			has_ended INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_node ON records(node_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_records_open ON records(has_ended)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			token TEXT PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, row StateRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (id, revision, payload) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET revision = excluded.revision, payload = excluded.payload
	`, row.Revision, string(row.Payload))
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadState(ctx context.Context) (StateRow, error) {
	if err := s.checkOpen(); err != nil {
		return StateRow{}, err
	}
	var row StateRow
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT revision, payload FROM state WHERE id = 1`).Scan(&row.Revision, &payload)
	if err == sql.ErrNoRows {
		return StateRow{}, ErrNotFound
	}
	if err != nil {
		return StateRow{}, fmt.Errorf("store: load state: %w", err)
	}
	row.Payload = []byte(payload)
	return row, nil
}

func (s *SQLiteStore) SaveLedger(ctx context.Context, row LedgerRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (day_epoch, payload) VALUES (?, ?)
		ON CONFLICT(day_epoch) DO UPDATE SET payload = excluded.payload
	`, row.DayEpoch, string(row.Payload))
	if err != nil {
		return fmt.Errorf("store: save ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadLedger(ctx context.Context, epoch int) (LedgerRow, error) {
	if err := s.checkOpen(); err != nil {
		return LedgerRow{}, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM ledger WHERE day_epoch = ?`, epoch).Scan(&payload)
	if err == sql.ErrNoRows {
		return LedgerRow{}, ErrNotFound
	}
	if err != nil {
		return LedgerRow{}, fmt.Errorf("store: load ledger: %w", err)
	}
	return LedgerRow{DayEpoch: epoch, Payload: []byte(payload)}, nil
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, row RecordRow) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (node_id, has_ended, payload) VALUES (?, ?, ?)
	`, row.NodeID, boolToInt(row.Ended), string(row.Payload))
	if err != nil {
		return 0, fmt.Errorf("store: append record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append record id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, row RecordRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET has_ended = ?, payload = ? WHERE id = ?
	`, boolToInt(row.Ended), string(row.Payload), row.ID)
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OpenRecords(ctx context.Context) ([]RecordRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, node_id, has_ended, payload FROM records WHERE has_ended = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: open records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecordRows(rows)
}

func (s *SQLiteStore) RecentRecords(ctx context.Context, nodeID string, limit int) ([]RecordRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rows *sql.Rows
	var err error
	if nodeID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, node_id, has_ended, payload FROM records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, node_id, has_ended, payload FROM records WHERE node_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, nodeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recent records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecordRows(rows)
}

func scanRecordRows(rows *sql.Rows) ([]RecordRow, error) {
	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		var payload string
		var ended int
		if err := rows.Scan(&r.ID, &r.NodeID, &ended, &payload); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		r.Ended = ended != 0
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) SaveNodeOverride(ctx context.Context, row NodeRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, payload) VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET payload = excluded.payload
	`, row.NodeID, string(row.Payload))
	if err != nil {
		return fmt.Errorf("store: save node override: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadNodeOverrides(ctx context.Context) ([]NodeRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, payload FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("store: load node overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []NodeRow
	for rows.Next() {
		var r NodeRow
		var payload string
		if err := rows.Scan(&r.NodeID, &payload); err != nil {
			return nil, fmt.Errorf("store: scan node override: %w", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveReservation(ctx context.Context, row ReservationRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (token, payload) VALUES (?, ?)
		ON CONFLICT(token) DO UPDATE SET payload = excluded.payload
	`, row.Token, string(row.Payload))
	if err != nil {
		return fmt.Errorf("store: save reservation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteReservation(ctx context.Context, token string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE token = ?`, token); err != nil {
		return fmt.Errorf("store: delete reservation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadReservations(ctx context.Context) ([]ReservationRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token, payload FROM reservations`)
	if err != nil {
		return nil, fmt.Errorf("store: load reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ReservationRow
	for rows.Next() {
		var r ReservationRow
		var payload string
		if err := rows.Scan(&r.Token, &payload); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
