package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS resource_version (
	resource_type TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	version       INTEGER NOT NULL,
	content       BLOB,
	deleted       INTEGER NOT NULL DEFAULT 0,
	last_updated  INTEGER NOT NULL,
	PRIMARY KEY (resource_type, resource_id, version)
);
CREATE TABLE IF NOT EXISTS resource_current (
	resource_type TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	version       INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	last_updated  INTEGER NOT NULL,
	PRIMARY KEY (resource_type, resource_id)
);
CREATE INDEX IF NOT EXISTS idx_resource_version_updated ON resource_version (last_updated DESC);
`

// SQLiteStore is a single-file embedded store using the pure Go sqlite
// driver. Transactions begin IMMEDIATE so writers serialize on the database
// lock.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file::memory:?_txlock=immediate"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
		}
		dsn = "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" a single database and matches SQLite's
	// single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sqliteSelect = `SELECT resource_type, resource_id, version, content, deleted, last_updated FROM resource_version`

func scanSQLite(row rowScanner) (*Resource, error) {
	var (
		r       Resource
		content []byte
		millis  int64
	)
	if err := row.Scan(&r.Type, &r.ID, &r.Version, &content, &r.Deleted, &millis); err != nil {
		return nil, err
	}
	if !r.Deleted {
		r.Content = json.RawMessage(content)
	}
	r.LastUpdated = time.UnixMilli(millis).UTC()
	return &r, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) current(ctx context.Context, tx *sql.Tx, resourceType, id string) (int64, bool, error) {
	var (
		version int64
		deleted bool
	)
	err := tx.QueryRowContext(ctx,
		`SELECT version, deleted FROM resource_current WHERE resource_type = ? AND resource_id = ?`,
		resourceType, id).Scan(&version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return version, deleted, err
}

func (s *SQLiteStore) insertVersion(ctx context.Context, tx *sql.Tx, resourceType, id string, content json.RawMessage, version int64) (*Resource, error) {
	ts := timestamp(s.now())
	r := &Resource{Type: resourceType, ID: id, Version: version, LastUpdated: ts, Deleted: content == nil}

	var body []byte
	if content != nil {
		stamped, err := stamp(content, resourceType, id, version, ts)
		if err != nil {
			return nil, err
		}
		r.Content = stamped
		body = stamped
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_version (resource_type, resource_id, version, content, deleted, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		resourceType, id, version, body, r.Deleted, ts.UnixMilli()); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_current (resource_type, resource_id, version, deleted, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (resource_type, resource_id) DO UPDATE
		 SET version = excluded.version, deleted = excluded.deleted, last_updated = excluded.last_updated`,
		resourceType, id, version, r.Deleted, ts.UnixMilli()); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) Create(ctx context.Context, resourceType string, content json.RawMessage) (*Resource, error) {
	id := NewID()
	var out *Resource
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.insertVersion(ctx, tx, resourceType, id, content, 1)
		return err
	})
	if err != nil {
		return nil, classifySQLite("create "+resourceType, err)
	}
	return out, nil
}

func (s *SQLiteStore) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	r, err := scanSQLite(s.db.QueryRowContext(ctx,
		`SELECT v.resource_type, v.resource_id, v.version, v.content, v.deleted, v.last_updated
		 FROM resource_current c
		 JOIN resource_version v
		   ON v.resource_type = c.resource_type AND v.resource_id = c.resource_id AND v.version = c.version
		 WHERE c.resource_type = ? AND c.resource_id = ?`,
		resourceType, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	if err != nil {
		return nil, classifySQLite("read "+resourceType+"/"+id, err)
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrGone)
	}
	return r, nil
}

func (s *SQLiteStore) VRead(ctx context.Context, resourceType, id string, version int64) (*Resource, error) {
	r, err := scanSQLite(s.db.QueryRowContext(ctx,
		sqliteSelect+` WHERE resource_type = ? AND resource_id = ? AND version = ?`,
		resourceType, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrNotFound)
	}
	if err != nil {
		return nil, classifySQLite("vread "+resourceType+"/"+id, err)
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrGone)
	}
	return r, nil
}

func (s *SQLiteStore) Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*Resource, bool, error) {
	if content == nil {
		return nil, false, fmt.Errorf("%w: update requires a body", fhir.ErrInvalidRequest)
	}
	var (
		out     *Resource
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, _, err := s.current(ctx, tx, resourceType, id)
		if err != nil {
			return err
		}
		if err := checkExpected(resourceType+"/"+id, expectedVersion, current); err != nil {
			return err
		}
		created = current == 0
		out, err = s.insertVersion(ctx, tx, resourceType, id, content, current+1)
		return err
	})
	if err != nil {
		return nil, false, classifySQLite("update "+resourceType+"/"+id, err)
	}
	return out, created, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, resourceType, id string) (*Resource, error) {
	var out *Resource
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, deleted, err := s.current(ctx, tx, resourceType, id)
		if err != nil {
			return err
		}
		if current == 0 {
			return fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
		}
		if deleted {
			out, err = scanSQLite(tx.QueryRowContext(ctx,
				sqliteSelect+` WHERE resource_type = ? AND resource_id = ? AND version = ?`,
				resourceType, id, current))
			return err
		}
		out, err = s.insertVersion(ctx, tx, resourceType, id, nil, current+1)
		return err
	})
	if err != nil {
		return nil, classifySQLite("delete "+resourceType+"/"+id, err)
	}
	return out, nil
}

func (s *SQLiteStore) query(ctx context.Context, op, q string, args ...interface{}) ([]*Resource, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(op, err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, classifySQLite(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) History(ctx context.Context, resourceType, id string) ([]*Resource, error) {
	out, err := s.query(ctx, "history "+resourceType+"/"+id,
		sqliteSelect+` WHERE resource_type = ? AND resource_id = ? ORDER BY version DESC`,
		resourceType, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	return out, nil
}

func (s *SQLiteStore) HistoryType(ctx context.Context, resourceType string, q HistoryQuery) ([]*Resource, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixMilli()
	}
	return s.query(ctx, "history "+resourceType,
		sqliteSelect+` WHERE (? = '' OR resource_type = ?) AND last_updated >= ?
		 ORDER BY last_updated DESC, resource_type, resource_id, version DESC LIMIT ?`,
		resourceType, resourceType, since, limit)
}

func (s *SQLiteStore) Scan(ctx context.Context, resourceType string, fn func(*Resource) error) error {
	all, err := s.query(ctx, "scan "+resourceType,
		`SELECT v.resource_type, v.resource_id, v.version, v.content, v.deleted, v.last_updated
		 FROM resource_current c
		 JOIN resource_version v
		   ON v.resource_type = c.resource_type AND v.resource_id = c.resource_id AND v.version = c.version
		 WHERE (? = '' OR c.resource_type = ?)
		 ORDER BY c.resource_type, c.resource_id`,
		resourceType, resourceType)
	if err != nil {
		return err
	}
	for _, r := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, resourceType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM resource_current WHERE resource_type = ? AND deleted = 0`,
		resourceType).Scan(&n)
	if err != nil {
		return 0, classifySQLite("count "+resourceType, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func classifySQLite(op string, err error) error {
	for _, sentinel := range []error{fhir.ErrNotFound, fhir.ErrGone, fhir.ErrConflict, fhir.ErrInvalidRequest, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%s: %w", op, fhir.ErrConflict)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return fmt.Errorf("%s: %v: %w", op, err, fhir.ErrStoreUnavailable)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %v: %w", op, err, fhir.ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
