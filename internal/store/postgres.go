package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// PostgresStore persists versions in resource_version with a resource_current
// pointer row per resource. Writes lock the pointer row, so concurrent writers
// to the same id serialize while distinct ids proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const selectVersion = `SELECT resource_type, resource_id, version, content, deleted, last_updated FROM resource_version`

func scanResource(row pgx.Row) (*Resource, error) {
	var (
		r       Resource
		content []byte
	)
	if err := row.Scan(&r.Type, &r.ID, &r.Version, &content, &r.Deleted, &r.LastUpdated); err != nil {
		return nil, err
	}
	if !r.Deleted {
		// JSONB does not keep key order or whitespace.
		canon, err := fhir.Canonicalize(content)
		if err != nil {
			return nil, err
		}
		r.Content = canon
	}
	r.LastUpdated = r.LastUpdated.UTC()
	return &r, nil
}

func collect(rows pgx.Rows) ([]*Resource, error) {
	defer rows.Close()
	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, resourceType string, content json.RawMessage) (*Resource, error) {
	id := NewID()
	var out *Resource
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO resource_current (resource_type, resource_id, version, deleted, last_updated)
			 VALUES ($1, $2, 1, FALSE, $3) ON CONFLICT DO NOTHING`,
			resourceType, id, timestamp(s.now()))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s/%s: id collision: %w", resourceType, id, fhir.ErrConflict)
		}
		out, err = s.insertVersion(ctx, tx, resourceType, id, content, 1)
		return err
	})
	if err != nil {
		return nil, classifyPg("create "+resourceType, err)
	}
	return out, nil
}

// insertVersion writes one row to resource_version and points
// resource_current at it.
func (s *PostgresStore) insertVersion(ctx context.Context, tx pgx.Tx, resourceType, id string, content json.RawMessage, version int64) (*Resource, error) {
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO resource_version (resource_type, resource_id, version, content, deleted, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		resourceType, id, version, body, r.Deleted, ts); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE resource_current SET version = $3, deleted = $4, last_updated = $5
		 WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id, version, r.Deleted, ts); err != nil {
		return nil, err
	}
	return r, nil
}

// lockCurrent locks the pointer row and returns the current version, or 0.
func lockCurrent(ctx context.Context, tx pgx.Tx, resourceType, id string) (int64, bool, error) {
	var (
		version int64
		deleted bool
	)
	err := tx.QueryRow(ctx,
		`SELECT version, deleted FROM resource_current
		 WHERE resource_type = $1 AND resource_id = $2 FOR UPDATE`,
		resourceType, id).Scan(&version, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	return version, deleted, err
}

func (s *PostgresStore) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx,
		`SELECT v.resource_type, v.resource_id, v.version, v.content, v.deleted, v.last_updated
		 FROM resource_current c
		 JOIN resource_version v USING (resource_type, resource_id, version)
		 WHERE c.resource_type = $1 AND c.resource_id = $2`,
		resourceType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	if err != nil {
		return nil, classifyPg("read "+resourceType+"/"+id, err)
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrGone)
	}
	return r, nil
}

func (s *PostgresStore) VRead(ctx context.Context, resourceType, id string, version int64) (*Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx,
		selectVersion+` WHERE resource_type = $1 AND resource_id = $2 AND version = $3`,
		resourceType, id, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrNotFound)
	}
	if err != nil {
		return nil, classifyPg("vread "+resourceType+"/"+id, err)
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrGone)
	}
	return r, nil
}

func (s *PostgresStore) Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*Resource, bool, error) {
	if content == nil {
		return nil, false, fmt.Errorf("%w: update requires a body", fhir.ErrInvalidRequest)
	}
	var (
		out     *Resource
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, _, err := lockCurrent(ctx, tx, resourceType, id)
		if err != nil {
			return err
		}
		if err := checkExpected(resourceType+"/"+id, expectedVersion, current); err != nil {
			return err
		}
		if current == 0 {
			tag, err := tx.Exec(ctx,
				`INSERT INTO resource_current (resource_type, resource_id, version, deleted, last_updated)
				 VALUES ($1, $2, 0, FALSE, $3) ON CONFLICT DO NOTHING`,
				resourceType, id, timestamp(s.now()))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// Another transaction created the id first. Queue behind it
				// and write the next version.
				current, _, err = lockCurrent(ctx, tx, resourceType, id)
				if err != nil {
					return err
				}
				if current == 0 {
					return fmt.Errorf("%s/%s: concurrent create: %w", resourceType, id, fhir.ErrConflict)
				}
			} else {
				created = true
			}
		}
		out, err = s.insertVersion(ctx, tx, resourceType, id, content, current+1)
		return err
	})
	if err != nil {
		return nil, false, classifyPg("update "+resourceType+"/"+id, err)
	}
	return out, created, nil
}

func (s *PostgresStore) Delete(ctx context.Context, resourceType, id string) (*Resource, error) {
	var out *Resource
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, deleted, err := lockCurrent(ctx, tx, resourceType, id)
		if err != nil {
			return err
		}
		if current == 0 {
			return fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
		}
		if deleted {
			out, err = scanResource(tx.QueryRow(ctx,
				selectVersion+` WHERE resource_type = $1 AND resource_id = $2 AND version = $3`,
				resourceType, id, current))
			return err
		}
		out, err = s.insertVersion(ctx, tx, resourceType, id, nil, current+1)
		return err
	})
	if err != nil {
		return nil, classifyPg("delete "+resourceType+"/"+id, err)
	}
	return out, nil
}

func (s *PostgresStore) History(ctx context.Context, resourceType, id string) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx,
		selectVersion+` WHERE resource_type = $1 AND resource_id = $2 ORDER BY version DESC`,
		resourceType, id)
	if err != nil {
		return nil, classifyPg("history "+resourceType+"/"+id, err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, classifyPg("history "+resourceType+"/"+id, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	return out, nil
}

func (s *PostgresStore) HistoryType(ctx context.Context, resourceType string, q HistoryQuery) ([]*Resource, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		selectVersion+` WHERE ($1 = '' OR resource_type = $1) AND last_updated >= $2
		 ORDER BY last_updated DESC, resource_type, resource_id, version DESC LIMIT $3`,
		resourceType, q.Since.UTC(), limit)
	if err != nil {
		return nil, classifyPg("history "+resourceType, err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, classifyPg("history "+resourceType, err)
	}
	return out, nil
}

func (s *PostgresStore) Scan(ctx context.Context, resourceType string, fn func(*Resource) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT v.resource_type, v.resource_id, v.version, v.content, v.deleted, v.last_updated
		 FROM resource_current c
		 JOIN resource_version v USING (resource_type, resource_id, version)
		 WHERE ($1 = '' OR c.resource_type = $1)
		 ORDER BY c.resource_type, c.resource_id`,
		resourceType)
	if err != nil {
		return classifyPg("scan "+resourceType, err)
	}
	all, err := collect(rows)
	if err != nil {
		return classifyPg("scan "+resourceType, err)
	}
	for _, r := range all {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, resourceType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM resource_current WHERE resource_type = $1 AND NOT deleted`,
		resourceType).Scan(&n)
	if err != nil {
		return 0, classifyPg("count "+resourceType, err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// classifyPg maps driver errors onto the store's error taxonomy. Errors that
// already carry a taxonomy sentinel pass through unchanged.
func classifyPg(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{fhir.ErrNotFound, fhir.ErrGone, fhir.ErrConflict, fhir.ErrInvalidRequest, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, fhir.ErrConflict)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", pgErr.Code == "40P01", // serialization failure, deadlock
			pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%s: %v: %w", op, err, fhir.ErrStoreUnavailable)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %v: %w", op, err, fhir.ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
