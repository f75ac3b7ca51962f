package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// Retrying wraps a Store and retries operations that fail with
// fhir.ErrStoreUnavailable. Conflicts and validation failures are returned
// immediately.
type Retrying struct {
	next     Store
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger
}

// NewRetrying returns next unchanged when attempts <= 1.
func NewRetrying(next Store, attempts int, backoff time.Duration, logger zerolog.Logger) Store {
	if attempts <= 1 {
		return next
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return &Retrying{next: next, attempts: attempts, backoff: backoff, logger: logger}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	return r.doWhile(ctx, op, fn, func() bool { return true })
}

func (r *Retrying) doWhile(ctx context.Context, op string, fn func() error, retryable func() bool) error {
	var err error
	wait := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, fhir.ErrStoreUnavailable) || !retryable() {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", wait).Msg("store unavailable, retrying")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait *= 2
	}
	return err
}

func (r *Retrying) Create(ctx context.Context, resourceType string, content json.RawMessage) (*Resource, error) {
	var out *Resource
	err := r.do(ctx, "create", func() error {
		var err error
		out, err = r.next.Create(ctx, resourceType, content)
		return err
	})
	return out, err
}

func (r *Retrying) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	var out *Resource
	err := r.do(ctx, "read", func() error {
		var err error
		out, err = r.next.Read(ctx, resourceType, id)
		return err
	})
	return out, err
}

func (r *Retrying) VRead(ctx context.Context, resourceType, id string, version int64) (*Resource, error) {
	var out *Resource
	err := r.do(ctx, "vread", func() error {
		var err error
		out, err = r.next.VRead(ctx, resourceType, id, version)
		return err
	})
	return out, err
}

func (r *Retrying) Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*Resource, bool, error) {
	var (
		out     *Resource
		created bool
	)
	err := r.do(ctx, "update", func() error {
		var err error
		out, created, err = r.next.Update(ctx, resourceType, id, content, expectedVersion)
		return err
	})
	return out, created, err
}

func (r *Retrying) Delete(ctx context.Context, resourceType, id string) (*Resource, error) {
	var out *Resource
	err := r.do(ctx, "delete", func() error {
		var err error
		out, err = r.next.Delete(ctx, resourceType, id)
		return err
	})
	return out, err
}

func (r *Retrying) History(ctx context.Context, resourceType, id string) ([]*Resource, error) {
	var out []*Resource
	err := r.do(ctx, "history", func() error {
		var err error
		out, err = r.next.History(ctx, resourceType, id)
		return err
	})
	return out, err
}

func (r *Retrying) HistoryType(ctx context.Context, resourceType string, q HistoryQuery) ([]*Resource, error) {
	var out []*Resource
	err := r.do(ctx, "history-type", func() error {
		var err error
		out, err = r.next.HistoryType(ctx, resourceType, q)
		return err
	})
	return out, err
}

// Scan is not retried once fn has been called, since fn may not be idempotent.
func (r *Retrying) Scan(ctx context.Context, resourceType string, fn func(*Resource) error) error {
	called := false
	return r.doWhile(ctx, "scan", func() error {
		return r.next.Scan(ctx, resourceType, func(res *Resource) error {
			called = true
			return fn(res)
		})
	}, func() bool { return !called })
}

func (r *Retrying) Count(ctx context.Context, resourceType string) (int, error) {
	var n int
	err := r.do(ctx, "count", func() error {
		var err error
		n, err = r.next.Count(ctx, resourceType)
		return err
	})
	return n, err
}

func (r *Retrying) Close() error {
	return r.next.Close()
}

// Unwrap exposes the wrapped store.
func (r *Retrying) Unwrap() Store {
	return r.next
}
