package store

import (
	"context"
	"encoding/json"
	"time"
)

// Observer receives the duration and outcome of every store operation.
type Observer interface {
	ObserveStore(op, resourceType string, d time.Duration, err error)
}

// Observed wraps a Store and reports each call to an Observer.
type Observed struct {
	next Store
	obs  Observer
}

func NewObserved(next Store, obs Observer) Store {
	if obs == nil {
		return next
	}
	return &Observed{next: next, obs: obs}
}

func (o *Observed) report(op, resourceType string, start time.Time, err error) {
	o.obs.ObserveStore(op, resourceType, time.Since(start), err)
}

func (o *Observed) Create(ctx context.Context, resourceType string, content json.RawMessage) (*Resource, error) {
	start := time.Now()
	r, err := o.next.Create(ctx, resourceType, content)
	o.report("create", resourceType, start, err)
	return r, err
}

func (o *Observed) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	start := time.Now()
	r, err := o.next.Read(ctx, resourceType, id)
	o.report("read", resourceType, start, err)
	return r, err
}

func (o *Observed) VRead(ctx context.Context, resourceType, id string, version int64) (*Resource, error) {
	start := time.Now()
	r, err := o.next.VRead(ctx, resourceType, id, version)
	o.report("vread", resourceType, start, err)
	return r, err
}

func (o *Observed) Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*Resource, bool, error) {
	start := time.Now()
	r, created, err := o.next.Update(ctx, resourceType, id, content, expectedVersion)
	o.report("update", resourceType, start, err)
	return r, created, err
}

func (o *Observed) Delete(ctx context.Context, resourceType, id string) (*Resource, error) {
	start := time.Now()
	r, err := o.next.Delete(ctx, resourceType, id)
	o.report("delete", resourceType, start, err)
	return r, err
}

func (o *Observed) History(ctx context.Context, resourceType, id string) ([]*Resource, error) {
	start := time.Now()
	rs, err := o.next.History(ctx, resourceType, id)
	o.report("history", resourceType, start, err)
	return rs, err
}

func (o *Observed) HistoryType(ctx context.Context, resourceType string, q HistoryQuery) ([]*Resource, error) {
	start := time.Now()
	rs, err := o.next.HistoryType(ctx, resourceType, q)
	o.report("history-type", resourceType, start, err)
	return rs, err
}

func (o *Observed) Scan(ctx context.Context, resourceType string, fn func(*Resource) error) error {
	start := time.Now()
	err := o.next.Scan(ctx, resourceType, fn)
	o.report("scan", resourceType, start, err)
	return err
}

func (o *Observed) Count(ctx context.Context, resourceType string) (int, error) {
	start := time.Now()
	n, err := o.next.Count(ctx, resourceType)
	o.report("count", resourceType, start, err)
	return n, err
}

func (o *Observed) Close() error {
	return o.next.Close()
}
