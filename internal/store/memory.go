package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// MemoryStore keeps every version in process memory. It is used for tests
// and ephemeral deployments.
type MemoryStore struct {
	locks *keyedMutex

	mu        sync.RWMutex
	resources map[string]map[string][]*Resource // type -> id -> versions, oldest first

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     newKeyedMutex(),
		resources: make(map[string]map[string][]*Resource),
		now:       time.Now,
	}
}

func (s *MemoryStore) versions(resourceType, id string) []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[resourceType][id]
}

func (s *MemoryStore) appendVersion(r *Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.resources[r.Type]
	if !ok {
		byID = make(map[string][]*Resource)
		s.resources[r.Type] = byID
	}
	byID[r.ID] = append(byID[r.ID], r)
}

func (s *MemoryStore) write(resourceType, id string, content json.RawMessage, version int64) (*Resource, error) {
	ts := timestamp(s.now())
	r := &Resource{Type: resourceType, ID: id, Version: version, LastUpdated: ts}
	if content != nil {
		stamped, err := stamp(content, resourceType, id, version, ts)
		if err != nil {
			return nil, err
		}
		r.Content = stamped
	} else {
		r.Deleted = true
	}
	s.appendVersion(r)
	return r, nil
}

func (s *MemoryStore) Create(ctx context.Context, resourceType string, content json.RawMessage) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := NewID()
	unlock := s.locks.Lock(resourceType + "/" + id)
	defer unlock()
	return s.write(resourceType, id, content, 1)
}

func (s *MemoryStore) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := s.versions(resourceType, id)
	if len(vs) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	cur := vs[len(vs)-1]
	if cur.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrGone)
	}
	return cur, nil
}

func (s *MemoryStore) VRead(ctx context.Context, resourceType, id string, version int64) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := s.versions(resourceType, id)
	if version < 1 || int(version) > len(vs) {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrNotFound)
	}
	r := vs[version-1]
	if r.Deleted {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, fhir.ErrGone)
	}
	return r, nil
}

func (s *MemoryStore) Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*Resource, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if content == nil {
		return nil, false, fmt.Errorf("%w: update requires a body", fhir.ErrInvalidRequest)
	}
	key := resourceType + "/" + id
	unlock := s.locks.Lock(key)
	defer unlock()

	vs := s.versions(resourceType, id)
	current := int64(len(vs))
	if err := checkExpected(key, expectedVersion, current); err != nil {
		return nil, false, err
	}
	r, err := s.write(resourceType, id, content, current+1)
	if err != nil {
		return nil, false, err
	}
	return r, current == 0, nil
}

func (s *MemoryStore) Delete(ctx context.Context, resourceType, id string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := resourceType + "/" + id
	unlock := s.locks.Lock(key)
	defer unlock()

	vs := s.versions(resourceType, id)
	if len(vs) == 0 {
		return nil, fmt.Errorf("%s: %w", key, fhir.ErrNotFound)
	}
	if cur := vs[len(vs)-1]; cur.Deleted {
		return cur, nil
	}
	return s.write(resourceType, id, nil, int64(len(vs))+1)
}

func (s *MemoryStore) History(ctx context.Context, resourceType, id string) ([]*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := s.versions(resourceType, id)
	if len(vs) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, fhir.ErrNotFound)
	}
	out := make([]*Resource, len(vs))
	for i, r := range vs {
		out[len(vs)-1-i] = r
	}
	return out, nil
}

func (s *MemoryStore) HistoryType(ctx context.Context, resourceType string, q HistoryQuery) ([]*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*Resource
	for rt, byID := range s.resources {
		if resourceType != "" && rt != resourceType {
			continue
		}
		for _, vs := range byID {
			for _, r := range vs {
				if r.LastUpdated.Before(q.Since) {
					continue
				}
				out = append(out, r)
			}
		}
	}
	s.mu.RUnlock()

	sortHistory(out)
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortHistory orders versions newest first with a stable tiebreak.
func sortHistory(rs []*Resource) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version > b.Version
	})
}

func (s *MemoryStore) Scan(ctx context.Context, resourceType string, fn func(*Resource) error) error {
	s.mu.RLock()
	var current []*Resource
	for rt, byID := range s.resources {
		if resourceType != "" && rt != resourceType {
			continue
		}
		for _, vs := range byID {
			current = append(current, vs[len(vs)-1])
		}
	}
	s.mu.RUnlock()

	sort.Slice(current, func(i, j int) bool { return current[i].Key() < current[j].Key() })
	for _, r := range current {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, resourceType string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, vs := range s.resources[resourceType] {
		if !vs[len(vs)-1].Deleted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
