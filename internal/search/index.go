package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/store"
)

// doc is the indexed state of the current version of one resource.
type doc struct {
	id          string
	version     int64
	lastUpdated time.Time
	deleted     bool
	// content is the latest non-deleted content, kept so the resource can be
	// re-extracted when parameters change.
	content json.RawMessage
	terms   map[string][]term
}

// Hit is one search match.
type Hit struct {
	ID          string
	Version     int64
	LastUpdated time.Time
	Deleted     bool
}

// Page is one page of search results.
type Page struct {
	Hits  []Hit
	Total int
	// Next is the cursor for the following page, empty on the last page.
	Next string
}

// Index maps parameter values to resources. It is safe for concurrent use.
type Index struct {
	registry *Registry
	logger   zerolog.Logger

	mu   sync.RWMutex
	docs map[string]map[string]*doc // type -> id -> doc
}

// NewIndex returns an empty index. Changes to the registry re-extract the
// affected resource type.
func NewIndex(registry *Registry, logger zerolog.Logger) *Index {
	idx := &Index{
		registry: registry,
		logger:   logger.With().Str("component", "search").Logger(),
		docs:     make(map[string]map[string]*doc),
	}
	registry.OnChange(idx.Reindex)
	return idx
}

// Index records the terms of r. Calls carrying an older version than the one
// already indexed for the same id are ignored, so out-of-order delivery
// cannot regress the index.
func (x *Index) Index(r *store.Resource) error {
	d := &doc{id: r.ID, version: r.Version, lastUpdated: r.LastUpdated, deleted: r.Deleted}

	x.mu.Lock()
	defer x.mu.Unlock()

	byID := x.docs[r.Type]
	if byID == nil {
		byID = make(map[string]*doc)
		x.docs[r.Type] = byID
	}
	prev := byID[r.ID]
	if prev != nil && prev.version > r.Version {
		return nil
	}

	if r.Deleted {
		if prev != nil {
			d.content = prev.content
		}
	} else {
		d.content = r.Content
	}
	terms, err := x.termsFor(r.Type, d.content)
	if err != nil {
		return fmt.Errorf("index %s: %w", r.Key(), err)
	}
	terms["_lastUpdated"] = []term{lastUpdatedRange(r.LastUpdated)}
	terms["_id"] = []term{{Code: r.ID}}
	d.terms = terms

	byID[r.ID] = d
	return nil
}

func (x *Index) termsFor(resourceType string, content json.RawMessage) (map[string][]term, error) {
	terms := make(map[string][]term)
	if content == nil {
		return terms, nil
	}
	body, err := decodeDoc(content)
	if err != nil {
		return nil, err
	}
	for _, def := range x.registry.Params(resourceType) {
		if t := extract(body, def); len(t) > 0 {
			terms[def.Code] = t
		}
	}
	return terms, nil
}

// Remove drops a resource from the index.
func (x *Index) Remove(resourceType, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs[resourceType], id)
}

// Reindex re-extracts every resource of a type from the content held in the
// index. It runs after the type's parameters change.
func (x *Index) Reindex(resourceType string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, d := range x.docs[resourceType] {
		terms, err := x.termsFor(resourceType, d.content)
		if err != nil {
			x.logger.Warn().Err(err).Str("resource", resourceType+"/"+id).Msg("reindex failed")
			continue
		}
		terms["_lastUpdated"] = []term{lastUpdatedRange(d.lastUpdated)}
		terms["_id"] = []term{{Code: id}}
		d.terms = terms
	}
	x.logger.Debug().Str("resource_type", resourceType).Int("count", len(x.docs[resourceType])).Msg("reindexed")
}

// Rebuild clears the entries of resourceType (all types when empty) and
// indexes the current version of every stored resource.
func (x *Index) Rebuild(ctx context.Context, s store.Store, resourceType string) (int, error) {
	x.mu.Lock()
	if resourceType == "" {
		x.docs = make(map[string]map[string]*doc)
	} else {
		delete(x.docs, resourceType)
	}
	x.mu.Unlock()

	n := 0
	err := s.Scan(ctx, resourceType, func(r *store.Resource) error {
		if !x.registry.Supports(r.Type) {
			return nil
		}
		if r.Deleted {
			// Tombstones carry no content; index the last live version so
			// _includeDeleted can still match on its values.
			if live := lastLive(ctx, s, r); live != nil {
				if err := x.Index(live); err != nil {
					return err
				}
			}
		}
		n++
		return x.Index(r)
	})
	if err != nil {
		return n, err
	}
	x.logger.Info().Str("resource_type", resourceType).Int("count", n).Msg("index rebuilt")
	return n, nil
}

func lastLive(ctx context.Context, s store.Store, tomb *store.Resource) *store.Resource {
	versions, err := s.History(ctx, tomb.Type, tomb.ID)
	if err != nil {
		return nil
	}
	for _, v := range versions {
		if !v.Deleted {
			return v
		}
	}
	return nil
}

// Size returns the number of indexed resources.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, byID := range x.docs {
		n += len(byID)
	}
	return n
}

// Query evaluates criteria and returns one page of hits. Results are ordered
// by lastUpdated (descending unless _sort=_lastUpdated) then id. cursor is
// the Next token of a previous page; count is the page size.
func (x *Index) Query(ctx context.Context, c Criteria, cursor string, count int) (Page, error) {
	q, err := x.registry.compile(c)
	if err != nil {
		return Page{}, err
	}

	var after *fhir.Cursor
	if cursor != "" {
		cur, err := fhir.DecodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		if cur.Sort != sortKey(q) {
			return Page{}, fmt.Errorf("%w: page token does not belong to this query", fhir.ErrInvalidRequest)
		}
		after = &cur
	}

	hits, err := x.collect(ctx, q)
	if err != nil {
		return Page{}, err
	}
	sortHits(hits, q.ascending)

	page := Page{Total: len(hits)}
	start := 0
	if after != nil {
		ts, err := time.Parse(time.RFC3339Nano, after.Value)
		if err != nil {
			return Page{}, fmt.Errorf("%w: malformed page token", fhir.ErrInvalidRequest)
		}
		pivot := Hit{ID: after.ID, LastUpdated: ts}
		start = sort.Search(len(hits), func(i int) bool {
			return hitLess(pivot, hits[i], q.ascending)
		})
	}
	end := start + count
	if count <= 0 || end > len(hits) {
		end = len(hits)
	}
	page.Hits = hits[start:end]
	if end < len(hits) && end > start {
		last := hits[end-1]
		page.Next = fhir.EncodeCursor(fhir.Cursor{
			Value: last.LastUpdated.Format(time.RFC3339Nano),
			ID:    last.ID,
			Sort:  sortKey(q),
		})
	}
	return page, nil
}

func (x *Index) collect(ctx context.Context, q *query) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []Hit
	i := 0
	for _, d := range x.docs[q.resourceType] {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i++
		if d.deleted && !q.includeDeleted {
			continue
		}
		terms := d.terms
		if q.matches(func(def ParamDef) []term { return terms[def.Code] }) {
			hits = append(hits, Hit{ID: d.id, Version: d.version, LastUpdated: d.lastUpdated, Deleted: d.deleted})
		}
	}
	return hits, nil
}

func sortKey(q *query) string {
	if q.ascending {
		return "_lastUpdated"
	}
	return "-_lastUpdated"
}

func hitLess(a, b Hit, ascending bool) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		if ascending {
			return a.LastUpdated.Before(b.LastUpdated)
		}
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.ID < b.ID
}

func sortHits(hits []Hit, ascending bool) {
	sort.Slice(hits, func(i, j int) bool { return hitLess(hits[i], hits[j], ascending) })
}

// Match reports whether the given resource content satisfies criteria. It
// evaluates directly against the content without consulting the index.
func (x *Index) Match(c Criteria, r *store.Resource) (bool, error) {
	q, err := x.registry.compile(c)
	if err != nil {
		return false, err
	}
	if r.Type != q.resourceType {
		return false, nil
	}
	if r.Deleted && !q.includeDeleted {
		return false, nil
	}
	terms, err := x.termsFor(r.Type, r.Content)
	if err != nil {
		return false, err
	}
	terms["_lastUpdated"] = []term{lastUpdatedRange(r.LastUpdated)}
	terms["_id"] = []term{{Code: r.ID}}
	return q.matches(func(def ParamDef) []term { return terms[def.Code] }), nil
}

// Validate checks criteria without running them.
func (x *Index) Validate(c Criteria) error {
	_, err := x.registry.compile(c)
	return err
}
