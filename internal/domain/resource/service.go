package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
	"github.com/mitre/fhirserver/internal/validation"
)

// Searcher is the search index surface the service needs.
type Searcher interface {
	Index(r *store.Resource) error
	Query(ctx context.Context, c search.Criteria, cursor string, count int) (search.Page, error)
}

// Validator checks resource content before it is written.
type Validator interface {
	Check(raw json.RawMessage, resourceType string) ([]validation.Result, error)
	Validate(raw json.RawMessage, resourceType string) []validation.Result
}

// WriteHook runs type-specific checks on client writes after validation. It
// may return rewritten content.
type WriteHook interface {
	Applies(resourceType string) bool
	BeforeWrite(ctx context.Context, resourceType, id string, content json.RawMessage) (json.RawMessage, error)
}

// Service implements the resource interactions: writes go through validation
// and hooks, are committed to the store, indexed and then published.
type Service struct {
	store     store.Store
	index     Searcher
	validator Validator
	types     map[string]bool
	logger    zerolog.Logger

	hooks     []WriteHook
	listeners []fhir.ResourceEventListener
}

// NewService creates a resource service serving the given resource types.
func NewService(s store.Store, index Searcher, validator Validator, types []string, logger zerolog.Logger) *Service {
	allowed := make(map[string]bool, len(types))
	for _, rt := range types {
		allowed[rt] = true
	}
	return &Service{
		store:     s,
		index:     index,
		validator: validator,
		types:     allowed,
		logger:    logger.With().Str("component", "resource").Logger(),
	}
}

// AddHook registers a write hook. Hooks are added during startup only.
func (s *Service) AddHook(h WriteHook) {
	s.hooks = append(s.hooks, h)
}

// AddListener registers a listener for committed writes. Listeners are added
// during startup only.
func (s *Service) AddListener(l fhir.ResourceEventListener) {
	s.listeners = append(s.listeners, l)
}

// Supports reports whether resourceType is served.
func (s *Service) Supports(resourceType string) bool {
	return s.types[resourceType]
}

// ResourceTypes returns the served types, sorted.
func (s *Service) ResourceTypes() []string {
	out := make([]string, 0, len(s.types))
	for rt := range s.types {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

func (s *Service) checkType(resourceType string) error {
	if !s.types[resourceType] {
		return fmt.Errorf("%w: %s", fhir.ErrUnknownResourceType, resourceType)
	}
	return nil
}

type header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// prepare validates a client write and runs the hooks. id is empty for
// creates.
func (s *Service) prepare(ctx context.Context, resourceType, id string, content json.RawMessage) (json.RawMessage, error) {
	var h header
	if err := json.Unmarshal(content, &h); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object: %v", fhir.ErrInvalidRequest, err)
	}
	if h.ResourceType != "" && h.ResourceType != resourceType {
		return nil, fmt.Errorf("%w: resourceType %s does not match the %s endpoint", fhir.ErrInvalidRequest, h.ResourceType, resourceType)
	}
	if id != "" && h.ID != "" && h.ID != id {
		return nil, fmt.Errorf("%w: resource id %q does not match %q in the URL", fhir.ErrInvalidRequest, h.ID, id)
	}

	results, err := s.validator.Check(content, resourceType)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		s.logger.Debug().Str("resource_type", resourceType).Int("issues", len(results)).Msg("write accepted with validation findings")
	}

	for _, hook := range s.hooks {
		if !hook.Applies(resourceType) {
			continue
		}
		content, err = hook.BeforeWrite(ctx, resourceType, id, content)
		if err != nil {
			return nil, err
		}
	}
	return content, nil
}

// committed indexes a stored version and publishes it. The write has already
// succeeded; an index failure is logged and repaired by the next reindex.
func (s *Service) committed(ctx context.Context, r *store.Resource, action string) {
	if err := s.index.Index(r); err != nil {
		s.logger.Error().Err(err).Str("resource", r.Key()).Int64("version", r.Version).Msg("failed to index resource")
	}

	event := fhir.ResourceEvent{
		ResourceType: r.Type,
		ResourceID:   r.ID,
		VersionID:    r.Version,
		Action:       action,
		Resource:     r.Content,
		Timestamp:    r.LastUpdated,
	}
	for _, l := range s.listeners {
		l.OnResourceEvent(ctx, event)
	}
}

// Create validates content and stores it as version 1 of a new resource.
func (s *Service) Create(ctx context.Context, resourceType string, content json.RawMessage) (*store.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	content, err := s.prepare(ctx, resourceType, "", content)
	if err != nil {
		return nil, err
	}
	r, err := s.store.Create(ctx, resourceType, content)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, r, fhir.ActionCreate)
	return r, nil
}

// Read returns the current version.
func (s *Service) Read(ctx context.Context, resourceType, id string) (*store.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	return s.store.Read(ctx, resourceType, id)
}

// VRead returns an exact version.
func (s *Service) VRead(ctx context.Context, resourceType, id string, version int64) (*store.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	return s.store.VRead(ctx, resourceType, id, version)
}

// Update writes the next version of a resource, creating it when the id is
// unknown. expectedVersion > 0 makes the write conditional. The second
// result reports whether the resource was created.
func (s *Service) Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*store.Resource, bool, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, false, err
	}
	if !store.ValidID(id) {
		return nil, false, fmt.Errorf("%w: invalid resource id %q", fhir.ErrInvalidRequest, id)
	}
	content, err := s.prepare(ctx, resourceType, id, content)
	if err != nil {
		return nil, false, err
	}
	r, created, err := s.store.Update(ctx, resourceType, id, content, expectedVersion)
	if err != nil {
		return nil, false, err
	}
	action := fhir.ActionUpdate
	if created {
		action = fhir.ActionCreate
	}
	s.committed(ctx, r, action)
	return r, created, nil
}

// SystemUpdate writes a server-initiated change. It skips validation and
// hooks but is indexed and published like any other write.
func (s *Service) SystemUpdate(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*store.Resource, error) {
	r, created, err := s.store.Update(ctx, resourceType, id, content, expectedVersion)
	if err != nil {
		return nil, err
	}
	action := fhir.ActionUpdate
	if created {
		action = fhir.ActionCreate
	}
	s.committed(ctx, r, action)
	return r, nil
}

// Delete writes a tombstone. Deleting an already deleted resource returns
// the existing tombstone and publishes nothing.
func (s *Service) Delete(ctx context.Context, resourceType, id string) (*store.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	_, err := s.store.Read(ctx, resourceType, id)
	switch {
	case err == nil:
	case errors.Is(err, fhir.ErrGone):
		return s.store.Delete(ctx, resourceType, id)
	default:
		return nil, err
	}

	r, err := s.store.Delete(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, r, fhir.ActionDelete)
	return r, nil
}

// ConditionalDelete deletes every current resource matching c and returns
// the number deleted.
func (s *Service) ConditionalDelete(ctx context.Context, c search.Criteria) (int, error) {
	if err := s.checkType(c.ResourceType); err != nil {
		return 0, err
	}
	if len(c.Clauses) == 0 {
		return 0, fmt.Errorf("%w: conditional delete requires search criteria", fhir.ErrInvalidRequest)
	}
	c.IncludeDeleted = false
	page, err := s.index.Query(ctx, c, "", 0)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, hit := range page.Hits {
		if _, err := s.Delete(ctx, c.ResourceType, hit.ID); err != nil {
			if errors.Is(err, fhir.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	s.logger.Info().Str("resource_type", c.ResourceType).Int("deleted", n).Msg("conditional delete")
	return n, nil
}

// SearchResult is one page of resources.
type SearchResult struct {
	Resources []*store.Resource
	Total     int
	Next      string
}

// Search runs criteria against the index and loads the matching versions.
// count 0 returns the total only.
func (s *Service) Search(ctx context.Context, c search.Criteria, cursor string, count int) (*SearchResult, error) {
	if err := s.checkType(c.ResourceType); err != nil {
		return nil, err
	}
	queryCount := count
	if count == 0 {
		queryCount = 1
	}
	page, err := s.index.Query(ctx, c, cursor, queryCount)
	if err != nil {
		return nil, err
	}

	out := &SearchResult{Total: page.Total}
	if count == 0 {
		return out, nil
	}
	out.Next = page.Next
	for _, hit := range page.Hits {
		if hit.Deleted {
			out.Resources = append(out.Resources, &store.Resource{
				Type: c.ResourceType, ID: hit.ID, Version: hit.Version, LastUpdated: hit.LastUpdated, Deleted: true,
			})
			continue
		}
		r, err := s.store.VRead(ctx, c.ResourceType, hit.ID, hit.Version)
		if err != nil {
			if errors.Is(err, fhir.ErrNotFound) || errors.Is(err, fhir.ErrGone) {
				continue
			}
			return nil, err
		}
		out.Resources = append(out.Resources, r)
	}
	return out, nil
}

// History returns every version of one resource, newest first.
func (s *Service) History(ctx context.Context, resourceType, id string) ([]*store.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	return s.store.History(ctx, resourceType, id)
}

// HistoryType returns versions across resources of one type, newest first.
func (s *Service) HistoryType(ctx context.Context, resourceType string, since time.Time, limit int) ([]*store.Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	return s.store.HistoryType(ctx, resourceType, store.HistoryQuery{Since: since, Limit: limit})
}

// HistoryAll returns versions across every served type, newest first.
func (s *Service) HistoryAll(ctx context.Context, since time.Time, limit int) ([]*store.Resource, error) {
	rs, err := s.store.HistoryType(ctx, "", store.HistoryQuery{Since: since, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := rs[:0]
	for _, r := range rs {
		if s.types[r.Type] {
			out = append(out, r)
		}
	}
	return out, nil
}

// ValidateOnly runs the validation pipeline without writing.
func (s *Service) ValidateOnly(resourceType string, content json.RawMessage) ([]validation.Result, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	return s.validator.Validate(content, resourceType), nil
}
