// Package store persists versioned FHIR resources. Every write produces a new
// immutable version; deletes produce a tombstone version. Implementations
// serialize writes per (type, id) so versions are contiguous.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// Resource is one stored version of a resource.
type Resource struct {
	Type        string
	ID          string
	Version     int64
	Content     json.RawMessage // nil for tombstones
	LastUpdated time.Time
	Deleted     bool
}

// Key returns "Type/id".
func (r *Resource) Key() string {
	return r.Type + "/" + r.ID
}

// HistoryQuery bounds a type or system history listing.
type HistoryQuery struct {
	Since time.Time
	Limit int
}

// DefaultHistoryLimit caps history listings when the caller gives no limit.
const DefaultHistoryLimit = 100

// Store is the versioned resource store.
type Store interface {
	// Create assigns a new id and writes version 1.
	Create(ctx context.Context, resourceType string, content json.RawMessage) (*Resource, error)
	// Read returns the current version. A deleted resource yields fhir.ErrGone.
	Read(ctx context.Context, resourceType, id string) (*Resource, error)
	// VRead returns an exact version.
	VRead(ctx context.Context, resourceType, id string, version int64) (*Resource, error)
	// Update writes the next version. expectedVersion > 0 makes the write
	// conditional on the current version. Unknown ids are created and the
	// second return value reports that.
	Update(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*Resource, bool, error)
	// Delete writes a tombstone. Deleting a deleted resource returns the
	// existing tombstone.
	Delete(ctx context.Context, resourceType, id string) (*Resource, error)
	// History returns every version of one resource, newest first.
	History(ctx context.Context, resourceType, id string) ([]*Resource, error)
	// HistoryType returns versions across resources of a type, or of all types
	// when resourceType is empty, newest first.
	HistoryType(ctx context.Context, resourceType string, q HistoryQuery) ([]*Resource, error)
	// Scan calls fn with the current version of every resource of a type,
	// tombstones included. An empty type scans everything.
	Scan(ctx context.Context, resourceType string, fn func(*Resource) error) error
	// Count returns the number of current, non-deleted resources of a type.
	Count(ctx context.Context, resourceType string) (int, error)
	Close() error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// ValidID reports whether id is a legal FHIR logical id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID returns a fresh logical id.
func NewID() string {
	return uuid.NewString()
}

// instantLayout is the FHIR instant format at millisecond precision.
const instantLayout = "2006-01-02T15:04:05.000Z07:00"

// timestamp truncates to the precision every backend can round-trip.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// stamp writes resourceType, id and meta.versionId/lastUpdated into content
// and returns it canonically encoded.
func stamp(content json.RawMessage, resourceType, id string, version int64, ts time.Time) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, fmt.Errorf("%w: resource body must be a JSON object", fhir.ErrInvalidRequest)
	}
	if rt, ok := body["resourceType"]; ok && rt != resourceType {
		return nil, fmt.Errorf("%w: resourceType %v does not match %s", fhir.ErrInvalidRequest, rt, resourceType)
	}

	body["resourceType"] = resourceType
	body["id"] = id

	meta, _ := body["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = fmt.Sprintf("%d", version)
	meta["lastUpdated"] = ts.Format(instantLayout)
	body["meta"] = meta

	out, err := fhir.MarshalCanonical(body)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkExpected enforces an If-Match style precondition.
func checkExpected(key string, expected, current int64) error {
	if expected > 0 && expected != current {
		return fmt.Errorf("%s: expected version %d but current is %d: %w", key, expected, current, fhir.ErrConflict)
	}
	return nil
}
