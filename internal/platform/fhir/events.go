package fhir

import (
	"context"
	"encoding/json"
	"time"
)

// Resource change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ResourceEvent describes one committed write.
type ResourceEvent struct {
	ResourceType string
	ResourceID   string
	VersionID    int64
	Action       string
	Resource     json.RawMessage // nil for deletes
	Timestamp    time.Time
}

// Key returns "Type/id".
func (e ResourceEvent) Key() string {
	return e.ResourceType + "/" + e.ResourceID
}

// ResourceEventListener receives committed writes. Implementations must not
// block the caller.
type ResourceEventListener interface {
	OnResourceEvent(ctx context.Context, event ResourceEvent)
}

// MethodForAction returns the HTTP verb a history entry records for an action.
func MethodForAction(action string) string {
	switch action {
	case ActionCreate:
		return "POST"
	case ActionDelete:
		return "DELETE"
	default:
		return "PUT"
	}
}
