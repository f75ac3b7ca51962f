package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is a single stored version of a resource.
type HistoryEntry struct {
	ResourceType string
	ResourceID   string
	VersionID    int64
	Resource     json.RawMessage
	Deleted      bool
	LastUpdated  time.Time
}

// action derives the interaction that produced the version.
func (h HistoryEntry) action() string {
	switch {
	case h.Deleted:
		return "delete"
	case h.VersionID == 1:
		return "create"
	}
	return "update"
}

// NewHistoryBundle creates a history Bundle from version entries, newest first.
func NewHistoryBundle(entries []HistoryEntry, baseURL string, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	total := len(entries)
	bundleEntries := make([]BundleEntry, len(entries))

	for i, e := range entries {
		fullURL := fmt.Sprintf("%s/%s/%s", baseURL, e.ResourceType, e.ResourceID)
		lastUpdated := e.LastUpdated.UTC()

		var method, status string
		switch e.action() {
		case "create":
			method, status = "POST", "201 Created"
		case "delete":
			method, status = "DELETE", "204 No Content"
		default:
			method, status = "PUT", "200 OK"
		}

		requestURL := e.ResourceType
		if method != "POST" {
			requestURL = fmt.Sprintf("%s/%s", e.ResourceType, e.ResourceID)
		}

		entry := BundleEntry{
			FullURL: fullURL,
			Request: &BundleRequest{Method: method, URL: requestURL},
			Response: &BundleResponse{
				Status:       status,
				Etag:         FormatETag(e.VersionID),
				LastModified: &lastUpdated,
			},
		}
		if !e.Deleted {
			entry.Resource = e.Resource
			entry.Response.Location = fmt.Sprintf("%s/%s/_history/%d", e.ResourceType, e.ResourceID, e.VersionID)
		}
		bundleEntries[i] = entry
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        bundleEntries,
	}
}
