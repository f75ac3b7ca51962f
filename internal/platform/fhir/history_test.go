package fhir

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewHistoryBundle_Entries(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []HistoryEntry{
		{ResourceType: "Patient", ResourceID: "p1", VersionID: 3, Deleted: true, LastUpdated: ts},
		{ResourceType: "Patient", ResourceID: "p1", VersionID: 2, Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1"}`), LastUpdated: ts},
		{ResourceType: "Patient", ResourceID: "p1", VersionID: 1, Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1"}`), LastUpdated: ts},
	}
	links := []BundleLink{{Relation: "self", URL: "http://x/fhir/Patient/p1/_history"}}
	b := NewHistoryBundle(entries, "http://x/fhir", links)

	if b.Type != "history" || b.Total == nil || *b.Total != 3 {
		t.Fatalf("unexpected bundle header type=%s total=%v", b.Type, b.Total)
	}
	if len(b.Link) != 1 || b.Link[0].Relation != "self" {
		t.Errorf("links = %+v", b.Link)
	}

	tests := []struct {
		method, url, status, etag, location string
		hasResource                          bool
	}{
		{"DELETE", "Patient/p1", "204 No Content", `W/"3"`, "", false},
		{"PUT", "Patient/p1", "200 OK", `W/"2"`, "Patient/p1/_history/2", true},
		{"POST", "Patient", "201 Created", `W/"1"`, "Patient/p1/_history/1", true},
	}
	for i, tt := range tests {
		e := b.Entry[i]
		if e.FullURL != "http://x/fhir/Patient/p1" {
			t.Errorf("entry %d fullUrl = %s", i, e.FullURL)
		}
		if e.Request.Method != tt.method || e.Request.URL != tt.url {
			t.Errorf("entry %d request = %+v", i, e.Request)
		}
		if e.Response.Status != tt.status || e.Response.Etag != tt.etag || e.Response.Location != tt.location {
			t.Errorf("entry %d response = %+v", i, e.Response)
		}
		if (e.Resource != nil) != tt.hasResource {
			t.Errorf("entry %d resource presence = %v", i, e.Resource != nil)
		}
		if e.Response.LastModified == nil || !e.Response.LastModified.Equal(ts) {
			t.Errorf("entry %d lastModified = %v", i, e.Response.LastModified)
		}
	}
}

func TestNewHistoryBundle_Empty(t *testing.T) {
	b := NewHistoryBundle(nil, "http://x/fhir", nil)
	if *b.Total != 0 || len(b.Entry) != 0 {
		t.Errorf("expected empty bundle, got %+v", b)
	}
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["resourceType"] != "Bundle" {
		t.Errorf("resourceType = %v", decoded["resourceType"])
	}
}
