package fhir

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestNewSearchBundle(t *testing.T) {
	matches := []SearchEntry{
		{ResourceType: "Patient", ID: "1", Content: json.RawMessage(`{"resourceType":"Patient","id":"1"}`)},
		{ResourceType: "Patient", ID: "2", Content: json.RawMessage(`{"resourceType":"Patient","id":"2"}`)},
	}
	b := NewSearchBundle(matches, 7, "http://x/fhir", nil)

	if b.Type != "searchset" || *b.Total != 7 {
		t.Errorf("unexpected bundle header %+v", b)
	}
	if b.Entry[1].FullURL != "http://x/fhir/Patient/2" || b.Entry[1].Search.Mode != "match" {
		t.Errorf("unexpected entry %+v", b.Entry[1])
	}
}

func TestPageLinks(t *testing.T) {
	q := url.Values{"name": {"smith"}, "_pageToken": {"old"}, "_pretty": {"true"}}
	links := PageLinks("http://x/fhir/Patient", q, "tok")

	if len(links) != 2 {
		t.Fatalf("expected self and next, got %d", len(links))
	}
	if strings.Contains(links[0].URL, "_pretty") {
		t.Errorf("presentation params should not be carried: %s", links[0].URL)
	}
	if !strings.Contains(links[1].URL, "_pageToken=tok") || !strings.Contains(links[1].URL, "name=smith") {
		t.Errorf("unexpected next link %s", links[1].URL)
	}
	if q.Get("_pageToken") != "old" {
		t.Error("PageLinks must not mutate the caller's query")
	}

	header := LinkHeader(links)
	if !strings.Contains(header, `rel="next"`) {
		t.Errorf("unexpected Link header %s", header)
	}
}

func TestNewHistoryBundle(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []HistoryEntry{
		{ResourceType: "Patient", ResourceID: "1", VersionID: 3, Deleted: true, LastUpdated: ts},
		{ResourceType: "Patient", ResourceID: "1", VersionID: 2, Resource: json.RawMessage(`{}`), LastUpdated: ts},
		{ResourceType: "Patient", ResourceID: "1", VersionID: 1, Resource: json.RawMessage(`{}`), LastUpdated: ts},
	}
	b := NewHistoryBundle(entries, "http://x/fhir", nil)

	if b.Type != "history" || *b.Total != 3 {
		t.Fatalf("unexpected bundle %+v", b)
	}
	want := []struct{ method, status string }{
		{"DELETE", "204 No Content"},
		{"PUT", "200 OK"},
		{"POST", "201 Created"},
	}
	for i, w := range want {
		if b.Entry[i].Request.Method != w.method || b.Entry[i].Response.Status != w.status {
			t.Errorf("entry %d: got %s %s", i, b.Entry[i].Request.Method, b.Entry[i].Response.Status)
		}
	}
	if b.Entry[0].Resource != nil {
		t.Error("deleted entry must not carry a resource")
	}
	if b.Entry[2].Request.URL != "Patient" {
		t.Errorf("create request url should be the type, got %s", b.Entry[2].Request.URL)
	}
}
