package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	Location     string     `json:"location,omitempty"`
	Etag         string     `json:"etag,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// SearchEntry is a single match returned by a search.
type SearchEntry struct {
	ResourceType string
	ID           string
	Content      json.RawMessage
}

// NewSearchBundle creates a searchset Bundle. The total is the number of
// matches across all pages.
func NewSearchBundle(matches []SearchEntry, total int, baseURL string, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(matches))
	for i, m := range matches {
		entries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s", baseURL, m.ResourceType, m.ID),
			Resource: m.Content,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// PageLinks builds self and next links for a keyset-paginated result. The
// query is the client's original query; paging parameters are replaced.
func PageLinks(pageURL string, query url.Values, nextToken string) []BundleLink {
	q := cloneValues(query)
	links := []BundleLink{{Relation: "self", URL: withQuery(pageURL, q)}}
	if nextToken != "" {
		q.Set("_pageToken", nextToken)
		links = append(links, BundleLink{Relation: "next", URL: withQuery(pageURL, q)})
	}
	return links
}

// LinkHeader renders bundle links as an RFC 8288 Link header value.
func LinkHeader(links []BundleLink) string {
	parts := make([]string, 0, len(links))
	for _, l := range links {
		parts = append(parts, fmt.Sprintf("<%s>; rel=%q", l.URL, l.Relation))
	}
	return strings.Join(parts, ", ")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		if k == "_format" || k == "_pretty" {
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func withQuery(base string, q url.Values) string {
	if len(q) == 0 {
		return base
	}
	return base + "?" + q.Encode()
}
