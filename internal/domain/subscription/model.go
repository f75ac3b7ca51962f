package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
)

// ResourceType is the FHIR type subscriptions are stored as.
const ResourceType = "Subscription"

// Subscription statuses.
const (
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusError     = "error"
	StatusOff       = "off"
)

// Channel kinds.
const (
	ChannelRestHook  = "rest-hook"
	ChannelWebsocket = "websocket"
)

// Channel is where notifications for a subscription go.
type Channel struct {
	Type     string   `json:"type"`
	Endpoint string   `json:"endpoint,omitempty"`
	Payload  string   `json:"payload,omitempty"`
	Header   []string `json:"header,omitempty"`
}

// Subscription is the view of a stored Subscription resource that the
// dispatcher works with.
type Subscription struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Criteria string     `json:"criteria"`
	Reason   string     `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Channel  Channel    `json:"channel"`

	Version int64 `json:"-"`
}

// Parse reads the fields the dispatcher needs from Subscription content.
func Parse(content json.RawMessage) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(content, &sub); err != nil {
		return nil, fmt.Errorf("%w: malformed Subscription: %v", fhir.ErrInvalidRequest, err)
	}
	sub.Status = strings.TrimSpace(sub.Status)
	sub.Criteria = strings.TrimSpace(sub.Criteria)
	return &sub, nil
}

// FromResource parses a stored Subscription version.
func FromResource(r *store.Resource) (*Subscription, error) {
	if r.Type != ResourceType {
		return nil, fmt.Errorf("%w: %s is not a Subscription", fhir.ErrInvalidRequest, r.Key())
	}
	if r.Deleted {
		return nil, fmt.Errorf("Subscription/%s: %w", r.ID, fhir.ErrGone)
	}
	sub, err := Parse(r.Content)
	if err != nil {
		return nil, err
	}
	sub.ID = r.ID
	sub.Version = r.Version
	return sub, nil
}

// ParsedCriteria parses the criteria string.
func (s *Subscription) ParsedCriteria() (search.Criteria, error) {
	return search.ParseCriteriaString(s.Criteria)
}

// Expired reports whether the subscription end time has passed.
func (s *Subscription) Expired(now time.Time) bool {
	return s.End != nil && !s.End.After(now)
}

// withStatus returns content with status replaced. A non-empty errText is
// stored in the error element; moving to active clears it.
func withStatus(content json.RawMessage, status, errText string) (json.RawMessage, error) {
	body, err := decodeObject(content)
	if err != nil {
		return nil, err
	}
	body["status"] = status
	switch {
	case errText != "":
		body["error"] = errText
	case status == StatusActive || status == StatusRequested:
		delete(body, "error")
	}
	return fhir.MarshalCanonical(body)
}

func decodeObject(content json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, fmt.Errorf("%w: Subscription body must be a JSON object", fhir.ErrInvalidRequest)
	}
	return body, nil
}
