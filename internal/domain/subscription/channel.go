package subscription

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/platform/webhook"
)

// Notifier delivers one notification over a channel kind.
type Notifier interface {
	Kind() string
	Notify(ctx context.Context, sub *Subscription, event fhir.ResourceEvent) error
}

// RestHook posts notifications to the subscription endpoint. With a payload
// type the body is a history Bundle holding the changed resource; without
// one the POST has an empty body.
type RestHook struct {
	sender  *webhook.Sender
	baseURL string
}

func NewRestHook(sender *webhook.Sender, baseURL string) *RestHook {
	return &RestHook{sender: sender, baseURL: baseURL}
}

func (h *RestHook) Kind() string { return ChannelRestHook }

func (h *RestHook) Notify(ctx context.Context, sub *Subscription, event fhir.ResourceEvent) error {
	var body []byte
	if sub.Channel.Payload != "" {
		b, err := h.bundle(event)
		if err != nil {
			return err
		}
		body = b
	}

	attempt := h.sender.Post(ctx, webhook.Request{
		URL:         sub.Channel.Endpoint,
		ContentType: sub.Channel.Payload,
		Body:        body,
		Headers:     sub.Channel.Header,
	})
	return attempt.Err()
}

func (h *RestHook) bundle(event fhir.ResourceEvent) ([]byte, error) {
	entry := fhir.HistoryEntry{
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		VersionID:    event.VersionID,
		Resource:     event.Resource,
		Deleted:      event.Action == fhir.ActionDelete,
		LastUpdated:  event.Timestamp,
	}
	b, err := json.Marshal(fhir.NewHistoryBundle([]fhir.HistoryEntry{entry}, h.baseURL, nil))
	if err != nil {
		return nil, fmt.Errorf("encode notification bundle: %w", err)
	}
	return b, nil
}

// Pinger is the websocket hub surface the channel needs.
type Pinger interface {
	Notify(subscriptionID string) int
}

// Websocket sends "ping <id>" to clients bound to the subscription. Having
// no bound clients is not a delivery failure.
type Websocket struct {
	hub Pinger
}

func NewWebsocket(hub Pinger) *Websocket {
	return &Websocket{hub: hub}
}

func (w *Websocket) Kind() string { return ChannelWebsocket }

func (w *Websocket) Notify(_ context.Context, sub *Subscription, _ fhir.ResourceEvent) error {
	w.hub.Notify(sub.ID)
	return nil
}
