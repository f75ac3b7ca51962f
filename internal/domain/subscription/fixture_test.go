package subscription

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
)

// storeWriter stands in for the resource service: it writes to the store and
// publishes the change to an optional listener.
type storeWriter struct {
	store    *store.MemoryStore
	listener fhir.ResourceEventListener
}

func (w *storeWriter) SystemUpdate(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*store.Resource, error) {
	r, _, err := w.store.Update(ctx, resourceType, id, content, expectedVersion)
	if err != nil {
		return nil, err
	}
	w.publish(ctx, r, fhir.ActionUpdate)
	return r, nil
}

func (w *storeWriter) publish(ctx context.Context, r *store.Resource, action string) {
	if w.listener == nil {
		return
	}
	w.listener.OnResourceEvent(ctx, fhir.ResourceEvent{
		ResourceType: r.Type,
		ResourceID:   r.ID,
		VersionID:    r.Version,
		Action:       action,
		Resource:     r.Content,
		Timestamp:    r.LastUpdated,
	})
}

type fixture struct {
	store  *store.MemoryStore
	index  *search.Index
	writer *storeWriter
	svc    *Service
}

func newFixture(settings Settings) *fixture {
	s := store.NewMemoryStore()
	idx := search.NewIndex(search.NewRegistry([]string{"Patient", "Observation", "Subscription"}), zerolog.Nop())
	w := &storeWriter{store: s}
	if settings.Channels == nil {
		settings.Channels = []string{ChannelRestHook, ChannelWebsocket}
	}
	return &fixture{
		store:  s,
		index:  idx,
		writer: w,
		svc:    NewService(s, idx, w, settings, zerolog.Nop()),
	}
}

// create runs a client create of rt through the subscription checks and
// publishes the result.
func (f *fixture) create(t *testing.T, rt, body string) *store.Resource {
	t.Helper()
	ctx := context.Background()
	content := json.RawMessage(body)
	if f.svc.Applies(rt) {
		var err error
		content, err = f.svc.BeforeWrite(ctx, rt, "", content)
		require.NoError(t, err)
	}
	r, err := f.store.Create(ctx, rt, content)
	require.NoError(t, err)
	f.writer.publish(ctx, r, fhir.ActionCreate)
	return r
}

func (f *fixture) status(t *testing.T, id string) *Subscription {
	t.Helper()
	sub, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}
