package resource

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
)

type recordingListener struct {
	mu     sync.Mutex
	events []fhir.ResourceEvent
}

func (l *recordingListener) OnResourceEvent(_ context.Context, e fhir.ResourceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Action
	}
	return out
}

type tagHook struct {
	err error
}

func (h *tagHook) Applies(rt string) bool { return rt == "Observation" }

func (h *tagHook) BeforeWrite(_ context.Context, _, _ string, content json.RawMessage) (json.RawMessage, error) {
	if h.err != nil {
		return nil, h.err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	doc["language"] = "en"
	return json.Marshal(doc)
}

func TestService_PublishesCommittedWrites(t *testing.T) {
	f := newFixture(t)
	l := &recordingListener{}
	f.svc.AddListener(l)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
	require.NoError(t, err)
	_, created, err := f.svc.Update(ctx, "Patient", r.ID, json.RawMessage(`{"resourceType":"Patient","id":"`+r.ID+`"}`), 1)
	require.NoError(t, err)
	assert.False(t, created)
	_, created, err = f.svc.Update(ctx, "Patient", "fresh", json.RawMessage(`{"resourceType":"Patient"}`), 0)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = f.svc.Delete(ctx, "Patient", r.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{fhir.ActionCreate, fhir.ActionUpdate, fhir.ActionCreate, fhir.ActionDelete}, l.actions())
	assert.Nil(t, l.events[3].Resource)
	assert.Equal(t, int64(3), l.events[3].VersionID)
}

func TestService_DeleteTwicePublishesOnce(t *testing.T) {
	f := newFixture(t)
	l := &recordingListener{}
	f.svc.AddListener(l)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
	require.NoError(t, err)
	first, err := f.svc.Delete(ctx, "Patient", r.ID)
	require.NoError(t, err)
	second, err := f.svc.Delete(ctx, "Patient", r.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, []string{fhir.ActionCreate, fhir.ActionDelete}, l.actions())
}

func TestService_RejectedWriteNotPublished(t *testing.T) {
	f := newFixture(t)
	l := &recordingListener{}
	f.svc.AddListener(l)

	_, err := f.svc.Create(context.Background(), "Observation", json.RawMessage(`{"resourceType":"Observation","status":"nope"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fhir.ErrValidationFailed))

	var ve *fhir.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.NotEmpty(t, ve.Issues)
	assert.Empty(t, l.actions())
}

func TestService_HooksRewriteContent(t *testing.T) {
	f := newFixture(t)
	f.svc.AddHook(&tagHook{})
	ctx := context.Background()

	obs, err := f.svc.Create(ctx, "Observation", json.RawMessage(`{"resourceType":"Observation","status":"final"}`))
	require.NoError(t, err)
	assert.Contains(t, string(obs.Content), `"language":"en"`)

	p, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
	require.NoError(t, err)
	assert.NotContains(t, string(p.Content), `"language"`, "hook does not apply to Patient")
}

func TestService_HookErrorBlocksWrite(t *testing.T) {
	f := newFixture(t)
	f.svc.AddHook(&tagHook{err: fhir.ErrForbidden})

	_, err := f.svc.Create(context.Background(), "Observation", json.RawMessage(`{"resourceType":"Observation","status":"final"}`))
	assert.ErrorIs(t, err, fhir.ErrForbidden)
	assert.Equal(t, 0, f.index.Size())
}

func TestService_SystemUpdateSkipsValidation(t *testing.T) {
	f := newFixture(t)
	f.svc.AddHook(&tagHook{err: fhir.ErrForbidden})

	r, err := f.svc.SystemUpdate(context.Background(), "Observation", "sys", json.RawMessage(`{"resourceType":"Observation","id":"sys","status":"nope"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, 1, f.index.Size())
}

func TestService_UpdateInvalidID(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Update(context.Background(), "Patient", "bad id!", json.RawMessage(`{"resourceType":"Patient"}`), 0)
	assert.ErrorIs(t, err, fhir.ErrInvalidRequest)
}

func TestService_SearchIncludeDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
	require.NoError(t, err)
	gone, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
	require.NoError(t, err)
	_, err = f.svc.Delete(ctx, "Patient", gone.ID)
	require.NoError(t, err)

	crit := search.Criteria{ResourceType: "Patient", Clauses: []search.Clause{{Param: "family", Values: []string{"Smith"}}}}
	res, err := f.svc.Search(ctx, crit, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Resources, 1)
	assert.Equal(t, live.ID, res.Resources[0].ID)

	crit.IncludeDeleted = true
	res, err = f.svc.Search(ctx, crit, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	var tomb bool
	for _, r := range res.Resources {
		if r.ID == gone.ID {
			tomb = r.Deleted
		}
	}
	assert.True(t, tomb, "deleted match is returned as a tombstone")
}

func TestService_SearchTotalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
		require.NoError(t, err)
	}

	res, err := f.svc.Search(ctx, search.Criteria{ResourceType: "Patient"}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Empty(t, res.Resources)
	assert.Empty(t, res.Next)
}

func TestService_HistoryAllFiltersServedTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "Patient", json.RawMessage(smith))
	require.NoError(t, err)
	// Written behind the service, for a type this server does not expose.
	_, err = f.store.Create(ctx, "Device", json.RawMessage(`{"resourceType":"Device"}`))
	require.NoError(t, err)

	rs, err := f.svc.HistoryAll(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "Patient", rs[0].Type)

	_, err = f.svc.HistoryType(ctx, "Device", time.Time{}, 10)
	assert.ErrorIs(t, err, fhir.ErrUnknownResourceType)
}

func TestService_ConditionalDeleteRequiresCriteria(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConditionalDelete(context.Background(), search.Criteria{ResourceType: "Patient"})
	assert.ErrorIs(t, err, fhir.ErrInvalidRequest)
}

func TestService_ValidateOnly(t *testing.T) {
	f := newFixture(t)

	results, err := f.svc.ValidateOnly("Observation", json.RawMessage(`{"resourceType":"Observation","status":"nope"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	_, err = f.svc.ValidateOnly("Widget", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, fhir.ErrUnknownResourceType)
}

func TestService_ResourceTypes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"Observation", "Patient"}, f.svc.ResourceTypes())
	assert.True(t, f.svc.Supports("Patient"))
	assert.False(t, f.svc.Supports("Device"))
}
