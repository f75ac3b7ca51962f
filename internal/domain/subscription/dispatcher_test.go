package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/platform/webhook"
)

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	dropped  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{outcomes: make(map[string]int)}
}

func (m *fakeMetrics) DeliveryRecorded(channel, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[channel+"/"+outcome]++
}

func (m *fakeMetrics) QueueDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *fakeMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[key]
}

type fakePinger struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePinger) Notify(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return 0
}

func (p *fakePinger) pinged() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

// hookServer records rest-hook calls. fail decides per call (1-based)
// whether to answer 500.
type hookServer struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	bodies []string
	heads  []http.Header
}

func newHookServer(t *testing.T, fail func(n int) bool) *hookServer {
	h := &hookServer{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(h.calls.Add(1))
		b, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.bodies = append(h.bodies, string(b))
		h.heads = append(h.heads, r.Header.Clone())
		h.mu.Unlock()
		if fail != nil && fail(n) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) count() int { return int(h.calls.Load()) }

type dispatchFixture struct {
	*fixture
	disp    *Dispatcher
	metrics *fakeMetrics
	pinger  *fakePinger
}

func newDispatchFixture(t *testing.T, cfg DispatcherConfig, run bool) *dispatchFixture {
	f := newFixture(Settings{AllowPrivateEndpoints: true})
	m := newFakeMetrics()
	p := &fakePinger{}
	notifiers := []Notifier{
		NewRestHook(webhook.NewSender(webhook.WithTimeout(2*time.Second)), "http://fhir.test/fhir"),
		NewWebsocket(p),
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	cfg.ExpiryInterval = -1
	d := NewDispatcher(f.svc, f.index, notifiers, cfg, m, zerolog.Nop())
	f.writer.listener = d

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = d.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return &dispatchFixture{fixture: f, disp: d, metrics: m, pinger: p}
}

func hookSub(endpoint string) string {
	return fmt.Sprintf(`{
		"resourceType": "Subscription",
		"status": "active",
		"criteria": "Observation?code=1234-5",
		"channel": {"type": "rest-hook", "endpoint": %q, "payload": "application/fhir+json", "header": ["Authorization: Bearer secret"]}
	}`, endpoint)
}

const (
	matchingObs = `{"resourceType":"Observation","status":"final","code":{"coding":[{"code":"1234-5"}]}}`
	otherObs    = `{"resourceType":"Observation","status":"final","code":{"coding":[{"code":"9999-9"}]}}`
)

func TestDispatcher_RestHookDelivery(t *testing.T) {
	hook := newHookServer(t, nil)
	f := newDispatchFixture(t, DispatcherConfig{}, true)
	sub := f.create(t, ResourceType, hookSub(hook.URL))
	require.True(t, f.disp.IsActive(sub.ID))

	f.create(t, "Observation", otherObs)
	f.create(t, "Patient", `{"resourceType":"Patient"}`)
	obs := f.create(t, "Observation", matchingObs)

	require.Eventually(t, func() bool { return hook.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	hook.mu.Lock()
	body, head := hook.bodies[0], hook.heads[0]
	hook.mu.Unlock()

	assert.Equal(t, "Bearer secret", head.Get("Authorization"))
	assert.Equal(t, "application/fhir+json", head.Get("Content-Type"))

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &bundle))
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, "history", bundle.Type)
	require.Len(t, bundle.Entry, 1)
	assert.Contains(t, string(bundle.Entry[0].Resource), obs.ID)

	require.Eventually(t, func() bool { return f.metrics.get("rest-hook/success") == 1 }, time.Second, 5*time.Millisecond)
	st := f.disp.Status(sub.ID)
	assert.True(t, st.Active)
	assert.Equal(t, int64(1), st.Delivered)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestDispatcher_EmptyPayload(t *testing.T) {
	hook := newHookServer(t, nil)
	f := newDispatchFixture(t, DispatcherConfig{}, true)
	body := strings.Replace(hookSub(hook.URL), `"payload": "application/fhir+json", `, "", 1)
	f.create(t, ResourceType, body)
	f.create(t, "Observation", matchingObs)

	require.Eventually(t, func() bool { return hook.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Empty(t, hook.bodies[0])
	assert.Empty(t, hook.heads[0].Get("Content-Type"))
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	hook := newHookServer(t, func(n int) bool { return n == 1 })
	f := newDispatchFixture(t, DispatcherConfig{RetryAttempts: 3}, true)
	sub := f.create(t, ResourceType, hookSub(hook.URL))
	f.create(t, "Observation", matchingObs)

	require.Eventually(t, func() bool { return f.metrics.get("rest-hook/success") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, hook.count())
	assert.Equal(t, 1, f.metrics.get("rest-hook/failure"))
	assert.Equal(t, 0, f.metrics.get("rest-hook/abandoned"))

	st := f.disp.Status(sub.ID)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, int64(0), st.Failed)
}

func TestDispatcher_ConsecutiveFailuresMoveToError(t *testing.T) {
	hook := newHookServer(t, func(int) bool { return true })
	f := newDispatchFixture(t, DispatcherConfig{MaxFailures: 5, RetryAttempts: 1}, true)
	sub := f.create(t, ResourceType, hookSub(hook.URL))

	for i := 0; i < 5; i++ {
		f.create(t, "Observation", matchingObs)
	}

	require.Eventually(t, func() bool {
		cur, err := f.svc.Get(context.Background(), sub.ID)
		return err == nil && cur.Status == StatusError
	}, 3*time.Second, 10*time.Millisecond)

	stored := f.status(t, sub.ID)
	assert.Contains(t, stored.Error, "5 consecutive delivery failures")
	assert.Equal(t, 5, hook.count())
	assert.False(t, f.disp.IsActive(sub.ID))

	f.create(t, "Observation", matchingObs)
	assert.Never(t, func() bool { return hook.count() > 5 }, 150*time.Millisecond, 10*time.Millisecond)

	st := f.disp.Status(sub.ID)
	assert.Equal(t, 5, st.ConsecutiveFailures)
	assert.Equal(t, int64(5), st.Failed)
	assert.NotEmpty(t, st.LastError)
}

func TestDispatcher_SuccessResetsFailures(t *testing.T) {
	hook := newHookServer(t, func(n int) bool { return n <= 2 || n == 4 })
	f := newDispatchFixture(t, DispatcherConfig{MaxFailures: 3, RetryAttempts: 1}, true)
	sub := f.create(t, ResourceType, hookSub(hook.URL))

	for i := 0; i < 3; i++ {
		f.create(t, "Observation", matchingObs)
	}
	require.Eventually(t, func() bool { return hook.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.disp.Status(sub.ID).Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.disp.Status(sub.ID).ConsecutiveFailures)

	f.create(t, "Observation", matchingObs)
	require.Eventually(t, func() bool { return f.disp.Status(sub.ID).ConsecutiveFailures == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.disp.IsActive(sub.ID))
	assert.Equal(t, StatusActive, f.status(t, sub.ID).Status)
}

func TestDispatcher_Websocket(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, true)
	sub := f.create(t, ResourceType, `{"resourceType":"Subscription","status":"active","criteria":"Patient?gender=female","channel":{"type":"websocket"}}`)

	f.create(t, "Patient", `{"resourceType":"Patient","gender":"male"}`)
	f.create(t, "Patient", `{"resourceType":"Patient","gender":"female"}`)

	require.Eventually(t, func() bool { return len(f.pinger.pinged()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{sub.ID}, f.pinger.pinged())
}

func TestDispatcher_InactiveNotNotified(t *testing.T) {
	hook := newHookServer(t, nil)
	f := newDispatchFixture(t, DispatcherConfig{}, true)
	sub := f.create(t, ResourceType, strings.Replace(hookSub(hook.URL), `"active"`, `"requested"`, 1))
	assert.False(t, f.disp.IsActive(sub.ID))

	f.create(t, "Observation", matchingObs)
	assert.Never(t, func() bool { return hook.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err := f.svc.Activate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, f.disp.IsActive(sub.ID))

	f.create(t, "Observation", matchingObs)
	require.Eventually(t, func() bool { return hook.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = f.svc.Deactivate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, f.disp.IsActive(sub.ID))
}

func TestDispatcher_QueueFullDrops(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{QueueSize: 1}, false)

	f.create(t, "Observation", matchingObs)
	f.create(t, "Observation", matchingObs)
	f.create(t, "Observation", matchingObs)

	assert.Equal(t, 1, f.disp.QueueDepth())
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, 2, f.metrics.dropped)
}

func TestDispatcher_StaleSubscriptionEventIgnored(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{QueueSize: 16}, false)
	sub := f.create(t, ResourceType, `{"resourceType":"Subscription","status":"active","criteria":"Patient?","channel":{"type":"websocket"}}`)
	first := *sub

	_, err := f.svc.Deactivate(context.Background(), sub.ID)
	require.NoError(t, err)
	require.False(t, f.disp.IsActive(sub.ID))

	// Replaying version 1 must not resurrect the subscription.
	f.writer.publish(context.Background(), &first, fhir.ActionCreate)
	assert.False(t, f.disp.IsActive(sub.ID))
}

func TestDispatcher_RefreshLoadsActive(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{QueueSize: 16}, false)
	f.writer.listener = nil
	sub := f.create(t, ResourceType, `{"resourceType":"Subscription","status":"active","criteria":"Patient?","channel":{"type":"websocket"}}`)
	require.False(t, f.disp.IsActive(sub.ID))

	require.NoError(t, f.disp.Refresh(context.Background()))
	assert.True(t, f.disp.IsActive(sub.ID))
}

func TestDispatcher_Backoff(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, DispatcherConfig{RetryBackoff: 10 * time.Second}, nil, zerolog.Nop())
	assert.Equal(t, 10*time.Second, d.backoff(1))
	assert.Equal(t, 20*time.Second, d.backoff(2))
	assert.Equal(t, 40*time.Second, d.backoff(3))
	assert.Equal(t, time.Minute, d.backoff(4))
	assert.Equal(t, time.Minute, d.backoff(40))
}
