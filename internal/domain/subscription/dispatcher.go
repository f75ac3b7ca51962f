package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
)

// Matcher evaluates criteria against one resource version.
type Matcher interface {
	Match(c search.Criteria, r *store.Resource) (bool, error)
}

// Metrics receives delivery outcomes. Outcomes are "success", "failure"
// (one failed attempt) and "abandoned" (retries exhausted).
type Metrics interface {
	DeliveryRecorded(channel, outcome string)
	QueueDropped()
}

// DispatcherConfig sizes the worker pool and the retry policy.
type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	MaxFailures    int
	RetryAttempts  int
	RetryBackoff   time.Duration
	ExpiryInterval time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.ExpiryInterval == 0 {
		c.ExpiryInterval = time.Minute
	}
}

const maxBackoff = time.Minute

// DeliveryState is the dispatcher's in-memory record for one subscription.
type DeliveryState struct {
	SubscriptionID      string
	Active              bool
	ConsecutiveFailures int
	Delivered           int64
	Failed              int64
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastError           string
}

type activeSub struct {
	sub      *Subscription
	criteria search.Criteria
}

// Dispatcher matches committed writes against active subscriptions and
// delivers notifications on a worker pool. Publishing never blocks: when the
// queue is full the event is dropped.
type Dispatcher struct {
	svc      *Service
	matcher  Matcher
	channels map[string]Notifier
	cfg      DispatcherConfig
	metrics  Metrics
	logger   zerolog.Logger
	events   chan fhir.ResourceEvent

	mu       sync.RWMutex
	active   map[string]*activeSub
	versions map[string]int64
	state    map[string]*DeliveryState
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(svc *Service, matcher Matcher, notifiers []Notifier, cfg DispatcherConfig, metrics Metrics, logger zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()
	channels := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		channels[n.Kind()] = n
	}
	return &Dispatcher{
		svc:      svc,
		matcher:  matcher,
		channels: channels,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		events:   make(chan fhir.ResourceEvent, cfg.QueueSize),
		active:   make(map[string]*activeSub),
		versions: make(map[string]int64),
		state:    make(map[string]*DeliveryState),
	}
}

// OnResourceEvent implements fhir.ResourceEventListener. Subscription writes
// update the active cache before the event is queued.
func (d *Dispatcher) OnResourceEvent(_ context.Context, event fhir.ResourceEvent) {
	if event.ResourceType == ResourceType {
		d.apply(event)
	}

	select {
	case d.events <- event:
	default:
		d.logger.Warn().
			Str("resource", event.Key()).
			Str("action", event.Action).
			Int("queue_size", d.cfg.QueueSize).
			Msg("dispatch queue full, event dropped")
		if d.metrics != nil {
			d.metrics.QueueDropped()
		}
	}
}

// QueueDepth returns the number of events waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.events)
}

// Refresh reloads the active subscription cache from the store.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	subs, err := d.svc.ListActive(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if sub.Version < d.versions[sub.ID] {
			continue
		}
		d.versions[sub.ID] = sub.Version
		d.setLocked(sub)
		seen[sub.ID] = true
	}
	for id := range d.active {
		if !seen[id] {
			delete(d.active, id)
		}
	}
	d.logger.Info().Int("active", len(d.active)).Msg("subscription cache refreshed")
	return nil
}

func (d *Dispatcher) apply(event fhir.ResourceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.versions[event.ResourceID]; ok && event.VersionID <= v {
		return
	}
	d.versions[event.ResourceID] = event.VersionID

	if event.Action == fhir.ActionDelete {
		delete(d.active, event.ResourceID)
		return
	}
	sub, err := Parse(event.Resource)
	if err != nil {
		delete(d.active, event.ResourceID)
		return
	}
	sub.ID = event.ResourceID
	sub.Version = event.VersionID
	d.setLocked(sub)
}

// setLocked caches sub when it is active and evictable otherwise. A
// subscription that becomes active starts with a clean failure count.
func (d *Dispatcher) setLocked(sub *Subscription) {
	if sub.Status != StatusActive || sub.Expired(time.Now()) {
		delete(d.active, sub.ID)
		return
	}
	c, err := sub.ParsedCriteria()
	if err != nil {
		d.logger.Warn().Err(err).Str("subscription", sub.ID).Msg("active subscription has unusable criteria")
		delete(d.active, sub.ID)
		return
	}

	if _, was := d.active[sub.ID]; !was {
		st := d.stateLocked(sub.ID)
		st.ConsecutiveFailures = 0
		st.LastError = ""
	}
	d.active[sub.ID] = &activeSub{sub: sub, criteria: c}
}

func (d *Dispatcher) stateLocked(id string) *DeliveryState {
	st, ok := d.state[id]
	if !ok {
		st = &DeliveryState{SubscriptionID: id}
		d.state[id] = st
	}
	return st
}

// Status reports delivery state for a subscription.
func (d *Dispatcher) Status(id string) DeliveryState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := DeliveryState{SubscriptionID: id}
	if st, ok := d.state[id]; ok {
		out = *st
	}
	_, out.Active = d.active[id]
	return out
}

// IsActive reports whether the subscription is in the active cache.
func (d *Dispatcher) IsActive(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.active[id]
	return ok
}

// Run loads the cache and runs the workers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		d.logger.Error().Err(err).Msg("initial subscription cache load failed")
	}

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("subscription dispatcher started")

	var expiry <-chan time.Time
	if d.cfg.ExpiryInterval > 0 {
		ticker := time.NewTicker(d.cfg.ExpiryInterval)
		defer ticker.Stop()
		expiry = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info().Msg("subscription dispatcher stopped")
			return nil
		case <-expiry:
			if n, err := d.svc.ExpireDue(ctx); err != nil {
				d.logger.Error().Err(err).Msg("subscription expiry sweep failed")
			} else if n > 0 {
				d.logger.Info().Int("count", n).Msg("subscriptions expired")
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.process(ctx, event)
		}
	}
}

func (d *Dispatcher) candidates(resourceType string) []*activeSub {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*activeSub
	for _, a := range d.active {
		if a.criteria.ResourceType == resourceType {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sub.ID < out[j].sub.ID })
	return out
}

func (d *Dispatcher) process(ctx context.Context, event fhir.ResourceEvent) {
	r := &store.Resource{
		Type:        event.ResourceType,
		ID:          event.ResourceID,
		Version:     event.VersionID,
		Content:     event.Resource,
		LastUpdated: event.Timestamp,
		Deleted:     event.Action == fhir.ActionDelete,
	}

	for _, a := range d.candidates(event.ResourceType) {
		ok, err := d.matcher.Match(a.criteria, r)
		if err != nil {
			d.logger.Warn().Err(err).Str("subscription", a.sub.ID).Msg("criteria evaluation failed")
			continue
		}
		if ok {
			d.deliver(ctx, a.sub, event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event fhir.ResourceEvent) {
	kind := sub.Channel.Type
	notifier, ok := d.channels[kind]
	if !ok {
		d.logger.Warn().Str("subscription", sub.ID).Str("channel", kind).Msg("no notifier for channel type")
		return
	}

	var err error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		if !d.IsActive(sub.ID) {
			return
		}
		err = notifier.Notify(ctx, sub, event)
		if err == nil {
			d.recordSuccess(sub.ID)
			d.count(kind, "success")
			d.logger.Debug().
				Str("subscription", sub.ID).
				Str("resource", event.Key()).
				Int("attempt", attempt).
				Msg("notification delivered")
			return
		}

		d.count(kind, "failure")
		d.logger.Warn().Err(err).
			Str("subscription", sub.ID).
			Str("resource", event.Key()).
			Int("attempt", attempt).
			Msg("notification attempt failed")

		if attempt < d.cfg.RetryAttempts && !sleep(ctx, d.backoff(attempt)) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	d.count(kind, "abandoned")
	failures, tripped := d.recordFailure(sub.ID, err)
	if !tripped {
		return
	}

	reason := fmt.Sprintf("%d consecutive delivery failures; last error: %v", failures, err)
	d.logger.Error().Str("subscription", sub.ID).Int("failures", failures).Msg("subscription moved to error")
	if _, merr := d.svc.MarkError(ctx, sub.ID, reason); merr != nil {
		d.logger.Error().Err(merr).Str("subscription", sub.ID).Msg("failed to persist subscription error status")
	}
}

func (d *Dispatcher) count(kind, outcome string) {
	if d.metrics != nil {
		d.metrics.DeliveryRecorded(kind, outcome)
	}
}

func (d *Dispatcher) recordSuccess(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.stateLocked(id)
	now := time.Now().UTC()
	st.ConsecutiveFailures = 0
	st.Delivered++
	st.LastAttempt = now
	st.LastSuccess = now
	st.LastError = ""
}

// recordFailure counts an abandoned notification. The second result is true
// for exactly the failure that reaches the threshold; the subscription is
// then evicted so nothing else is sent for it.
func (d *Dispatcher) recordFailure(id string, cause error) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.stateLocked(id)
	st.ConsecutiveFailures++
	st.Failed++
	st.LastAttempt = time.Now().UTC()
	if cause != nil {
		st.LastError = cause.Error()
	}

	if _, active := d.active[id]; !active {
		return st.ConsecutiveFailures, false
	}
	if st.ConsecutiveFailures >= d.cfg.MaxFailures {
		delete(d.active, id)
		return st.ConsecutiveFailures, true
	}
	return st.ConsecutiveFailures, false
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.RetryBackoff << (attempt - 1)
	if b <= 0 || b > maxBackoff {
		return maxBackoff
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
