package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/platform/webhook"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
)

// Writer persists system-initiated writes through the same path as client
// writes (store, index, change events) but without client-facing checks.
type Writer interface {
	SystemUpdate(ctx context.Context, resourceType, id string, content json.RawMessage, expectedVersion int64) (*store.Resource, error)
}

// CriteriaValidator checks that criteria only use supported parameters.
type CriteriaValidator interface {
	Validate(c search.Criteria) error
}

// Settings are the subscription rules configured for the server.
type Settings struct {
	Channels              []string
	ManualActivation      bool
	AllowPrivateEndpoints bool
}

func (s Settings) channelEnabled(kind string) bool {
	for _, ch := range s.Channels {
		if ch == kind {
			return true
		}
	}
	return false
}

var jsonPayloads = map[string]bool{
	"application/fhir+json": true,
	"application/json":      true,
	"application/json+fhir": true,
}

// transitionAttempts bounds retries when a status change races a client
// update of the same subscription.
const transitionAttempts = 3

// Service owns the Subscription lifecycle: write-time checks, manual
// activation and status transitions.
type Service struct {
	store    store.Store
	criteria CriteriaValidator
	writer   Writer
	settings Settings
	resolver webhook.Resolver
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a subscription service.
func NewService(s store.Store, criteria CriteriaValidator, writer Writer, settings Settings, logger zerolog.Logger) *Service {
	return &Service{
		store:    s,
		criteria: criteria,
		writer:   writer,
		settings: settings,
		logger:   logger.With().Str("component", "subscription").Logger(),
		now:      time.Now,
	}
}

// Applies reports whether BeforeWrite must run for a resource type.
func (s *Service) Applies(resourceType string) bool {
	return resourceType == ResourceType
}

// BeforeWrite checks a client create or update of a Subscription and
// returns the content to persist. With manual activation on, a create that
// asks for active is stored as requested and an update that switches an
// inactive subscription to active is rejected.
func (s *Service) BeforeWrite(ctx context.Context, resourceType, id string, content json.RawMessage) (json.RawMessage, error) {
	sub, err := Parse(content)
	if err != nil {
		return nil, err
	}

	var problems []fhir.OperationOutcomeIssue
	add := func(path, msg string) {
		problems = append(problems, fhir.OperationOutcomeIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeBusinessRule,
			Diagnostics: msg,
			Expression:  []string{path},
		})
	}

	if sub.Status != "" && !ValidStatus(sub.Status) {
		add("Subscription.status", fmt.Sprintf("unknown status %q", sub.Status))
	}
	s.checkCriteria(sub, add)
	s.checkChannel(ctx, sub, add)

	previous := ""
	if id != "" {
		cur, err := s.store.Read(ctx, ResourceType, id)
		switch {
		case err == nil:
			if p, perr := FromResource(cur); perr == nil {
				previous = p.Status
			}
		case errors.Is(err, fhir.ErrNotFound), errors.Is(err, fhir.ErrGone):
		default:
			return nil, err
		}
	}

	status := sub.Status
	if status == "" {
		status = StatusRequested
	}
	if s.settings.ManualActivation && status == StatusActive && previous != StatusActive {
		if previous == "" {
			s.logger.Info().Str("subscription", id).Msg("client requested active subscription, storing as requested")
			status = StatusRequested
		} else {
			add("Subscription.status", "subscriptions must be activated by an operator ($activate)")
		}
	}

	if len(problems) > 0 {
		return nil, &fhir.ValidationError{Issues: problems}
	}
	if status == sub.Status {
		return content, nil
	}
	return withStatus(content, status, "")
}

func (s *Service) checkCriteria(sub *Subscription, add func(path, msg string)) {
	if sub.Criteria == "" {
		add("Subscription.criteria", "criteria is required")
		return
	}
	c, err := sub.ParsedCriteria()
	if err != nil {
		add("Subscription.criteria", err.Error())
		return
	}
	if err := s.criteria.Validate(c); err != nil {
		add("Subscription.criteria", err.Error())
	}
}

func (s *Service) checkChannel(ctx context.Context, sub *Subscription, add func(path, msg string)) {
	ch := sub.Channel
	if ch.Type == "" {
		add("Subscription.channel.type", "channel type is required")
		return
	}
	if !s.settings.channelEnabled(ch.Type) {
		add("Subscription.channel.type", fmt.Sprintf("channel type %q is not supported by this server", ch.Type))
		return
	}
	if ch.Payload != "" {
		mime, _, _ := strings.Cut(ch.Payload, ";")
		if !jsonPayloads[strings.TrimSpace(mime)] {
			add("Subscription.channel.payload", fmt.Sprintf("payload type %q is not supported", ch.Payload))
		}
	}
	if ch.Type == ChannelRestHook {
		if err := webhook.ValidateEndpoint(ctx, ch.Endpoint, s.settings.AllowPrivateEndpoints, s.resolver); err != nil {
			add("Subscription.channel.endpoint", err.Error())
		}
	}
	for i, h := range ch.Header {
		if name, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(name) == "" {
			add(fmt.Sprintf("Subscription.channel.header[%d]", i), fmt.Sprintf("header %q must have the form \"Name: value\"", h))
		}
	}
}

// Get returns the current subscription.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	r, err := s.store.Read(ctx, ResourceType, id)
	if err != nil {
		return nil, err
	}
	return FromResource(r)
}

// Activate moves a requested or errored subscription to active.
func (s *Service) Activate(ctx context.Context, id string) (*store.Resource, error) {
	return s.transition(ctx, id, StatusActive, "")
}

// Deactivate turns a subscription off.
func (s *Service) Deactivate(ctx context.Context, id string) (*store.Resource, error) {
	return s.transition(ctx, id, StatusOff, "")
}

// MarkError moves an active subscription to error with a reason.
func (s *Service) MarkError(ctx context.Context, id, reason string) (*store.Resource, error) {
	return s.transition(ctx, id, StatusError, reason)
}

func (s *Service) transition(ctx context.Context, id, to, errText string) (*store.Resource, error) {
	var lastErr error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		cur, err := s.store.Read(ctx, ResourceType, id)
		if err != nil {
			return nil, err
		}
		sub, err := FromResource(cur)
		if err != nil {
			return nil, err
		}
		if sub.Status == to && to == StatusOff {
			return cur, nil
		}
		if err := checkTransition(id, sub.Status, to); err != nil {
			return nil, err
		}

		content, err := withStatus(cur.Content, to, errText)
		if err != nil {
			return nil, err
		}
		updated, err := s.writer.SystemUpdate(ctx, ResourceType, id, content, cur.Version)
		if err == nil {
			s.logger.Info().
				Str("subscription", id).
				Str("from", sub.Status).
				Str("to", to).
				Int64("version", updated.Version).
				Msg("subscription status changed")
			return updated, nil
		}
		if !errors.Is(err, fhir.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// ListActive returns every active subscription.
func (s *Service) ListActive(ctx context.Context) ([]*Subscription, error) {
	var out []*Subscription
	err := s.store.Scan(ctx, ResourceType, func(r *store.Resource) error {
		if r.Deleted {
			return nil
		}
		sub, err := FromResource(r)
		if err != nil {
			s.logger.Warn().Err(err).Str("subscription", r.ID).Msg("skipping unreadable subscription")
			return nil
		}
		if sub.Status == StatusActive {
			out = append(out, sub)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return out, nil
}

// ExpireDue turns off every subscription whose end time has passed and
// returns how many were turned off.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	var due []string
	err := s.store.Scan(ctx, ResourceType, func(r *store.Resource) error {
		if r.Deleted {
			return nil
		}
		sub, err := FromResource(r)
		if err != nil {
			return nil
		}
		if sub.Status != StatusOff && sub.Expired(now) {
			due = append(due, r.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan subscriptions: %w", err)
	}

	n := 0
	for _, id := range due {
		if _, err := s.Deactivate(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("subscription", id).Msg("failed to expire subscription")
			continue
		}
		n++
	}
	return n, nil
}
