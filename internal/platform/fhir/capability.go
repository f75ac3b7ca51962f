package fhir

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// resourceCountExtension is the extension URL existing FHIR clients read
// per-type resource counts from.
const resourceCountExtension = "http://hl7api.sourceforge.net/hapi-fhir/res/extdefs.html#resourceCount"

// SearchParam describes a search parameter as published in the
// CapabilityStatement.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// CapabilityConfig holds top-level server metadata for the CapabilityStatement.
type CapabilityConfig struct {
	ServerName    string
	ServerVersion string
	Description   string
	Publisher     string
	BaseURL       string
	FHIRVersion   string
	AuthEnabled   bool
	// CountsTTL bounds how stale the published resource counts may get.
	CountsTTL time.Duration
}

// SearchParamSource lists the search parameters supported for a type.
type SearchParamSource interface {
	SearchParams(resourceType string) []SearchParam
}

// ProfileSource lists the profile URLs registered for a type.
type ProfileSource interface {
	ProfileURLs(resourceType string) []string
}

// ResourceCounter counts current, non-deleted resources of a type.
type ResourceCounter interface {
	Count(ctx context.Context, resourceType string) (int, error)
}

type CapabilityStatement struct {
	ResourceType   string             `json:"resourceType"`
	Status         string             `json:"status"`
	Date           string             `json:"date"`
	Publisher      string             `json:"publisher,omitempty"`
	Kind           string             `json:"kind"`
	Software       CapabilitySoftware `json:"software"`
	Implementation CapabilityImpl     `json:"implementation"`
	FHIRVersion    string             `json:"fhirVersion"`
	Format         []string           `json:"format"`
	Rest           []CapabilityRest   `json:"rest"`
}

type CapabilitySoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CapabilityImpl struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CapabilityRest struct {
	Mode        string                `json:"mode"`
	Security    *CapabilitySecurity   `json:"security,omitempty"`
	Resource    []CapabilityResource  `json:"resource"`
	Interaction []Interaction         `json:"interaction,omitempty"`
	Operation   []CapabilityOperation `json:"operation,omitempty"`
}

type CapabilitySecurity struct {
	CORS        bool   `json:"cors"`
	Description string `json:"description,omitempty"`
}

type CapabilityResource struct {
	Type              string                `json:"type"`
	Extension         []CountExtension      `json:"extension,omitempty"`
	SupportedProfile  []string              `json:"supportedProfile,omitempty"`
	Interaction       []Interaction         `json:"interaction"`
	Versioning        string                `json:"versioning"`
	ReadHistory       bool                  `json:"readHistory"`
	UpdateCreate      bool                  `json:"updateCreate"`
	ConditionalDelete string                `json:"conditionalDelete"`
	SearchParam       []SearchParam         `json:"searchParam,omitempty"`
	Operation         []CapabilityOperation `json:"operation,omitempty"`
}

type CountExtension struct {
	URL          string `json:"url"`
	ValueDecimal int    `json:"valueDecimal"`
}

type Interaction struct {
	Code string `json:"code"`
}

type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// typeInteractions are the interactions every supported type offers.
var typeInteractions = []string{
	"read", "vread", "update", "delete", "history-instance", "history-type", "create", "search-type",
}

// CapabilityProvider computes the server's CapabilityStatement from live
// configuration: the supported types, the search parameter registry, the
// profile registry and the operation registry. The result is cached and
// rebuilt when the generation changes or the counts grow stale.
type CapabilityProvider struct {
	cfg        CapabilityConfig
	types      []string
	params     SearchParamSource
	profiles   ProfileSource
	counter    ResourceCounter
	operations *OperationRegistry
	now        func() time.Time

	generation atomic.Uint64

	mu        sync.Mutex
	cached    *CapabilityStatement
	cachedGen uint64
	cachedAt  time.Time
}

// NewCapabilityProvider creates a provider. types is the set of resource types
// the store is configured for; profiles and counter may be nil.
func NewCapabilityProvider(cfg CapabilityConfig, types []string, params SearchParamSource, profiles ProfileSource, counter ResourceCounter, operations *OperationRegistry) *CapabilityProvider {
	if cfg.FHIRVersion == "" {
		cfg.FHIRVersion = "4.0.1"
	}
	if cfg.CountsTTL <= 0 {
		cfg.CountsTTL = time.Minute
	}
	sorted := append([]string(nil), types...)
	sort.Strings(sorted)
	if operations == nil {
		operations = NewOperationRegistry()
	}
	return &CapabilityProvider{
		cfg:        cfg,
		types:      sorted,
		params:     params,
		profiles:   profiles,
		counter:    counter,
		operations: operations,
		now:        time.Now,
	}
}

// Invalidate discards the cached statement. Registries call it whenever what
// they publish changes.
func (p *CapabilityProvider) Invalidate() {
	p.generation.Add(1)
}

// Generation returns the current cache generation.
func (p *CapabilityProvider) Generation() uint64 {
	return p.generation.Load()
}

// Describe returns the CapabilityStatement, rebuilding it when stale.
func (p *CapabilityProvider) Describe(ctx context.Context) (*CapabilityStatement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	gen := p.generation.Load()
	now := p.now()
	if p.cached != nil && p.cachedGen == gen && now.Sub(p.cachedAt) < p.cfg.CountsTTL {
		return p.cached, nil
	}

	stmt, err := p.build(ctx, now)
	if err != nil {
		return nil, err
	}
	p.cached = stmt
	p.cachedGen = gen
	p.cachedAt = now
	return stmt, nil
}

func (p *CapabilityProvider) build(ctx context.Context, now time.Time) (*CapabilityStatement, error) {
	resources := make([]CapabilityResource, 0, len(p.types))
	for _, rt := range p.types {
		res := CapabilityResource{
			Type:              rt,
			Interaction:       interactions(typeInteractions),
			Versioning:        "versioned-update",
			ReadHistory:       true,
			UpdateCreate:      true,
			ConditionalDelete: "multiple",
		}
		if p.params != nil {
			res.SearchParam = p.params.SearchParams(rt)
		}
		if p.profiles != nil {
			res.SupportedProfile = p.profiles.ProfileURLs(rt)
		}
		for _, op := range p.operations.ForResource(rt) {
			if op.Type || op.Instance {
				res.Operation = append(res.Operation, CapabilityOperation{Name: op.Code, Definition: op.URL})
			}
		}
		if p.counter != nil {
			n, err := p.counter.Count(ctx, rt)
			if err != nil {
				return nil, fmt.Errorf("count %s: %w", rt, err)
			}
			res.Extension = []CountExtension{{URL: resourceCountExtension, ValueDecimal: n}}
		}
		resources = append(resources, res)
	}

	rest := CapabilityRest{
		Mode:        "server",
		Resource:    resources,
		Interaction: interactions([]string{"history-system"}),
	}
	for _, op := range p.operations.List() {
		if op.System {
			rest.Operation = append(rest.Operation, CapabilityOperation{Name: op.Code, Definition: op.URL})
		}
	}
	if p.cfg.AuthEnabled {
		rest.Security = &CapabilitySecurity{CORS: true, Description: "Bearer token (HS256 JWT) required"}
	} else {
		rest.Security = &CapabilitySecurity{CORS: true}
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         now.UTC().Format(time.RFC3339),
		Publisher:    p.cfg.Publisher,
		Kind:         "instance",
		Software: CapabilitySoftware{
			Name:    p.cfg.ServerName,
			Version: p.cfg.ServerVersion,
		},
		Implementation: CapabilityImpl{
			Description: p.cfg.Description,
			URL:         p.cfg.BaseURL,
		},
		FHIRVersion: p.cfg.FHIRVersion,
		Format:      []string{"application/fhir+json", "json"},
		Rest:        []CapabilityRest{rest},
	}, nil
}

func interactions(codes []string) []Interaction {
	out := make([]Interaction, len(codes))
	for i, c := range codes {
		out[i] = Interaction{Code: c}
	}
	return out
}

// CapabilityHandler serves GET /metadata.
type CapabilityHandler struct {
	provider *CapabilityProvider
}

func NewCapabilityHandler(provider *CapabilityProvider) *CapabilityHandler {
	return &CapabilityHandler{provider: provider}
}

func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	stmt, err := h.provider.Describe(c.Request().Context())
	if err != nil {
		return err
	}
	return WriteJSON(c, 200, stmt)
}
