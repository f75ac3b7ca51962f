package search

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

var codePattern = regexp.MustCompile(`^[a-z][a-z0-9\-]*$`)

// Registry holds the search parameters supported for each resource type. It
// combines the built-in definitions with parameters registered at runtime.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]bool
	custom   map[string]map[string]ParamDef
	onChange []func(resourceType string)
}

// NewRegistry returns a registry for the given resource types.
func NewRegistry(resourceTypes []string) *Registry {
	types := make(map[string]bool, len(resourceTypes))
	for _, rt := range resourceTypes {
		types[rt] = true
	}
	return &Registry{types: types, custom: make(map[string]map[string]ParamDef)}
}

// OnChange registers fn to be called after a parameter is added or removed.
func (r *Registry) OnChange(fn func(resourceType string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Supports reports whether resourceType is served.
func (r *Registry) Supports(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[resourceType]
}

// Lookup returns the definition of code for resourceType.
func (r *Registry) Lookup(resourceType, code string) (ParamDef, bool) {
	for _, d := range universalParams {
		if d.Code == code {
			return d, true
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.custom[resourceType][code]; ok {
		return d, true
	}
	for _, d := range builtinParams[resourceType] {
		if d.Code == code {
			return d, true
		}
	}
	return ParamDef{}, false
}

// Params returns every parameter of resourceType, sorted by code.
func (r *Registry) Params(resourceType string) []ParamDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []ParamDef
	add := func(d ParamDef) {
		if !seen[d.Code] {
			seen[d.Code] = true
			out = append(out, d)
		}
	}
	for _, d := range r.custom[resourceType] {
		add(d)
	}
	for _, d := range builtinParams[resourceType] {
		add(d)
	}
	for _, d := range universalParams {
		add(d)
	}
	sortDefs(out)
	return out
}

// SearchParams implements fhir.SearchParamSource.
func (r *Registry) SearchParams(resourceType string) []fhir.SearchParam {
	defs := r.Params(resourceType)
	out := make([]fhir.SearchParam, len(defs))
	for i, d := range defs {
		out[i] = fhir.SearchParam{Name: d.Code, Type: string(d.Type), Documentation: d.Description}
	}
	return out
}

// Register adds or replaces a custom parameter. Built-in and universal
// parameters cannot be replaced.
func (r *Registry) Register(resourceType string, def ParamDef) error {
	if err := validation.ValidateStruct(&def,
		validation.Field(&def.Code, validation.Required, validation.Match(codePattern)),
		validation.Field(&def.Type, validation.Required, validation.By(func(interface{}) error {
			if !def.Type.valid() {
				return fmt.Errorf("unsupported type %q", def.Type)
			}
			return nil
		})),
		validation.Field(&def.Paths, validation.Required, validation.Each(validation.Required)),
	); err != nil {
		return fmt.Errorf("%w: search parameter: %v", fhir.ErrInvalidRequest, err)
	}

	r.mu.Lock()
	if !r.types[resourceType] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", fhir.ErrUnknownResourceType, resourceType)
	}
	if isBuiltin(resourceType, def.Code) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is a built-in parameter of %s", fhir.ErrConflict, def.Code, resourceType)
	}
	def.Custom = true
	if r.custom[resourceType] == nil {
		r.custom[resourceType] = make(map[string]ParamDef)
	}
	r.custom[resourceType][def.Code] = def
	hooks := append([]func(string){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(resourceType)
	}
	return nil
}

// Unregister removes a custom parameter.
func (r *Registry) Unregister(resourceType, code string) error {
	r.mu.Lock()
	if _, ok := r.custom[resourceType][code]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("search parameter %s/%s: %w", resourceType, code, fhir.ErrNotFound)
	}
	delete(r.custom[resourceType], code)
	hooks := append([]func(string){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(resourceType)
	}
	return nil
}

func isBuiltin(resourceType, code string) bool {
	for _, d := range universalParams {
		if d.Code == code {
			return true
		}
	}
	for _, d := range builtinParams[resourceType] {
		if d.Code == code {
			return true
		}
	}
	return false
}

// searchParameterResource is the subset of a FHIR SearchParameter resource
// needed to register a custom parameter.
type searchParameterResource struct {
	ResourceType string   `json:"resourceType"`
	Code         string   `json:"code"`
	Base         []string `json:"base"`
	Type         string   `json:"type"`
	Expression   string   `json:"expression"`
	Target       []string `json:"target"`
	Description  string   `json:"description"`
}

// ParseSearchParameter converts a SearchParameter resource into a ParamDef
// per base type. The expression is a "|" separated list of simple paths,
// optionally prefixed with the resource type ("Patient.name.family").
func ParseSearchParameter(raw json.RawMessage) ([]string, ParamDef, error) {
	var sp searchParameterResource
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, ParamDef{}, fmt.Errorf("%w: %v", fhir.ErrInvalidRequest, err)
	}
	if sp.ResourceType != "" && sp.ResourceType != "SearchParameter" {
		return nil, ParamDef{}, fmt.Errorf("%w: expected a SearchParameter, got %s", fhir.ErrInvalidRequest, sp.ResourceType)
	}
	if len(sp.Base) == 0 {
		return nil, ParamDef{}, fmt.Errorf("%w: SearchParameter.base is required", fhir.ErrInvalidRequest)
	}

	def := ParamDef{Code: sp.Code, Type: ParamType(sp.Type), Description: sp.Description}
	if len(sp.Target) == 1 {
		def.Target = sp.Target[0]
	}
	for _, expr := range strings.Split(sp.Expression, "|") {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		for _, base := range sp.Base {
			expr = strings.TrimPrefix(expr, base+".")
		}
		def.Paths = append(def.Paths, expr)
	}
	return sp.Base, def, nil
}
