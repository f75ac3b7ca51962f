package fhir

import (
	"fmt"
	"sort"
	"sync"

	"github.com/labstack/echo/v4"
)

// OperationParam describes a single input or output parameter for an
// OperationDefinition.
type OperationParam struct {
	Name          string `json:"name"`
	Use           string `json:"use"` // "in" or "out"
	Min           int    `json:"min"`
	Max           string `json:"max"`
	Type          string `json:"type,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// OperationDefinitionResource is the FHIR OperationDefinition resource
// representation used by the operation registry.
type OperationDefinitionResource struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	URL          string           `json:"url"`
	Name         string           `json:"name"`
	Status       string           `json:"status"`
	Kind         string           `json:"kind"`
	Code         string           `json:"code"`
	System       bool             `json:"system"`
	Type         bool             `json:"type"`
	Instance     bool             `json:"instance"`
	Resource     []string         `json:"resource,omitempty"`
	Parameter    []OperationParam `json:"parameter,omitempty"`
	Description  string           `json:"description,omitempty"`
}

// OperationHandler serves a $operation. id is empty for type-level calls.
type OperationHandler func(c echo.Context, resourceType, id string) error

type registeredOperation struct {
	def     *OperationDefinitionResource
	handler OperationHandler
}

// OperationRegistry holds the $operations the server exposes together with
// their handlers. It feeds both routing and the capability statement.
type OperationRegistry struct {
	mu         sync.RWMutex
	operations map[string]registeredOperation
}

// NewOperationRegistry creates an empty OperationRegistry.
func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{
		operations: make(map[string]registeredOperation),
	}
}

// Register adds an operation keyed by its code. Registering the same code
// twice is a programming error.
func (r *OperationRegistry) Register(def *OperationDefinitionResource, handler OperationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.operations[def.Code]; exists {
		return fmt.Errorf("operation $%s already registered", def.Code)
	}
	if def.ResourceType == "" {
		def.ResourceType = "OperationDefinition"
	}
	if def.ID == "" {
		def.ID = def.Code
	}
	if def.Status == "" {
		def.Status = "active"
	}
	if def.Kind == "" {
		def.Kind = "operation"
	}
	r.operations[def.Code] = registeredOperation{def: def, handler: handler}
	return nil
}

// Lookup finds the handler for $code invoked on resourceType at the type
// (instance=false) or instance level.
func (r *OperationRegistry) Lookup(code, resourceType string, instance bool) (OperationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[code]
	if !ok {
		return nil, false
	}
	if instance && !op.def.Instance || !instance && !op.def.Type {
		return nil, false
	}
	if !appliesTo(op.def, resourceType) {
		return nil, false
	}
	return op.handler, true
}

// Get returns the definition for a code, or nil.
func (r *OperationRegistry) Get(code string) *OperationDefinitionResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if op, ok := r.operations[code]; ok {
		return op.def
	}
	return nil
}

// List returns all registered definitions sorted by code.
func (r *OperationRegistry) List() []*OperationDefinitionResource {
	return r.ForResource("")
}

// ForResource returns the definitions applicable to resourceType, sorted by
// code. An empty resourceType returns everything.
func (r *OperationRegistry) ForResource(resourceType string) []*OperationDefinitionResource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*OperationDefinitionResource, 0, len(r.operations))
	for _, op := range r.operations {
		if resourceType == "" || appliesTo(op.def, resourceType) {
			out = append(out, op.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func appliesTo(def *OperationDefinitionResource, resourceType string) bool {
	if len(def.Resource) == 0 {
		return true
	}
	for _, rt := range def.Resource {
		if rt == resourceType {
			return true
		}
	}
	return false
}
