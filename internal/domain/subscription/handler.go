package subscription

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mitre/fhirserver/internal/platform/auth"
	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/store"
)

// Handler serves the Subscription lifecycle operations.
type Handler struct {
	svc        *Service
	dispatcher *Dispatcher
}

// NewHandler creates a new subscription operation handler.
func NewHandler(svc *Service, dispatcher *Dispatcher) *Handler {
	return &Handler{svc: svc, dispatcher: dispatcher}
}

// RegisterOperations adds $activate, $deactivate and $status to reg.
func (h *Handler) RegisterOperations(reg *fhir.OperationRegistry) error {
	ops := []struct {
		def     *fhir.OperationDefinitionResource
		handler fhir.OperationHandler
	}{
		{
			def: &fhir.OperationDefinitionResource{
				URL:         "http://hl7.org/fhir/OperationDefinition/Subscription-activate",
				Name:        "ActivateSubscription",
				Code:        "activate",
				Instance:    true,
				Resource:    []string{ResourceType},
				Description: "Moves a requested or errored subscription to active. Requires the operator role.",
				Parameter: []fhir.OperationParam{
					{Name: "return", Use: "out", Min: 1, Max: "1", Type: ResourceType},
				},
			},
			handler: h.Activate,
		},
		{
			def: &fhir.OperationDefinitionResource{
				URL:         "http://hl7.org/fhir/OperationDefinition/Subscription-deactivate",
				Name:        "DeactivateSubscription",
				Code:        "deactivate",
				Instance:    true,
				Resource:    []string{ResourceType},
				Description: "Turns a subscription off. Requires the operator role.",
				Parameter: []fhir.OperationParam{
					{Name: "return", Use: "out", Min: 1, Max: "1", Type: ResourceType},
				},
			},
			handler: h.Deactivate,
		},
		{
			def: &fhir.OperationDefinitionResource{
				URL:         "http://hl7.org/fhir/OperationDefinition/Subscription-status",
				Name:        "SubscriptionStatus",
				Code:        "status",
				Instance:    true,
				Resource:    []string{ResourceType},
				Description: "Reports the stored status and the delivery counters of a subscription.",
				Parameter: []fhir.OperationParam{
					{Name: "status", Use: "out", Min: 1, Max: "1", Type: "code"},
					{Name: "active", Use: "out", Min: 1, Max: "1", Type: "boolean"},
					{Name: "consecutiveFailures", Use: "out", Min: 1, Max: "1", Type: "integer"},
					{Name: "delivered", Use: "out", Min: 1, Max: "1", Type: "integer"},
					{Name: "failed", Use: "out", Min: 1, Max: "1", Type: "integer"},
					{Name: "lastAttempt", Use: "out", Min: 0, Max: "1", Type: "instant"},
					{Name: "lastSuccess", Use: "out", Min: 0, Max: "1", Type: "instant"},
					{Name: "lastError", Use: "out", Min: 0, Max: "1", Type: "string"},
				},
			},
			handler: h.Status,
		},
	}

	for _, op := range ops {
		if err := reg.Register(op.def, op.handler); err != nil {
			return err
		}
	}
	return nil
}

// Activate handles POST [base]/Subscription/{id}/$activate.
func (h *Handler) Activate(c echo.Context, _ string, id string) error {
	return h.change(c, id, h.svc.Activate)
}

// Deactivate handles POST [base]/Subscription/{id}/$deactivate.
func (h *Handler) Deactivate(c echo.Context, _ string, id string) error {
	return h.change(c, id, h.svc.Deactivate)
}

func (h *Handler) change(c echo.Context, id string, apply func(context.Context, string) (*store.Resource, error)) error {
	if c.Request().Method != http.MethodPost {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "operation requires POST")
	}
	if err := auth.CheckRole(c, auth.RoleOperator); err != nil {
		return err
	}
	r, err := apply(c.Request().Context(), id)
	if err != nil {
		return err
	}
	fhir.SetVersionHeaders(c, r.Version, r.LastUpdated)
	return fhir.WriteJSON(c, http.StatusOK, r.Content)
}

// Status handles [base]/Subscription/{id}/$status.
func (h *Handler) Status(c echo.Context, _ string, id string) error {
	sub, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}

	st := DeliveryState{SubscriptionID: id}
	if h.dispatcher != nil {
		st = h.dispatcher.Status(id)
	}

	params := []parameter{
		{Name: "status", ValueCode: sub.Status},
		{Name: "active", ValueBoolean: &st.Active},
		{Name: "consecutiveFailures", ValueInteger: intPtr(int64(st.ConsecutiveFailures))},
		{Name: "delivered", ValueInteger: intPtr(st.Delivered)},
		{Name: "failed", ValueInteger: intPtr(st.Failed)},
	}
	if !st.LastAttempt.IsZero() {
		params = append(params, parameter{Name: "lastAttempt", ValueInstant: st.LastAttempt.Format(time.RFC3339Nano)})
	}
	if !st.LastSuccess.IsZero() {
		params = append(params, parameter{Name: "lastSuccess", ValueInstant: st.LastSuccess.Format(time.RFC3339Nano)})
	}
	lastError := st.LastError
	if lastError == "" {
		lastError = sub.Error
	}
	if lastError != "" {
		params = append(params, parameter{Name: "lastError", ValueString: lastError})
	}

	return fhir.WriteJSON(c, http.StatusOK, parameters{ResourceType: "Parameters", Parameter: params})
}

type parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

type parameter struct {
	Name         string `json:"name"`
	ValueCode    string `json:"valueCode,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueInteger *int64 `json:"valueInteger,omitempty"`
	ValueInstant string `json:"valueInstant,omitempty"`
	ValueString  string `json:"valueString,omitempty"`
}

func intPtr(v int64) *int64 { return &v }
