package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mitre/fhirserver/internal/platform/auth"
	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
	"github.com/mitre/fhirserver/internal/validation"
	"github.com/mitre/fhirserver/pkg/pagination"
)

// Handler serves the FHIR REST interactions for every resource type.
type Handler struct {
	svc        *Service
	params     *search.Registry
	operations *fhir.OperationRegistry
	baseURL    string
	limits     pagination.Limits
}

// NewHandler creates the REST handler. baseURL is the absolute base used in
// links and Location headers.
func NewHandler(svc *Service, params *search.Registry, operations *fhir.OperationRegistry, baseURL string, limits pagination.Limits) *Handler {
	return &Handler{
		svc:        svc,
		params:     params,
		operations: operations,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limits:     limits,
	}
}

// RegisterRoutes registers the REST routes on the FHIR base group.
// $operations share the id position of the instance routes and are
// dispatched through the operation registry.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/_history", h.HistorySystem)

	admin := g.Group("/metadata/search-params", auth.RequireRole(auth.RoleAdmin))
	admin.POST("", h.RegisterSearchParameter)
	admin.DELETE("/:type/:code", h.UnregisterSearchParameter)

	g.GET("/:type", h.Search)
	g.POST("/:type", h.Create)
	g.DELETE("/:type", h.ConditionalDelete)
	g.POST("/:type/_search", h.Search)
	g.GET("/:type/_history", h.HistoryType)

	g.GET("/:type/:id", h.Read)
	g.POST("/:type/:id", h.TypeOperation)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)

	g.GET("/:type/:id/_history", h.HistoryInstance)
	g.GET("/:type/:id/_history/:vid", h.VRead)
	g.GET("/:type/:id/:op", h.InstanceOperation)
	g.POST("/:type/:id/:op", h.InstanceOperation)
}

// RegisterOperations adds $validate to reg.
func (h *Handler) RegisterOperations(reg *fhir.OperationRegistry) error {
	return reg.Register(&fhir.OperationDefinitionResource{
		URL:         "http://hl7.org/fhir/OperationDefinition/Resource-validate",
		Name:        "Validate",
		Code:        "validate",
		Type:        true,
		Instance:    true,
		Description: "Runs the validation pipeline against a resource without storing it.",
		Parameter: []fhir.OperationParam{
			{Name: "resource", Use: "in", Min: 0, Max: "1", Type: "Resource"},
			{Name: "return", Use: "out", Min: 1, Max: "1", Type: "OperationOutcome"},
		},
	}, h.Validate)
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, fmt.Errorf("%w: read body: %v", fhir.ErrInvalidRequest, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: request body is required", fhir.ErrInvalidRequest)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: request body is not valid JSON", fhir.ErrInvalidRequest)
	}
	return body, nil
}

func (h *Handler) location(r *store.Resource) string {
	return fmt.Sprintf("%s/%s/%s/_history/%d", h.baseURL, r.Type, r.ID, r.Version)
}

func (h *Handler) Create(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Create(c.Request().Context(), c.Param("type"), body)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Location", h.location(r))
	fhir.SetVersionHeaders(c, r.Version, r.LastUpdated)
	return fhir.WriteResult(c, http.StatusCreated, r.Content)
}

func (h *Handler) Read(c echo.Context) error {
	id := c.Param("id")
	if strings.HasPrefix(id, "$") {
		return h.operation(c, c.Param("type"), "", id)
	}
	r, err := h.svc.Read(c.Request().Context(), c.Param("type"), id)
	if err != nil {
		return err
	}
	fhir.SetVersionHeaders(c, r.Version, r.LastUpdated)
	if fhir.CheckIfNoneMatch(c, r.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	return fhir.WriteJSON(c, http.StatusOK, r.Content)
}

func (h *Handler) VRead(c echo.Context) error {
	vid, err := strconv.ParseInt(c.Param("vid"), 10, 64)
	if err != nil || vid < 1 {
		return fmt.Errorf("%w: version id must be a positive integer", fhir.ErrInvalidRequest)
	}
	r, err := h.svc.VRead(c.Request().Context(), c.Param("type"), c.Param("id"), vid)
	if err != nil {
		return err
	}
	fhir.SetVersionHeaders(c, r.Version, r.LastUpdated)
	return fhir.WriteJSON(c, http.StatusOK, r.Content)
}

func (h *Handler) Update(c echo.Context) error {
	expected, err := fhir.IfMatchVersion(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	r, created, err := h.svc.Update(c.Request().Context(), c.Param("type"), c.Param("id"), body, expected)
	if err != nil {
		return err
	}
	fhir.SetVersionHeaders(c, r.Version, r.LastUpdated)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		c.Response().Header().Set("Location", h.location(r))
	}
	return fhir.WriteResult(c, status, r.Content)
}

func (h *Handler) Delete(c echo.Context) error {
	r, err := h.svc.Delete(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", fhir.FormatETag(r.Version))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ConditionalDelete(c echo.Context) error {
	crit, err := search.ParseCriteria(c.Param("type"), c.QueryParams())
	if err != nil {
		return err
	}
	n, err := h.svc.ConditionalDelete(c.Request().Context(), crit)
	if err != nil {
		return err
	}
	outcome := fhir.NewOutcomeBuilder().
		AddIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformation, fmt.Sprintf("Deleted %d resource(s)", n)).
		Build()
	return fhir.WriteJSON(c, http.StatusOK, outcome)
}

// searchValues merges the query string with a form body for POST _search.
func searchValues(c echo.Context) (url.Values, error) {
	values := url.Values{}
	for k, v := range c.QueryParams() {
		values[k] = append(values[k], v...)
	}
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return nil, fmt.Errorf("%w: read search form: %v", fhir.ErrInvalidRequest, err)
		}
		for k, v := range form {
			if _, inQuery := c.QueryParams()[k]; inQuery {
				continue
			}
			values[k] = append(values[k], v...)
		}
	}
	return values, nil
}

func (h *Handler) Search(c echo.Context) error {
	rt := c.Param("type")
	values, err := searchValues(c)
	if err != nil {
		return err
	}
	page, err := pagination.Parse(values, h.limits)
	if err != nil {
		return fmt.Errorf("%w: %v", fhir.ErrInvalidRequest, err)
	}
	crit, err := search.ParseCriteria(rt, values)
	if err != nil {
		return err
	}

	result, err := h.svc.Search(c.Request().Context(), crit, page.PageToken, page.Count)
	if err != nil {
		return err
	}

	entries := make([]fhir.SearchEntry, len(result.Resources))
	for i, r := range result.Resources {
		entries[i] = fhir.SearchEntry{ResourceType: r.Type, ID: r.ID, Content: r.Content}
	}
	values.Del("_pageToken")
	links := fhir.PageLinks(h.baseURL+"/"+rt, values, result.Next)
	c.Response().Header().Set("Link", fhir.LinkHeader(links))
	return fhir.WriteJSON(c, http.StatusOK, fhir.NewSearchBundle(entries, result.Total, h.baseURL, links))
}

func historyEntries(rs []*store.Resource) []fhir.HistoryEntry {
	out := make([]fhir.HistoryEntry, len(rs))
	for i, r := range rs {
		out[i] = fhir.HistoryEntry{
			ResourceType: r.Type,
			ResourceID:   r.ID,
			VersionID:    r.Version,
			Resource:     r.Content,
			Deleted:      r.Deleted,
			LastUpdated:  r.LastUpdated,
		}
	}
	return out
}

// historyParams reads _since and _count.
func (h *Handler) historyParams(c echo.Context) (time.Time, int, error) {
	var since time.Time
	if raw := c.QueryParam("_since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("%w: _since must be an instant: %v", fhir.ErrInvalidRequest, err)
		}
		since = t
	}
	limit := store.DefaultHistoryLimit
	if raw := c.QueryParam("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return time.Time{}, 0, fmt.Errorf("%w: _count must be a positive integer", fhir.ErrInvalidRequest)
		}
		limit = n
	}
	return since, limit, nil
}

func (h *Handler) writeHistory(c echo.Context, selfURL string, rs []*store.Resource) error {
	links := []fhir.BundleLink{{Relation: "self", URL: selfURL}}
	return fhir.WriteJSON(c, http.StatusOK, fhir.NewHistoryBundle(historyEntries(rs), h.baseURL, links))
}

func (h *Handler) HistoryInstance(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	rs, err := h.svc.History(c.Request().Context(), rt, id)
	if err != nil {
		return err
	}
	return h.writeHistory(c, fmt.Sprintf("%s/%s/%s/_history", h.baseURL, rt, id), rs)
}

func (h *Handler) HistoryType(c echo.Context) error {
	rt := c.Param("type")
	since, limit, err := h.historyParams(c)
	if err != nil {
		return err
	}
	rs, err := h.svc.HistoryType(c.Request().Context(), rt, since, limit)
	if err != nil {
		return err
	}
	return h.writeHistory(c, fmt.Sprintf("%s/%s/_history", h.baseURL, rt), rs)
}

func (h *Handler) HistorySystem(c echo.Context) error {
	since, limit, err := h.historyParams(c)
	if err != nil {
		return err
	}
	rs, err := h.svc.HistoryAll(c.Request().Context(), since, limit)
	if err != nil {
		return err
	}
	return h.writeHistory(c, h.baseURL+"/_history", rs)
}

// TypeOperation handles POST [base]/{type}/${op}.
func (h *Handler) TypeOperation(c echo.Context) error {
	code := c.Param("id")
	if !strings.HasPrefix(code, "$") {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "POST is not supported on a resource instance")
	}
	return h.operation(c, c.Param("type"), "", code)
}

// InstanceOperation handles [base]/{type}/{id}/${op}.
func (h *Handler) InstanceOperation(c echo.Context) error {
	code := c.Param("op")
	if !strings.HasPrefix(code, "$") {
		return fmt.Errorf("%w: %s", fhir.ErrNotFound, c.Request().URL.Path)
	}
	return h.operation(c, c.Param("type"), c.Param("id"), code)
}

func (h *Handler) operation(c echo.Context, rt, id, code string) error {
	if !h.svc.Supports(rt) {
		return fmt.Errorf("%w: %s", fhir.ErrUnknownResourceType, rt)
	}
	code = strings.TrimPrefix(code, "$")
	handler, ok := h.operations.Lookup(code, rt, id != "")
	if !ok {
		return fmt.Errorf("operation $%s on %s: %w", code, rt, fhir.ErrNotFound)
	}
	return handler(c, rt, id)
}

// Validate handles $validate. The body is either the resource or a
// Parameters resource carrying it in "resource". At the instance level
// without a body the stored version is validated.
func (h *Handler) Validate(c echo.Context, rt, id string) error {
	var content json.RawMessage
	if c.Request().Method == http.MethodPost {
		body, err := readBody(c)
		if err != nil {
			return err
		}
		content = unwrapParameters(body)
	} else if id != "" {
		r, err := h.svc.Read(c.Request().Context(), rt, id)
		if err != nil {
			return err
		}
		content = r.Content
	} else {
		return fmt.Errorf("%w: $validate requires a resource", fhir.ErrInvalidRequest)
	}

	results, err := h.svc.ValidateOnly(rt, content)
	if err != nil {
		return err
	}
	return fhir.WriteJSON(c, http.StatusOK, validation.Outcome(results))
}

func unwrapParameters(body json.RawMessage) json.RawMessage {
	var p struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name     string          `json:"name"`
			Resource json.RawMessage `json:"resource"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(body, &p); err != nil || p.ResourceType != "Parameters" {
		return body
	}
	for _, param := range p.Parameter {
		if param.Name == "resource" && len(param.Resource) > 0 {
			return param.Resource
		}
	}
	return body
}

// RegisterSearchParameter handles POST [base]/metadata/search-params with a
// SearchParameter resource body.
func (h *Handler) RegisterSearchParameter(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	bases, def, err := search.ParseSearchParameter(body)
	if err != nil {
		return err
	}
	for _, rt := range bases {
		if err := h.params.Register(rt, def); err != nil {
			return err
		}
	}
	outcome := fhir.NewOutcomeBuilder().
		AddIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformation,
			fmt.Sprintf("Registered search parameter %s on %s", def.Code, strings.Join(bases, ", "))).
		Build()
	return fhir.WriteJSON(c, http.StatusCreated, outcome)
}

// UnregisterSearchParameter handles DELETE [base]/metadata/search-params/{type}/{code}.
func (h *Handler) UnregisterSearchParameter(c echo.Context) error {
	if err := h.params.Unregister(c.Param("type"), c.Param("code")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
