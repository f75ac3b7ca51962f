package resource

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mitre/fhirserver/internal/platform/auth"
	"github.com/mitre/fhirserver/internal/platform/fhir"
	"github.com/mitre/fhirserver/internal/search"
	"github.com/mitre/fhirserver/internal/store"
	"github.com/mitre/fhirserver/internal/validation"
	"github.com/mitre/fhirserver/pkg/pagination"
)

const testBase = "http://localhost:8000/fhir"

var testTypes = []string{"Patient", "Observation"}

type fixture struct {
	store  *store.MemoryStore
	params *search.Registry
	index  *search.Index
	svc    *Service
	e      *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	params := search.NewRegistry(testTypes)
	idx := search.NewIndex(params, zerolog.Nop())
	profiles := validation.NewRegistry("", zerolog.Nop())
	supported := func(rt string) bool {
		for _, known := range testTypes {
			if known == rt {
				return true
			}
		}
		return false
	}
	pipeline := validation.NewPipeline(validation.NewValidator(profiles, supported),
		validation.Policy{RejectAt: validation.SeverityError}, zerolog.Nop())
	svc := NewService(s, idx, pipeline, testTypes, zerolog.Nop())

	ops := fhir.NewOperationRegistry()
	h := NewHandler(svc, params, ops, testBase, pagination.Limits{Default: 2, Max: 5})
	require.NoError(t, h.RegisterOperations(ops))

	e := echo.New()
	e.HTTPErrorHandler = fhir.HTTPErrorHandler(zerolog.Nop())
	g := e.Group("/fhir", auth.DevAuthMiddleware())
	h.RegisterRoutes(g)

	return &fixture{store: s, params: params, index: idx, svc: svc, e: e}
}

// do issues a request against the routed server.
func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", fhir.FHIRContentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) mustCreate(t *testing.T, rt, body string) *store.Resource {
	t.Helper()
	rec := f.do(http.MethodPost, "/fhir/"+rt, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loc := rec.Header().Get("Location")
	parts := strings.Split(strings.TrimPrefix(loc, testBase+"/"), "/")
	require.Len(t, parts, 4, loc)
	r, err := f.store.Read(context.Background(), rt, parts[1])
	require.NoError(t, err)
	return r
}
