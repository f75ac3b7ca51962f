package resource

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Total        *int   `json:"total"`
	Link         []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
		Request  *struct {
			Method string `json:"method"`
			URL    string `json:"url"`
		} `json:"request"`
	} `json:"entry"`
}

func (b bundle) next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

type outcome struct {
	ResourceType string `json:"resourceType"`
	Issue        []struct {
		Severity    string   `json:"severity"`
		Code        string   `json:"code"`
		Diagnostics string   `json:"diagnostics"`
		Expression  []string `json:"expression"`
	} `json:"issue"`
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func versionOf(t *testing.T, raw []byte) string {
	t.Helper()
	var r struct {
		Meta struct {
			VersionID string `json:"versionId"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(raw, &r))
	return r.Meta.VersionID
}

const smith = `{"resourceType":"Patient","name":[{"family":"Smith","given":["Ann"]}],"gender":"female"}`

func TestHandler_PatientLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/fhir/Patient", smith)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"1"`, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, testBase+"/Patient/"), loc)
	require.True(t, strings.HasSuffix(loc, "/_history/1"), loc)
	id := strings.Split(strings.TrimPrefix(loc, testBase+"/Patient/"), "/")[0]
	assert.Equal(t, "1", versionOf(t, rec.Body.Bytes()))

	rec = f.do(http.MethodGet, "/fhir/Patient/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `W/"1"`, rec.Header().Get("ETag"))

	updated := `{"resourceType":"Patient","id":"` + id + `","name":[{"family":"Smith","given":["Anne"]}],"gender":"female"}`
	rec = f.do(http.MethodPut, "/fhir/Patient/"+id, updated, "If-Match", `W/"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"2"`, rec.Header().Get("ETag"))
	assert.Equal(t, "2", versionOf(t, rec.Body.Bytes()))

	rec = f.do(http.MethodGet, "/fhir/Patient/"+id+"/_history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[bundle](t, rec.Body.Bytes())
	assert.Equal(t, "history", hist.Type)
	require.Len(t, hist.Entry, 2)
	assert.Equal(t, "2", versionOf(t, hist.Entry[0].Resource))
	assert.Equal(t, "1", versionOf(t, hist.Entry[1].Resource))

	rec = f.do(http.MethodGet, "/fhir/Patient?family=smith", "")
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[bundle](t, rec.Body.Bytes())
	assert.Equal(t, "searchset", found.Type)
	require.NotNil(t, found.Total)
	assert.Equal(t, 1, *found.Total)
	require.Len(t, found.Entry, 1)
	assert.Equal(t, testBase+"/Patient/"+id, found.Entry[0].FullURL)

	rec = f.do(http.MethodDelete, "/fhir/Patient/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, `W/"3"`, rec.Header().Get("ETag"))

	rec = f.do(http.MethodGet, "/fhir/Patient/"+id, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "OperationOutcome", decode[outcome](t, rec.Body.Bytes()).ResourceType)

	rec = f.do(http.MethodGet, "/fhir/Patient?family=smith", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, *decode[bundle](t, rec.Body.Bytes()).Total)

	rec = f.do(http.MethodGet, "/fhir/Patient/"+id+"/_history/1", "")
	require.Equal(t, http.StatusOK, rec.Code, "old versions stay readable")
	assert.Equal(t, "1", versionOf(t, rec.Body.Bytes()))
}

func TestHandler_UpdateVersionConflict(t *testing.T) {
	f := newFixture(t)
	r := f.mustCreate(t, "Patient", smith)

	body := `{"resourceType":"Patient","id":"` + r.ID + `","gender":"male"}`
	rec := f.do(http.MethodPut, "/fhir/Patient/"+r.ID, body, "If-Match", `W/"7"`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPut, "/fhir/Patient/"+r.ID, body, "If-Match", "garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_UpdateCreatesUnknownID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/fhir/Patient/client-chosen", `{"resourceType":"Patient","id":"client-chosen"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, testBase+"/Patient/client-chosen/_history/1", rec.Header().Get("Location"))
}

func TestHandler_UpdateIDMismatch(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, "/fhir/Patient/a", `{"resourceType":"Patient","id":"b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CreateErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown type", "/fhir/Widget", `{"resourceType":"Widget"}`, http.StatusNotFound},
		{"type mismatch", "/fhir/Patient", `{"resourceType":"Observation","status":"final"}`, http.StatusBadRequest},
		{"empty body", "/fhir/Patient", "", http.StatusBadRequest},
		{"not json", "/fhir/Patient", `{"resourceType":`, http.StatusBadRequest},
		{"invalid status", "/fhir/Observation", `{"resourceType":"Observation","status":"bogus"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "OperationOutcome", decode[outcome](t, rec.Body.Bytes()).ResourceType)
		})
	}
}

func TestHandler_ValidationOutcomeCarriesIssues(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/fhir/Observation", `{"resourceType":"Observation","status":"bogus"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	oo := decode[outcome](t, rec.Body.Bytes())
	require.NotEmpty(t, oo.Issue)
	assert.Equal(t, "error", oo.Issue[0].Severity)
	assert.Equal(t, []string{"Observation.status"}, oo.Issue[0].Expression)
	assert.Equal(t, 0, f.index.Size(), "rejected writes are not indexed")
}

func TestHandler_ReadNotModified(t *testing.T) {
	f := newFixture(t)
	r := f.mustCreate(t, "Patient", smith)

	rec := f.do(http.MethodGet, "/fhir/Patient/"+r.ID, "", "If-None-Match", `W/"1"`)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(http.MethodGet, "/fhir/Patient/"+r.ID, "", "If-None-Match", `W/"0"`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ReadMissing(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/fhir/Patient/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/fhir/Widget/1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/fhir/Patient/nope", "").Code)
}

func TestHandler_VReadBadVersion(t *testing.T) {
	f := newFixture(t)
	r := f.mustCreate(t, "Patient", smith)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/Patient/"+r.ID+"/_history/x", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/fhir/Patient/"+r.ID+"/_history/9", "").Code)
}

func TestHandler_PreferReturn(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/fhir/Patient", smith, "Prefer", "return=minimal")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Location"))

	rec = f.do(http.MethodPost, "/fhir/Patient", smith, "Prefer", "return=OperationOutcome")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "OperationOutcome", decode[outcome](t, rec.Body.Bytes()).ResourceType)
}

func TestHandler_SearchPaging(t *testing.T) {
	f := newFixture(t)
	for _, family := range []string{"Adams", "Baker", "Clark"} {
		f.mustCreate(t, "Patient", `{"resourceType":"Patient","name":[{"family":"`+family+`"}]}`)
	}

	rec := f.do(http.MethodGet, "/fhir/Patient", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[bundle](t, rec.Body.Bytes())
	assert.Equal(t, 3, *first.Total)
	assert.Len(t, first.Entry, 2, "default page size")
	next := first.next()
	require.NotEmpty(t, next)
	assert.Contains(t, rec.Header().Get("Link"), `rel="next"`)

	u, err := url.Parse(next)
	require.NoError(t, err)
	rec = f.do(http.MethodGet, u.RequestURI(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[bundle](t, rec.Body.Bytes())
	assert.Len(t, second.Entry, 1)
	assert.Empty(t, second.next())

	seen := map[string]bool{}
	for _, e := range append(first.Entry, second.Entry...) {
		assert.False(t, seen[e.FullURL], "duplicate %s", e.FullURL)
		seen[e.FullURL] = true
	}
	assert.Len(t, seen, 3)
}

func TestHandler_SearchCountZero(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "Patient", smith)
	f.mustCreate(t, "Patient", smith)

	rec := f.do(http.MethodGet, "/fhir/Patient?_count=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[bundle](t, rec.Body.Bytes())
	assert.Equal(t, 2, *b.Total)
	assert.Empty(t, b.Entry)
}

func TestHandler_SearchErrors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/Patient?shoe-size=9", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/Patient?_count=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/fhir/Widget", "").Code)
}

func TestHandler_SearchPost(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "Patient", smith)
	f.mustCreate(t, "Patient", `{"resourceType":"Patient","gender":"male"}`)

	rec := f.do(http.MethodPost, "/fhir/Patient/_search", "gender=female",
		"Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, *decode[bundle](t, rec.Body.Bytes()).Total)
}

func TestHandler_ConditionalDelete(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "Patient", smith)
	f.mustCreate(t, "Patient", smith)
	keep := f.mustCreate(t, "Patient", `{"resourceType":"Patient","name":[{"family":"Jones"}]}`)

	rec := f.do(http.MethodDelete, "/fhir/Patient?family=Smith", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	oo := decode[outcome](t, rec.Body.Bytes())
	require.Len(t, oo.Issue, 1)
	assert.Contains(t, oo.Issue[0].Diagnostics, "2")

	rec = f.do(http.MethodGet, "/fhir/Patient", "")
	assert.Equal(t, 1, *decode[bundle](t, rec.Body.Bytes()).Total)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/fhir/Patient/"+keep.ID, "").Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/fhir/Patient", "").Code)
}

func TestHandler_HistoryTypeAndSystem(t *testing.T) {
	f := newFixture(t)
	p := f.mustCreate(t, "Patient", smith)
	f.mustCreate(t, "Observation", `{"resourceType":"Observation","status":"final"}`)
	rec := f.do(http.MethodDelete, "/fhir/Patient/"+p.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/fhir/Patient/_history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	typed := decode[bundle](t, rec.Body.Bytes())
	require.Len(t, typed.Entry, 2)
	require.NotNil(t, typed.Entry[0].Request)
	assert.Equal(t, http.MethodDelete, typed.Entry[0].Request.Method)
	assert.Equal(t, http.MethodPost, typed.Entry[1].Request.Method)

	rec = f.do(http.MethodGet, "/fhir/_history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[bundle](t, rec.Body.Bytes()).Entry, 3)

	rec = f.do(http.MethodGet, "/fhir/_history?_count=1", "")
	assert.Len(t, decode[bundle](t, rec.Body.Bytes()).Entry, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/_history?_since=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/Patient/_history?_count=0", "").Code)

	rec = f.do(http.MethodGet, "/fhir/_history?_since=2999-01-01T00:00:00Z", "")
	assert.Empty(t, decode[bundle](t, rec.Body.Bytes()).Entry)
}

func TestHandler_ValidateOperation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/fhir/Observation/$validate", `{"resourceType":"Observation","status":"bogus"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	oo := decode[outcome](t, rec.Body.Bytes())
	require.NotEmpty(t, oo.Issue)
	assert.Equal(t, "error", oo.Issue[0].Severity)
	assert.Equal(t, 0, f.index.Size(), "$validate never writes")

	params := `{"resourceType":"Parameters","parameter":[{"name":"resource","resource":{"resourceType":"Observation","status":"final"}}]}`
	rec = f.do(http.MethodPost, "/fhir/Observation/$validate", params)
	require.Equal(t, http.StatusOK, rec.Code)
	oo = decode[outcome](t, rec.Body.Bytes())
	require.Len(t, oo.Issue, 1)
	assert.Equal(t, "information", oo.Issue[0].Severity)

	r := f.mustCreate(t, "Patient", smith)
	rec = f.do(http.MethodGet, "/fhir/Patient/"+r.ID+"/$validate", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	r := f.mustCreate(t, "Patient", smith)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/fhir/Patient/$everything", "{}").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/fhir/Patient/"+r.ID+"/$everything", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/fhir/Patient/"+r.ID+"/other", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/fhir/Patient/"+r.ID, smith).Code)
}

func TestHandler_SearchParameterAdmin(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "Observation", `{"resourceType":"Observation","status":"final","valueString":"high"}`)
	f.mustCreate(t, "Observation", `{"resourceType":"Observation","status":"final","valueString":"low"}`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/Observation?value-string=high", "").Code)

	sp := `{"resourceType":"SearchParameter","code":"value-string","base":["Observation"],"type":"string","expression":"Observation.valueString"}`
	rec := f.do(http.MethodPost, "/fhir/metadata/search-params", sp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/fhir/Observation?value-string=high", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, *decode[bundle](t, rec.Body.Bytes()).Total, "existing resources are reindexed")

	rec = f.do(http.MethodDelete, "/fhir/metadata/search-params/Observation/value-string", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fhir/Observation?value-string=high", "").Code)

	rec = f.do(http.MethodDelete, "/fhir/metadata/search-params/Observation/value-string", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	builtin := `{"resourceType":"SearchParameter","code":"status","base":["Observation"],"type":"token","expression":"status"}`
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/fhir/metadata/search-params", builtin).Code)
}
