package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p, err := FromContext(c, Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Count != DefaultCount {
		t.Errorf("expected default count %d, got %d", DefaultCount, p.Count)
	}
	if p.PageToken != "" {
		t.Errorf("expected no page token, got %q", p.PageToken)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?_count=50&_pageToken=abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p, err := FromContext(c, Limits{Default: 10, Max: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Count != 50 {
		t.Errorf("expected count 50, got %d", p.Count)
	}
	if p.PageToken != "abc" {
		t.Errorf("expected page token abc, got %q", p.PageToken)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		limits  Limits
		want    int
		wantErr bool
	}{
		{"configured default", "", Limits{Default: 5, Max: 50}, 5, false},
		{"clamped to max", "_count=500", Limits{Default: 5, Max: 50}, 50, false},
		{"default above max", "", Limits{Default: 80, Max: 50}, 50, false},
		{"zero is total only", "_count=0", Limits{}, 0, false},
		{"negative", "_count=-1", Limits{}, 0, true},
		{"not a number", "_count=ten", Limits{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			p, err := Parse(q, tt.limits)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Count != tt.want {
				t.Errorf("expected count %d, got %d", tt.want, p.Count)
			}
		})
	}
}

func TestTotalOnly(t *testing.T) {
	if !(Params{Count: 0}).TotalOnly() {
		t.Error("expected _count=0 to be total only")
	}
	if (Params{Count: 1}).TotalOnly() {
		t.Error("expected _count=1 to return entries")
	}
}
