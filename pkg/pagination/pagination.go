package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 100
)

// Limits bounds the page size a client may ask for.
type Limits struct {
	Default int
	Max     int
}

func (l Limits) normalize() Limits {
	if l.Max <= 0 {
		l.Max = MaxCount
	}
	if l.Default <= 0 {
		l.Default = DefaultCount
	}
	if l.Default > l.Max {
		l.Default = l.Max
	}
	return l
}

// Params holds the paging parameters of a search request.
type Params struct {
	// Count is the page size. Zero asks for the total only.
	Count int
	// PageToken is the opaque cursor from a previous page's next link.
	PageToken string
}

// TotalOnly reports whether the client asked for _count=0.
func (p Params) TotalOnly() bool {
	return p.Count == 0
}

// Parse reads _count and _pageToken. A _count above the maximum is clamped;
// a negative or non-numeric _count is an error.
func Parse(values url.Values, limits Limits) (Params, error) {
	limits = limits.normalize()
	p := Params{Count: limits.Default, PageToken: values.Get("_pageToken")}

	raw := values.Get("_count")
	if raw == "" {
		return p, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return Params{}, fmt.Errorf("_count must be a non-negative integer, got %q", raw)
	}
	if n > limits.Max {
		n = limits.Max
	}
	p.Count = n
	return p, nil
}

// FromContext reads paging parameters from the query string.
func FromContext(c echo.Context, limits Limits) (Params, error) {
	return Parse(c.QueryParams(), limits)
}
