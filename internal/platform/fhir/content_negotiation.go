package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// ContentNegotiationMiddleware handles FHIR content negotiation. It checks the
// _format query parameter first, then falls back to the Accept header. All
// successful responses are served as application/fhir+json; XML formats are
// rejected with 406. Request bodies on writes must be JSON (415 otherwise).
// The _pretty parameter overrides defaultPretty.
func ContentNegotiationMiddleware(defaultPretty bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			SetPretty(c, resolvePretty(c.QueryParam("_pretty"), defaultPretty))

			if format := c.QueryParam("_format"); format != "" {
				if !isJSONFormat(format) {
					return echo.NewHTTPError(http.StatusNotAcceptable, "unsupported _format value: "+format+". Use application/fhir+json.")
				}
			} else if accept := c.Request().Header.Get("Accept"); accept != "" && !negotiateAccept(accept) {
				return echo.NewHTTPError(http.StatusNotAcceptable, "Accept header does not include a supported FHIR content type. Use application/fhir+json.")
			}

			if hasBody(c.Request()) {
				if ct := c.Request().Header.Get(echo.HeaderContentType); ct != "" && !isJSONMediaType(ct) {
					return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported Content-Type "+ct+". Use application/fhir+json.")
				}
			}

			c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
			return next(c)
		}
	}
}

func resolvePretty(param string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(param)) {
	case "true":
		return true
	case "false":
		return false
	}
	return def
}

func hasBody(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return false
	}
	return r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody
}

// normalizeFormat normalises a format string by lowercasing, trimming
// whitespace, and restoring the "+" that query-string decoding may have
// converted to a space.
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	f = strings.ReplaceAll(f, "fhir xml", "fhir+xml")
	return f
}

// isJSONFormat returns true if the format string represents a JSON content type.
func isJSONFormat(format string) bool {
	switch normalizeFormat(format) {
	case "json", "application/json", "application/fhir+json":
		return true
	}
	return false
}

func isJSONMediaType(ct string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	return isJSONFormat(mediaType)
}

// negotiateAccept returns true if any of the listed media types are
// JSON-compatible.
func negotiateAccept(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		switch mediaType {
		case "application/fhir+json", "application/json", "json", "*/*", "application/*":
			return true
		}
	}
	return false
}
