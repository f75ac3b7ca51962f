package fhir

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AccessLogName is the logger name access log lines are written under.
const AccessLogName = "fhir.access"

// AccessLogMiddleware writes one line per FHIR request naming the client
// source, the interaction, the resource, the user agent, the query parameters
// and the response encoding. basePath is stripped before classification.
func AccessLogMiddleware(logger zerolog.Logger, basePath string) echo.MiddlewareFunc {
	logger = logger.With().Str("logger", AccessLogName).Logger()
	basePath = strings.TrimRight(basePath, "/")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			path := strings.TrimPrefix(req.URL.Path, basePath)
			resourceType, resourceID, operation := ExtractResourceInfo(path)
			interaction := ClassifyInteraction(req.Method, path, req.URL.RawQuery != "")

			status := c.Response().Status
			if err != nil {
				status = StatusFor(err)
			}

			source := req.Header.Get("X-Forwarded-For")
			if source == "" {
				source = c.RealIP()
			}

			evt := logger.Info().
				Str("source", source).
				Str("operation", interaction).
				Str("user_agent", req.UserAgent()).
				Str("params", req.URL.RawQuery).
				Str("encoding", responseEncoding(c)).
				Int("status", status).
				Dur("latency", time.Since(start))
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				evt = evt.Str("request_id", rid)
			}
			if resourceType != "" {
				evt = evt.Str("resource_type", resourceType)
			}
			if resourceID != "" {
				evt = evt.Str("resource_id", resourceID)
			}
			if operation != "" {
				evt = evt.Str("fhir_operation", operation)
			}
			evt.Msg("Path[" + req.URL.Path + "]")

			return err
		}
	}
}

func responseEncoding(c echo.Context) string {
	if IsPretty(c) {
		return "json-pretty"
	}
	return "json"
}

// ClassifyInteraction names the FHIR interaction for a method and a path
// relative to the base. hasQuery distinguishes conditional deletes.
func ClassifyInteraction(method, path string, hasQuery bool) string {
	segments := pathSegments(path)

	for _, seg := range segments {
		if strings.HasPrefix(seg, "$") {
			return "operation"
		}
	}
	if len(segments) > 0 && segments[0] == "metadata" {
		if len(segments) == 1 {
			return "capabilities"
		}
		return "search-param-admin"
	}
	if len(segments) > 0 && segments[0] == "_history" {
		return "history-system"
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		return classifyGet(segments)
	case http.MethodPost:
		if len(segments) == 2 && segments[1] == "_search" {
			return "search-type"
		}
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodDelete:
		if len(segments) == 1 && hasQuery {
			return "conditional-delete"
		}
		return "delete"
	}
	return "unknown"
}

func classifyGet(segments []string) string {
	switch n := len(segments); {
	case n <= 1:
		return "search-type"
	case n == 2:
		if segments[1] == "_history" {
			return "history-type"
		}
		return "read"
	case n == 3 && segments[2] == "_history":
		return "history-instance"
	case n >= 4 && segments[2] == "_history":
		return "vread"
	}
	return "read"
}

// ExtractResourceInfo returns the resource type, id and $operation named by a
// path relative to the base.
func ExtractResourceInfo(path string) (resourceType, resourceID, operation string) {
	segs := pathSegments(path)
	if len(segs) > 0 && (segs[0] == "metadata" || segs[0] == "_history") {
		return "", "", ""
	}

	for i, seg := range segs {
		if strings.HasPrefix(seg, "$") {
			operation = seg
			switch {
			case i >= 2:
				resourceType = segs[i-2]
				resourceID = segs[i-1]
			case i >= 1:
				resourceType = segs[i-1]
			}
			return
		}
	}

	if len(segs) >= 1 {
		resourceType = segs[0]
	}
	if len(segs) >= 2 && segs[1] != "_history" && segs[1] != "_search" {
		resourceID = segs[1]
	}
	return
}

func pathSegments(path string) []string {
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
