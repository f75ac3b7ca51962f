package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Prefer return values.
const (
	ReturnMinimal          = "minimal"
	ReturnRepresentation   = "representation"
	ReturnOperationOutcome = "OperationOutcome"
)

// PreferReturn extracts the return preference from the Prefer header.
// Handles "return=minimal", "return=minimal; handling=strict" and
// "handling=strict, return=minimal". Absent means representation.
func PreferReturn(c echo.Context) string {
	prefer := c.Request().Header.Get("Prefer")
	for _, part := range strings.FieldsFunc(prefer, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "return="); ok {
			switch v = strings.Trim(strings.TrimSpace(v), `"`); v {
			case ReturnMinimal, ReturnOperationOutcome:
				return v
			}
		}
	}
	return ReturnRepresentation
}

// WriteResult sends the outcome of a create or update honouring Prefer:
// minimal sends headers only, OperationOutcome sends an informational
// outcome, anything else sends the resource.
func WriteResult(c echo.Context, status int, content []byte) error {
	switch PreferReturn(c) {
	case ReturnMinimal:
		return c.NoContent(status)
	case ReturnOperationOutcome:
		outcome := NewOutcomeBuilder().
			AddIssue(IssueSeverityInformation, IssueTypeInformation, http.StatusText(status)).
			Build()
		return WriteJSON(c, status, outcome)
	}
	return WriteJSON(c, status, content)
}
