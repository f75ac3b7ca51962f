package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error taxonomy shared by every component. Callers wrap these with %w and the
// HTTP layer maps them with errors.Is.
var (
	ErrNotFound                   = errors.New("resource not found")
	ErrGone                       = errors.New("resource deleted")
	ErrConflict                   = errors.New("version conflict")
	ErrValidationFailed           = errors.New("validation failed")
	ErrUnsupportedSearchParameter = errors.New("unsupported search parameter")
	ErrStoreUnavailable           = errors.New("store unavailable")
	ErrInvalidRequest             = errors.New("invalid request")
	ErrUnknownResourceType        = errors.New("unknown resource type")
	ErrUnsupportedMediaType       = errors.New("unsupported media type")
	ErrForbidden                  = errors.New("forbidden")
)

// ValidationError carries every issue found while validating a write. It
// matches ErrValidationFailed.
type ValidationError struct {
	Issues []OperationOutcomeIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			msgs = append(msgs, issue.Diagnostics)
		}
	}
	if len(msgs) == 0 {
		return ErrValidationFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Outcome renders the issues as an OperationOutcome.
func (e *ValidationError) Outcome() *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: e.Issues}
}

// StatusFor maps an error onto the HTTP status the REST layer returns.
func StatusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownResourceType):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnsupportedSearchParameter), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// OutcomeFor builds the OperationOutcome body for an error.
func OutcomeFor(err error) *OperationOutcome {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Outcome()
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return NewOperationOutcome(IssueSeverityError, issueTypeForStatus(he.Code), fmt.Sprint(he.Message))
	}

	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		return InternalErrorOutcome("internal server error")
	}
	return NewOperationOutcome(IssueSeverityError, issueTypeForStatus(status), err.Error())
}

func issueTypeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return IssueTypeNotFound
	case http.StatusGone:
		return IssueTypeDeleted
	case http.StatusConflict, http.StatusPreconditionFailed:
		return IssueTypeConflict
	case http.StatusUnprocessableEntity:
		return IssueTypeInvalid
	case http.StatusUnauthorized:
		return IssueTypeLogin
	case http.StatusForbidden:
		return IssueTypeSecurity
	case http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusUnsupportedMediaType:
		return IssueTypeNotSupported
	case http.StatusRequestEntityTooLarge:
		return IssueTypeTooCostly
	case http.StatusServiceUnavailable:
		return IssueTypeTransient
	case http.StatusGatewayTimeout:
		return IssueTypeTimeout
	}
	if status >= 500 {
		return IssueTypeException
	}
	return IssueTypeProcessing
}

// HTTPErrorHandler renders every error returned by a handler as an
// OperationOutcome with the mapped status.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}
		if status == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", "1")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		if werr := WriteJSON(c, status, OutcomeFor(err)); werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
