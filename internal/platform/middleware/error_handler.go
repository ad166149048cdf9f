package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// ErrorHandler renders errors that escape handlers and middleware as FHIR
// OperationOutcome documents.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "internal server error"
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			msg = fmt.Sprintf("%v", he.Message)
		} else {
			logger.Error().Err(err).
				Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
				Msg("unhandled error")
		}

		var outcome *fhir.OperationOutcome
		switch code {
		case http.StatusNotFound:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, msg)
		case http.StatusUnauthorized:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeLogin, msg)
		case http.StatusForbidden:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, msg)
		case http.StatusMethodNotAllowed:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, msg)
		case http.StatusRequestEntityTooLarge:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly, msg)
		default:
			if code >= 500 {
				outcome = fhir.InternalErrorOutcome(msg)
			} else {
				outcome = fhir.InvalidOutcome(msg)
			}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, outcome)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
