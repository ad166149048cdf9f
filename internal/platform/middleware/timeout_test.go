package middleware

import (
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// waitForStore blocks like a repository call until the request context is
// done, or returns a searchset once d has passed.
func waitForStore(d time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case <-time.After(d):
			return c.JSON(http.StatusOK, map[string]string{"resourceType": "Bundle", "type": "searchset"})
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}
}

func TestRequestTimeout_ResourceRoutes(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		target  string
		handler echo.HandlerFunc
		status  int
		code    string
	}{
		{"search within deadline", time.Second, "/fhir/Patient?name=doe", waitForStore(0), http.StatusOK, ""},
		{"slow search", 30 * time.Millisecond, "/fhir/Observation?code=1234-5", waitForStore(5 * time.Second), http.StatusGatewayTimeout, "timeout"},
		{"not found before deadline", time.Second, "/fhir/Patient/p404", func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusNotFound, "Patient/p404 not found")
		}, http.StatusNotFound, "not-found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := fhirRouter(tt.handler, RequestTimeout(tt.timeout))
			rec := doRequest(e, http.MethodGet, tt.target, nil, false)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if tt.code != "" {
				if code := outcomeCode(t, rec); code != tt.code {
					t.Errorf("expected %s issue, got %s", tt.code, code)
				}
			}
		})
	}
}

func TestRequestTimeout_Deadline(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    bool
	}{
		{"enabled", 30 * time.Second, true},
		{"zero disables", 0, false},
		{"negative disables", -time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var has bool
			e := fhirRouter(func(c echo.Context) error {
				_, has = c.Request().Context().Deadline()
				return c.NoContent(http.StatusOK)
			}, RequestTimeout(tt.timeout))

			doRequest(e, http.MethodGet, "/fhir/Encounter/e1", nil, false)
			if has != tt.want {
				t.Errorf("deadline present = %v, want %v", has, tt.want)
			}
		})
	}
}
