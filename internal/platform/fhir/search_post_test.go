package fhir

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMergeSearchParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
		form  url.Values
		want  map[string][]string
	}{
		{"both empty", "", url.Values{}, map[string][]string{}},
		{"form only", "", url.Values{"gender": {"female"}}, map[string][]string{"gender": {"female"}}},
		{"query only", "_count=5", nil, map[string][]string{"_count": {"5"}}},
		{"query wins", "gender=male", url.Values{"gender": {"female"}}, map[string][]string{"gender": {"male"}}},
		{"disjoint", "_sort=-birthdate", url.Values{"name": {"smith", "jones"}},
			map[string][]string{"_sort": {"-birthdate"}, "name": {"smith", "jones"}}},
		{"bad query ignored", "%zz", url.Values{"name": {"smith"}}, map[string][]string{"name": {"smith"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeSearchParams(tt.query, tt.form)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func runSearchPost(t *testing.T, method, target, contentType, body string) (echo.Context, url.Values, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var seen url.Values
	err := SearchPostMiddleware()(func(c echo.Context) error {
		seen = c.QueryParams()
		return nil
	})(c)
	return c, seen, err
}

func TestSearchPostMiddleware_FormPost(t *testing.T) {
	_, seen, err := runSearchPost(t, http.MethodPost, "/fhir/Patient/_search?_count=2",
		echo.MIMEApplicationForm, "gender=female&_count=50&_sort=name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.Get("gender") != "female" || seen.Get("_sort") != "name" {
		t.Errorf("expected form params merged, got %v", seen)
	}
	if seen.Get("_count") != "2" {
		t.Errorf("expected URL _count to win, got %v", seen["_count"])
	}
}

func TestSearchPostMiddleware_EmptyBody(t *testing.T) {
	_, seen, err := runSearchPost(t, http.MethodPost, "/fhir/Patient/_search?name=smith", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.Get("name") != "smith" {
		t.Errorf("expected URL params kept, got %v", seen)
	}
}

func TestSearchPostMiddleware_RejectsJSONBody(t *testing.T) {
	_, _, err := runSearchPost(t, http.MethodPost, "/fhir/Patient/_search",
		echo.MIMEApplicationJSON, `{"gender":"female"}`)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %v", err)
	}
}

func TestSearchPostMiddleware_GetPassthrough(t *testing.T) {
	_, seen, err := runSearchPost(t, http.MethodGet, "/fhir/Patient?gender=male", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.Get("gender") != "male" {
		t.Errorf("expected query untouched, got %v", seen)
	}
}
