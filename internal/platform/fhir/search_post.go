package fhir

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// SearchPostMiddleware lets POST /{type}/_search share the GET search
// handler: form-encoded body parameters are folded into the query string.
// A parameter present in both keeps its URL values.
func SearchPostMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost {
				return next(c)
			}
			contentType := req.Header.Get(echo.HeaderContentType)
			if contentType != "" && !strings.HasPrefix(contentType, echo.MIMEApplicationForm) {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType,
					"_search body must be application/x-www-form-urlencoded")
			}
			if err := req.ParseForm(); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "malformed search form: "+err.Error())
			}
			req.URL.RawQuery = url.Values(MergeSearchParams(req.URL.RawQuery, req.PostForm)).Encode()
			return next(c)
		}
	}
}

// MergeSearchParams merges form body params into URL query params.
// URL query params take precedence.
func MergeSearchParams(queryStr string, formBody url.Values) map[string][]string {
	result := make(map[string][]string)
	if queryStr != "" {
		if parsed, err := url.ParseQuery(queryStr); err == nil {
			for k, v := range parsed {
				result[k] = v
			}
		}
	}
	for k, v := range formBody {
		if _, exists := result[k]; !exists {
			result[k] = v
		}
	}
	return result
}
