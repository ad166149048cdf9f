package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

const testBaseURL = "http://localhost:8000/fhir"

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _ := newTestService()
	return NewHandler(svc, testBaseURL), echo.New()
}

func newContext(e *echo.Echo, method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func createPatient(t *testing.T, h *Handler, e *echo.Echo, body string) map[string]interface{} {
	t.Helper()
	c, rec := newContext(e, http.MethodPost, "/fhir/Patient", body, "type", "Patient")
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeJSON(t, rec)
}

func TestHandler_Create(t *testing.T) {
	h, e := newTestHandler()
	c, rec := newContext(e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","id":"p1","gender":"female"}`,
		"type", "Patient")

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != testBaseURL+"/Patient/p1/_history/1" {
		t.Errorf("Location = %q", loc)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q", etag)
	}
	body := decodeJSON(t, rec)
	meta := body["meta"].(map[string]interface{})
	if meta["versionId"] != "1" || meta["lastUpdated"] == nil {
		t.Errorf("unexpected meta %v", meta)
	}
}

func TestHandler_Create_Errors(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1"}`)

	tests := []struct {
		name string
		rt   string
		body string
		want int
	}{
		{"malformed json", "Patient", `{"resourceType":`, http.StatusBadRequest},
		{"type mismatch", "Patient", `{"resourceType":"Observation"}`, http.StatusBadRequest},
		{"duplicate", "Patient", `{"resourceType":"Patient","id":"p1"}`, http.StatusConflict},
		{"bad type", "patient", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(e, http.MethodPost, "/fhir/"+tt.rt, tt.body, "type", tt.rt)
			if err := h.Create(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if out := decodeJSON(t, rec); out["resourceType"] != "OperationOutcome" {
				t.Errorf("expected OperationOutcome, got %v", out["resourceType"])
			}
		})
	}
}

func TestHandler_Read(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1"}`)

	c, rec := newContext(e, http.MethodGet, "/fhir/Patient/p1", "", "type", "Patient", "id", "p1")
	if err := h.Read(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("expected Last-Modified header")
	}

	c, rec = newContext(e, http.MethodGet, "/fhir/Patient/nope", "", "type", "Patient", "id", "nope")
	h.Read(c)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Read_IfNoneMatch(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1"}`)

	c, rec := newContext(e, http.MethodGet, "/fhir/Patient/p1", "", "type", "Patient", "id", "p1")
	c.Request().Header.Set("If-None-Match", `W/"1"`)
	if err := h.Read(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
}

func TestHandler_Update(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1","gender":"female"}`)

	c, rec := newContext(e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","gender":"male"}`,
		"type", "Patient", "id", "p1")
	c.Request().Header.Set("If-Match", `W/"1"`)
	if err := h.Update(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("ETag = %q", etag)
	}

	c, rec = newContext(e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","gender":"other"}`,
		"type", "Patient", "id", "p1")
	c.Request().Header.Set("If-Match", `W/"1"`)
	h.Update(c)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("stale If-Match: expected 412, got %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodPut, "/fhir/Patient/p9", `{"resourceType":"Patient"}`,
		"type", "Patient", "id", "p9")
	h.Update(c)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing resource: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Delete(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1"}`)

	c, rec := newContext(e, http.MethodDelete, "/fhir/Patient/p1", "", "type", "Patient", "id", "p1")
	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodGet, "/fhir/Patient/p1", "", "type", "Patient", "id", "p1")
	h.Read(c)
	if rec.Code != http.StatusGone {
		t.Errorf("read after delete: expected 410, got %d", rec.Code)
	}
}

func TestHandler_SetStatus(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1"}`)

	c, rec := newContext(e, http.MethodPost, "/fhir/Patient/p1/$status", `{"status":"inactive"}`,
		"type", "Patient", "id", "p1")
	if err := h.SetStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodPost, "/fhir/Patient/p1/$status", `{"status":"deleted"}`,
		"type", "Patient", "id", "p1")
	h.SetStatus(c)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Search(t *testing.T) {
	h, e := newTestHandler()
	for i := 0; i < 3; i++ {
		createPatient(t, h, e, `{"resourceType":"Patient","gender":"female"}`)
	}
	createPatient(t, h, e, `{"resourceType":"Patient","gender":"male"}`)

	c, rec := newContext(e, http.MethodGet, "/fhir/Patient?gender=female&_count=2", "", "type", "Patient")
	if err := h.Search(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if bundle.Type != "searchset" || bundle.Total == nil || *bundle.Total != 3 {
		t.Errorf("unexpected bundle header: type=%s total=%v", bundle.Type, bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Errorf("expected 2 entries, got %d", len(bundle.Entry))
	}
	if next := bundle.LinkURL(fhir.LinkNext); next != testBaseURL+"/Patient?gender=female&_offset=2&_count=2" {
		t.Errorf("next = %q", next)
	}
	if prev := bundle.LinkURL(fhir.LinkPrevious); prev != "" {
		t.Errorf("unexpected previous link %q", prev)
	}
}

func TestHandler_SearchPost(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","gender":"female"}`)
	createPatient(t, h, e, `{"resourceType":"Patient","gender":"male"}`)

	req := httptest.NewRequest(http.MethodPost, "/fhir/Patient/_search", strings.NewReader("gender=male"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("type")
	c.SetParamValues("Patient")

	if err := fhir.SearchPostMiddleware()(h.Search)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle fhir.Bundle
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if bundle.Total == nil || *bundle.Total != 1 {
		t.Errorf("expected 1 match, got %v", bundle.Total)
	}
}

func TestHandler_HistoryAndVRead(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1","gender":"female"}`)
	if _, err := h.svc.Update(context.Background(), "Patient", "p1",
		map[string]interface{}{"resourceType": "Patient", "gender": "male"}, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	c, rec := newContext(e, http.MethodGet, "/fhir/Patient/p1/_history", "", "type", "Patient", "id", "p1")
	if err := h.History(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle fhir.Bundle
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if bundle.Type != "history" || len(bundle.Entry) != 2 {
		t.Fatalf("expected history bundle with 2 entries, got %s/%d", bundle.Type, len(bundle.Entry))
	}
	if bundle.Entry[0].FullURL != testBaseURL+"/Patient/p1/_history/2" {
		t.Errorf("fullUrl = %q", bundle.Entry[0].FullURL)
	}

	c, rec = newContext(e, http.MethodGet, "/fhir/Patient/p1/_history/1", "",
		"type", "Patient", "id", "p1", "vid", "1")
	if err := h.VRead(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeJSON(t, rec)["gender"]; got != "female" {
		t.Errorf("version 1 gender = %v", got)
	}

	c, rec = newContext(e, http.MethodGet, "/fhir/Patient/p1/_history/9", "",
		"type", "Patient", "id", "p1", "vid", "9")
	h.VRead(c)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown version: expected 404, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/fhir"))

	registered := map[string]bool{}
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, route := range []string{
		"GET /fhir/:type",
		"POST /fhir/:type/_search",
		"POST /fhir/:type",
		"GET /fhir/:type/:id",
		"PUT /fhir/:type/:id",
		"DELETE /fhir/:type/:id",
		"POST /fhir/:type/:id/$status",
		"GET /fhir/:type/:id/_history",
		"GET /fhir/:type/:id/_history/:vid",
	} {
		if !registered[route] {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fhir.ErrValidation, http.StatusBadRequest},
		{fhir.ErrNotFound, http.StatusNotFound},
		{fhir.ErrGone, http.StatusGone},
		{fhir.ErrIdentityConflict, http.StatusConflict},
		{fhir.ErrVersionConflict, http.StatusPreconditionFailed},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, outcome := statusForError(tt.err, "Patient", "p1"); got != tt.want || outcome == nil {
			t.Errorf("statusForError(%v) = %d", tt.err, got)
		}
	}
}

type tooLargeBody struct{}

func (tooLargeBody) Read([]byte) (int, error) {
	return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

func (tooLargeBody) Close() error { return nil }

func TestHandler_Create_PassesThroughHTTPError(t *testing.T) {
	h, e := newTestHandler()
	c, rec := newContext(e, http.MethodPost, "/fhir/Patient", `{}`, "type", "Patient")
	c.Request().Body = tooLargeBody{}

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", he.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected nothing written, got %q", rec.Body.String())
	}
}

func TestHandler_Read_DeadlineLeftToMiddleware(t *testing.T) {
	h, e := newTestHandler()
	createPatient(t, h, e, `{"resourceType":"Patient","id":"p1"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	c, rec := newContext(e, http.MethodGet, "/fhir/Patient/p1", "", "type", "Patient", "id", "p1")
	c.SetRequest(c.Request().WithContext(ctx))
	h.svc.repo.(*mockRepo).ctxCheck = true

	err := h.Read(c)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected nothing written, got %q", rec.Body.String())
	}
}
