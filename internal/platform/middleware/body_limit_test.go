package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"512K", 512 << 10},
		{"512k", 512 << 10},
		{"1G", 1 << 30},
		{"2MB", 2 << 20},
		{" 4K ", 4 << 10},
		{"0", 1 << 20},
		{"-5M", 1 << 20},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
	}

	for _, tt := range tests {
		if got := ParseLimit(tt.input); got != tt.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

// storeBody reads the resource body the way the create and update handlers
// do and echoes back its size.
func storeBody(c echo.Context) error {
	if c.Request().Method == http.MethodGet {
		return c.JSON(http.StatusOK, map[string]string{"resourceType": "Bundle"})
	}
	b, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"resourceType": c.Param("type"), "size": len(b)})
}

func patientOfSize(n int) []byte {
	prefix := []byte(`{"resourceType":"Patient","text":{"div":"`)
	suffix := []byte(`"}}`)
	fill := n - len(prefix) - len(suffix)
	if fill < 0 {
		fill = 0
	}
	out := append(prefix, bytes.Repeat([]byte("x"), fill)...)
	return append(out, suffix...)
}

func TestBodyLimit_ResourceRoutes(t *testing.T) {
	tests := []struct {
		name          string
		limit         string
		method        string
		target        string
		body          []byte
		unknownLength bool
		status        int
		code          string
	}{
		{"create within limit", "1K", http.MethodPost, "/fhir/Patient", patientOfSize(512), false, http.StatusCreated, ""},
		{"create at limit", "1K", http.MethodPost, "/fhir/Patient", patientOfSize(1024), false, http.StatusCreated, ""},
		{"declared length over limit", "1K", http.MethodPost, "/fhir/Patient", patientOfSize(2048), false, http.StatusRequestEntityTooLarge, "too-costly"},
		{"chunked update over limit", "512", http.MethodPut, "/fhir/Patient/p1", patientOfSize(1024), true, http.StatusRequestEntityTooLarge, "too-costly"},
		{"chunked create within limit", "1K", http.MethodPost, "/fhir/Patient", patientOfSize(256), true, http.StatusCreated, ""},
		{"search without body", "1", http.MethodGet, "/fhir/Patient?name=doe", nil, false, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := fhirRouter(storeBody, BodyLimit(tt.limit))
			rec := doRequest(e, tt.method, tt.target, tt.body, tt.unknownLength)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if tt.code != "" {
				if code := outcomeCode(t, rec); code != tt.code {
					t.Errorf("expected %s issue, got %s", tt.code, code)
				}
				return
			}
			if tt.body != nil {
				var got map[string]interface{}
				json.Unmarshal(rec.Body.Bytes(), &got)
				if got["size"] != float64(len(tt.body)) {
					t.Errorf("expected full body of %d bytes, got %v", len(tt.body), got["size"])
				}
			}
		})
	}
}
