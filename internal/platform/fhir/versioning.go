package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// FirstVersion is the versionId assigned on create.
const FirstVersion = "1"

// VersionState is the persisted versioning state of a record, as read
// before a write.
type VersionState struct {
	VersionID   string
	LastUpdated time.Time
	Body        map[string]interface{}
}

// VersionDecision is the outcome of NextVersion.
type VersionDecision struct {
	VersionID   string
	LastUpdated time.Time
	// Changed reports whether the incoming body differs from the stored one.
	Changed bool
	// Coerced is set when the stored versionId was not a positive integer
	// and was treated as 1 before incrementing.
	Coerced bool
}

// NextVersion computes the versionId and lastUpdated for a write.
//
// A nil existing state is a create: versionId "1". Otherwise the versionId
// advances by one only when the body changed; lastUpdated always advances,
// strictly past the stored value even if the clock did not.
func NextVersion(existing *VersionState, incoming map[string]interface{}, now time.Time) VersionDecision {
	now = now.UTC().Truncate(time.Microsecond)
	if existing == nil {
		return VersionDecision{VersionID: FirstVersion, LastUpdated: now, Changed: true}
	}

	d := VersionDecision{
		VersionID:   existing.VersionID,
		LastUpdated: AdvanceTimestamp(existing.LastUpdated, now),
	}

	if bodiesEqual(existing.Body, incoming) {
		return d
	}

	d.Changed = true
	d.VersionID, d.Coerced = IncrementVersion(existing.VersionID)
	return d
}

// AdvanceTimestamp returns now, or prev+1µs when the clock did not move
// past prev. Microseconds match the precision PostgreSQL stores.
func AdvanceTimestamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

// IncrementVersion returns versionId+1. A value that is not a positive
// integer is treated as 1, and the second result reports that it was.
func IncrementVersion(versionID string) (string, bool) {
	current, err := strconv.Atoi(strings.TrimSpace(versionID))
	coerced := false
	if err != nil || current < 1 {
		current = 1
		coerced = true
	}
	return strconv.Itoa(current + 1), coerced
}

// bodiesEqual compares two resource bodies structurally. encoding/json
// writes map keys in sorted order, so the encodings are canonical.
func bodiesEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, err := json.Marshal(StripServerMeta(a))
	if err != nil {
		return false
	}
	bb, err := json.Marshal(StripServerMeta(b))
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// StripServerMeta returns body without the server-managed meta.versionId
// and meta.lastUpdated, dropping meta entirely when nothing else is left.
// The result is a shallow copy; body itself is not modified.
func StripServerMeta(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	meta, ok := body["meta"].(map[string]interface{})
	if !ok {
		return out
	}
	m := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if k == "versionId" || k == "lastUpdated" {
			continue
		}
		m[k] = v
	}
	if len(m) == 0 {
		delete(out, "meta")
	} else {
		out["meta"] = m
	}
	return out
}

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, versionID string, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// IfMatchVersion returns the version named by the If-Match header, or ""
// when the header is absent (unconditional update).
func IfMatchVersion(c echo.Context) (string, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return "", nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return "", fmt.Errorf("%w: invalid If-Match header: %v", ErrValidation, err)
	}
	return v, nil
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (string, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	if etag == "" {
		return "", fmt.Errorf("ETag must contain a version")
	}
	return etag, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID string) string {
	return fmt.Sprintf(`W/"%s"`, versionID)
}

// CheckIfNoneMatch checks If-None-Match for conditional reads.
// Returns true if the client's version matches (304 Not Modified should be returned).
func CheckIfNoneMatch(c echo.Context, currentVersion string) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}

	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}

	return clientVersion == currentVersion
}
