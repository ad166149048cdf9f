package resource

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Status is the lifecycle state of a stored resource.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDeleted:
		return true
	}
	return false
}

// Record is one row of the fhir_resource table. ID and CreatedAt are
// internal bookkeeping and never leave the server.
type Record struct {
	ID           uuid.UUID              `db:"id" json:"-"`
	ResourceType string                 `db:"resource_type" json:"resource_type"`
	FHIRID       string                 `db:"fhir_id" json:"fhir_id"`
	VersionID    string                 `db:"version_id" json:"version_id"`
	LastUpdated  time.Time              `db:"last_updated" json:"last_updated"`
	Status       Status                 `db:"status" json:"status"`
	Resource     map[string]interface{} `db:"resource" json:"resource"`
	SearchParams fhir.SearchParams      `db:"search_params" json:"search_params"`
	Tags         []string               `db:"tags" json:"tags"`
	CreatedAt    time.Time              `db:"created_at" json:"-"`
}

func (r *Record) GetResourceType() string { return r.ResourceType }
func (r *Record) GetFHIRID() string       { return r.FHIRID }

// ToFHIR renders the client view: the stored body with id, resourceType
// and the server-managed meta fields merged in. Status and search
// parameters are not part of the document.
func (r *Record) ToFHIR() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Resource)+3)
	for k, v := range r.Resource {
		out[k] = v
	}
	out["resourceType"] = r.ResourceType
	out["id"] = r.FHIRID

	meta := map[string]interface{}{}
	if m, ok := r.Resource["meta"].(map[string]interface{}); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	meta["versionId"] = r.VersionID
	meta["lastUpdated"] = r.LastUpdated.UTC().Format(time.RFC3339Nano)
	if _, ok := meta["tag"]; !ok && len(r.Tags) > 0 {
		meta["tag"] = fhir.TagCodings(r.Tags)
	}
	out["meta"] = meta
	return out
}

// NormalizeTags trims tags, drops empties and removes duplicates while
// keeping the order of first occurrence.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// tagsFromBody collects meta.tag[].code from a resource body.
func tagsFromBody(body map[string]interface{}) []string {
	meta, ok := body["meta"].(map[string]interface{})
	if !ok {
		return []string{}
	}
	list, ok := meta["tag"].([]interface{})
	if !ok {
		return []string{}
	}
	var tags []string
	for _, item := range list {
		switch v := item.(type) {
		case map[string]interface{}:
			if code, ok := v["code"].(string); ok {
				tags = append(tags, code)
			}
		case string:
			tags = append(tags, v)
		}
	}
	return NormalizeTags(tags)
}

// prepareBody returns the body as it is stored: server-managed meta
// removed, id and resourceType set from the record identity.
func prepareBody(resourceType, id string, body map[string]interface{}) map[string]interface{} {
	out := fhir.StripServerMeta(body)
	out["resourceType"] = resourceType
	out["id"] = id
	return out
}
