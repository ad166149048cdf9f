package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirstore/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	Location     string     `json:"location,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// Link relations on a searchset bundle.
const (
	LinkSelf     = "self"
	LinkNext     = "next"
	LinkPrevious = "previous"
)

// SearchModeMatch marks an entry that matched the search criteria.
const SearchModeMatch = "match"

// BundleResource is a stored record that can appear as a bundle entry.
type BundleResource interface {
	GetResourceType() string
	GetFHIRID() string
	// ToFHIR returns the client-visible form of the record.
	ToFHIR() map[string]interface{}
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	ResourceType string
	BaseURL      string
	// QueryStr is the encoded query without _offset and _count.
	QueryStr string
	Offset   int
	Count    int
	Total    int
}

func (p SearchBundleParams) normalized() SearchBundleParams {
	page := pagination.New(p.Count, p.Offset)
	p.Count, p.Offset = page.Limit, page.Offset
	return p
}

// NewSearchsetBundle wraps one page of records into a searchset Bundle with
// self, next and previous links. Apart from the generated bundle id the
// result depends only on its arguments.
func NewSearchsetBundle(resources []BundleResource, params SearchBundleParams) *Bundle {
	params = params.normalized()

	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r.ToFHIR())
		if err != nil {
			continue
		}
		entries = append(entries, BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s", params.BaseURL, FormatReference(r.GetResourceType(), r.GetFHIRID())),
			Resource: raw,
			Search:   &BundleSearch{Mode: SearchModeMatch},
		})
	}

	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         "searchset",
		Total:        &total,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	page := pagination.Params{Limit: params.Count, Offset: params.Offset}
	links := []BundleLink{
		{Relation: LinkSelf, URL: pageURL(params, page.Offset)},
	}

	// Next link: only if there are more results
	if page.HasNext(params.Total) {
		links = append(links, BundleLink{Relation: LinkNext, URL: pageURL(params, page.NextOffset())})
	}

	// Previous link: only if not at the first page
	if page.HasPrevious() {
		links = append(links, BundleLink{Relation: LinkPrevious, URL: pageURL(params, page.PreviousOffset())})
	}

	return links
}

func pageURL(params SearchBundleParams, offset int) string {
	return fmt.Sprintf("%s/%s?%s_offset=%d&_count=%d",
		params.BaseURL, params.ResourceType, conditionalAmpersand(params.QueryStr), offset, params.Count)
}

// conditionalAmpersand returns the query string with a trailing & if non-empty.
func conditionalAmpersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
