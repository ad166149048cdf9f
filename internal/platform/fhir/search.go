package fhir

import (
	"net/url"
	"sort"
	"strings"

	"github.com/ehr/fhirstore/pkg/pagination"
)

// Control parameters understood by the resource search.
const (
	ParamSort    = "_sort"
	ParamOffset  = pagination.OffsetParam
	ParamCount   = pagination.CountParam
	ParamStatus  = "_status"
	ParamID      = "_id"
	ParamTag     = "_tag"
	ParamText    = "_text"
	ParamContent = "_content"
)

// SearchRequest is a parsed resource search. Params holds the remaining
// key=value filters against extracted search parameters; each key maps to
// the values that are OR'ed together.
type SearchRequest struct {
	ResourceType string
	Params       map[string][]string
	Text         []TextPredicate
	Sort         SortOrder
	Statuses     []string
	IDs          []string
	Tags         []string
	Offset       int
	Count        int

	// query is the normalized client query without paging parameters,
	// reused when building bundle links.
	query string
}

// ParseSearchRequest turns query (or merged form) values into a
// SearchRequest. Unknown control parameters beginning with "_" are ignored;
// malformed paging values fall back to their defaults.
func ParseSearchRequest(resourceType string, values url.Values) SearchRequest {
	page := pagination.FromValues(values)
	req := SearchRequest{
		ResourceType: resourceType,
		Params:       map[string][]string{},
		Sort:         ParseSort(values.Get(ParamSort)),
		Offset:       page.Offset,
		Count:        page.Limit,
	}

	linkValues := url.Values{}
	for key, vals := range values {
		switch key {
		case ParamOffset, ParamCount:
			continue
		case ParamStatus:
			req.Statuses = appendSplit(req.Statuses, vals)
		case ParamID:
			req.IDs = appendSplit(req.IDs, vals)
		case ParamTag:
			req.Tags = appendSplit(req.Tags, vals)
		case ParamText, ParamContent:
			field, _ := TextFieldForParam(key)
			for _, v := range vals {
				if p := BuildTextQuery(v, field); !p.Empty() {
					req.Text = append(req.Text, p)
				}
			}
		case ParamSort:
		default:
			if strings.HasPrefix(key, "_") {
				continue
			}
			if split := appendSplit(nil, vals); len(split) > 0 {
				req.Params[key] = append(req.Params[key], split...)
			}
		}
		linkValues[key] = vals
	}
	req.query = linkValues.Encode()

	// Keep text predicates in a stable order regardless of map iteration.
	sort.SliceStable(req.Text, func(i, j int) bool {
		if req.Text[i].RequireNarrative != req.Text[j].RequireNarrative {
			return !req.Text[i].RequireNarrative
		}
		return req.Text[i].Query < req.Text[j].Query
	})
	return req
}

// QueryString is the encoded client query without _offset and _count, in
// sorted key order.
func (r SearchRequest) QueryString() string { return r.query }

// BundleParams returns the link parameters for a page of this search.
func (r SearchRequest) BundleParams(baseURL string, total int) SearchBundleParams {
	return SearchBundleParams{
		ResourceType: r.ResourceType,
		BaseURL:      baseURL,
		QueryStr:     r.query,
		Offset:       r.Offset,
		Count:        r.Count,
		Total:        total,
	}
}

// appendSplit appends the comma separated, trimmed, non-empty values.
func appendSplit(dst []string, vals []string) []string {
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				dst = append(dst, part)
			}
		}
	}
	return dst
}
