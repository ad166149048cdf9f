package fhir

import (
	"regexp"
	"strings"
)

// LastUpdatedField is the sort key used when the client sends no _sort.
const LastUpdatedField = "_lastUpdated"

// SortSpec represents a single sort directive.
type SortSpec struct {
	Field      string
	Descending bool
}

// Direction returns "asc" or "desc".
func (s SortSpec) Direction() string {
	if s.Descending {
		return "desc"
	}
	return "asc"
}

// SortOrder is an ordered field -> direction mapping. Position in the slice
// is the order the fields are applied in.
type SortOrder []SortSpec

// DefaultSort sorts by last update time, newest first.
func DefaultSort() SortOrder {
	return SortOrder{{Field: LastUpdatedField, Descending: true}}
}

// ParseSort parses the _sort query parameter value.
// Format: "-date,status" means date DESC, status ASC.
// A field repeated later keeps its first position but takes the later
// direction. An empty expression yields DefaultSort.
func ParseSort(sortParam string) SortOrder {
	if strings.TrimSpace(sortParam) == "" {
		return DefaultSort()
	}

	order := SortOrder{}
	pos := map[string]int{}

	for _, part := range strings.Split(sortParam, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		spec := SortSpec{Field: part}
		if strings.HasPrefix(part, "-") {
			spec.Descending = true
			spec.Field = part[1:]
		}
		if spec.Field == "" {
			continue
		}

		if i, ok := pos[spec.Field]; ok {
			order[i].Descending = spec.Descending
			continue
		}
		pos[spec.Field] = len(order)
		order = append(order, spec)
	}

	if len(order) == 0 {
		return DefaultSort()
	}
	return order
}

// Fields returns the sort fields in application order.
func (o SortOrder) Fields() []string {
	fields := make([]string, len(o))
	for i, s := range o {
		fields[i] = s.Field
	}
	return fields
}

// Lookup returns the directive for field, if present.
func (o SortOrder) Lookup(field string) (SortSpec, bool) {
	for _, s := range o {
		if s.Field == field {
			return s, true
		}
	}
	return SortSpec{}, false
}

// ColumnMapper resolves a sort field to a SQL expression. ok=false drops the
// field from the ORDER BY list.
type ColumnMapper func(field string) (expr string, ok bool)

// OrderBy renders the order as a comma separated ORDER BY list (without the
// keyword). Fields the mapper rejects are skipped; when nothing survives
// defaultOrder is returned. tieBreaker, when set, is appended last.
func (o SortOrder) OrderBy(mapper ColumnMapper, defaultOrder, tieBreaker string) string {
	var parts []string
	for _, spec := range o {
		col, ok := mapper(spec.Field)
		if !ok {
			continue
		}
		if spec.Descending {
			parts = append(parts, col+" DESC NULLS LAST")
		} else {
			parts = append(parts, col+" ASC")
		}
	}

	if len(parts) == 0 {
		if defaultOrder == "" {
			return ""
		}
		parts = append(parts, defaultOrder)
	}
	if tieBreaker != "" {
		parts = append(parts, tieBreaker)
	}
	return strings.Join(parts, ", ")
}

var sortFieldPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// ResourceColumn maps sort fields onto the fhir_resource table. Known meta
// fields map to columns, dotted paths read from the stored document, and
// anything else prefers the extracted search parameter over the top-level
// document field of the same name.
func ResourceColumn(field string) (string, bool) {
	switch field {
	case LastUpdatedField, "lastUpdated", "meta.lastUpdated":
		return "last_updated", true
	case "_id", "id":
		return "fhir_id", true
	}

	if !sortFieldPattern.MatchString(field) {
		return "", false
	}
	if strings.Contains(field, ".") {
		return "resource #>> '{" + strings.ReplaceAll(field, ".", ",") + "}'", true
	}
	return "COALESCE(search_params->>'" + field + "', resource->>'" + field + "')", true
}
