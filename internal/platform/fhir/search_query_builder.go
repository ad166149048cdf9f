package fhir

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceTable is the document table every resource type is stored in.
const ResourceTable = "fhir_resource"

// DefaultOrderBy is used when no requested sort field can be mapped.
const DefaultOrderBy = "last_updated DESC"

// tieBreaker keeps offset paging stable across equal sort keys.
const tieBreaker = "id ASC"

// SearchQuery builds SQL WHERE clauses for searches over the resource
// document table. Placeholders are numbered in the order clauses are added.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a new SearchQuery for the given table and columns.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddResourceType restricts the query to one resource type.
func (q *SearchQuery) AddResourceType(resourceType string) {
	q.Add(fmt.Sprintf("resource_type = $%d", q.idx), resourceType)
}

// AddStatuses restricts the lifecycle status. No statuses means active only.
func (q *SearchQuery) AddStatuses(statuses []string) {
	if len(statuses) == 0 {
		statuses = []string{"active"}
	}
	q.Add(fmt.Sprintf("status = ANY($%d)", q.idx), statuses)
}

// AddIDs matches any of the given logical ids.
func (q *SearchQuery) AddIDs(ids []string) {
	if len(ids) == 0 {
		return
	}
	q.Add(fmt.Sprintf("fhir_id = ANY($%d)", q.idx), ids)
}

// AddTags matches records carrying at least one of the given tags.
func (q *SearchQuery) AddTags(tags []string) {
	if len(tags) == 0 {
		return
	}
	q.Add(fmt.Sprintf("tags && $%d::text[]", q.idx), tags)
}

// AddSearchParam matches an extracted search parameter against any of the
// values. The key is bound as a parameter, never interpolated.
func (q *SearchQuery) AddSearchParam(key string, values []string) {
	if len(values) == 0 {
		return
	}
	if len(values) == 1 {
		q.Add(fmt.Sprintf("search_params->>$%d = $%d", q.idx, q.idx+1), key, values[0])
		return
	}
	q.Add(fmt.Sprintf("search_params->>$%d = ANY($%d)", q.idx, q.idx+1), key, values)
}

// AddText adds a native text-search predicate. Empty predicates add nothing.
func (q *SearchQuery) AddText(p TextPredicate) {
	if p.Empty() {
		return
	}
	clause, args, next := p.SQL(q.idx)
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx = next
}

// Apply adds every filter of a parsed search request. Search parameter keys
// are applied in sorted order so the generated SQL is deterministic.
func (q *SearchQuery) Apply(req SearchRequest) {
	q.AddResourceType(req.ResourceType)
	q.AddStatuses(req.Statuses)
	q.AddIDs(req.IDs)
	q.AddTags(req.Tags)
	for _, key := range sortedKeys(req.Params) {
		q.AddSearchParam(key, req.Params[key])
	}
	for _, p := range req.Text {
		q.AddText(p)
	}
	q.ApplySort(req.Sort)
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// ApplySort renders a parsed sort order against the resource table.
func (q *SearchQuery) ApplySort(order SortOrder) {
	if len(order) == 0 {
		order = DefaultSort()
	}
	q.orderBy = order.OrderBy(ResourceColumn, DefaultOrderBy, tieBreaker)
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL(limit, offset int) string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

// Where returns the accumulated WHERE fragments, for logging.
func (q *SearchQuery) Where() string {
	return strings.TrimPrefix(q.where, " AND ")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
