package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Query parameter names carrying the page window.
const (
	CountParam  = "_count"
	OffsetParam = "_offset"
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// New normalizes a page window: a non-positive limit becomes DefaultLimit
// and a negative offset becomes 0. No upper bound is applied.
func New(limit, offset int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// FromValues reads _count and _offset. Malformed values fall back to the
// defaults and the limit is capped at MaxLimit.
func FromValues(v url.Values) Params {
	limit, _ := strconv.Atoi(v.Get(CountParam))
	offset, _ := strconv.Atoi(v.Get(OffsetParam))

	p := New(limit, offset)
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	return FromValues(c.QueryParams())
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}
