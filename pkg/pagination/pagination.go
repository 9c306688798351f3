package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset (or the _count/_offset aliases the EHR
// frontend sends) and clamps them to sane bounds.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clampLimit(firstInt(c, "limit", "_count")),
		Offset: max(firstInt(c, "offset", "_offset"), 0),
	}
}

func firstInt(c echo.Context, names ...string) int {
	for _, name := range names {
		if v, err := strconv.Atoi(c.QueryParam(name)); err == nil && v != 0 {
			return v
		}
	}
	return 0
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Response is the envelope for every list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Next    string      `json:"next,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: p.HasNext(total),
	}
}

// WithNext fills Next with a link to the following page of path, keeping the
// caller's filters in query.
func (r *Response) WithNext(path string, query url.Values) *Response {
	if !r.HasMore {
		return r
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("limit", strconv.Itoa(r.Limit))
	q.Set("offset", strconv.Itoa(r.Offset+r.Limit))
	q.Del("_count")
	q.Del("_offset")
	r.Next = path + "?" + q.Encode()
	return r
}

// Page returns the window of items selected by p, for endpoints that load
// the full result set.
func Page[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return items[p.Offset:end]
}
