// Package pagination reads limit/offset query parameters and shapes list
// responses.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one requested page.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit and ?offset. Missing or unusable values fall
// back to the defaults, and limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = DefaultLimit
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return Params{Limit: min(limit, MaxLimit), Offset: offset}
}

// Page is a slice of a larger result set.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewPage wraps items fetched with p. A nil items slice encodes as [].
func NewPage[T any](items []T, total int, p Params) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	return max(p.Offset-p.Limit, 0)
}

// LinkHeader renders RFC 8288 next/prev links for the page relative to u.
// It returns "" when there is neither.
func (p Params) LinkHeader(u *url.URL, total int) string {
	var links []string
	if p.HasNext(total) {
		links = append(links, p.link(u, p.NextOffset(), "next"))
	}
	if p.HasPrevious() {
		links = append(links, p.link(u, p.PreviousOffset(), "prev"))
	}
	return strings.Join(links, ", ")
}

func (p Params) link(u *url.URL, offset int, rel string) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(offset))
	target := url.URL{Path: u.Path, RawQuery: q.Encode()}
	return fmt.Sprintf("<%s>; rel=%q", target.String(), rel)
}
