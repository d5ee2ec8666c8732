package models

import "math"

const (
	DefaultPage    = 1
	DefaultPerPage = 10
	MaxPerPage     = 1000

	// MaxPage keeps Offset from overflowing at any per_page.
	MaxPage = math.MaxInt / MaxPerPage
)

// Pagination is a 1-indexed page request.
type Pagination struct {
	Page    int
	PerPage int
}

// NewPagination clamps a requested page: page < 1 becomes 1, per_page < 1
// becomes the default, page is capped at MaxPage and per_page at MaxPerPage.
func NewPagination(page, perPage int) Pagination {
	if page < 1 {
		page = DefaultPage
	}
	if page > MaxPage {
		page = MaxPage
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return Pagination{Page: page, PerPage: perPage}
}

// Offset is the number of rows skipped before this page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Page is the read API envelope. Data is never nil so it encodes as [].
type Page[T any] struct {
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Data    []T `json:"data"`
}

// NewPage wraps one page of results.
func NewPage[T any](p Pagination, total int, data []T) *Page[T] {
	if data == nil {
		data = []T{}
	}
	return &Page[T]{Total: total, Page: p.Page, PerPage: p.PerPage, Data: data}
}
