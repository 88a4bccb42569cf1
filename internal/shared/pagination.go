package shared

const (
	defaultPerPage = 20
	// MaxPerPage caps listing pages regardless of what the caller asks for.
	MaxPerPage = 100
)

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

// NewPagination normalises page and perPage and derives the page count.
func NewPagination(page, perPage, total int) Pagination {
	switch {
	case perPage <= 0:
		perPage = defaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	if total < 0 {
		total = 0
	}
	pages := (total + perPage - 1) / perPage
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: pages, HasNext: page < pages}
}

// Offset is the number of rows before the current page.
func (p Pagination) Offset() int {
	return (max(p.Page, 1) - 1) * p.PerPage
}
