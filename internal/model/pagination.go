package model

// PaginationSpec describes a requested page of results
type PaginationSpec struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Limit returns the row limit for this page
func (p PaginationSpec) Limit() int {
	return p.PageSize
}

// Offset returns the row offset for this page
func (p PaginationSpec) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// IsZero reports whether no pagination was requested
func (p PaginationSpec) IsZero() bool {
	return p.Page == 0 && p.PageSize == 0
}

// PaginationResult describes the page actually returned
type PaginationResult struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalRows  int64 `json:"total_rows"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// NewPaginationResult computes page metadata for a result window
func NewPaginationResult(spec PaginationSpec, totalRows int64) PaginationResult {
	totalPages := 0
	if spec.PageSize > 0 {
		totalPages = int((totalRows + int64(spec.PageSize) - 1) / int64(spec.PageSize))
	}
	return PaginationResult{
		Page:       spec.Page,
		PageSize:   spec.PageSize,
		TotalRows:  totalRows,
		TotalPages: totalPages,
		HasNext:    spec.Page < totalPages,
		HasPrev:    spec.Page > 1,
	}
}
