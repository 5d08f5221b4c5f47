package model

// RowSet is a normalized query result
type RowSet struct {
	Columns      []string        `json:"columns"`
	Rows         [][]interface{} `json:"rows"`
	RowsAffected int64           `json:"rows_affected,omitempty"`
}

// RowCount returns the number of rows in the set
func (r *RowSet) RowCount() int {
	return len(r.Rows)
}

// Response is the envelope shared by every engine operation
type Response struct {
	Type     string                 `json:"type"`
	Data     interface{}            `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PagedResult couples a row set with its page metadata
type PagedResult struct {
	Rows       *RowSet          `json:"rows"`
	Pagination PaginationResult `json:"pagination"`

	// Degraded is set when a planner fell back from an indexed
	// path to a full scan.
	Degraded bool `json:"degraded,omitempty"`
}
