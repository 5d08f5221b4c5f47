package model

import "time"

// ColumnInfo describes one column of a table
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// IndexInfo describes one index on a table
type IndexInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// LeadingColumn returns the first indexed column, or ""
func (i IndexInfo) LeadingColumn() string {
	if len(i.Columns) == 0 {
		return ""
	}
	return i.Columns[0]
}

// TableSchema is the cached metadata for one table
type TableSchema struct {
	Name        string       `json:"name"`
	Columns     []ColumnInfo `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	Indexes     []IndexInfo  `json:"indexes"`
	RowEstimate int64        `json:"row_estimate"`
	FetchedAt   time.Time    `json:"fetched_at"`
}

// Column returns the column with the given name, if present
func (t *TableSchema) Column(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// HasColumn reports whether the table has the named column
func (t *TableSchema) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// IsPrimaryKey reports whether the named column is the sole primary key
func (t *TableSchema) IsPrimaryKey(column string) bool {
	return len(t.PrimaryKey) == 1 && t.PrimaryKey[0] == column
}

// ColumnIndexed reports whether any index leads with the named column
func (t *TableSchema) ColumnIndexed(column string) bool {
	for _, idx := range t.Indexes {
		if idx.LeadingColumn() == column {
			return true
		}
	}
	return false
}

// HasIndexOn reports whether an index covers exactly the given columns
// in order
func (t *TableSchema) HasIndexOn(columns []string) bool {
	for _, idx := range t.Indexes {
		if len(idx.Columns) != len(columns) {
			continue
		}
		match := true
		for i := range columns {
			if idx.Columns[i] != columns[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
