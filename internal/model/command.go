package model

// Operation identifies the kind of a structured command
type Operation string

const (
	OpSelect Operation = "SELECT"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// IsMutation reports whether the operation writes to the backing store
func (o Operation) IsMutation() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// SortDirection is an ORDER BY direction
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// Condition is a single column predicate in a structured command.
// Fuzzy compiles to a wildcard-wrapped case-insensitive match;
// CaseInsensitive forces case-insensitive comparison for exact
// operators too.
type Condition struct {
	Operator        string      `json:"operator"`
	Value           interface{} `json:"value"`
	Fuzzy           bool        `json:"fuzzy,omitempty"`
	CaseInsensitive bool        `json:"case_insensitive,omitempty"`
}

// OrderTerm is a single ORDER BY term
type OrderTerm struct {
	Column    string        `json:"column"`
	Direction SortDirection `json:"direction"`
}

// ColumnCondition pairs a column with a predicate, for the cases where
// one column needs more than one predicate (range bounds)
type ColumnCondition struct {
	Column string `json:"column"`
	Condition
}

// StructuredCommand is a pre-SQL description of a CRUD intent.
// It is validated field by field against the schema catalog before
// compilation; nothing in it ever reaches SQL text as data.
type StructuredCommand struct {
	Operation  Operation              `json:"operation"`
	Table      string                 `json:"table"`
	Columns    []string               `json:"columns,omitempty"`
	Values     map[string]interface{} `json:"values,omitempty"`
	Conditions map[string]Condition   `json:"conditions,omitempty"`

	// ExtraConditions holds predicates beyond the one-per-column map,
	// such as a range's lower and upper bound on the same column.
	ExtraConditions []ColumnCondition `json:"extra_conditions,omitempty"`

	OrderBy    []OrderTerm            `json:"order_by,omitempty"`
	Pagination PaginationSpec         `json:"pagination,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`

	// Force permits UPDATE/DELETE without conditions. Without it an
	// unscoped mutation is rejected before touching the backing store.
	Force bool `json:"force,omitempty"`
}
