package model

// StatementKind classifies a compiled statement
type StatementKind string

const (
	StatementRead     StatementKind = "read"
	StatementMutation StatementKind = "mutation"
	StatementDDL      StatementKind = "ddl"
)

// CostClass is a coarse estimate of statement cost
type CostClass string

const (
	CostPointLookup CostClass = "point_lookup"
	CostIndexRange  CostClass = "index_range"
	CostFullScan    CostClass = "full_scan"
	CostMutation    CostClass = "mutation"
)

// StatementPlan is a compiled, parameterized, execution-ready statement.
// It is produced once by the compiler and never modified afterwards;
// Args positions match the placeholders in SQL exactly.
type StatementPlan struct {
	SQL        string
	Args       []interface{}
	Kind       StatementKind
	Cost       CostClass
	RequiresTx bool

	// Tables lists every table the statement touches, used for
	// cache keying and post-mutation invalidation.
	Tables []string
}

// IsRead reports whether the plan is cacheable
func (p *StatementPlan) IsRead() bool {
	return p.Kind == StatementRead
}
