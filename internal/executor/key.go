package executor

import (
	"github.com/querybridge/querybridge/internal/cache"
	"github.com/querybridge/querybridge/internal/model"
)

// PlanKey builds the canonical cache key for a compiled plan. The
// compiler renders conditions and values in sorted column order, so
// two logically identical requests always produce the same SQL and
// argument list, and therefore the same key.
func PlanKey(plan *model.StatementPlan) (string, error) {
	payload := struct {
		SQL  string        `json:"sql"`
		Args []interface{} `json:"args"`
	}{SQL: plan.SQL, Args: plan.Args}
	return cache.BuildKey(string(plan.Kind), plan.Tables, payload)
}
