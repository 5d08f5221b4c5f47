// Package compiler turns structured commands and raw SQL into
// validated, parameterized statement plans. Identifiers are always
// quoted through the driver dialect and every literal value becomes a
// positional bound parameter, so injection is structurally impossible.
package compiler

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/catalog"
	"github.com/querybridge/querybridge/internal/driver"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/model"
)

// allowedOperators is the condition operator allow-list. Anything
// outside it is rejected before compilation.
var allowedOperators = map[string]struct{}{
	"=": {}, "!=": {}, ">": {}, "<": {}, ">=": {}, "<=": {},
	"LIKE": {}, "IN": {},
}

var (
	limitOffsetRe = regexp.MustCompile(`(?is)\b(LIMIT|OFFSET)\b`)
	mutationRe    = regexp.MustCompile(`(?is)^\s*(INSERT\s+INTO|UPDATE|DELETE\s+FROM)\s+["]?([\w.]+)`)
	fromTableRe   = regexp.MustCompile(`(?is)\bFROM\s+["]?([\w.]+)`)
)

// Compiler validates and compiles statements against the schema catalog
type Compiler struct {
	catalog *catalog.Catalog
	dialect driver.Dialect
	logger  *zap.Logger
}

// New creates a new compiler
func New(cat *catalog.Catalog, dialect driver.Dialect, logger *zap.Logger) *Compiler {
	return &Compiler{catalog: cat, dialect: dialect, logger: logger}
}

// OperatorAllowed reports whether the operator is on the allow-list
func OperatorAllowed(op string) bool {
	_, ok := allowedOperators[strings.ToUpper(strings.TrimSpace(op))]
	return ok
}

// Compile validates a structured command field by field and emits an
// execution-ready plan
func (c *Compiler) Compile(ctx context.Context, cmd *model.StructuredCommand) (*model.StatementPlan, error) {
	if cmd.Table == "" {
		return nil, errors.InvalidArgument("table is required")
	}
	schema, err := c.catalog.Table(ctx, cmd.Table)
	if err != nil {
		return nil, err
	}

	switch cmd.Operation {
	case model.OpSelect:
		return c.compileSelect(cmd, schema)
	case model.OpInsert:
		return c.compileInsert(cmd, schema)
	case model.OpUpdate:
		return c.compileUpdate(cmd, schema)
	case model.OpDelete:
		return c.compileDelete(cmd, schema)
	default:
		return nil, errors.InvalidArgument(
			fmt.Sprintf("unknown operation %q", cmd.Operation))
	}
}

func (c *Compiler) compileSelect(cmd *model.StructuredCommand, schema *model.TableSchema) (*model.StatementPlan, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")

	if len(cmd.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, col := range cmd.Columns {
			if !schema.HasColumn(col) {
				return nil, errors.InvalidColumn(cmd.Table, col)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(c.dialect.QuoteIdent(col))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(c.dialect.QuoteIdent(cmd.Table))

	args := []interface{}{}
	if err := c.writeWhere(&sb, cmd, schema, &args); err != nil {
		return nil, err
	}
	if err := c.writeOrderBy(&sb, cmd, schema); err != nil {
		return nil, err
	}
	if err := c.writeWindow(&sb, cmd, &args); err != nil {
		return nil, err
	}

	return &model.StatementPlan{
		SQL:    sb.String(),
		Args:   args,
		Kind:   model.StatementRead,
		Cost:   c.selectCost(cmd, schema),
		Tables: []string{cmd.Table},
	}, nil
}

func (c *Compiler) compileInsert(cmd *model.StructuredCommand, schema *model.TableSchema) (*model.StatementPlan, error) {
	if len(cmd.Values) == 0 {
		return nil, errors.InvalidArgument("insert requires values")
	}
	columns := sortedKeys(cmd.Values)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(c.dialect.QuoteIdent(cmd.Table))
	sb.WriteString(" (")

	args := make([]interface{}, 0, len(columns))
	for i, col := range columns {
		if !schema.HasColumn(col) {
			return nil, errors.InvalidColumn(cmd.Table, col)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.dialect.QuoteIdent(col))
	}
	sb.WriteString(") VALUES (")
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, cmd.Values[col])
		sb.WriteString(c.dialect.Placeholder(len(args)))
	}
	sb.WriteString(")")

	return &model.StatementPlan{
		SQL:    sb.String(),
		Args:   args,
		Kind:   model.StatementMutation,
		Cost:   model.CostMutation,
		Tables: []string{cmd.Table},
	}, nil
}

func (c *Compiler) compileUpdate(cmd *model.StructuredCommand, schema *model.TableSchema) (*model.StatementPlan, error) {
	if len(cmd.Values) == 0 {
		return nil, errors.InvalidArgument("update requires values")
	}
	if len(cmd.Conditions) == 0 && len(cmd.ExtraConditions) == 0 && !cmd.Force {
		return nil, errors.UnscopedMutation("UPDATE", cmd.Table)
	}
	columns := sortedKeys(cmd.Values)

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(c.dialect.QuoteIdent(cmd.Table))
	sb.WriteString(" SET ")

	args := make([]interface{}, 0, len(columns)+len(cmd.Conditions))
	for i, col := range columns {
		if !schema.HasColumn(col) {
			return nil, errors.InvalidColumn(cmd.Table, col)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, cmd.Values[col])
		sb.WriteString(c.dialect.QuoteIdent(col))
		sb.WriteString(" = ")
		sb.WriteString(c.dialect.Placeholder(len(args)))
	}
	if err := c.writeWhere(&sb, cmd, schema, &args); err != nil {
		return nil, err
	}

	return &model.StatementPlan{
		SQL:        sb.String(),
		Args:       args,
		Kind:       model.StatementMutation,
		Cost:       model.CostMutation,
		Tables:     []string{cmd.Table},
		RequiresTx: unscoped(cmd),
	}, nil
}

// unscoped reports a forced whole-table mutation. Such a plan runs in
// a transaction so it either fully applies or rolls back.
func unscoped(cmd *model.StructuredCommand) bool {
	return cmd.Force && len(cmd.Conditions) == 0 && len(cmd.ExtraConditions) == 0
}

func (c *Compiler) compileDelete(cmd *model.StructuredCommand, schema *model.TableSchema) (*model.StatementPlan, error) {
	if len(cmd.Conditions) == 0 && len(cmd.ExtraConditions) == 0 && !cmd.Force {
		return nil, errors.UnscopedMutation("DELETE", cmd.Table)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(c.dialect.QuoteIdent(cmd.Table))

	args := []interface{}{}
	if err := c.writeWhere(&sb, cmd, schema, &args); err != nil {
		return nil, err
	}

	return &model.StatementPlan{
		SQL:        sb.String(),
		Args:       args,
		Kind:       model.StatementMutation,
		Cost:       model.CostMutation,
		Tables:     []string{cmd.Table},
		RequiresTx: unscoped(cmd),
	}, nil
}

// writeWhere renders conditions in deterministic column order so that
// logically identical commands compile to identical SQL. Map
// conditions come first in sorted order, then the extra conditions in
// their given order.
func (c *Compiler) writeWhere(sb *strings.Builder, cmd *model.StructuredCommand, schema *model.TableSchema, args *[]interface{}) error {
	if len(cmd.Conditions) == 0 && len(cmd.ExtraConditions) == 0 {
		return nil
	}
	sb.WriteString(" WHERE ")

	columns := make([]string, 0, len(cmd.Conditions))
	for col := range cmd.Conditions {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	written := 0
	for _, col := range columns {
		if written > 0 {
			sb.WriteString(" AND ")
		}
		if err := c.writeCondition(sb, cmd.Table, col, cmd.Conditions[col], schema, args); err != nil {
			return err
		}
		written++
	}
	for _, extra := range cmd.ExtraConditions {
		if written > 0 {
			sb.WriteString(" AND ")
		}
		if err := c.writeCondition(sb, cmd.Table, extra.Column, extra.Condition, schema, args); err != nil {
			return err
		}
		written++
	}
	return nil
}

func (c *Compiler) writeCondition(sb *strings.Builder, table, col string, cond model.Condition, schema *model.TableSchema, args *[]interface{}) error {
	if !schema.HasColumn(col) {
		return errors.InvalidColumn(table, col)
	}

	quoted := c.dialect.QuoteIdent(col)

	if cond.Fuzzy {
		// Wildcard-wrapped case-insensitive pattern match; the
		// operator is irrelevant here.
		pattern := fmt.Sprintf("%%%v%%", cond.Value)
		*args = append(*args, pattern)
		fmt.Fprintf(sb, "LOWER(%s) LIKE LOWER(%s)", quoted, c.dialect.Placeholder(len(*args)))
		return nil
	}

	op := strings.ToUpper(strings.TrimSpace(cond.Operator))
	if op == "" {
		op = "="
	}
	if _, ok := allowedOperators[op]; !ok {
		return errors.InvalidOperator(cond.Operator)
	}

	if op == "IN" {
		values, ok := toSlice(cond.Value)
		if !ok || len(values) == 0 {
			return errors.InvalidArgument(
				fmt.Sprintf("IN condition on %q requires a non-empty list", col))
		}
		sb.WriteString(quoted)
		sb.WriteString(" IN (")
		for i, v := range values {
			if i > 0 {
				sb.WriteString(", ")
			}
			*args = append(*args, v)
			sb.WriteString(c.dialect.Placeholder(len(*args)))
		}
		sb.WriteString(")")
		return nil
	}

	if cond.CaseInsensitive {
		*args = append(*args, cond.Value)
		fmt.Fprintf(sb, "LOWER(%s) %s LOWER(%s)", quoted, op, c.dialect.Placeholder(len(*args)))
		return nil
	}

	*args = append(*args, cond.Value)
	fmt.Fprintf(sb, "%s %s %s", quoted, op, c.dialect.Placeholder(len(*args)))
	return nil
}

func (c *Compiler) writeOrderBy(sb *strings.Builder, cmd *model.StructuredCommand, schema *model.TableSchema) error {
	if len(cmd.OrderBy) == 0 {
		return nil
	}
	sb.WriteString(" ORDER BY ")
	for i, term := range cmd.OrderBy {
		if !schema.HasColumn(term.Column) {
			return errors.InvalidColumn(cmd.Table, term.Column)
		}
		dir := model.SortDirection(strings.ToUpper(string(term.Direction)))
		if dir == "" {
			dir = model.SortAsc
		}
		if dir != model.SortAsc && dir != model.SortDesc {
			return errors.InvalidSort(string(term.Direction))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.dialect.QuoteIdent(term.Column))
		sb.WriteString(" ")
		sb.WriteString(string(dir))
	}
	return nil
}

// writeWindow appends LIMIT/OFFSET as bound parameters, from either
// the pagination spec or the explicit limit/offset pair
func (c *Compiler) writeWindow(sb *strings.Builder, cmd *model.StructuredCommand, args *[]interface{}) error {
	limit, offset := cmd.Limit, cmd.Offset
	if !cmd.Pagination.IsZero() {
		if cmd.Pagination.Page < 1 || cmd.Pagination.PageSize < 1 {
			return errors.InvalidPagination(cmd.Pagination.Page, cmd.Pagination.PageSize)
		}
		limit = cmd.Pagination.Limit()
		offset = cmd.Pagination.Offset()
	}
	if limit > 0 {
		*args = append(*args, limit)
		fmt.Fprintf(sb, " LIMIT %s", c.dialect.Placeholder(len(*args)))
	}
	if offset > 0 {
		*args = append(*args, offset)
		fmt.Fprintf(sb, " OFFSET %s", c.dialect.Placeholder(len(*args)))
	}
	return nil
}

func (c *Compiler) selectCost(cmd *model.StructuredCommand, schema *model.TableSchema) model.CostClass {
	for col, cond := range cmd.Conditions {
		op := strings.ToUpper(strings.TrimSpace(cond.Operator))
		if (op == "" || op == "=") && schema.IsPrimaryKey(col) {
			return model.CostPointLookup
		}
	}
	for col := range cmd.Conditions {
		if schema.ColumnIndexed(col) {
			return model.CostIndexRange
		}
	}
	for _, extra := range cmd.ExtraConditions {
		if schema.ColumnIndexed(extra.Column) {
			return model.CostIndexRange
		}
	}
	return model.CostFullScan
}

// CompileRaw wraps caller-supplied SQL and parameters into a plan,
// classifying its kind and best-effort extracting touched tables for
// cache invalidation
func (c *Compiler) CompileRaw(sql string, params []interface{}) (*model.StatementPlan, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, errors.InvalidArgument("sql is required")
	}

	plan := &model.StatementPlan{SQL: sql, Args: params, Cost: model.CostFullScan}
	if m := mutationRe.FindStringSubmatch(trimmed); m != nil {
		plan.Kind = model.StatementMutation
		plan.Cost = model.CostMutation
		plan.Tables = []string{strings.Trim(m[2], `"`)}
		return plan, nil
	}
	plan.Kind = model.StatementRead
	if m := fromTableRe.FindStringSubmatch(trimmed); m != nil {
		plan.Tables = []string{strings.Trim(m[1], `"`)}
	}
	return plan, nil
}

// CompileRawPaginated turns raw SQL into a windowed plan plus a count
// plan. SQL already carrying LIMIT or OFFSET is rejected.
func (c *Compiler) CompileRawPaginated(sql string, params []interface{}, page model.PaginationSpec) (window *model.StatementPlan, count *model.StatementPlan, err error) {
	if page.Page < 1 || page.PageSize < 1 {
		return nil, nil, errors.InvalidPagination(page.Page, page.PageSize)
	}
	if limitOffsetRe.MatchString(sql) {
		return nil, nil, errors.ConflictingPagination()
	}

	base, err := c.CompileRaw(sql, params)
	if err != nil {
		return nil, nil, err
	}
	if base.Kind != model.StatementRead {
		return nil, nil, errors.InvalidArgument("paginated execution requires a read statement")
	}

	windowArgs := append(append([]interface{}{}, params...), page.Limit(), page.Offset())
	window = &model.StatementPlan{
		SQL: fmt.Sprintf("%s LIMIT %s OFFSET %s",
			strings.TrimRight(strings.TrimSpace(sql), ";"),
			c.dialect.Placeholder(len(params)+1),
			c.dialect.Placeholder(len(params)+2)),
		Args:   windowArgs,
		Kind:   model.StatementRead,
		Cost:   base.Cost,
		Tables: base.Tables,
	}
	count = &model.StatementPlan{
		SQL: fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS window_count",
			strings.TrimRight(strings.TrimSpace(sql), ";")),
		Args:   params,
		Kind:   model.StatementRead,
		Cost:   base.Cost,
		Tables: base.Tables,
	}
	return window, count, nil
}

// CompileCountFor builds the count plan matching a compiled SELECT's
// filter set (window stripped)
func (c *Compiler) CompileCountFor(ctx context.Context, cmd *model.StructuredCommand) (*model.StatementPlan, error) {
	schema, err := c.catalog.Table(ctx, cmd.Table)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(c.dialect.QuoteIdent(cmd.Table))

	args := []interface{}{}
	if err := c.writeWhere(&sb, cmd, schema, &args); err != nil {
		return nil, err
	}
	return &model.StatementPlan{
		SQL:    sb.String(),
		Args:   args,
		Kind:   model.StatementRead,
		Cost:   model.CostFullScan,
		Tables: []string{cmd.Table},
	}, nil
}

// CompileCreateIndex validates the target columns and emits CREATE
// INDEX DDL
func (c *Compiler) CompileCreateIndex(ctx context.Context, table string, columns []string) (*model.StatementPlan, string, error) {
	if len(columns) == 0 {
		return nil, "", errors.InvalidArgument("index requires at least one column")
	}
	schema, err := c.catalog.Table(ctx, table)
	if err != nil {
		return nil, "", err
	}
	for _, col := range columns {
		if !schema.HasColumn(col) {
			return nil, "", errors.InvalidColumn(table, col)
		}
	}

	name := fmt.Sprintf("idx_%s_%s", table, strings.Join(columns, "_"))
	var sb strings.Builder
	sb.WriteString("CREATE INDEX ")
	sb.WriteString(c.dialect.QuoteIdent(name))
	sb.WriteString(" ON ")
	sb.WriteString(c.dialect.QuoteIdent(table))
	sb.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.dialect.QuoteIdent(col))
	}
	sb.WriteString(")")

	return &model.StatementPlan{
		SQL:    sb.String(),
		Kind:   model.StatementDDL,
		Cost:   model.CostMutation,
		Tables: []string{table},
	}, name, nil
}

// CompileDropIndex emits DROP INDEX DDL
func (c *Compiler) CompileDropIndex(table, name string) *model.StatementPlan {
	return &model.StatementPlan{
		SQL:    "DROP INDEX " + c.dialect.QuoteIdent(name),
		Kind:   model.StatementDDL,
		Cost:   model.CostMutation,
		Tables: []string{table},
	}
}

// sortedKeys returns map keys in sorted order for deterministic SQL
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toSlice converts any slice value into []interface{}
func toSlice(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
