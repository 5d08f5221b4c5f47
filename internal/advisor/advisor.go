// Package advisor implements the index advisory subsystem: it tracks
// which columns requests filter and order on, combines that usage with
// catalog statistics, and recommends, creates, lists and drops indexes.
package advisor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/catalog"
	"github.com/querybridge/querybridge/internal/compiler"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/executor"
	"github.com/querybridge/querybridge/internal/metrics"
	"github.com/querybridge/querybridge/internal/model"
)

// Config holds advisor configuration
type Config struct {
	MinUsageCount      int
	MaxRecommendations int
	MinCardinality     float64
}

// Advisor recommends and manages indexes
type Advisor struct {
	catalog  *catalog.Catalog
	compiler *compiler.Compiler
	executor *executor.Executor
	cfg      *Config
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu          sync.RWMutex
	filterUsage map[string]map[string]uint64
	orderUsage  map[string]map[string]uint64
}

// New creates a new index advisor. m may be nil.
func New(cat *catalog.Catalog, comp *compiler.Compiler, exec *executor.Executor, cfg *Config, m *metrics.Metrics, logger *zap.Logger) *Advisor {
	return &Advisor{
		catalog:     cat,
		compiler:    comp,
		executor:    exec,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		filterUsage: make(map[string]map[string]uint64),
		orderUsage:  make(map[string]map[string]uint64),
	}
}

// RecordFilter notes columns used in filter predicates
func (a *Advisor) RecordFilter(table string, columns ...string) {
	a.record(a.filterUsage, table, columns)
}

// RecordOrder notes columns used for ordering
func (a *Advisor) RecordOrder(table string, columns ...string) {
	a.record(a.orderUsage, table, columns)
}

func (a *Advisor) record(usage map[string]map[string]uint64, table string, columns []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cols, ok := usage[table]
	if !ok {
		cols = make(map[string]uint64)
		usage[table] = cols
	}
	for _, c := range columns {
		cols[c]++
	}
}

// usageFor snapshots combined column usage for a table. Ordering
// counts at half the weight of filtering.
func (a *Advisor) usageFor(table string) map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	combined := make(map[string]float64)
	for col, n := range a.filterUsage[table] {
		combined[col] += float64(n)
	}
	for col, n := range a.orderUsage[table] {
		combined[col] += float64(n) / 2
	}
	return combined
}

// Recommend returns ranked index recommendations for a table, derived
// from observed usage, column cardinality and existing indexes
func (a *Advisor) Recommend(ctx context.Context, table string) ([]model.IndexRecommendation, error) {
	schema, err := a.catalog.Table(ctx, table)
	if err != nil {
		return nil, err
	}

	usage := a.usageFor(table)
	candidates := a.singleColumnCandidates(ctx, schema, usage)
	candidates = append(candidates, a.compositeCandidates(ctx, schema, usage)...)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EstimatedBenefit != candidates[j].EstimatedBenefit {
			return candidates[i].EstimatedBenefit > candidates[j].EstimatedBenefit
		}
		return strings.Join(candidates[i].Columns, ",") < strings.Join(candidates[j].Columns, ",")
	})
	if len(candidates) > a.cfg.MaxRecommendations {
		candidates = candidates[:a.cfg.MaxRecommendations]
	}
	a.metrics.ObserveRecommendations(len(candidates))
	return candidates, nil
}

func (a *Advisor) singleColumnCandidates(ctx context.Context, schema *model.TableSchema, usage map[string]float64) []model.IndexRecommendation {
	var out []model.IndexRecommendation
	for col, freq := range usage {
		if freq < float64(a.cfg.MinUsageCount) {
			continue
		}
		if schema.IsPrimaryKey(col) {
			continue
		}
		if schema.ColumnIndexed(col) {
			// Already covered by an index leading with this column.
			continue
		}
		benefit, selectivity, ok := a.benefit(ctx, schema, []string{col}, freq)
		if !ok {
			continue
		}
		out = append(out, a.recommendation(ctx, schema, []string{col}, benefit,
			fmt.Sprintf("filtered or ordered %.0f times, selectivity %.2f, no covering index",
				freq, selectivity)))
	}
	return out
}

// compositeCandidates proposes two-column indexes from the most used
// column pairs. A composite whose leading column is already singly
// indexed is redundant and excluded.
func (a *Advisor) compositeCandidates(ctx context.Context, schema *model.TableSchema, usage map[string]float64) []model.IndexRecommendation {
	type colFreq struct {
		col  string
		freq float64
	}
	var ranked []colFreq
	for col, freq := range usage {
		if freq >= float64(a.cfg.MinUsageCount) && !schema.IsPrimaryKey(col) {
			ranked = append(ranked, colFreq{col, freq})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].freq != ranked[j].freq {
			return ranked[i].freq > ranked[j].freq
		}
		return ranked[i].col < ranked[j].col
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	var out []model.IndexRecommendation
	for i := 0; i < len(ranked); i++ {
		for j := 0; j < len(ranked); j++ {
			if i == j {
				continue
			}
			columns := []string{ranked[i].col, ranked[j].col}
			if schema.HasIndexOn(columns) {
				continue
			}
			if a.leadingColumnSinglyIndexed(schema, columns[0]) {
				a.logger.Debug("Skipping redundant composite candidate",
					zap.String("table", schema.Name),
					zap.Strings("columns", columns))
				continue
			}
			freq := math.Min(ranked[i].freq, ranked[j].freq)
			benefit, selectivity, ok := a.benefit(ctx, schema, columns, freq)
			if !ok {
				continue
			}
			out = append(out, a.recommendation(ctx, schema, columns, benefit,
				fmt.Sprintf("columns co-used in filters, combined selectivity %.2f", selectivity)))
		}
	}
	return out
}

// leadingColumnSinglyIndexed reports whether a single-column index on
// the given column already exists
func (a *Advisor) leadingColumnSinglyIndexed(schema *model.TableSchema, column string) bool {
	for _, idx := range schema.Indexes {
		if len(idx.Columns) == 1 && idx.Columns[0] == column {
			return true
		}
	}
	return false
}

// benefit estimates usefulness from selectivity and usage frequency
func (a *Advisor) benefit(ctx context.Context, schema *model.TableSchema, columns []string, freq float64) (benefit, selectivity float64, ok bool) {
	if schema.RowEstimate <= 0 {
		return freq, 1, true
	}
	selectivity = 1.0
	for _, col := range columns {
		card, err := a.catalog.ColumnCardinality(ctx, schema.Name, col)
		if err != nil {
			a.logger.Debug("Cardinality probe failed",
				zap.String("table", schema.Name),
				zap.String("column", col),
				zap.Error(err))
			continue
		}
		s := float64(card) / float64(schema.RowEstimate)
		if s < selectivity {
			selectivity = s
		}
	}
	if selectivity < a.cfg.MinCardinality {
		return 0, selectivity, false
	}
	return selectivity * math.Log1p(freq), selectivity, true
}

func (a *Advisor) recommendation(ctx context.Context, schema *model.TableSchema, columns []string, benefit float64, rationale string) model.IndexRecommendation {
	ddl := ""
	if plan, _, err := a.compiler.CompileCreateIndex(ctx, schema.Name, columns); err == nil {
		ddl = plan.SQL
	}
	return model.IndexRecommendation{
		Table:            schema.Name,
		Columns:          columns,
		EstimatedBenefit: benefit,
		Rationale:        rationale,
		DDL:              ddl,
	}
}

// Create validates and creates an index, then invalidates the cached
// schema for the table
func (a *Advisor) Create(ctx context.Context, table string, columns []string) (string, error) {
	plan, name, err := a.compiler.CompileCreateIndex(ctx, table, columns)
	if err != nil {
		return "", err
	}
	if _, _, err := a.executor.Execute(ctx, plan, executor.Options{}); err != nil {
		return "", err
	}
	a.catalog.Invalidate(table)
	a.metrics.ObserveIndexCreated()
	a.logger.Info("Created index",
		zap.String("table", table),
		zap.String("index", name),
		zap.Strings("columns", columns))
	return name, nil
}

// List returns the indexes currently on a table
func (a *Advisor) List(ctx context.Context, table string) ([]model.IndexInfo, error) {
	schema, err := a.catalog.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	return schema.Indexes, nil
}

// Drop validates and drops an index, then invalidates the cached
// schema for the table
func (a *Advisor) Drop(ctx context.Context, table, name string) error {
	schema, err := a.catalog.Table(ctx, table)
	if err != nil {
		return err
	}
	found := false
	for _, idx := range schema.Indexes {
		if idx.Name == name {
			found = true
			break
		}
	}
	if !found {
		return errors.InvalidArgument(
			fmt.Sprintf("index %q does not exist on table %q", name, table))
	}

	plan := a.compiler.CompileDropIndex(table, name)
	if _, _, err := a.executor.Execute(ctx, plan, executor.Options{}); err != nil {
		return err
	}
	a.catalog.Invalidate(table)
	a.metrics.ObserveIndexDropped()
	a.logger.Info("Dropped index",
		zap.String("table", table),
		zap.String("index", name))
	return nil
}
