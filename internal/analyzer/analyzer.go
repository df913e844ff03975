// Package analyzer computes per-column summary statistics of a dataset with
// aggregate queries, so only small results ever leave the engine.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/agentic-research/tabula/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Options are the per-request knobs. Zero values take the defaults.
type Options struct {
	Bins int
	TopN int
}

type cacheKey struct {
	dataset string
	columns string
	bins    int
	topN    int
}

type Analyzer struct {
	eng      engine.Engine
	defaults Options
	cache    *lru.Cache[cacheKey, api.AnalysisReport]
	log      *slog.Logger
}

// New returns an Analyzer caching up to cacheSize reports.
func New(eng engine.Engine, cacheSize int, defaults Options, log *slog.Logger) (*Analyzer, error) {
	if defaults.Bins <= 0 {
		defaults.Bins = 20
	}
	if defaults.TopN <= 0 {
		defaults.TopN = 10
	}
	cache, err := lru.New[cacheKey, api.AnalysisReport](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("analysis cache: %w", err)
	}
	return &Analyzer{
		eng:      eng,
		defaults: defaults,
		cache:    cache,
		log:      logging.Or(log).With("component", "analyzer"),
	}, nil
}

// Evict drops every cached report of a dataset.
func (a *Analyzer) Evict(datasetID string) {
	for _, k := range a.cache.Keys() {
		if strings.EqualFold(k.dataset, datasetID) {
			a.cache.Remove(k)
		}
	}
}

// Analyze reports on the requested columns of ds (all columns when none are
// named). A column that cannot be analysed is listed in Failures and does
// not affect the others. The returned error is reserved for failures of the
// dataset as a whole and for cancellation.
func (a *Analyzer) Analyze(ctx context.Context, ds api.Dataset, req api.RunAnalysis) (api.AnalysisReport, error) {
	opts := Options{Bins: req.Bins, TopN: req.TopN}
	if opts.Bins <= 0 {
		opts.Bins = a.defaults.Bins
	}
	if opts.TopN <= 0 {
		opts.TopN = a.defaults.TopN
	}
	columns := req.Columns
	if len(columns) == 0 {
		for _, c := range ds.Schema {
			columns = append(columns, c.Name)
		}
	}

	key := cacheKey{dataset: ds.ID, columns: strings.Join(columns, "\x00"), bins: opts.Bins, topN: opts.TopN}
	if !req.Refresh {
		if r, ok := a.cache.Get(key); ok {
			metrics.AnalysisCache.WithLabelValues("hit").Inc()
			r.Cached = true
			return r, nil
		}
	}
	metrics.AnalysisCache.WithLabelValues("miss").Inc()

	table := engine.QuoteIdent(ds.ID)
	rowCount, err := a.scalarInt(ctx, "SELECT count(*) FROM "+table)
	if err != nil {
		return api.AnalysisReport{}, fmt.Errorf("count rows of %s: %w", ds.ID, err)
	}

	report := api.AnalysisReport{
		DatasetID:   ds.ID,
		RowCount:    rowCount,
		ColumnCount: len(ds.Schema),
		Columns:     []api.ColumnStats{},
		TypeSummary: map[api.ColumnType]int{},
	}

	start := time.Now()
	for _, name := range columns {
		if err := ctx.Err(); err != nil {
			return api.AnalysisReport{}, err
		}
		col, ok := ds.Column(name)
		if !ok {
			report.Failures = append(report.Failures, api.ColumnFailure{Name: name, Error: "column not found"})
			continue
		}
		stats, err := a.column(ctx, table, col, opts)
		if err != nil {
			if ctx.Err() != nil {
				return api.AnalysisReport{}, ctx.Err()
			}
			a.log.Warn("column analysis failed", "dataset", ds.ID, "column", name, "err", err)
			report.Failures = append(report.Failures, api.ColumnFailure{Name: name, Error: err.Error()})
			continue
		}
		report.Columns = append(report.Columns, stats)
		report.TypeSummary[col.Type]++
		report.Missing.TotalCells += stats.Total
		report.Missing.TotalMissing += stats.Missing
	}
	report.Missing.Percentage = pct(report.Missing.TotalMissing, report.Missing.TotalCells)
	report.GeneratedAt = time.Now().UTC()

	a.log.Debug("analysis done", "dataset", ds.ID, "columns", len(report.Columns),
		"failures", len(report.Failures), "elapsed", time.Since(start))
	a.cache.Add(key, report)
	return report, nil
}

func (a *Analyzer) column(ctx context.Context, table string, col api.Column, opts Options) (api.ColumnStats, error) {
	c := engine.QuoteIdent(col.Name)
	stats := api.ColumnStats{Name: col.Name, Type: col.Type}

	row, err := a.row(ctx, fmt.Sprintf("SELECT count(*), count(%s), count(DISTINCT %s) FROM %s", c, c, table))
	if err != nil {
		return stats, err
	}
	stats.Total, _ = toInt(row[0])
	stats.NonNull, _ = toInt(row[1])
	stats.Distinct, _ = toInt(row[2])
	stats.Missing = stats.Total - stats.NonNull
	stats.MissingPct = pct(stats.Missing, stats.Total)
	stats.DistinctPct = pct(stats.Distinct, stats.NonNull)

	if col.Type.Numeric() {
		if stats.Numeric, err = a.numeric(ctx, table, c, stats.NonNull, opts.Bins); err != nil {
			return stats, err
		}
	}
	if col.Type == api.TypeText && stats.NonNull > 0 {
		if stats.Text, err = a.text(ctx, table, c); err != nil {
			return stats, err
		}
	}
	if stats.NonNull > 0 {
		if stats.TopValues, err = a.topValues(ctx, table, c, opts.TopN); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// numeric aggregates the values of c that are numbers. Types are inferred
// from a sample, so a column may still hold stray text further down.
func (a *Analyzer) numeric(ctx context.Context, table, c string, nonNull int64, bins int) (*api.NumericStats, error) {
	out := &api.NumericStats{}
	where := fmt.Sprintf(" FROM %s WHERE %s", table, a.eng.Dialect().Numeric(c))

	row, err := a.row(ctx, fmt.Sprintf("SELECT count(*), min(%s), max(%s), avg(%s)", c, c, c)+where)
	if err != nil {
		return nil, err
	}
	n, _ := toInt(row[0])
	out.NonNumeric = nonNull - n
	if n == 0 {
		return out, nil
	}
	lo, ok1 := toFloat(row[1])
	hi, ok2 := toFloat(row[2])
	mean, ok3 := toFloat(row[3])
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("non-numeric aggregate in numeric column")
	}
	out.Min, out.Max, out.Mean = &lo, &hi, &mean

	// two-pass variance; sample (n-1) normalisation
	if n > 1 {
		row, err := a.row(ctx, fmt.Sprintf("SELECT sum((%s - %s) * (%s - %s))", c, lit(mean), c, lit(mean))+where)
		if err != nil {
			return nil, err
		}
		ss, _ := toFloat(row[0])
		std := math.Sqrt(ss / float64(n-1))
		out.Std = &std
	}

	for _, q := range []struct {
		p   float64
		dst **float64
	}{{0.25, &out.Q1}, {0.5, &out.Median}, {0.75, &out.Q3}} {
		v, err := a.quantile(ctx, c, where, n, q.p)
		if err != nil {
			return nil, err
		}
		*q.dst = &v
	}

	if out.Histogram, err = a.histogram(ctx, c, where, lo, hi, bins); err != nil {
		return nil, err
	}
	return out, nil
}

// quantile interpolates linearly between the two order statistics around
// p*(n-1), matching quantile_cont.
func (a *Analyzer) quantile(ctx context.Context, c, where string, n int64, p float64) (float64, error) {
	pos := p * float64(n-1)
	base := math.Floor(pos)
	_, rows, err := engine.Collect(ctx, a.eng, fmt.Sprintf(
		"SELECT %s%s ORDER BY %s LIMIT 2 OFFSET %d", c, where, c, int64(base)), 2)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("quantile %.2f: no rows", p)
	}
	v0, ok := toFloat(rows[0][0])
	if !ok {
		return 0, fmt.Errorf("quantile %.2f: non-numeric value", p)
	}
	v1 := v0
	if len(rows) > 1 {
		if v, ok := toFloat(rows[1][0]); ok {
			v1 = v
		}
	}
	return v0 + (v1-v0)*(pos-base), nil
}

// histogram buckets values into equal-width bins over [lo, hi]. The maximum
// lands in the last bin; a constant column puts everything in the first.
func (a *Analyzer) histogram(ctx context.Context, c, where string, lo, hi float64, bins int) (*api.Histogram, error) {
	h := &api.Histogram{Bins: bins, Min: lo, Max: hi, Counts: make([]int64, bins)}
	bucket := "0"
	if hi > lo {
		h.Width = (hi - lo) / float64(bins)
		bucket = a.eng.Dialect().Floor(fmt.Sprintf("(%s - %s) / %s", c, lit(lo), lit(h.Width)))
	}
	_, rows, err := engine.Collect(ctx, a.eng, fmt.Sprintf(
		"SELECT %s AS bucket, count(*)%s GROUP BY 1", bucket, where), 0)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		b, ok := toInt(r[0])
		if !ok {
			continue
		}
		n, _ := toInt(r[1])
		idx := int(min(max(b, 0), int64(bins-1)))
		h.Counts[idx] += n
	}
	return h, nil
}

func (a *Analyzer) text(ctx context.Context, table, c string) (*api.TextStats, error) {
	row, err := a.row(ctx, fmt.Sprintf(
		"SELECT min(length(%s)), max(length(%s)), avg(length(%s)) FROM %s WHERE %s IS NOT NULL",
		c, c, c, table, c))
	if err != nil {
		return nil, err
	}
	out := &api.TextStats{}
	out.MinLength, _ = toInt(row[0])
	out.MaxLength, _ = toInt(row[1])
	out.AvgLength, _ = toFloat(row[2])
	return out, nil
}

func (a *Analyzer) topValues(ctx context.Context, table, c string, n int) ([]api.ValueCount, error) {
	_, rows, err := engine.Collect(ctx, a.eng, fmt.Sprintf(
		"SELECT CAST(%s AS TEXT) AS v, count(*) AS n FROM %s WHERE %s IS NOT NULL GROUP BY 1 ORDER BY n DESC, v LIMIT %d",
		c, table, c, n), n)
	if err != nil {
		return nil, err
	}
	out := make([]api.ValueCount, 0, len(rows))
	for _, r := range rows {
		cnt, _ := toInt(r[1])
		out = append(out, api.ValueCount{Value: fmt.Sprint(r[0]), Count: cnt})
	}
	return out, nil
}

func (a *Analyzer) row(ctx context.Context, query string) (api.Row, error) {
	_, rows, err := engine.Collect(ctx, a.eng, query, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("aggregate returned no rows")
	}
	return rows[0], nil
}

func (a *Analyzer) scalarInt(ctx context.Context, query string) (int64, error) {
	row, err := a.row(ctx, query)
	if err != nil {
		return 0, err
	}
	n, ok := toInt(row[0])
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", row[0])
	}
	return n, nil
}

// lit renders a float as a SQL literal that every engine reads as a double.
func lit(v float64) string {
	return strconv.FormatFloat(v, 'e', -1, 64)
}

func pct(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}
