package api

import "time"

// AnalysisReport is the single structured result of an analysis Job.
// Columns that could not be analysed are listed in Failures; the rest of
// the report is still valid.
type AnalysisReport struct {
	DatasetID   string             `json:"dataset_id"`
	RowCount    int64              `json:"row_count"`
	ColumnCount int                `json:"column_count"`
	Columns     []ColumnStats      `json:"columns"`
	Failures    []ColumnFailure    `json:"failures,omitempty"`
	Missing     MissingSummary     `json:"missing"`
	TypeSummary map[ColumnType]int `json:"type_summary,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
	// Cached is true when the report was served from the result cache.
	Cached bool `json:"cached,omitempty"`
}

// ColumnStats holds the statistics for one column.
type ColumnStats struct {
	Name        string        `json:"name"`
	Type        ColumnType    `json:"type"`
	Total       int64         `json:"total"`
	NonNull     int64         `json:"non_null"`
	Missing     int64         `json:"missing"`
	MissingPct  float64       `json:"missing_pct"`
	Distinct    int64         `json:"distinct"`
	DistinctPct float64       `json:"distinct_pct"`
	Numeric     *NumericStats `json:"numeric,omitempty"`
	Text        *TextStats    `json:"text,omitempty"`
	TopValues   []ValueCount  `json:"top_values,omitempty"`
}

// NumericStats is the distribution summary of a numeric column.
// Pointer fields are nil when the column has no non-null values.
type NumericStats struct {
	Min       *float64   `json:"min"`
	Max       *float64   `json:"max"`
	Mean      *float64   `json:"mean"`
	Std       *float64   `json:"std"`
	Q1        *float64   `json:"q1"`
	Median    *float64   `json:"median"`
	Q3        *float64   `json:"q3"`
	Histogram *Histogram `json:"histogram,omitempty"`
	// NonNumeric counts values that did not parse as numbers. They are
	// left out of every figure above.
	NonNumeric int64 `json:"non_numeric,omitempty"`
}

// Histogram is an equal-width bucket count over [Min, Max].
type Histogram struct {
	Bins   int     `json:"bins"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Width  float64 `json:"width"`
	Counts []int64 `json:"counts"`
}

// TextStats summarises string lengths of a text column.
type TextStats struct {
	MinLength int64   `json:"min_length"`
	MaxLength int64   `json:"max_length"`
	AvgLength float64 `json:"avg_length"`
}

// ValueCount is one entry of a frequency table.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ColumnFailure records a column whose analysis failed.
type ColumnFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// MissingSummary aggregates missing values over the analysed columns.
type MissingSummary struct {
	TotalCells   int64   `json:"total_cells"`
	TotalMissing int64   `json:"total_missing"`
	Percentage   float64 `json:"percentage"`
}

// Failed returns the failure recorded for name, if any.
func (r *AnalysisReport) Failed(name string) (ColumnFailure, bool) {
	for _, f := range r.Failures {
		if f.Name == name {
			return f, true
		}
	}
	return ColumnFailure{}, false
}

// Column returns the statistics for name, if present.
func (r *AnalysisReport) Column(name string) (ColumnStats, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnStats{}, false
}
