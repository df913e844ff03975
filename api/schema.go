package api

import "time"

// LoadState is the lifecycle state of a Dataset.
type LoadState string

const (
	LoadStateLoading LoadState = "loading"
	LoadStateReady   LoadState = "ready"
	LoadStateFailed  LoadState = "failed"
)

// ColumnType is the normalised type of a column as inferred by the engine.
// EngineType on Column keeps the engine's own spelling (e.g. "BIGINT").
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeFloat   ColumnType = "float"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeText    ColumnType = "text"
	TypeOther   ColumnType = "other"
)

// Numeric reports whether the type supports distribution statistics.
func (t ColumnType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// Column is one entry of a Dataset schema.
type Column struct {
	// Name of the column as it appears in SQL.
	Name string `json:"name"`
	// Type is the normalised type.
	Type ColumnType `json:"type"`
	// EngineType is the type name reported by the engine (optional).
	EngineType string `json:"engine_type,omitempty"`
}

// Dataset is a loaded, queryable handle to a source file.
// ID doubles as the SQL table name.
type Dataset struct {
	// ID is unique within a session and is the table name used in SQL.
	ID string `json:"id"`
	// SourcePath is the absolute path of the loaded file.
	SourcePath string `json:"source_path"`
	// RowCountEstimate is the row count reported after ingestion.
	RowCountEstimate int64 `json:"row_count_estimate"`
	// Schema is the ordered column list.
	Schema []Column `json:"schema,omitempty"`
	// LoadState is loading, ready or failed.
	LoadState LoadState `json:"load_state"`
	// FileSize is the size in bytes of the source file.
	FileSize int64 `json:"file_size,omitempty"`
	// LoadedAt is set once the dataset is ready.
	LoadedAt time.Time `json:"loaded_at,omitzero"`
	// Error is set iff LoadState is failed.
	Error string `json:"error,omitempty"`
}

// Column returns the named column and whether it exists.
func (d *Dataset) Column(name string) (Column, bool) {
	for _, c := range d.Schema {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// View is a named, persisted SQL definition.
type View struct {
	Name      string    `json:"name"`
	SQL       string    `json:"sql"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// SnapshotRef points at a materialised copy of the result, if any.
	SnapshotRef string `json:"snapshot_ref,omitempty"`
}

// ViewSummary is the list form of a View.
type ViewSummary struct {
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	HasSnapshot bool      `json:"has_snapshot,omitempty"`
}

// JobKind distinguishes what a Job computes.
type JobKind string

const (
	JobKindQuery    JobKind = "query"
	JobKindAnalysis JobKind = "analysis"
	JobKindExport   JobKind = "export"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobStreaming JobStatus = "streaming"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}
