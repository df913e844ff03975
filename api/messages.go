package api

// ProtocolVersion is carried in every envelope as "v".
const ProtocolVersion = 1

// Tag names a message kind on the wire. The set is closed: a peer that
// receives a tag it does not know treats the frame as undecodable.
type Tag string

const (
	TagHello Tag = "hello"

	// Requests (frontend -> backend).
	TagLoadDataset   Tag = "load_dataset"
	TagUnloadDataset Tag = "unload_dataset"
	TagListDatasets  Tag = "list_datasets"
	TagRunQuery      Tag = "run_query"
	TagRunAnalysis   Tag = "run_analysis"
	TagExport        Tag = "export"
	TagCancelJob     Tag = "cancel_job"
	TagSaveView      Tag = "save_view"
	TagListViews     Tag = "list_views"
	TagLoadView      Tag = "load_view"
	TagDeleteView    Tag = "delete_view"
	TagListRecent    Tag = "list_recent"
	TagShutdown      Tag = "shutdown"
	// TagCredit is one-way; the backend does not reply.
	TagCredit Tag = "credit"

	// Replies and events (backend -> frontend).
	TagDatasetLoaded     Tag = "dataset_loaded"
	TagDatasetLoadFailed Tag = "dataset_load_failed"
	TagDatasets          Tag = "datasets"
	TagJobAccepted       Tag = "job_accepted"
	TagResultChunk       Tag = "result_chunk"
	TagJobFailed         Tag = "job_failed"
	TagAnalysisReport    Tag = "analysis_report"
	TagJobStatus         Tag = "job_status"
	TagAck               Tag = "ack"
	TagViews             Tag = "views"
	TagView              Tag = "view"
	TagRecent            Tag = "recent"
	TagError             Tag = "error"
)

// AllTags lists every tag this build understands, in wire order of the table
// above. It is what a peer advertises in its hello.
var AllTags = []Tag{
	TagHello,
	TagLoadDataset, TagUnloadDataset, TagListDatasets, TagRunQuery,
	TagRunAnalysis, TagExport, TagCancelJob, TagSaveView, TagListViews,
	TagLoadView, TagDeleteView, TagListRecent, TagShutdown, TagCredit,
	TagDatasetLoaded, TagDatasetLoadFailed, TagDatasets, TagJobAccepted,
	TagResultChunk, TagJobFailed, TagAnalysisReport, TagJobStatus, TagAck,
	TagViews, TagView, TagRecent, TagError,
}

// Hello opens a connection in both directions.
type Hello struct {
	Version int   `json:"version"`
	Tags    []Tag `json:"tags"`
	// Name identifies the peer in logs ("tabula-serve", "tabula-shell").
	Name string `json:"name,omitempty"`
}

type LoadDataset struct {
	Path string `json:"path"`
	// Name overrides the table name derived from the file stem.
	Name string `json:"name,omitempty"`
}

type DatasetLoaded struct {
	Dataset Dataset `json:"dataset"`
}

type DatasetLoadFailed struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type UnloadDataset struct {
	DatasetID string `json:"dataset_id"`
}

type ListDatasets struct{}

type Datasets struct {
	Datasets []Dataset `json:"datasets"`
}

type RunQuery struct {
	DatasetID string `json:"dataset_id"`
	SQL       string `json:"sql"`
	// BatchSize overrides the backend's rows-per-chunk when positive.
	BatchSize int `json:"batch_size,omitempty"`
	// Window is how many result chunks the backend may send before it
	// needs credit. Zero turns flow control off for the job.
	Window int `json:"window,omitempty"`
}

// Credit lets the backend send Chunks more result chunks of a job.
type Credit struct {
	JobID  uint64 `json:"job_id"`
	Chunks int    `json:"chunks"`
}

type RunAnalysis struct {
	DatasetID string `json:"dataset_id"`
	// Columns to analyse; empty means every column.
	Columns []string `json:"columns,omitempty"`
	Bins    int      `json:"bins,omitempty"`
	TopN    int      `json:"top_n,omitempty"`
	Refresh bool     `json:"refresh,omitempty"`
}

type Export struct {
	DatasetID  string `json:"dataset_id"`
	SQL        string `json:"sql"`
	OutputPath string `json:"output_path"`
}

type JobAccepted struct {
	JobID uint64 `json:"job_id"`
}

type CancelJob struct {
	JobID uint64 `json:"job_id"`
}

// Ack is the generic success reply. JobID and Status are set for cancel_job.
type Ack struct {
	JobID  uint64    `json:"job_id,omitempty"`
	Status JobStatus `json:"status,omitempty"`
}

// Row is one result row; values are JSON scalars or nil for NULL.
type Row []any

// ResultChunk is one bounded batch of a query result. Seq starts at 0 and is
// gapless per job; Final is set on the last chunk only.
type ResultChunk struct {
	JobID   uint64   `json:"job_id"`
	Seq     uint64   `json:"seq"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
	Final   bool     `json:"final,omitempty"`
	// TotalRows is the row count of the whole result, set on the final
	// chunk.
	TotalRows int64 `json:"total_rows,omitempty"`
}

type JobFailedBody struct {
	JobID uint64 `json:"job_id"`
	Error string `json:"error"`
}

type AnalysisReportBody struct {
	JobID  uint64         `json:"job_id"`
	Report AnalysisReport `json:"report"`
}

// JobStatusBody reports a terminal or informational status change.
type JobStatusBody struct {
	JobID  uint64    `json:"job_id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
	// Rows is the number of rows written, for export jobs.
	Rows int64 `json:"rows,omitempty"`
}

type SaveView struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

type ListViews struct{}

type Views struct {
	Views []ViewSummary `json:"views"`
}

type LoadView struct {
	Name string `json:"name"`
}

type ViewBody struct {
	View View `json:"view"`
}

type DeleteView struct {
	Name string `json:"name"`
}

type ListRecent struct{}

type Recent struct {
	Paths []string `json:"paths"`
}

type Shutdown struct{}

// ErrorBody is the scoped failure reply. Kind is one of the errs kinds.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
