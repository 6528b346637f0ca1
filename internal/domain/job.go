package domain

import "time"

type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartiallyFailed || s == JobFailed
}

type SourceStatus string

const (
	SourcePending   SourceStatus = "pending"
	SourceRunning   SourceStatus = "running"
	SourceSucceeded SourceStatus = "succeeded"
	SourceDegraded  SourceStatus = "degraded" // finished, but some pages or records failed
	SourceFailed    SourceStatus = "failed"
	SourceCancelled SourceStatus = "cancelled"
)

type ErrorDescriptor struct {
	Source  SourceID `json:"source"`
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Cursor  Cursor   `json:"cursor,omitempty"`
}

type SourceReport struct {
	Source     SourceID          `json:"source"`
	Status     SourceStatus      `json:"status"`
	Fetched    int               `json:"fetched"`
	New        int               `json:"new"`
	Updated    int               `json:"updated"`
	Duplicate  int               `json:"duplicate"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"` // older than JobOptions.Since
	Pages      int               `json:"pages"`
	PageErrors int               `json:"page_errors"`
	LastCursor Cursor            `json:"last_cursor,omitempty"`
	Errors     []ErrorDescriptor `json:"errors,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

type JobOptions struct {
	MaxPages         int           `json:"max_pages"`
	PerSourceTimeout time.Duration `json:"per_source_timeout"`
	JobTimeout       time.Duration `json:"job_timeout"`
	Since            *time.Time    `json:"since,omitempty"`
	Resume           bool          `json:"resume"`
}

type JobResult struct {
	ID         string                     `json:"id"`
	Business   BusinessRef                `json:"business"`
	Status     JobStatus                  `json:"status"`
	Options    JobOptions                 `json:"options"`
	Sources    map[SourceID]*SourceReport `json:"sources"`
	Errors     []ErrorDescriptor          `json:"errors,omitempty"`
	Records    []CanonicalReview          `json:"records,omitempty"` // new and updated
	CreatedAt  time.Time                  `json:"created_at"`
	StartedAt  time.Time                  `json:"started_at,omitempty"`
	FinishedAt time.Time                  `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share state with a running job.
func (r JobResult) Clone() JobResult {
	out := r
	out.Sources = make(map[SourceID]*SourceReport, len(r.Sources))
	for id, rep := range r.Sources {
		cp := *rep
		cp.Errors = append([]ErrorDescriptor(nil), rep.Errors...)
		out.Sources[id] = &cp
	}
	out.Errors = append([]ErrorDescriptor(nil), r.Errors...)
	out.Records = append([]CanonicalReview(nil), r.Records...)
	return out
}
