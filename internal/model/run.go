package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusComplete   RunStatus = "complete"
	RunStatusNoFeedback RunStatus = "no_feedback"
	RunStatusFailed     RunStatus = "failed"
)

// Step names a checkpointed unit of the pipeline. Steps run in the order of
// Steps and each output is persisted before the next one starts.
type Step string

const (
	StepFetch         Step = "fetch"
	StepClean         Step = "clean"
	StepClassify      Step = "classify"
	StepSummarize     Step = "summarize"
	StepAggregate     Step = "aggregate"
	StepMarkProcessed Step = "mark_processed"
)

// Steps lists every pipeline step in execution order.
var Steps = []Step{StepFetch, StepClean, StepClassify, StepSummarize, StepAggregate, StepMarkProcessed}

// Run is one execution of the pipeline. Step checkpoints hang off its ID.
type Run struct {
	ID           string     `json:"id"`
	SourceFilter string     `json:"source_filter,omitempty"`
	Status       RunStatus  `json:"status"`
	LastStep     Step       `json:"last_step,omitempty"`
	Result       *RunResult `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RunOutcome is the status reported to the caller of a run.
type RunOutcome string

const (
	OutcomeNoFeedback RunOutcome = "no_feedback"
	OutcomeSuccess    RunOutcome = "success"
)

// RunResult is what a completed run returns. SourceSummaries and
// FinalInsights may be empty/nil when every downstream unit degraded.
type RunResult struct {
	RunID             string             `json:"run_id"`
	Status            RunOutcome         `json:"status"`
	ProcessedCount    int                `json:"processed_count,omitempty"`
	SourceSummaries   []SourceSummary    `json:"source_summaries,omitempty"`
	FinalInsights     *AggregatedInsight `json:"final_insights,omitempty"`
	ClassifyFailures  int                `json:"classify_failures,omitempty"`
	SummarizeFailures int                `json:"summarize_failures,omitempty"`
}

// StepCheckpoint is the persisted output of one step of one run.
type StepCheckpoint struct {
	RunID     string    `json:"run_id"`
	Step      Step      `json:"step"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// UnitFailure records a per-item or per-source failure that was isolated
// instead of aborting the run. Failed items are still marked processed, so
// these rows are what operators use to re-ingest them.
type UnitFailure struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Step      Step      `json:"step"`
	UnitKey   string    `json:"unit_key"` // Feedback ID for classify, source tag for summarize
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // "transient" or "permanent"
	CreatedAt time.Time `json:"created_at"`
}
