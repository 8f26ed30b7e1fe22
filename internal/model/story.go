// Package model holds the core data types shared by every component of the
// Story Orchestration Engine: Story, Step, Task and their closed status
// enums. The Store is the only package allowed to turn these into rows;
// everything else passes the typed values around.
package model

import "time"

// Status is the closed set of states a Story can be in.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusAnalyzing  Status = "ANALYZING"
	StatusAnalyzed   Status = "ANALYZED"
	StatusPlanning   Status = "PLANNING"
	StatusPlanned    Status = "PLANNED"
	StatusExecuting  Status = "EXECUTING"
	StatusGatePending Status = "GATE_PENDING"
	StatusGateFailed Status = "GATE_FAILED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// GateMode controls whether a passing gate advances automatically.
type GateMode string

const (
	GateModeAutoProceed GateMode = "AUTO_PROCEED"
	GateModePauseAlways GateMode = "PAUSE_ALWAYS"
)

// AutomationMode controls when per-Step human approval is required.
type AutomationMode string

const (
	AutomationAssisted       AutomationMode = "ASSISTED"
	AutomationAutonomous     AutomationMode = "AUTONOMOUS"
	AutomationFullAutonomous AutomationMode = "FULL_AUTONOMOUS"
)

// GateResult is the last gate outcome recorded on a Story. It is produced
// by the GateController (package gate) and stored as an opaque blob by the
// Store; this is the typed projection components other than the Store use.
type GateResult struct {
	Passed       bool       `json:"passed"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	Summary      string     `json:"summary"`
	FailingSteps []StepFail `json:"failing_steps,omitempty"`
	EvaluatedAt  time.Time  `json:"evaluated_at"`
}

// StepFail names one failing verification step surfaced in a GateResult.
type StepFail struct {
	ProjectPath string `json:"project_path"`
	StepType    string `json:"step_type"`
	Summary     string `json:"summary"`
}

// Story is the aggregate root of the core data model (spec §3).
type Story struct {
	ID              string
	Title           string
	Description     string
	RepositoryPath  string // may be empty for pure-chat stories (out of scope)
	IssueURL        string
	CreatedBy       string
	Status          Status
	WorktreePath    string
	GitBranch       string
	AnalyzedContext []byte // opaque blob produced by the Analyzer (C4)
	ExecutionPlan   []byte // opaque blob produced by the Decomposer (C5)
	CurrentWave     int
	GateMode        GateMode
	GateResult      *GateResult
	MaxParallelism  int
	DispatchTarget  string
	AutomationMode  AutomationMode
	PullRequestURL  string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time

	// Version is the optimistic-concurrency counter bumped on every Store
	// update; callers read it back from getById and must pass it unchanged
	// to update() for the write to succeed.
	Version int

	// Steps is populated by getByIdWithSteps; it is empty from a plain
	// getById/list call. A Story exclusively owns its Steps (invariant 1).
	Steps []Step
}

// StepStatus is the closed set of states a Step can be in.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Approval is the closed set of approval decisions on a Step.
type Approval string

const (
	ApprovalNone     Approval = ""
	ApprovalApproved Approval = "APPROVED"
	ApprovalRejected Approval = "REJECTED"
)

// Step is one scheduled unit of execution within a Story (spec §3).
// Only Status, Approval, Attempts, Output, Error, NeedsRework,
// PreviousOutput and the timing fields may change after decomposition
// (invariant 6); Wave and Order are immutable.
type Step struct {
	ID          string
	StoryID     string // back-reference only; never an owning pointer
	Order       int    // 1-based, immutable after decomposition
	Wave        int    // positive; immutable after decomposition
	Name        string
	Description string
	Capability  string
	Language    string

	// DependsOn holds the IDs of Steps this Step's decomposition-time
	// dependency declared; it never changes after decomposition and is
	// used by the Dispatcher to compute downstream invalidation.
	DependsOn []string

	// RequiresConfirmation marks a Step as needing human approval under
	// AutomationAutonomous even though most Steps in that mode dispatch
	// without one; immutable after decomposition.
	RequiresConfirmation bool

	Status           StepStatus
	Approval         Approval
	ApprovalFeedback string

	Input  []byte
	Output []byte
	Error  string

	Attempts         int
	AssignedAgentID  string
	ExecutorOverride string

	NeedsRework    bool
	PreviousOutput []byte

	CostUSD          float64
	PromptTokens     int
	CompletionTokens int

	StartedAt   *time.Time
	CompletedAt *time.Time

	Version int
}

// Task is a transient, dispatch-time projection of a Step (spec §3). It is
// created by the Dispatcher when preparing a wave and is never persisted;
// the owning Step is always the source of truth.
type Task struct {
	ID          string
	Title       string
	Description string
	Wave        int
	DependsOn   []string
	Status      StepStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Output      []byte
	Error       string
}

// IsTerminal reports whether s is a terminal Step status.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether st is a terminal Story status.
func (st Status) IsTerminal() bool {
	switch st {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
