package contracts

import "time"

// ActionStatus is the execution state of a single action.
type ActionStatus string

const (
	StatusPending   ActionStatus = "PENDING"
	StatusRunning   ActionStatus = "RUNNING"
	StatusSucceeded ActionStatus = "SUCCEEDED"
	StatusFailed    ActionStatus = "FAILED"
	StatusSkipped   ActionStatus = "SKIPPED"
	StatusHeld      ActionStatus = "HELD"
)

// Terminal reports whether s ends an action's run.
func (s ActionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped || s == StatusHeld
}

// Phase is the coordinator stage an action ran in.
type Phase string

const (
	PhaseRequired Phase = "required"
	PhaseCommit   Phase = "commit"
	PhaseOptional Phase = "optional"
	// PhaseUnphased is used when a plan is run directly by the DAG executor.
	PhaseUnphased Phase = "unphased"
	// PhasePreflight reports an abort raised while validating a plan before
	// any action ran.
	PhasePreflight Phase = "preflight"
)

// ActionOutcome records what happened to one action, with timing for
// post-hoc calibration.
type ActionOutcome struct {
	ActionID   string            `json:"action_id"`
	Type       ActionType        `json:"type"`
	Status     ActionStatus      `json:"status"`
	Phase      Phase             `json:"phase"`
	Level      int               `json:"level"`
	Sequence   int               `json:"sequence,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Error      string            `json:"error,omitempty"`
	TimedOut   bool              `json:"timed_out,omitempty"`
	Output     map[string]string `json:"output,omitempty"`
}

// Downgrade records the substitution of a safer variant for a low-confidence
// irreversible action.
type Downgrade struct {
	ActionID   string     `json:"action_id"`
	From       ActionType `json:"from"`
	To         ActionType `json:"to,omitempty"`
	Confidence float64    `json:"confidence"`
	Threshold  float64    `json:"threshold"`
	Held       bool       `json:"held,omitempty"`
}

// RollbackEntry is the undo record for one action.
type RollbackEntry struct {
	ActionID string        `json:"action_id"`
	Sequence int           `json:"sequence"`
	Undone   bool          `json:"undone"`
	Skipped  bool          `json:"skipped,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RollbackReport lists undo attempts in the order they were made.
type RollbackReport struct {
	Entries  []RollbackEntry `json:"entries"`
	Complete bool            `json:"complete"`
}

// Order returns the action ids in rollback order.
func (r *RollbackReport) Order() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.ActionID
	}
	return ids
}

// ExecutionResult is produced once per execution attempt and retained for audit.
type ExecutionResult struct {
	ExecutionID      string          `json:"execution_id"`
	PlanID           string          `json:"plan_id"`
	PlanRevision     int             `json:"plan_revision"`
	EventID          string          `json:"event_id"`
	Success          bool            `json:"success"`
	Executed         []ActionOutcome `json:"executed"`
	PartialExecution []ActionOutcome `json:"partial_execution,omitempty"`
	Skipped          []string        `json:"skipped,omitempty"`
	Held             []string        `json:"held,omitempty"`
	Downgrades       []Downgrade     `json:"downgrades,omitempty"`
	Excluded         []string        `json:"excluded,omitempty"`
	OptionalPending  []string        `json:"optional_pending,omitempty"`
	NeedsReview      bool            `json:"needs_review,omitempty"`
	Error            string          `json:"error,omitempty"`
	AbortPhase       Phase           `json:"abort_phase,omitempty"`
	Rollback         *RollbackReport `json:"rollback,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	Elapsed          time.Duration   `json:"elapsed"`
}

// ExecutedIDs returns the ids of executed actions in completion order.
func (r *ExecutionResult) ExecutedIDs() []string {
	ids := make([]string, len(r.Executed))
	for i, o := range r.Executed {
		ids[i] = o.ActionID
	}
	return ids
}

// Outcome finds the outcome for an action among executed and partial results.
func (r *ExecutionResult) Outcome(id string) (ActionOutcome, bool) {
	for _, o := range r.Executed {
		if o.ActionID == id {
			return o, true
		}
	}
	for _, o := range r.PartialExecution {
		if o.ActionID == id {
			return o, true
		}
	}
	return ActionOutcome{}, false
}
