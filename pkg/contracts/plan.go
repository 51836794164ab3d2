package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ApprovalMode routes a plan to automatic execution or human review.
type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "auto"
	ApprovalReview ApprovalMode = "review"
	ApprovalManual ApprovalMode = "manual"
)

// EdgeKind records why an ordering edge exists.
type EdgeKind string

const (
	// EdgeDeclared comes from a candidate's own DependsOn list.
	EdgeDeclared EdgeKind = "declared"
	// EdgeProducerConsumer comes from a type-level producer/consumer relation.
	EdgeProducerConsumer EdgeKind = "producer_consumer"
	// EdgeCaptureBeforeCommit orders a required enrichment before an
	// irreversible or source-disposing action of the same event.
	EdgeCaptureBeforeCommit EdgeKind = "capture_before_commit"
)

// Edge orders From before To.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// PlannedAction is a candidate accepted into a plan together with the verdicts
// computed for it at planning time.
type PlannedAction struct {
	Candidate  ActionCandidate   `json:"candidate"`
	Risk       RiskAssessment    `json:"risk"`
	Enrichment *EnrichmentRecord `json:"enrichment,omitempty"`
}

// ID returns the candidate identifier.
func (a PlannedAction) ID() string { return a.Candidate.ID }

// RejectedAlternative is a candidate dropped in favour of a conflicting one.
// It is never executed and is kept only to explain the decision.
type RejectedAlternative struct {
	Candidate ActionCandidate `json:"candidate"`
	KeptID    string          `json:"kept_id,omitempty"`
	Rationale string          `json:"rationale"`
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanSnoozed   PlanStatus = "snoozed"
	PlanCancelled PlanStatus = "cancelled"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanAborted   PlanStatus = "aborted"
)

// ActionPlan is the validated, ordered output of planning for one event.
//
// Exported fields are fixed at creation. The only mutable part is the
// lifecycle status, which may move to cancelled or snoozed until execution
// begins.
type ActionPlan struct {
	ID           string                `json:"id"`
	Revision     int                   `json:"revision"`
	Event        Event                 `json:"event"`
	CreatedAt    time.Time             `json:"created_at"`
	Actions      []PlannedAction       `json:"actions"`
	Edges        []Edge                `json:"edges"`
	ApprovalMode ApprovalMode          `json:"approval_mode"`
	ApprovalRule string                `json:"approval_rule,omitempty"`
	Confidence   float64               `json:"confidence"`
	HighStakes   bool                  `json:"high_stakes,omitempty"`
	Risks        []RiskAssessment      `json:"risks"`
	Rejected     []RejectedAlternative `json:"rejected,omitempty"`
	Excluded     []RejectedAlternative `json:"excluded,omitempty"`

	// History is the context the plan was built with; kept for rebuilds.
	History HistoricalContext `json:"-"`

	mu           sync.Mutex
	status       PlanStatus
	snoozedUntil time.Time
}

// NewActionPlan returns a pending plan.
func NewActionPlan(id string, event Event, createdAt time.Time) *ActionPlan {
	return &ActionPlan{
		ID:        id,
		Revision:  1,
		Event:     event,
		CreatedAt: createdAt,
		status:    PlanPending,
	}
}

// EventID returns the originating event identifier.
func (p *ActionPlan) EventID() string { return p.Event.ID }

// IsEmpty reports whether the plan has nothing to execute.
func (p *ActionPlan) IsEmpty() bool { return len(p.Actions) == 0 }

// Action looks up a planned action by candidate id.
func (p *ActionPlan) Action(id string) (PlannedAction, bool) {
	for _, a := range p.Actions {
		if a.Candidate.ID == id {
			return a, true
		}
	}
	return PlannedAction{}, false
}

// DependenciesOf returns the ids that must succeed before id may start.
func (p *ActionPlan) DependenciesOf(id string) []string {
	var deps []string
	for _, e := range p.Edges {
		if e.To == id {
			deps = append(deps, e.From)
		}
	}
	return deps
}

// IDs returns the action ids in plan order.
func (p *ActionPlan) IDs() []string {
	ids := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		ids[i] = a.Candidate.ID
	}
	return ids
}

// Status returns the current lifecycle status.
func (p *ActionPlan) Status() PlanStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Cancel withdraws the plan. It fails once execution has begun.
func (p *ActionPlan) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case PlanPending, PlanSnoozed:
		p.status = PlanCancelled
		return nil
	case PlanCancelled:
		return nil
	default:
		return fmt.Errorf("%w: plan %s is %s", ErrPlanNotCancellable, p.ID, p.status)
	}
}

// Snooze defers the plan until the given time. It fails once execution has begun.
func (p *ActionPlan) Snooze(until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case PlanPending, PlanSnoozed:
		p.status = PlanSnoozed
		p.snoozedUntil = until
		return nil
	default:
		return fmt.Errorf("%w: plan %s is %s", ErrPlanNotCancellable, p.ID, p.status)
	}
}

// SnoozedUntil returns the snooze deadline, zero when not snoozed.
func (p *ActionPlan) SnoozedUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PlanSnoozed {
		return time.Time{}
	}
	return p.snoozedUntil
}

// BeginExecution moves the plan to executing. A snoozed plan becomes runnable
// once its snooze deadline has passed.
func (p *ActionPlan) BeginExecution(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case PlanPending:
	case PlanSnoozed:
		if now.Before(p.snoozedUntil) {
			return fmt.Errorf("%w: plan %s snoozed until %s", ErrPlanNotRunnable, p.ID, p.snoozedUntil.Format(time.RFC3339))
		}
	case PlanExecuting:
		return fmt.Errorf("%w: plan %s", ErrPlanInProgress, p.ID)
	default:
		return fmt.Errorf("%w: plan %s is %s", ErrPlanNotRunnable, p.ID, p.status)
	}
	p.status = PlanExecuting
	return nil
}

// Finish records the terminal status of an execution attempt.
func (p *ActionPlan) Finish(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.status = PlanCompleted
	} else {
		p.status = PlanAborted
	}
}

// Fingerprint is a content hash over the executable parts of the plan. An
// approval issued for one fingerprint does not carry over to a rebuilt plan.
func (p *ActionPlan) Fingerprint() string {
	hashable := struct {
		ID       string          `json:"id"`
		Revision int             `json:"revision"`
		EventID  string          `json:"event_id"`
		Actions  []PlannedAction `json:"actions"`
		Edges    []Edge          `json:"edges"`
		Mode     ApprovalMode    `json:"mode"`
	}{p.ID, p.Revision, p.Event.ID, p.Actions, p.Edges, p.ApprovalMode}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// MarshalJSON includes the lifecycle status next to the immutable fields.
func (p *ActionPlan) MarshalJSON() ([]byte, error) {
	type plain struct {
		ID           string                `json:"id"`
		Revision     int                   `json:"revision"`
		Event        Event                 `json:"event"`
		CreatedAt    time.Time             `json:"created_at"`
		Actions      []PlannedAction       `json:"actions"`
		Edges        []Edge                `json:"edges"`
		ApprovalMode ApprovalMode          `json:"approval_mode"`
		ApprovalRule string                `json:"approval_rule,omitempty"`
		Confidence   float64               `json:"confidence"`
		HighStakes   bool                  `json:"high_stakes,omitempty"`
		Risks        []RiskAssessment      `json:"risks"`
		Rejected     []RejectedAlternative `json:"rejected,omitempty"`
		Excluded     []RejectedAlternative `json:"excluded,omitempty"`
		Status       PlanStatus            `json:"status"`
		Fingerprint  string                `json:"fingerprint"`
	}
	return json.Marshal(plain{
		ID:           p.ID,
		Revision:     p.Revision,
		Event:        p.Event,
		CreatedAt:    p.CreatedAt,
		Actions:      p.Actions,
		Edges:        p.Edges,
		ApprovalMode: p.ApprovalMode,
		ApprovalRule: p.ApprovalRule,
		Confidence:   p.Confidence,
		HighStakes:   p.HighStakes,
		Risks:        p.Risks,
		Rejected:     p.Rejected,
		Excluded:     p.Excluded,
		Status:       p.Status(),
		Fingerprint:  p.Fingerprint(),
	})
}
