// Package rollback reverses completed actions after an abort.
//
// Rollback is a best-effort safety net, not a second transaction: every
// SUCCEEDED action is undone in strict reverse completion order, and a failing
// undo is recorded and logged without stopping the actions completed before it.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/observability"
)

// DefaultUndoTimeout bounds a single undo call.
const DefaultUndoTimeout = 30 * time.Second

// Completed pairs an action instance with its outcome.
type Completed struct {
	Action  action.Action
	Outcome contracts.ActionOutcome
}

// RollbackError records an undo that did not fully reverse its action. It is
// reported, never returned as fatal.
type RollbackError struct {
	ActionID string
	Reason   string
	Err      error
}

func (e *RollbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollback of %s: %s: %v", e.ActionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("rollback of %s: %s", e.ActionID, e.Reason)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Manager is the rollback manager. It remembers which actions of a plan it
// has undone so repeated rollbacks of that plan do not undo anything twice,
// until Forget drops the plan.
type Manager struct {
	mu      sync.Mutex
	undone  map[string]map[string]bool
	timeout time.Duration
	logger  *slog.Logger
	obs     *observability.Provider
}

// Option configures a Manager.
type Option func(*Manager)

// WithUndoTimeout bounds each undo call.
func WithUndoTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option { return func(m *Manager) { m.obs = p } }

// NewManager returns a rollback manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		undone:  make(map[string]map[string]bool),
		timeout: DefaultUndoTimeout,
		logger:  slog.Default().With("component", "rollback"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Order returns the SUCCEEDED entries of done in rollback order: descending
// completion sequence.
func Order(done []Completed) []Completed {
	out := make([]Completed, 0, len(done))
	for _, d := range done {
		if d.Outcome.Status == contracts.StatusSucceeded {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Outcome.Sequence > out[j].Outcome.Sequence })
	return out
}

// Rollback undoes every SUCCEEDED action of done in reverse completion order.
// Undo runs detached from ctx cancellation; each call is bounded by the undo
// timeout.
func (m *Manager) Rollback(ctx context.Context, planID string, done []Completed) *contracts.RollbackReport {
	report := &contracts.RollbackReport{Complete: true}
	for _, d := range Order(done) {
		entry := m.undo(ctx, planID, d)
		if !entry.Undone {
			report.Complete = false
		}
		report.Entries = append(report.Entries, entry)
	}
	m.logger.InfoContext(ctx, "rollback finished",
		"plan_id", planID,
		"entries", len(report.Entries),
		"complete", report.Complete,
	)
	m.obs.RecordRollback(ctx, report.Complete)
	return report
}

// Forget drops what the manager remembers about planID. Callers invoke it
// once the plan is terminal and can no longer be rolled back.
func (m *Manager) Forget(planID string) {
	m.mu.Lock()
	delete(m.undone, planID)
	m.mu.Unlock()
}

// Tracked returns how many plans the manager still remembers.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undone)
}

func (m *Manager) undo(ctx context.Context, planID string, d Completed) contracts.RollbackEntry {
	id := d.Outcome.ActionID
	entry := contracts.RollbackEntry{ActionID: id, Sequence: d.Outcome.Sequence}

	m.mu.Lock()
	already := m.undone[planID][id]
	m.mu.Unlock()
	if already {
		entry.Undone = true
		entry.Reason = "already undone"
		return entry
	}

	if d.Action == nil || !d.Action.CanUndo() {
		rerr := &RollbackError{ActionID: id, Reason: "action is not reversible"}
		m.logger.WarnContext(ctx, "rollback skipped irreversible action", "plan_id", planID, "action_id", id, "error", rerr)
		entry.Skipped = true
		entry.Reason = rerr.Reason
		entry.Error = rerr.Error()
		return entry
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	uctx, finish := m.obs.TrackOperation(uctx, "action.undo",
		observability.ActionOperation(planID, id, string(d.Action.Type()), string(d.Outcome.Phase), d.Outcome.Level)...)

	start := time.Now()
	ok, perr := safeUndo(uctx, d.Action)
	entry.Duration = time.Since(start)

	switch {
	case perr != nil:
		rerr := &RollbackError{ActionID: id, Reason: "undo panicked", Err: perr}
		finish(rerr)
		m.logger.WarnContext(ctx, "undo failed", "plan_id", planID, "action_id", id, "error", rerr)
		entry.Reason = rerr.Reason
		entry.Error = rerr.Error()
	case !ok:
		rerr := &RollbackError{ActionID: id, Reason: "undo reported partial reversal"}
		finish(rerr)
		m.logger.WarnContext(ctx, "undo failed", "plan_id", planID, "action_id", id, "error", rerr)
		entry.Reason = rerr.Reason
		entry.Error = rerr.Error()
	default:
		finish(nil)
		entry.Undone = true
		m.mu.Lock()
		if m.undone[planID] == nil {
			m.undone[planID] = make(map[string]bool)
		}
		m.undone[planID][id] = true
		m.mu.Unlock()
	}
	return entry
}

func safeUndo(ctx context.Context, a action.Action) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Undo(ctx), nil
}

// VerifyOrdering checks the completion order of done: no action that cannot
// be undone may have completed before a required-enrichment action of the
// same run.
func VerifyOrdering(done []Completed) error {
	lastRequired := 0
	for _, d := range done {
		if d.Outcome.Status != contracts.StatusSucceeded || d.Action == nil {
			continue
		}
		if d.Action.Candidate().HasTag(contracts.TagRequiredEnrichment) && d.Outcome.Sequence > lastRequired {
			lastRequired = d.Outcome.Sequence
		}
	}
	for _, d := range done {
		if d.Outcome.Status != contracts.StatusSucceeded || d.Action == nil {
			continue
		}
		c := d.Action.Candidate()
		irreversible := !d.Action.CanUndo() || c.HasTag(contracts.TagIrreversible)
		if irreversible && d.Outcome.Sequence < lastRequired {
			return fmt.Errorf("rollback: irreversible action %s completed (seq %d) before required enrichment (seq %d)",
				d.Outcome.ActionID, d.Outcome.Sequence, lastRequired)
		}
	}
	return nil
}
