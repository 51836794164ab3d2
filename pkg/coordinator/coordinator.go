// Package coordinator executes a plan as one unit. Actions are partitioned
// into required enrichments, the commit set and optional enrichments. The
// required set runs first and any failure there aborts the plan before an
// irreversible action can start. The commit set follows, with low-confidence
// irreversible actions downgraded to a safer variant. Optional enrichments
// run last, in the background, and never abort anything.
//
// An aborted plan is rolled back and its originating event is held in the
// queue, so captured information is never silently dropped.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/safeact/pkg/claims"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/executor"
	"github.com/Mindburn-Labs/safeact/pkg/observability"
	"github.com/Mindburn-Labs/safeact/pkg/planner"
	"github.com/Mindburn-Labs/safeact/pkg/queue"
	"github.com/Mindburn-Labs/safeact/pkg/review"
	"github.com/Mindburn-Labs/safeact/pkg/rollback"
)

// DefaultThreshold is the confidence an irreversible action needs to commit
// without a downgrade.
const DefaultThreshold = 0.7

var (
	ErrPlanClaimed      = errors.New("coordinator: plan is already being executed")
	ErrApprovalRequired = errors.New("coordinator: plan requires approval")
)

// ApprovalRequiredError is returned for a REVIEW or MANUAL plan executed
// without an approval covering it. Request is the ledger entry to decide.
type ApprovalRequiredError struct {
	Request *review.Request
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("plan %s requires %s approval (%s): request %s",
		e.Request.PlanID, e.Request.Mode, e.Request.Rule, e.Request.ID)
}

func (e *ApprovalRequiredError) Unwrap() error { return ErrApprovalRequired }

// AbortError is the structured reason an execution attempt aborted. Reason
// is the user-visible message, e.g. "required enrichment note failed: note
// ref-1 no longer exists".
type AbortError struct {
	PlanID   string
	ActionID string
	Phase    contracts.Phase
	Reason   string
	Err      error
}

func (e *AbortError) Error() string { return e.Reason }

func (e *AbortError) Unwrap() error { return e.Err }

// ExecutionLog receives every execution result for post-hoc calibration.
// Outcomes of the background optional phase are appended once it finishes.
type ExecutionLog interface {
	Append(ctx context.Context, r *contracts.ExecutionResult) error
	AppendOutcomes(ctx context.Context, executionID string, outcomes []contracts.ActionOutcome) error
}

// Coordinator is the transaction coordinator.
type Coordinator struct {
	planner   *planner.Engine
	executor  *executor.Executor
	rollback  *rollback.Manager
	claims    claims.Store
	queue     queue.Queue
	ledger    *review.Ledger
	log       ExecutionLog
	threshold func(contracts.ActionType) float64
	claimTTL  time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	obs       *observability.Provider

	wg sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClaims(s claims.Store) Option         { return func(c *Coordinator) { c.claims = s } }
func WithQueue(q queue.Queue) Option           { return func(c *Coordinator) { c.queue = q } }
func WithLedger(l *review.Ledger) Option       { return func(c *Coordinator) { c.ledger = l } }
func WithExecutionLog(l ExecutionLog) Option   { return func(c *Coordinator) { c.log = l } }
func WithExecutor(x *executor.Executor) Option { return func(c *Coordinator) { c.executor = x } }
func WithRollback(m *rollback.Manager) Option  { return func(c *Coordinator) { c.rollback = m } }
func WithClaimTTL(d time.Duration) Option      { return func(c *Coordinator) { c.claimTTL = d } }
func WithClock(clock func() time.Time) Option  { return func(c *Coordinator) { c.clock = clock } }
func WithLogger(l *slog.Logger) Option         { return func(c *Coordinator) { c.logger = l } }

func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// WithThresholds sets the per-type execution threshold for irreversible
// actions in the commit set.
func WithThresholds(fn func(contracts.ActionType) float64) Option {
	return func(c *Coordinator) { c.threshold = fn }
}

// New returns a coordinator that plans with p. Stores not supplied by
// options are in-memory.
func New(p *planner.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		planner:   p,
		threshold: func(contracts.ActionType) float64 { return DefaultThreshold },
		claimTTL:  claims.DefaultTTL,
		clock:     time.Now,
		logger:    slog.Default().With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.executor == nil {
		c.executor = executor.New(p.Registry(), executor.WithLogger(c.logger), executor.WithObservability(c.obs))
	}
	if c.rollback == nil {
		c.rollback = rollback.NewManager(rollback.WithLogger(c.logger), rollback.WithObservability(c.obs))
	}
	if c.claims == nil {
		c.claims = claims.NewMemoryStore()
	}
	if c.queue == nil {
		c.queue = queue.NewMemoryQueue(queue.DefaultBackoff())
	}
	if c.ledger == nil {
		c.ledger = review.NewLedger(0)
	}
	return c
}

// Ledger returns the review ledger plans are routed to.
func (c *Coordinator) Ledger() *review.Ledger { return c.ledger }

// Queue returns the held-event queue.
func (c *Coordinator) Queue() queue.Queue { return c.queue }

// Wait blocks until every background optional phase has finished and every
// action that outlived its timeout has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
	c.executor.Wait()
}

// ProcessEvent plans the candidates of one event and executes the plan. A
// planning failure holds the event for review and returns the error.
func (c *Coordinator) ProcessEvent(ctx context.Context, event contracts.Event, cands []contracts.ActionCandidate, history contracts.HistoricalContext) (*contracts.ActionPlan, *contracts.ExecutionResult, error) {
	plan, err := c.planner.Plan(ctx, event, cands, history)
	if err != nil {
		c.hold(ctx, queue.Item{
			EventID: event.ID,
			Kind:    queue.KindReview,
			Reason:  "planning failed: " + err.Error(),
			Payload: queue.Payload{Event: event, Candidates: cands, History: history},
		})
		return nil, nil, err
	}
	result, err := c.Execute(ctx, plan, nil)
	return plan, result, err
}

// Execute runs one execution attempt of plan. AUTO plans run directly; other
// plans need an approval that covers them, otherwise the plan is submitted to
// the review ledger and an *ApprovalRequiredError is returned.
//
// On abort the populated result is returned together with an *AbortError.
// The returned result is never modified afterwards: outcomes of the optional
// phase go to the execution log.
func (c *Coordinator) Execute(ctx context.Context, plan *contracts.ActionPlan, approval *review.Approval) (result *contracts.ExecutionResult, err error) {
	ctx, finish := c.obs.TrackOperation(ctx, "coordinator.execute", observability.PlanOperation(plan.ID, plan.EventID(), len(plan.Actions))...)
	defer func() { finish(err) }()

	if plan.ApprovalMode != contracts.ApprovalAuto && !approval.Covers(plan) {
		req, err := c.ledger.Submit(ctx, plan, plan.ApprovalRule)
		if err != nil {
			return nil, fmt.Errorf("coordinator: submit plan %s for review: %w", plan.ID, err)
		}
		c.logger.InfoContext(ctx, "plan routed to review",
			"plan_id", plan.ID,
			"event_id", plan.EventID(),
			"mode", plan.ApprovalMode,
			"rule", plan.ApprovalRule,
			"request_id", req.ID,
		)
		return nil, &ApprovalRequiredError{Request: req}
	}

	owner := uuid.New().String()
	ok, err := c.claims.Acquire(ctx, plan.ID, owner, c.claimTTL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: claim plan %s: %w", plan.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanClaimed, plan.ID)
	}
	release := func() {
		if err := c.claims.Release(context.WithoutCancel(ctx), plan.ID, owner); err != nil {
			c.logger.WarnContext(ctx, "failed to release plan claim", "plan_id", plan.ID, "error", err)
		}
	}

	if err := plan.BeginExecution(c.clock()); err != nil {
		release()
		return nil, err
	}

	t := newTxn(c, plan)
	abortErr := t.run(ctx)
	background := t.startOptional(ctx, release)
	if !background {
		release()
	}
	if abortErr != nil {
		return t.result, abortErr
	}
	return t.result, nil
}

// RetryDue plans and executes every held event whose retry is due. Events
// that now complete, or that were handed to the review ledger, leave the
// queue; the others stay held with a bumped attempt count. It returns how
// many events were resolved.
func (c *Coordinator) RetryDue(ctx context.Context) (int, error) {
	for _, r := range c.ledger.CheckTimeouts(ctx) {
		c.logger.WarnContext(ctx, "review request expired",
			"request_id", r.ID,
			"plan_id", r.PlanID,
			"event_id", r.EventID,
			"mode", r.Mode,
		)
	}
	items, err := c.queue.Due(ctx, c.clock())
	if err != nil {
		return 0, fmt.Errorf("coordinator: list due events: %w", err)
	}
	resolved := 0
	for _, it := range items {
		_, result, err := c.ProcessEvent(ctx, it.Event, it.Candidates, it.History)
		switch {
		case errors.Is(err, ErrApprovalRequired):
		case err != nil:
			c.logger.InfoContext(ctx, "held event still failing",
				"event_id", it.EventID,
				"attempts", it.Attempts+1,
				"error", err,
			)
			continue
		case result.NeedsReview:
			continue
		}
		if err := c.queue.Resolve(ctx, it.EventID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return resolved, fmt.Errorf("coordinator: resolve %s: %w", it.EventID, err)
		}
		resolved++
	}
	return resolved, nil
}

func (c *Coordinator) hold(ctx context.Context, item queue.Item) {
	held, err := c.queue.Hold(ctx, item)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to hold event", "event_id", item.EventID, "reason", item.Reason, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "event held",
		"event_id", held.EventID,
		"kind", held.Kind,
		"attempts", held.Attempts,
		"next_attempt_at", held.NextAttemptAt,
		"reason", held.Reason,
	)
	c.obs.RecordHeld(ctx, string(held.Kind))
}
