// Package executor runs a plan's actions level by level. Every action of a
// level whose dependencies have succeeded runs concurrently on a bounded
// worker pool; the next level starts only after every action of the current
// level is terminal. A failure stops the run unless it is best-effort:
// actions that have not started are skipped, in-flight actions run to
// completion or timeout.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
	"github.com/Mindburn-Labs/safeact/pkg/observability"
	"github.com/Mindburn-Labs/safeact/pkg/rollback"
)

// Defaults.
const (
	DefaultWorkers = 4
	DefaultTimeout = 30 * time.Second
)

var ErrDependencyNotSatisfied = errors.New("executor: dependency not satisfied")

// Sequence hands out completion sequence numbers. One Sequence is shared by
// every run of an execution attempt so completion order is global.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequence) Next() int { return int(s.n.Add(1)) }

// Run is one DAG run.
type Run struct {
	PlanID  string
	Phase   contracts.Phase
	Actions map[string]action.Action
	Graph   *dependency.Graph
	// Satisfied lists dependencies that succeeded before this run.
	Satisfied map[string]bool
	// Revalidate runs Validate right before Execute.
	Revalidate bool
	// BestEffort keeps the run going after a failure. Only dependents of the
	// failed action are skipped.
	BestEffort bool
	Sequence   *Sequence
}

// RunResult is what a run produced.
type RunResult struct {
	// Outcomes of actions that ran, in completion order.
	Outcomes []contracts.ActionOutcome
	// Skipped holds the actions that never started.
	Skipped []contracts.ActionOutcome
	// Err is the first failure, nil when every action succeeded.
	Err error
	// Failed is the id of the action behind Err.
	Failed string
}

// Succeeded returns the ids that succeeded, in completion order.
func (r *RunResult) Succeeded() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status == contracts.StatusSucceeded {
			ids = append(ids, o.ActionID)
		}
	}
	return ids
}

// Executor is the DAG executor.
type Executor struct {
	registry *action.Registry
	workers  int
	timeout  time.Duration
	limiter  *rate.Limiter
	rollback *rollback.Manager
	clock    func() time.Time
	logger   *slog.Logger
	obs      *observability.Provider

	late sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers bounds concurrency within a level.
func WithWorkers(n int) Option { return func(x *Executor) { x.workers = n } }

// WithTimeout bounds each Execute call.
func WithTimeout(d time.Duration) Option { return func(x *Executor) { x.timeout = d } }

// WithRateLimit limits how fast actions are dispatched. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(x *Executor) {
		if rps <= 0 {
			x.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		x.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRollback makes Execute roll back completed actions when a run fails.
func WithRollback(m *rollback.Manager) Option { return func(x *Executor) { x.rollback = m } }

func WithClock(clock func() time.Time) Option            { return func(x *Executor) { x.clock = clock } }
func WithLogger(l *slog.Logger) Option                   { return func(x *Executor) { x.logger = l } }
func WithObservability(p *observability.Provider) Option { return func(x *Executor) { x.obs = p } }

// New returns an executor. The registry is only needed by Execute.
func New(registry *action.Registry, opts ...Option) *Executor {
	x := &Executor{
		registry: registry,
		workers:  DefaultWorkers,
		timeout:  DefaultTimeout,
		clock:    time.Now,
		logger:   slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.workers < 1 {
		x.workers = 1
	}
	if x.timeout <= 0 {
		x.timeout = DefaultTimeout
	}
	return x
}

// Instantiate builds the action instances for every planned action.
func (x *Executor) Instantiate(plan *contracts.ActionPlan) (map[string]action.Action, error) {
	out := make(map[string]action.Action, len(plan.Actions))
	for _, pa := range plan.Actions {
		a, err := x.registry.New(pa.Candidate)
		if err != nil {
			return nil, err
		}
		out[pa.ID()] = a
	}
	return out, nil
}

// Execute runs a whole plan as a single unphased DAG. When a rollback
// manager is configured, a failure rolls back what already succeeded.
func (x *Executor) Execute(ctx context.Context, plan *contracts.ActionPlan) (result *contracts.ExecutionResult, err error) {
	ctx, finish := x.obs.TrackOperation(ctx, "execute_plan", observability.PlanOperation(plan.ID, plan.EventID(), len(plan.Actions))...)
	defer func() { finish(err) }()

	if err := plan.BeginExecution(x.clock()); err != nil {
		return nil, err
	}
	actions, err := x.Instantiate(plan)
	if err != nil {
		plan.Finish(false)
		return nil, err
	}

	start := x.clock()
	result = &contracts.ExecutionResult{
		ExecutionID:  uuid.New().String(),
		PlanID:       plan.ID,
		PlanRevision: plan.Revision,
		EventID:      plan.EventID(),
		StartedAt:    start,
	}

	run := x.RunGraph(ctx, Run{
		PlanID:     plan.ID,
		Phase:      contracts.PhaseUnphased,
		Actions:    actions,
		Graph:      dependency.NewGraph(plan.IDs(), plan.Edges),
		Revalidate: true,
		Sequence:   &Sequence{},
	})
	Collect(result, run)
	result.Success = run.Err == nil && len(run.Skipped) == 0
	if run.Err != nil {
		result.Error = run.Err.Error()
		result.AbortPhase = contracts.PhaseUnphased
		if x.rollback != nil {
			result.Rollback = x.rollback.Rollback(ctx, plan.ID, Completed(actions, run.Outcomes))
			x.rollback.Forget(plan.ID)
		}
	}
	result.Elapsed = x.clock().Sub(start)
	plan.Finish(result.Success)
	return result, nil
}

// Collect folds a run into an execution result: successes go to Executed,
// failures to PartialExecution, never-started actions to Skipped.
func Collect(result *contracts.ExecutionResult, run RunResult) {
	for _, o := range run.Outcomes {
		if o.Status == contracts.StatusSucceeded {
			result.Executed = append(result.Executed, o)
		} else {
			result.PartialExecution = append(result.PartialExecution, o)
		}
	}
	for _, o := range run.Skipped {
		result.Skipped = append(result.Skipped, o.ActionID)
	}
}

// Completed pairs outcomes with the instances that produced them.
func Completed(actions map[string]action.Action, outcomes []contracts.ActionOutcome) []rollback.Completed {
	out := make([]rollback.Completed, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, rollback.Completed{Action: actions[o.ActionID], Outcome: o})
	}
	return out
}

// RunGraph executes run.Graph level by level.
func (x *Executor) RunGraph(ctx context.Context, run Run) RunResult {
	if run.Sequence == nil {
		run.Sequence = &Sequence{}
	}
	levels, err := run.Graph.Levels()
	if err != nil {
		return RunResult{Err: err}
	}

	var (
		mu        sync.Mutex
		res       RunResult
		succeeded = make(map[string]bool)
		aborted   atomic.Bool
	)
	skip := func(id string, level int, reason string) {
		mu.Lock()
		defer mu.Unlock()
		res.Skipped = append(res.Skipped, x.outcome(run, id, level, contracts.StatusSkipped, reason))
	}
	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if res.Err == nil {
			res.Err = err
			res.Failed = id
		}
		if !run.BestEffort {
			aborted.Store(true)
		}
	}

	for li, level := range levels {
		if err := ctx.Err(); err != nil && !aborted.Load() {
			aborted.Store(true)
			fail("", fmt.Errorf("executor: run cancelled before level %d: %w", li, err))
		}
		if aborted.Load() {
			for _, id := range level {
				skip(id, li, "run aborted")
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(x.workers)
		for _, id := range level {
			id := id
			a, ok := run.Actions[id]
			if !ok {
				skip(id, li, "no action instance")
				fail(id, fmt.Errorf("executor: no instance for %s", id))
				continue
			}
			if missing := x.unsatisfied(run, id, succeeded, &mu); missing != "" {
				skip(id, li, "dependency "+missing+" did not succeed")
				if !run.BestEffort {
					fail(id, fmt.Errorf("%w: %s needs %s", ErrDependencyNotSatisfied, id, missing))
				}
				continue
			}
			g.Go(func() error {
				if aborted.Load() {
					skip(id, li, "run aborted")
					return nil
				}
				if x.limiter != nil {
					if err := x.limiter.Wait(ctx); err != nil {
						skip(id, li, "dispatch cancelled")
						fail(id, fmt.Errorf("executor: dispatch %s: %w", id, err))
						return nil
					}
				}
				o, err := x.runOne(ctx, run, a, li)
				mu.Lock()
				res.Outcomes = append(res.Outcomes, o)
				if o.Status == contracts.StatusSucceeded {
					succeeded[id] = true
				}
				mu.Unlock()
				if err != nil {
					fail(id, err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.SliceStable(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].Sequence < res.Outcomes[j].Sequence })
	return res
}

func (x *Executor) unsatisfied(run Run, id string, succeeded map[string]bool, mu *sync.Mutex) string {
	mu.Lock()
	defer mu.Unlock()
	for _, dep := range run.Graph.DependenciesOf(id) {
		if !succeeded[dep] && !run.Satisfied[dep] {
			return dep
		}
	}
	return ""
}

func (x *Executor) outcome(run Run, id string, level int, status contracts.ActionStatus, reason string) contracts.ActionOutcome {
	o := contracts.ActionOutcome{ActionID: id, Status: status, Phase: run.Phase, Level: level, Error: reason}
	if a, ok := run.Actions[id]; ok {
		o.Type = a.Type()
	}
	return o
}

type execResult struct {
	res action.ActionResult
	err error
}

// runOne validates (when asked) and executes a single action under the
// per-action timeout. The timeout context is detached from ctx: once started
// an action is never cancelled by the caller, only by its own deadline.
func (x *Executor) runOne(ctx context.Context, run Run, a action.Action, level int) (contracts.ActionOutcome, error) {
	o := contracts.ActionOutcome{
		ActionID:  a.ID(),
		Type:      a.Type(),
		Status:    contracts.StatusRunning,
		Phase:     run.Phase,
		Level:     level,
		StartedAt: x.clock(),
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.timeout)
	defer cancel()
	actx, finish := x.obs.TrackOperation(actx, "action.execute",
		observability.ActionOperation(run.PlanID, a.ID(), string(a.Type()), string(run.Phase), level)...)

	var err error
	if run.Revalidate {
		err = action.Check(actx, a)
	}
	if err == nil {
		done := make(chan execResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- execResult{err: fmt.Errorf("panic: %v", r)}
				}
			}()
			res, err := a.Execute(actx)
			done <- execResult{res: res, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				o.TimedOut = errors.Is(actx.Err(), context.DeadlineExceeded)
				err = &action.ActionExecutionError{ActionID: a.ID(), TimedOut: o.TimedOut, Err: r.err}
			} else {
				o.Output = r.res.Output
			}
		case <-actx.Done():
			o.TimedOut = true
			err = &action.ActionExecutionError{ActionID: a.ID(), TimedOut: true, Err: actx.Err()}
			x.late.Add(1)
			go x.compensateLate(ctx, run, a, done)
		}
	}

	o.FinishedAt = x.clock()
	o.Duration = o.FinishedAt.Sub(o.StartedAt)
	o.Sequence = run.Sequence.Next()
	finish(err)

	if err != nil {
		o.Status = contracts.StatusFailed
		o.Error = err.Error()
		x.logger.WarnContext(ctx, "action failed",
			"plan_id", run.PlanID,
			"action_id", a.ID(),
			"phase", run.Phase,
			"timed_out", o.TimedOut,
			"error", err,
		)
		return o, err
	}
	o.Status = contracts.StatusSucceeded
	x.logger.DebugContext(ctx, "action succeeded", "plan_id", run.PlanID, "action_id", a.ID(), "duration", o.Duration)
	return o, nil
}

// compensateLate waits for an action that outlived its timeout. The run has
// already counted it as failed, so rollback never sees it: a late success is
// undone here.
func (x *Executor) compensateLate(ctx context.Context, run Run, a action.Action, done <-chan execResult) {
	defer x.late.Done()
	r := <-done
	if r.err != nil {
		return
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.timeout)
	defer cancel()
	undone := false
	if a.CanUndo() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					undone = false
				}
			}()
			undone = a.Undo(uctx)
		}()
	}
	if !undone {
		x.logger.ErrorContext(ctx, "late completion could not be undone",
			"plan_id", run.PlanID,
			"action_id", a.ID(),
			"phase", run.Phase,
		)
		return
	}
	x.logger.WarnContext(ctx, "late completion undone", "plan_id", run.PlanID, "action_id", a.ID(), "phase", run.Phase)
}

// Wait blocks until every action that outlived its timeout has returned and,
// on success, been undone.
func (x *Executor) Wait() { x.late.Wait() }
