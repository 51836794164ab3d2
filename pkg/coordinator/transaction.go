package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
	"github.com/Mindburn-Labs/safeact/pkg/executor"
	"github.com/Mindburn-Labs/safeact/pkg/observability"
	"github.com/Mindburn-Labs/safeact/pkg/queue"
	"github.com/Mindburn-Labs/safeact/pkg/rollback"
)

// txn is one execution attempt of a plan.
type txn struct {
	c        *Coordinator
	original *contracts.ActionPlan
	// plan is original, or its rebuild once preflight excluded actions.
	plan      *contracts.ActionPlan
	actions   map[string]action.Action
	graph     *dependency.Graph
	seq       *executor.Sequence
	done      []rollback.Completed
	succeeded map[string]bool
	optional  []string
	result    *contracts.ExecutionResult
}

func newTxn(c *Coordinator, plan *contracts.ActionPlan) *txn {
	return &txn{
		c:         c,
		original:  plan,
		plan:      plan,
		seq:       &executor.Sequence{},
		succeeded: make(map[string]bool),
		result: &contracts.ExecutionResult{
			ExecutionID:  uuid.New().String(),
			PlanID:       plan.ID,
			PlanRevision: plan.Revision,
			EventID:      plan.EventID(),
			StartedAt:    c.clock(),
		},
	}
}

func (t *txn) run(ctx context.Context) *AbortError {
	if abort := t.preflight(ctx); abort != nil {
		t.skip(t.plan.IDs())
		return t.finish(ctx, abort)
	}

	required, commit, optional := partition(t.plan, t.graph)
	res := t.runPhase(ctx, contracts.PhaseRequired, required)
	if res.Err != nil {
		t.skip(commit, optional)
		return t.finish(ctx, t.abort(ctx, contracts.PhaseRequired, res.Failed, t.reason(contracts.PhaseRequired, res.Failed, res.Err), res.Err))
	}

	// Commit actions are only reconsidered once the required phase held.
	commit, held := t.downgrade(ctx, commit)
	optional = slices.DeleteFunc(optional, func(id string) bool { return held[id] })
	res = t.runPhase(ctx, contracts.PhaseCommit, commit)
	if res.Err != nil {
		t.skip(optional)
		return t.finish(ctx, t.abort(ctx, contracts.PhaseCommit, res.Failed, t.reason(contracts.PhaseCommit, res.Failed, res.Err), res.Err))
	}

	if len(held) > 0 {
		t.c.hold(ctx, queue.Item{
			EventID: t.plan.EventID(),
			PlanID:  t.plan.ID,
			Kind:    queue.KindReview,
			Reason:  "held for review: " + strings.Join(t.result.Held, ", "),
			Payload: t.payload(),
		})
	}
	t.optional = optional
	return t.finish(ctx, nil)
}

// preflight instantiates and validates every action before anything runs.
// Failing actions and their dependents are excluded and the plan is rebuilt
// once. A failing required enrichment cannot be dropped and aborts.
func (t *txn) preflight(ctx context.Context) *AbortError {
	actions, failures, err := t.validate(ctx, t.plan)
	if err != nil {
		return t.abort(ctx, contracts.PhasePreflight, "", "cannot instantiate actions: "+err.Error(), err)
	}
	t.graph = dependency.NewGraph(t.plan.IDs(), t.plan.Edges)
	if len(failures) == 0 {
		t.actions = actions
		return nil
	}

	exclude := make(map[string]string)
	var order []string
	dependents := make(map[string]map[string]bool)
	for _, id := range t.plan.IDs() {
		ferr, ok := failures[id]
		if !ok {
			continue
		}
		dependents[id] = t.graph.Descendants(id)
		if t.isRequired(id) {
			return t.abort(ctx, contracts.PhasePreflight, id,
				fmt.Sprintf("required enrichment %s failed: %s", id, cause(ferr)), ferr)
		}
		for _, d := range t.plan.IDs() {
			if dependents[id][d] && t.isRequired(d) {
				return t.abort(ctx, contracts.PhasePreflight, id,
					fmt.Sprintf("required enrichment %s failed: dependency %s: %s", d, id, cause(ferr)), ferr)
			}
		}
		exclude[id] = ferr.Error()
		order = append(order, id)
	}
	for _, id := range slices.Clone(order) {
		for _, d := range t.plan.IDs() {
			if _, ok := exclude[d]; ok || !dependents[id][d] {
				continue
			}
			exclude[d] = "depends on excluded " + id
			order = append(order, d)
		}
	}

	rebuilt, err := t.c.planner.Rebuild(ctx, t.plan, exclude)
	if err != nil {
		return t.abort(ctx, contracts.PhasePreflight, "", "rebuild after failed preconditions: "+err.Error(), err)
	}
	if err := rebuilt.BeginExecution(t.c.clock()); err != nil {
		return t.abort(ctx, contracts.PhasePreflight, "", err.Error(), err)
	}
	t.plan = rebuilt
	t.result.PlanRevision = rebuilt.Revision
	t.result.Excluded = order
	t.c.logger.InfoContext(ctx, "plan rebuilt after failed preconditions",
		"plan_id", rebuilt.ID,
		"revision", rebuilt.Revision,
		"excluded", order,
	)

	actions, failures, err = t.validate(ctx, rebuilt)
	if err != nil {
		return t.abort(ctx, contracts.PhasePreflight, "", "cannot instantiate actions: "+err.Error(), err)
	}
	for _, id := range rebuilt.IDs() {
		if ferr, ok := failures[id]; ok {
			return t.abort(ctx, contracts.PhasePreflight, id,
				fmt.Sprintf("precondition failed for %s after rebuild: %s", id, cause(ferr)), ferr)
		}
	}
	t.actions = actions
	t.graph = dependency.NewGraph(rebuilt.IDs(), rebuilt.Edges)
	return nil
}

func (t *txn) validate(ctx context.Context, plan *contracts.ActionPlan) (map[string]action.Action, map[string]error, error) {
	actions, err := t.c.executor.Instantiate(plan)
	if err != nil {
		return nil, nil, err
	}
	failures := make(map[string]error)
	for _, id := range plan.IDs() {
		if err := action.Check(ctx, actions[id]); err != nil {
			failures[id] = err
		}
	}
	return actions, failures, nil
}

func (t *txn) isRequired(id string) bool {
	pa, ok := t.plan.Action(id)
	return ok && pa.Candidate.HasTag(contracts.TagRequiredEnrichment)
}

// partition splits the plan into the required set (required enrichments and
// everything they depend on), the commit set (other non-optional actions and
// their dependencies) and the optional set (the rest). Each set keeps plan
// order.
func partition(plan *contracts.ActionPlan, g *dependency.Graph) (required, commit, optional []string) {
	var tagged, nonOptional []string
	for _, pa := range plan.Actions {
		switch {
		case pa.Candidate.HasTag(contracts.TagRequiredEnrichment):
			tagged = append(tagged, pa.ID())
		case !pa.Candidate.HasTag(contracts.TagOptionalEnrichment):
			nonOptional = append(nonOptional, pa.ID())
		}
	}
	req := g.Ancestors(tagged...)
	for _, id := range tagged {
		req[id] = true
	}
	com := g.Ancestors(nonOptional...)
	for _, id := range nonOptional {
		com[id] = true
	}
	for _, id := range plan.IDs() {
		switch {
		case req[id]:
			required = append(required, id)
		case com[id]:
			commit = append(commit, id)
		default:
			optional = append(optional, id)
		}
	}
	return required, commit, optional
}

// downgrade replaces irreversible commit actions whose confidence is below
// their threshold with the registered safer variant. An action without one
// is held together with its dependents. It returns the commit set without
// held actions, and the held set.
func (t *txn) downgrade(ctx context.Context, commit []string) ([]string, map[string]bool) {
	reg := t.c.planner.Registry()
	held := make(map[string]bool)
	for _, id := range commit {
		if held[id] {
			continue
		}
		pa, _ := t.plan.Action(id)
		c := pa.Candidate
		if reg.Reversible(c.Type) && !c.HasTag(contracts.TagIrreversible) {
			continue
		}
		threshold := t.c.threshold(c.Type)
		if c.Confidence >= threshold {
			continue
		}

		d := contracts.Downgrade{ActionID: id, From: c.Type, Confidence: c.Confidence, Threshold: threshold}
		if safer, ok := reg.Safer(c.Type); ok {
			sub := c.WithoutTag(contracts.TagIrreversible)
			sub.Type = safer
			a, err := reg.New(sub)
			if err == nil {
				t.actions[id] = a
				d.To = safer
				t.result.Downgrades = append(t.result.Downgrades, d)
				t.c.obs.RecordDowngrade(ctx, string(c.Type), string(safer))
				observability.AddSpanEvent(ctx, "action.downgraded",
					observability.AttrActionID.String(id), observability.AttrSubstitute.String(string(safer)))
				t.c.logger.InfoContext(ctx, "irreversible action downgraded",
					"plan_id", t.plan.ID,
					"action_id", id,
					"from", c.Type,
					"to", safer,
					"confidence", c.Confidence,
					"threshold", threshold,
				)
				continue
			}
			t.c.logger.WarnContext(ctx, "safer variant unavailable", "action_id", id, "safer", safer, "error", err)
		}

		d.Held = true
		t.result.Downgrades = append(t.result.Downgrades, d)
		t.c.obs.RecordDowngrade(ctx, string(c.Type), "held")
		observability.AddSpanEvent(ctx, "action.held", observability.AttrActionID.String(id))
		held[id] = true
		for dep := range t.graph.Descendants(id) {
			held[dep] = true
		}
	}
	if len(held) == 0 {
		return commit, held
	}

	for _, id := range t.plan.IDs() {
		if held[id] {
			t.result.Held = append(t.result.Held, id)
		}
	}
	t.result.NeedsReview = true
	t.c.logger.WarnContext(ctx, "actions held for review", "plan_id", t.plan.ID, "held", t.result.Held)
	return slices.DeleteFunc(slices.Clone(commit), func(id string) bool { return held[id] }), held
}

func (t *txn) runPhase(ctx context.Context, phase contracts.Phase, ids []string) executor.RunResult {
	if len(ids) == 0 {
		return executor.RunResult{}
	}
	res := t.c.executor.RunGraph(ctx, executor.Run{
		PlanID:     t.plan.ID,
		Phase:      phase,
		Actions:    t.actions,
		Graph:      t.graph.Subgraph(ids),
		Satisfied:  maps.Clone(t.succeeded),
		Revalidate: true,
		Sequence:   t.seq,
	})
	executor.Collect(t.result, res)
	t.done = append(t.done, executor.Completed(t.actions, res.Outcomes)...)
	for _, id := range res.Succeeded() {
		t.succeeded[id] = true
	}
	return res
}

func (t *txn) skip(sets ...[]string) {
	for _, ids := range sets {
		t.result.Skipped = append(t.result.Skipped, ids...)
	}
}

func (t *txn) reason(phase contracts.Phase, failed string, err error) string {
	switch {
	case failed == "":
		return fmt.Sprintf("%s phase stopped: %v", phase, err)
	case phase == contracts.PhaseRequired && t.isRequired(failed):
		return fmt.Sprintf("required enrichment %s failed: %s", failed, cause(err))
	case phase == contracts.PhaseRequired:
		return fmt.Sprintf("dependency %s of a required enrichment failed: %s", failed, cause(err))
	default:
		return fmt.Sprintf("action %s failed: %s", failed, cause(err))
	}
}

// cause strips the action wrapper so reasons read "X failed: <cause>".
func cause(err error) string {
	var pre *action.PreconditionError
	if errors.As(err, &pre) {
		return pre.Reason
	}
	var execErr *action.ActionExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		if execErr.TimedOut {
			return "timed out: " + execErr.Err.Error()
		}
		return execErr.Err.Error()
	}
	return err.Error()
}

// abort rolls back everything that succeeded so far and holds the event for
// retry.
func (t *txn) abort(ctx context.Context, phase contracts.Phase, actionID, reason string, err error) *AbortError {
	r := t.result
	r.Error = reason
	r.AbortPhase = phase
	if len(t.done) > 0 {
		if verr := rollback.VerifyOrdering(t.done); verr != nil {
			t.c.logger.ErrorContext(ctx, "irreversible action ran ahead of its prerequisites", "plan_id", t.plan.ID, "error", verr)
		}
		r.Rollback = t.c.rollback.Rollback(ctx, t.plan.ID, t.done)
	}
	t.c.obs.RecordAbort(ctx, string(phase))
	t.c.logger.WarnContext(ctx, "plan aborted",
		"plan_id", t.plan.ID,
		"event_id", t.plan.EventID(),
		"phase", phase,
		"action_id", actionID,
		"reason", reason,
		"rolled_back", r.Rollback.Order(),
	)
	t.c.hold(ctx, queue.Item{
		EventID: t.plan.EventID(),
		PlanID:  t.plan.ID,
		Kind:    queue.KindRetry,
		Reason:  reason,
		Payload: t.payload(),
	})
	return &AbortError{PlanID: t.plan.ID, ActionID: actionID, Phase: phase, Reason: reason, Err: err}
}

func (t *txn) finish(ctx context.Context, abort *AbortError) *AbortError {
	r := t.result
	r.Success = abort == nil
	if t.plan != t.original {
		t.plan.Finish(r.Success)
	}
	t.original.Finish(r.Success)
	t.c.rollback.Forget(t.plan.ID)
	if r.Success && len(t.optional) > 0 {
		r.OptionalPending = slices.Clone(t.optional)
	}
	r.Elapsed = t.c.clock().Sub(r.StartedAt)

	if t.c.log != nil {
		if err := t.c.log.Append(ctx, r); err != nil {
			t.c.logger.ErrorContext(ctx, "failed to record execution", "execution_id", r.ExecutionID, "error", err)
		}
	}
	if r.Success {
		t.c.logger.InfoContext(ctx, "plan executed",
			"plan_id", r.PlanID,
			"revision", r.PlanRevision,
			"executed", len(r.Executed),
			"downgrades", len(r.Downgrades),
			"held", len(r.Held),
			"optional_pending", len(r.OptionalPending),
			"elapsed", r.Elapsed,
		)
	}
	return abort
}

// startOptional runs the optional set in the background once the commit set
// succeeded. Failures are logged and never roll anything back. It reports
// whether a background phase was started; release is then called when it
// ends.
func (t *txn) startOptional(ctx context.Context, release func()) bool {
	if !t.result.Success || len(t.optional) == 0 {
		return false
	}
	run := executor.Run{
		PlanID:     t.plan.ID,
		Phase:      contracts.PhaseOptional,
		Actions:    t.actions,
		Graph:      t.graph.Subgraph(t.optional),
		Satisfied:  maps.Clone(t.succeeded),
		Revalidate: true,
		BestEffort: true,
		Sequence:   t.seq,
	}
	executionID := t.result.ExecutionID
	c := t.c

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		ctx := context.WithoutCancel(ctx)

		res := c.executor.RunGraph(ctx, run)
		for _, o := range res.Outcomes {
			if o.Status == contracts.StatusFailed {
				c.logger.WarnContext(ctx, "optional enrichment failed", "plan_id", run.PlanID, "action_id", o.ActionID, "error", o.Error)
			}
		}
		if c.log != nil {
			outcomes := append(slices.Clone(res.Outcomes), res.Skipped...)
			if err := c.log.AppendOutcomes(ctx, executionID, outcomes); err != nil {
				c.logger.ErrorContext(ctx, "failed to record optional outcomes", "execution_id", executionID, "error", err)
			}
		}
		c.logger.InfoContext(ctx, "optional phase finished",
			"plan_id", run.PlanID,
			"succeeded", len(res.Succeeded()),
			"failed", len(res.Outcomes)-len(res.Succeeded()),
			"skipped", len(res.Skipped),
		)
	}()
	return true
}

// payload rebuilds the planning input of the original plan so a retry can
// plan the event from scratch.
func (t *txn) payload() queue.Payload {
	p := t.original
	seen := make(map[string]bool)
	var cands []contracts.ActionCandidate
	add := func(c contracts.ActionCandidate) {
		if !seen[c.ID] {
			seen[c.ID] = true
			cands = append(cands, c.Clone())
		}
	}
	for _, a := range p.Actions {
		add(a.Candidate)
	}
	for _, r := range p.Rejected {
		add(r.Candidate)
	}
	return queue.Payload{Event: p.Event, Candidates: cands, History: p.History}
}
