// Package planner turns the candidate actions proposed for one event into an
// immutable ActionPlan. It resolves conflicting candidates, classifies
// enrichments, assesses risk, builds ordering edges and selects the approval
// mode. Planning either returns a complete plan or an error; it never returns
// a partial plan.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/approval"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
	"github.com/Mindburn-Labs/safeact/pkg/enrichment"
	"github.com/Mindburn-Labs/safeact/pkg/observability"
	"github.com/Mindburn-Labs/safeact/pkg/risk"
	"github.com/Mindburn-Labs/safeact/pkg/stakes"
)

var (
	ErrUnknownActionType  = errors.New("planner: unknown action type")
	ErrDuplicateCandidate = errors.New("planner: duplicate candidate id")
	ErrEventMismatch      = errors.New("planner: candidate belongs to another event")
	ErrRequiredDropped    = errors.New("planner: required enrichment cannot be planned")
)

// Engine is the planning engine.
type Engine struct {
	registry   *action.Registry
	assessor   *risk.Assessor
	classifier *enrichment.Classifier
	resolver   *dependency.Resolver
	selector   *approval.Selector
	detector   *stakes.Detector
	clock      func() time.Time
	newID      func() string
	logger     *slog.Logger
	obs        *observability.Provider
}

// Option configures an Engine.
type Option func(*Engine)

func WithAssessor(a *risk.Assessor) Option               { return func(e *Engine) { e.assessor = a } }
func WithClassifier(c *enrichment.Classifier) Option     { return func(e *Engine) { e.classifier = c } }
func WithResolver(r *dependency.Resolver) Option         { return func(e *Engine) { e.resolver = r } }
func WithSelector(s *approval.Selector) Option           { return func(e *Engine) { e.selector = s } }
func WithDetector(d *stakes.Detector) Option             { return func(e *Engine) { e.detector = d } }
func WithClock(clock func() time.Time) Option            { return func(e *Engine) { e.clock = clock } }
func WithLogger(l *slog.Logger) Option                   { return func(e *Engine) { e.logger = l } }
func WithObservability(p *observability.Provider) Option { return func(e *Engine) { e.obs = p } }

// WithIDGenerator overrides plan id generation.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// New returns an engine over the registry. Components not supplied by options
// are built with their defaults.
func New(registry *action.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   slog.Default().With("component", "planner"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.assessor == nil {
		e.assessor = risk.NewAssessor(registry)
	}
	if e.classifier == nil {
		e.classifier = enrichment.NewClassifier(nil)
	}
	if e.resolver == nil {
		e.resolver = dependency.NewResolver(registry, nil)
	}
	if e.selector == nil {
		e.selector = approval.NewSelector(approval.DefaultAutoThreshold)
	}
	return e
}

// Registry returns the action registry plans are built against.
func (e *Engine) Registry() *action.Registry { return e.registry }

// Plan builds the plan for one event.
func (e *Engine) Plan(ctx context.Context, event contracts.Event, cands []contracts.ActionCandidate, history contracts.HistoricalContext) (plan *contracts.ActionPlan, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "plan", observability.AttrEventID.String(event.ID))
	defer func() { finish(err) }()

	plan = contracts.NewActionPlan(e.newID(), event, e.clock())
	plan.History = history
	if err := e.build(plan, cands, nil); err != nil {
		e.logger.WarnContext(ctx, "planning failed", "event_id", event.ID, "error", err)
		return nil, err
	}
	e.logger.InfoContext(ctx, "plan built",
		"plan_id", plan.ID,
		"event_id", event.ID,
		"actions", len(plan.Actions),
		"rejected", len(plan.Rejected),
		"mode", plan.ApprovalMode,
		"rule", plan.ApprovalRule,
	)
	return plan, nil
}

// Rebuild plans prev again without the excluded actions. The new plan keeps
// the id of prev, bumps its revision and records every exclusion with its
// reason. Dependents of excluded actions are pruned as well.
func (e *Engine) Rebuild(ctx context.Context, prev *contracts.ActionPlan, exclude map[string]string) (plan *contracts.ActionPlan, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "plan.rebuild", observability.PlanOperation(prev.ID, prev.EventID(), len(prev.Actions))...)
	defer func() { finish(err) }()

	plan = contracts.NewActionPlan(prev.ID, prev.Event, e.clock())
	plan.Revision = prev.Revision + 1
	plan.History = prev.History
	plan.Excluded = append(plan.Excluded, prev.Excluded...)

	var cands []contracts.ActionCandidate
	for _, a := range prev.Actions {
		if reason, ok := exclude[a.ID()]; ok {
			plan.Excluded = append(plan.Excluded, contracts.RejectedAlternative{Candidate: a.Candidate.Clone(), Rationale: reason})
			continue
		}
		cands = append(cands, a.Candidate.Clone())
	}
	if err := e.build(plan, cands, prev.Rejected); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "plan rebuilt",
		"plan_id", plan.ID,
		"revision", plan.Revision,
		"excluded", len(exclude),
		"actions", len(plan.Actions),
		"mode", plan.ApprovalMode,
	)
	return plan, nil
}

func (e *Engine) build(plan *contracts.ActionPlan, input []contracts.ActionCandidate, carried []contracts.RejectedAlternative) error {
	cands, err := e.normalize(plan.Event, input)
	if err != nil {
		return err
	}

	kept, rejected := resolveConflicts(cands, e.registry)
	kept, pruned := pruneMissing(kept)
	if err := checkRequired(kept, rejected, pruned); err != nil {
		return err
	}
	plan.Rejected = appendNew(plan.Rejected, carried, rejected, pruned)

	verdict := e.detector.Detect(plan.Event)
	plan.HighStakes = verdict.HighStakes

	edges, err := e.resolver.Resolve(kept)
	if err != nil {
		return err
	}
	ids := make([]string, len(kept))
	byID := make(map[string]contracts.ActionCandidate, len(kept))
	for i, c := range kept {
		ids[i] = c.ID
		byID[c.ID] = c
	}
	levels, err := dependency.NewGraph(ids, edges).Levels()
	if err != nil {
		return err
	}

	confidence := 1.0
	irreversible := false
	for _, level := range levels {
		for _, id := range level {
			c := byID[id]
			pa := contracts.PlannedAction{
				Candidate: c,
				Risk:      e.assessor.Assess(c, plan.History, verdict.HighStakes),
			}
			if rec, ok := e.classifier.Classify(c); ok {
				pa.Enrichment = &rec
			}
			plan.Actions = append(plan.Actions, pa)
			plan.Risks = append(plan.Risks, pa.Risk)
			confidence = math.Min(confidence, c.Confidence)
			if !pa.Risk.Reversible {
				irreversible = true
			}
		}
	}
	plan.Edges = edges
	plan.Confidence = confidence

	if len(plan.Actions) == 0 {
		plan.ApprovalMode = contracts.ApprovalAuto
		plan.ApprovalRule = "empty_plan"
		return nil
	}
	decision := e.selector.Select(approval.Inputs{
		Risks:        plan.Risks,
		Confidence:   confidence,
		Irreversible: irreversible,
		DisableAuto:  plan.History.DisableAutoExecute,
	})
	plan.ApprovalMode = decision.Mode
	plan.ApprovalRule = decision.Rule
	return nil
}

// normalize validates the input and computes the tags the reasoning layer
// may have left out.
func (e *Engine) normalize(event contracts.Event, input []contracts.ActionCandidate) ([]contracts.ActionCandidate, error) {
	seen := make(map[string]bool, len(input))
	out := make([]contracts.ActionCandidate, 0, len(input))
	for _, in := range input {
		c := in.Clone()
		c.Confidence = clamp(c.Confidence)
		if c.EventID == "" {
			c.EventID = event.ID
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.EventID != event.ID {
			return nil, fmt.Errorf("%w: %s is for %s, planning %s", ErrEventMismatch, c.ID, c.EventID, event.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCandidate, c.ID)
		}
		seen[c.ID] = true
		if !e.registry.Known(c.Type) {
			return nil, fmt.Errorf("%w: %s (candidate %s)", ErrUnknownActionType, c.Type, c.ID)
		}
		if !e.registry.Reversible(c.Type) {
			c = c.WithTag(contracts.TagIrreversible)
		}
		if rec, ok := e.classifier.Classify(c); ok {
			c = enrichment.Apply(c, rec)
		}
		out = append(out, c)
	}
	return out, nil
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// appendNew appends alternatives whose candidate id is not already listed.
func appendNew(dst []contracts.RejectedAlternative, groups ...[]contracts.RejectedAlternative) []contracts.RejectedAlternative {
	seen := make(map[string]bool, len(dst))
	for _, r := range dst {
		seen[r.Candidate.ID] = true
	}
	for _, g := range groups {
		for _, r := range g {
			if seen[r.Candidate.ID] {
				continue
			}
			seen[r.Candidate.ID] = true
			dst = append(dst, r)
		}
	}
	return dst
}
