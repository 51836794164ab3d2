package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/action/mailbox"
	"github.com/Mindburn-Labs/safeact/pkg/approval"
	"github.com/Mindburn-Labs/safeact/pkg/claims"
	"github.com/Mindburn-Labs/safeact/pkg/config"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/coordinator"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
	"github.com/Mindburn-Labs/safeact/pkg/enrichment"
	"github.com/Mindburn-Labs/safeact/pkg/executor"
	"github.com/Mindburn-Labs/safeact/pkg/intake"
	"github.com/Mindburn-Labs/safeact/pkg/observability"
	"github.com/Mindburn-Labs/safeact/pkg/planner"
	"github.com/Mindburn-Labs/safeact/pkg/review"
	"github.com/Mindburn-Labs/safeact/pkg/risk"
	"github.com/Mindburn-Labs/safeact/pkg/stakes"
	"github.com/Mindburn-Labs/safeact/pkg/store"
)

// engine is the wired planning and execution stack. Effects go to an
// in-process sandbox mailbox.
type engine struct {
	cfg     *config.Config
	policy  *config.Policy
	sandbox *mailbox.Memory
	planner *planner.Engine
	coord   *coordinator.Coordinator
	queue   *store.SQLiteQueue
	log     *store.SQLiteExecutionLog
	obs     *observability.Provider
	closers []func(context.Context) error
}

// loadPolicy reads the policy file when one is configured. Without a file the
// thresholds come from the environment.
func loadPolicy(cfg *config.Config) (*config.Policy, error) {
	if cfg.PolicyFile != "" {
		return config.LoadPolicy(cfg.PolicyFile)
	}
	p := config.DefaultPolicy()
	p.AutoThreshold = cfg.AutoThreshold
	p.IrreversibleThreshold = cfg.IrreversibleThreshold
	return p, nil
}

func newEngine(ctx context.Context, cfg *config.Config) (_ *engine, err error) {
	e := &engine{cfg: cfg, sandbox: mailbox.New()}
	defer func() {
		if err != nil {
			e.Close(ctx)
		}
	}()

	if e.policy, err = loadPolicy(cfg); err != nil {
		return nil, err
	}

	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.OTLPEndpoint = cfg.OTelEndpoint
		oc.ServiceVersion = version
		if e.obs, err = observability.New(ctx, oc); err != nil {
			return nil, fmt.Errorf("init observability: %w", err)
		}
		e.closers = append(e.closers, e.obs.Shutdown)
	}

	reg, err := action.DefaultRegistry(e.sandbox.Env())
	if err != nil {
		return nil, err
	}
	if err := e.policy.Validate(reg.Known); err != nil {
		return nil, err
	}
	if err := e.policy.ApplySafer(reg); err != nil {
		return nil, err
	}
	detector, err := stakes.NewDetector(e.policy.HighStakes)
	if err != nil {
		return nil, fmt.Errorf("compile high-stakes rules: %w", err)
	}
	e.planner = planner.New(reg,
		planner.WithAssessor(risk.NewAssessor(reg,
			risk.WithRules(e.policy.RiskRules()),
			risk.WithHistoryThreshold(e.policy.History.MinSuccessRate, e.policy.History.MinSamples),
		)),
		planner.WithClassifier(enrichment.NewClassifier(e.policy.EnrichmentTable())),
		planner.WithResolver(dependency.NewResolver(reg, e.policy.Relations)),
		planner.WithSelector(approval.NewSelector(e.policy.AutoThreshold)),
		planner.WithDetector(detector),
		planner.WithObservability(e.obs),
	)

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { return db.Close() })
	if err := e.openStores(db); err != nil {
		return nil, err
	}

	claimStore, err := e.openClaims(ctx)
	if err != nil {
		return nil, err
	}

	x := executor.New(reg,
		executor.WithWorkers(cfg.Workers),
		executor.WithTimeout(cfg.ActionTimeout),
		executor.WithRateLimit(cfg.DispatchRPS, cfg.DispatchBurst),
		executor.WithObservability(e.obs),
	)
	e.coord = coordinator.New(e.planner,
		coordinator.WithExecutor(x),
		coordinator.WithClaims(claimStore),
		coordinator.WithClaimTTL(cfg.ClaimTTL),
		coordinator.WithQueue(e.queue),
		coordinator.WithLedger(review.NewLedger(cfg.ReviewTimeout)),
		coordinator.WithExecutionLog(e.log),
		coordinator.WithThresholds(e.policy.Threshold),
		coordinator.WithObservability(e.obs),
	)
	return e, nil
}

func (e *engine) openStores(db *sql.DB) error {
	var err error
	if e.queue, err = store.NewSQLiteQueue(db, e.policy.Retry); err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	if e.log, err = store.NewSQLiteExecutionLog(db); err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	return nil
}

// openClaims uses Redis when REDIS_ADDR is set so several runners can share one
// claim space.
func (e *engine) openClaims(ctx context.Context) (claims.Store, error) {
	if e.cfg.RedisAddr == "" {
		return claims.NewMemoryStore(), nil
	}
	rs := claims.NewRedisStore(e.cfg.RedisAddr, e.cfg.RedisPassword, e.cfg.RedisDB)
	e.closers = append(e.closers, func(context.Context) error { return rs.Close() })
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis %s unreachable: %w", e.cfg.RedisAddr, err)
	}
	return rs, nil
}

// Close releases stores in reverse order of opening.
func (e *engine) Close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			slog.Default().WarnContext(ctx, "close failed", "error", err)
		}
	}
	e.closers = nil
}

// prepare fills in what the batch leaves to the runner: the recorded
// history when the batch carries none, and the auto-execute preference.
func (e *engine) prepare(ctx context.Context, b *intake.Batch) {
	if len(b.History.SuccessRates) == 0 {
		h, err := e.log.History(ctx)
		if err != nil {
			slog.Default().WarnContext(ctx, "history unavailable", "error", err)
		} else {
			b.History.SuccessRates = h.SuccessRates
			b.History.Samples = h.Samples
		}
	}
	b.History.DisableAutoExecute = b.History.DisableAutoExecute || e.cfg.DisableAutoExecute
}

// seed creates the messages, attachments and notes the candidates refer to.
func (e *engine) seed(cands []contracts.ActionCandidate) {
	attachments := make(map[string][]string)
	var targets []string
	for _, c := range cands {
		if c.Target == "" {
			continue
		}
		if _, ok := attachments[c.Target]; !ok {
			targets = append(targets, c.Target)
			attachments[c.Target] = nil
		}
		if c.Type == contracts.ActionSaveAttachment && c.Param("attachment") != "" {
			attachments[c.Target] = append(attachments[c.Target], c.Param("attachment"))
		}
		if c.Extraction != nil && c.Extraction.NoteRef != "" && !e.sandbox.HasNote(c.Extraction.NoteRef) {
			e.sandbox.AddNote(c.Extraction.NoteRef)
		}
	}
	for _, t := range targets {
		if _, ok := e.sandbox.Message(t); !ok {
			e.sandbox.AddMessage(t, "Inbox", attachments[t]...)
		}
	}
}
