package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/safeact/pkg/config"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/coordinator"
	"github.com/Mindburn-Labs/safeact/pkg/intake"
	"github.com/Mindburn-Labs/safeact/pkg/stakes"
	"github.com/Mindburn-Labs/safeact/pkg/store"
)

// setup loads configuration, installs the logger and wires the engine.
func setup(ctx context.Context, stderr io.Writer) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat, stderr); err != nil {
		return nil, err
	}
	return newEngine(ctx, cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func readBatch(path string) (*intake.Batch, error) {
	if path == "" || path == "-" {
		return intake.Decode(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return intake.Decode(f)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		batchPath  string
		jsonOutput bool
	)
	cmd.StringVar(&batchPath, "batch", "", "Candidate batch file (default: stdin)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the plan as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close(ctx)

	b, err := readBatch(batchPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	e.prepare(ctx, b)
	plan, err := e.planner.Plan(ctx, b.Event, b.Candidates, b.History)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Planning failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		if err := writeJSON(stdout, plan); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	printPlan(stdout, plan)
	return 0
}

func printPlan(w io.Writer, plan *contracts.ActionPlan) {
	fmt.Fprintf(w, "%sPlan %s%s (event %s, revision %d)\n", ColorBold, plan.ID, ColorReset, plan.EventID(), plan.Revision)
	fmt.Fprintf(w, "  mode: %s (%s)  confidence: %.2f  high stakes: %v\n", plan.ApprovalMode, plan.ApprovalRule, plan.Confidence, plan.HighStakes)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  ID\tTYPE\tTARGET\tCONF\tRISK\tDEPENDS ON")
	for _, a := range plan.Actions {
		deps := plan.DependenciesOf(a.ID())
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%.2f\t%s\t%v\n", a.ID(), a.Candidate.Type, a.Candidate.Target, a.Candidate.Confidence, a.Risk.Level, deps)
	}
	_ = tw.Flush()
	for _, r := range plan.Rejected {
		fmt.Fprintf(w, "  %srejected %s:%s %s\n", ColorGray, r.Candidate.ID, ColorReset, r.Rationale)
	}
}

func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		batchPath string
		approver  string
	)
	cmd.StringVar(&batchPath, "batch", "", "Candidate batch file (default: stdin)")
	cmd.StringVar(&approver, "approve", "", "Approve a REVIEW/MANUAL plan as this reviewer")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close(ctx)

	b, err := readBatch(batchPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	e.prepare(ctx, b)
	e.seed(b.Candidates)

	plan, result, err := e.coord.ProcessEvent(ctx, b.Event, b.Candidates, b.History)
	var approvalErr *coordinator.ApprovalRequiredError
	if errors.As(err, &approvalErr) {
		if approver == "" {
			_, _ = fmt.Fprintf(stderr, "Plan %s needs approval (%s); rerun with --approve <name>\n", plan.ID, plan.ApprovalRule)
			return 3
		}
		a, aerr := e.coord.Ledger().Approve(ctx, approvalErr.Request.ID, approver)
		if aerr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", aerr)
			return 1
		}
		result, err = e.coord.Execute(ctx, plan, a)
	}
	e.coord.Wait()

	if result != nil {
		if result.OptionalPending != nil {
			if stored, gerr := e.log.Get(ctx, result.ExecutionID); gerr == nil {
				result = stored
			}
		}
		if werr := writeJSON(stdout, result); werr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", werr)
			return 1
		}
	}

	var abort *coordinator.AbortError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &abort):
		_, _ = fmt.Fprintf(stderr, "Aborted in %s phase: %s\n", abort.Phase, abort.Reason)
		return 4
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func runQueueCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("queue", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		retry      bool
		resolve    string
		jsonOutput bool
	)
	cmd.BoolVar(&retry, "retry", false, "Plan and execute held events whose retry is due")
	cmd.StringVar(&resolve, "resolve", "", "Drop the held event with this id")
	cmd.BoolVar(&jsonOutput, "json", false, "Output held events as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer e.Close(ctx)

	if resolve != "" {
		if err := e.queue.Resolve(ctx, resolve); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Resolved %s\n", resolve)
		return 0
	}

	if retry {
		held, err := e.queue.Pending(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		for _, it := range held {
			e.seed(it.Candidates)
		}
		n, err := e.coord.RetryDue(ctx)
		e.coord.Wait()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Resolved %d held event(s)\n", n)
	}

	held, err := e.queue.Pending(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := writeJSON(stdout, held); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	if len(held) == 0 {
		_, _ = fmt.Fprintln(stdout, "No held events.")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "EVENT\tKIND\tATTEMPTS\tNEXT ATTEMPT\tREASON")
	for _, it := range held {
		next := "-"
		if !it.NextAttemptAt.IsZero() {
			next = it.NextAttemptAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", it.EventID, it.Kind, it.Attempts, next, it.Reason)
	}
	_ = tw.Flush()
	return 0
}

func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true
	add := func(name, status, detail string) {
		results = append(results, checkResult{Name: name, Status: status, Detail: detail})
		if status == "fail" {
			allOK = false
		}
	}

	add("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	cfg, err := config.Load()
	if err != nil {
		add("config", "fail", err.Error())
		return report(stdout, stderr, results, false)
	}
	add("config", "ok", fmt.Sprintf("workers=%d timeout=%s", cfg.Workers, cfg.ActionTimeout))

	policy, err := loadPolicy(cfg)
	switch {
	case err != nil:
		add("policy", "fail", err.Error())
	case cfg.PolicyFile == "":
		add("policy", "warn", "SAFEACT_POLICY_FILE not set (using built-in tables)")
	default:
		add("policy", "ok", cfg.PolicyFile)
	}
	if policy != nil {
		if _, err := stakes.NewDetector(policy.HighStakes); err != nil {
			add("high_stakes_rules", "fail", err.Error())
		} else {
			add("high_stakes_rules", "ok", fmt.Sprintf("%d rule(s)", len(policy.HighStakes)))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if db, err := store.Open(ctx, cfg.DBPath); err != nil {
		add("database", "fail", err.Error())
	} else {
		if err := db.PingContext(ctx); err != nil {
			add("database", "fail", err.Error())
		} else {
			add("database", "ok", cfg.DBPath)
		}
		_ = db.Close()
	}

	if cfg.RedisAddr == "" {
		add("redis", "warn", "REDIS_ADDR not set (claims are per-process)")
	} else {
		e := &engine{cfg: cfg}
		if _, err := e.openClaims(ctx); err != nil {
			add("redis", "fail", err.Error())
		} else {
			add("redis", "ok", cfg.RedisAddr)
		}
		e.Close(ctx)
	}

	return report(stdout, stderr, results, allOK)
}

func report(stdout, stderr io.Writer, results any, ok bool) int {
	if err := writeJSON(stdout, results); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !ok {
		return 1
	}
	return 0
}
