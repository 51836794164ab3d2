package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

var ErrExecutionNotFound = errors.New("store: execution not found")

// SQLiteExecutionLog is the audit log of execution attempts. Each result is
// stored whole, and each action outcome gets its own row so success rates per
// action type can be computed for later planning.
type SQLiteExecutionLog struct {
	db *sql.DB
}

func NewSQLiteExecutionLog(db *sql.DB) (*SQLiteExecutionLog, error) {
	l := &SQLiteExecutionLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteExecutionLog) migrate() error {
	executions := `
    CREATE TABLE IF NOT EXISTS executions (
        execution_id TEXT PRIMARY KEY,
        plan_id TEXT NOT NULL,
        plan_revision INTEGER NOT NULL DEFAULT 1,
        event_id TEXT NOT NULL,
        success INTEGER NOT NULL,
        error TEXT,
        abort_phase TEXT,
        started_at TEXT,
        elapsed_ms INTEGER,
        result JSON
    );`
	outcomes := `
    CREATE TABLE IF NOT EXISTS action_outcomes (
        execution_id TEXT NOT NULL,
        action_id TEXT NOT NULL,
        action_type TEXT NOT NULL,
        status TEXT NOT NULL,
        phase TEXT,
        sequence INTEGER,
        duration_ms INTEGER,
        timed_out INTEGER NOT NULL DEFAULT 0,
        error TEXT,
        PRIMARY KEY (execution_id, action_id)
    );`
	for _, query := range []string{executions, outcomes} {
		if _, err := l.db.ExecContext(context.Background(), query); err != nil {
			return err
		}
	}
	return nil
}

// Append stores an execution result and its outcomes.
func (l *SQLiteExecutionLog) Append(ctx context.Context, r *contracts.ExecutionResult) error {
	resultJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode execution result: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO executions (execution_id, plan_id, plan_revision, event_id, success, error, abort_phase, started_at, elapsed_ms, result)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, r.PlanID, r.PlanRevision, r.EventID, boolInt(r.Success), r.Error, string(r.AbortPhase),
		formatTime(r.StartedAt), r.Elapsed.Milliseconds(), string(resultJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	outcomes := append(append([]contracts.ActionOutcome(nil), r.Executed...), r.PartialExecution...)
	if err := insertOutcomes(ctx, tx, r.ExecutionID, outcomes); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendOutcomes adds outcomes that completed after the result was stored,
// such as the asynchronous optional phase.
func (l *SQLiteExecutionLog) AppendOutcomes(ctx context.Context, executionID string, outcomes []contracts.ActionOutcome) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE execution_id = ?`, executionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err := insertOutcomes(ctx, tx, executionID, outcomes); err != nil {
		return err
	}
	return tx.Commit()
}

func insertOutcomes(ctx context.Context, tx *sql.Tx, executionID string, outcomes []contracts.ActionOutcome) error {
	for _, o := range outcomes {
		_, err := tx.ExecContext(ctx, `
            INSERT OR REPLACE INTO action_outcomes (execution_id, action_id, action_type, status, phase, sequence, duration_ms, timed_out, error)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			executionID, o.ActionID, string(o.Type), string(o.Status), string(o.Phase), o.Sequence,
			o.Duration.Milliseconds(), boolInt(o.TimedOut), o.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome %s: %w", o.ActionID, err)
		}
	}
	return nil
}

// Get returns a stored execution result.
func (l *SQLiteExecutionLog) Get(ctx context.Context, executionID string) (*contracts.ExecutionResult, error) {
	var resultJSON string
	err := l.db.QueryRowContext(ctx, `SELECT result FROM executions WHERE execution_id = ?`, executionID).Scan(&resultJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	var r contracts.ExecutionResult
	if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", executionID, err)
	}
	return &r, nil
}

// List returns the most recent execution results first.
func (l *SQLiteExecutionLog) List(ctx context.Context, limit int) ([]*contracts.ExecutionResult, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT result FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutionResult
	for rows.Next() {
		var resultJSON string
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, err
		}
		var r contracts.ExecutionResult
		if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Outcomes returns every recorded outcome of an execution by completion
// sequence. Skipped actions are not recorded.
func (l *SQLiteExecutionLog) Outcomes(ctx context.Context, executionID string) ([]contracts.ActionOutcome, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT action_id, action_type, status, phase, sequence, duration_ms, timed_out, error
        FROM action_outcomes WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ActionOutcome
	for rows.Next() {
		var (
			o          contracts.ActionOutcome
			typ        string
			status     string
			phase      sql.NullString
			durationMs int64
			timedOut   int
			errText    sql.NullString
		)
		if err := rows.Scan(&o.ActionID, &typ, &status, &phase, &o.Sequence, &durationMs, &timedOut, &errText); err != nil {
			return nil, err
		}
		o.Type = contracts.ActionType(typ)
		o.Status = contracts.ActionStatus(status)
		o.Phase = contracts.Phase(phase.String)
		o.Duration = msDuration(durationMs)
		o.TimedOut = timedOut != 0
		o.Error = errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// History derives per-type success rates from the recorded outcomes.
func (l *SQLiteExecutionLog) History(ctx context.Context) (contracts.HistoricalContext, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT action_type,
               SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
               COUNT(*)
        FROM action_outcomes
        WHERE status IN (?, ?)
        GROUP BY action_type`,
		string(contracts.StatusSucceeded), string(contracts.StatusSucceeded), string(contracts.StatusFailed))
	if err != nil {
		return contracts.HistoricalContext{}, err
	}
	defer func() { _ = rows.Close() }()

	h := contracts.HistoricalContext{
		SuccessRates: make(map[contracts.ActionType]float64),
		Samples:      make(map[contracts.ActionType]int),
	}
	for rows.Next() {
		var (
			typ       string
			succeeded int
			total     int
		)
		if err := rows.Scan(&typ, &succeeded, &total); err != nil {
			return contracts.HistoricalContext{}, err
		}
		if total == 0 {
			continue
		}
		h.SuccessRates[contracts.ActionType(typ)] = float64(succeeded) / float64(total)
		h.Samples[contracts.ActionType(typ)] = total
	}
	return h, rows.Err()
}

// MemoryExecutionLog keeps execution results in memory.
type MemoryExecutionLog struct {
	mu      sync.Mutex
	results map[string]*contracts.ExecutionResult
	order   []string
}

func NewMemoryExecutionLog() *MemoryExecutionLog {
	return &MemoryExecutionLog{results: make(map[string]*contracts.ExecutionResult)}
}

func (l *MemoryExecutionLog) Append(_ context.Context, r *contracts.ExecutionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *r
	cp.Executed = slices.Clone(r.Executed)
	cp.PartialExecution = slices.Clone(r.PartialExecution)
	l.results[r.ExecutionID] = &cp
	l.order = append(l.order, r.ExecutionID)
	return nil
}

func (l *MemoryExecutionLog) AppendOutcomes(_ context.Context, executionID string, outcomes []contracts.ActionOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.results[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	for _, o := range outcomes {
		if o.Status == contracts.StatusSucceeded {
			r.Executed = append(r.Executed, o)
		} else {
			r.PartialExecution = append(r.PartialExecution, o)
		}
	}
	sort.SliceStable(r.Executed, func(i, j int) bool { return r.Executed[i].Sequence < r.Executed[j].Sequence })
	return nil
}

// Get returns a copy of a stored result.
func (l *MemoryExecutionLog) Get(_ context.Context, executionID string) (*contracts.ExecutionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.results[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	cp := *r
	return &cp, nil
}

// Len returns the number of stored results.
func (l *MemoryExecutionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
