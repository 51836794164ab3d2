// Package action defines the capability contract every effectful operation
// implements and the closed registry of variants the engine may instantiate.
//
// The engine only talks to actions through Action. Outcomes are explicit values:
// Validate reports a ValidationResult, Execute returns an ActionResult or an
// error, Undo reports whether the effect was fully reversed.
package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// EffectClass groups action types by what they do to the originating item.
type EffectClass string

const (
	// ClassCapture writes derived knowledge somewhere else.
	ClassCapture EffectClass = "capture"
	// ClassMarking changes visible state on the item without moving it.
	ClassMarking EffectClass = "marking"
	// ClassDisposition relocates or discards the item itself.
	ClassDisposition EffectClass = "disposition"
)

// ValidationResult is the outcome of a precondition check.
type ValidationResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Valid is the passing ValidationResult.
func Valid() ValidationResult { return ValidationResult{OK: true} }

// Invalid builds a failing ValidationResult.
func Invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// ActionResult is what a successful Execute produced.
type ActionResult struct {
	Output  map[string]string `json:"output,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ImpactScore estimates the effect of running an action.
type ImpactScore struct {
	Class      EffectClass `json:"class"`
	Reversible bool        `json:"reversible"`
	// Score is a relative magnitude in [0,1].
	Score float64 `json:"score"`
}

// Action is the capability contract implemented by every concrete operation.
type Action interface {
	ID() string
	Type() contracts.ActionType
	Candidate() contracts.ActionCandidate
	Validate(ctx context.Context) ValidationResult
	Execute(ctx context.Context) (ActionResult, error)
	// Undo reverses a completed Execute. It is idempotent: undoing an
	// already-undone action reports true and changes nothing.
	Undo(ctx context.Context) bool
	// CanUndo is a static declaration of reversibility.
	CanUndo() bool
	EstimateImpact() ImpactScore
	Dependencies() []string
}

// PreconditionError reports a failed Validate.
type PreconditionError struct {
	ActionID string
	Reason   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s: %s", e.ActionID, e.Reason)
}

// ActionExecutionError reports a failed or timed-out Execute.
type ActionExecutionError struct {
	ActionID string
	TimedOut bool
	Err      error
}

func (e *ActionExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("action %s timed out: %v", e.ActionID, e.Err)
	}
	return fmt.Sprintf("action %s failed: %v", e.ActionID, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Check runs Validate and converts a failing result into a *PreconditionError.
func Check(ctx context.Context, a Action) error {
	res := a.Validate(ctx)
	if res.OK {
		return nil
	}
	return &PreconditionError{ActionID: a.ID(), Reason: res.Reason}
}

var (
	ErrUnknownType   = errors.New("action: unknown action type")
	ErrDuplicateType = errors.New("action: action type already registered")
)
