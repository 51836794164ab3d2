// Package actiontest provides a scriptable Action for engine tests.
package actiontest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Journal records the effects of a group of fakes in the order they happened.
type Journal struct {
	mu     sync.Mutex
	events []string
}

func (j *Journal) record(format string, args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

// Events returns the recorded events.
func (j *Journal) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.events)
}

// Filter returns the ids recorded with the given verb, in order.
func (j *Journal) Filter(verb string) []string {
	var out []string
	for _, e := range j.Events() {
		var v, id string
		if _, err := fmt.Sscanf(e, "%s %s", &v, &id); err == nil && v == verb {
			out = append(out, id)
		}
	}
	return out
}

// Fake is a scriptable action.
type Fake struct {
	Cand         contracts.ActionCandidate
	Irreversible bool
	Invalid      string
	ExecErr      error
	Delay        time.Duration
	IgnoreCancel bool
	Panic        bool
	UndoFails    bool
	Journal      *Journal

	// BeforeExecute runs at the start of Execute; a non-nil error fails it.
	BeforeExecute func(ctx context.Context, f *Fake) error

	mu        sync.Mutex
	executed  bool
	undone    bool
	execCalls int
	undoCalls int
}

// New returns a reversible fake for the candidate.
func New(c contracts.ActionCandidate, j *Journal) *Fake {
	return &Fake{Cand: c, Journal: j}
}

func (f *Fake) ID() string                           { return f.Cand.ID }
func (f *Fake) Type() contracts.ActionType           { return f.Cand.Type }
func (f *Fake) Candidate() contracts.ActionCandidate { return f.Cand.Clone() }
func (f *Fake) Dependencies() []string               { return slices.Clone(f.Cand.DependsOn) }
func (f *Fake) CanUndo() bool                        { return !f.Irreversible }

func (f *Fake) EstimateImpact() action.ImpactScore {
	return action.ImpactScore{Class: action.ClassCapture, Reversible: !f.Irreversible, Score: 0.1}
}

func (f *Fake) Validate(context.Context) action.ValidationResult {
	if f.Invalid != "" {
		return action.Invalid("%s", f.Invalid)
	}
	return action.Valid()
}

func (f *Fake) Execute(ctx context.Context) (action.ActionResult, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()
	f.Journal.record("start %s", f.Cand.ID)

	if f.BeforeExecute != nil {
		if err := f.BeforeExecute(ctx, f); err != nil {
			return action.ActionResult{}, err
		}
	}
	if f.Panic {
		panic("fake action " + f.Cand.ID + " exploded")
	}
	if f.Delay > 0 && f.IgnoreCancel {
		time.Sleep(f.Delay)
	} else if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return action.ActionResult{}, ctx.Err()
		}
	}
	if f.ExecErr != nil {
		f.Journal.record("fail %s", f.Cand.ID)
		return action.ActionResult{}, f.ExecErr
	}

	f.mu.Lock()
	f.executed = true
	f.mu.Unlock()
	f.Journal.record("done %s", f.Cand.ID)
	return action.ActionResult{Output: map[string]string{"id": f.Cand.ID}}, nil
}

func (f *Fake) Undo(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undoCalls++
	if !f.executed || f.undone {
		return !f.Irreversible || !f.executed
	}
	if f.Irreversible || f.UndoFails {
		return false
	}
	f.undone = true
	f.Journal.record("undo %s", f.Cand.ID)
	return true
}

// Executed reports whether Execute completed successfully.
func (f *Fake) Executed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed
}

// Undone reports whether the effect was reversed.
func (f *Fake) Undone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.undone
}

// ExecCalls returns how often Execute was entered.
func (f *Fake) ExecCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

// UndoCalls returns how often Undo was called.
func (f *Fake) UndoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.undoCalls
}

// ErrBoom is a ready-made execution failure.
var ErrBoom = errors.New("boom")
