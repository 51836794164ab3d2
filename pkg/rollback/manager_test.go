package rollback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/safeact/pkg/action/actiontest"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

func completed(t *testing.T, j *actiontest.Journal, id string, seq int, tags ...contracts.Tag) (*actiontest.Fake, Completed) {
	t.Helper()
	f := actiontest.New(contracts.ActionCandidate{ID: id, Type: contracts.ActionCreateTask, Tags: tags}, j)
	_, err := f.Execute(context.Background())
	require.NoError(t, err)
	return f, Completed{Action: f, Outcome: contracts.ActionOutcome{ActionID: id, Status: contracts.StatusSucceeded, Sequence: seq}}
}

func TestRollback_ReverseCompletionOrder(t *testing.T) {
	j := &actiontest.Journal{}
	_, a := completed(t, j, "a", 1)
	_, b := completed(t, j, "b", 2)
	_, c := completed(t, j, "c", 3)
	failed := Completed{Outcome: contracts.ActionOutcome{ActionID: "d", Status: contracts.StatusFailed, Sequence: 4}}

	m := NewManager()
	report := m.Rollback(context.Background(), "plan-1", []Completed{b, failed, a, c})

	assert.True(t, report.Complete)
	assert.Equal(t, []string{"c", "b", "a"}, report.Order())
	assert.Equal(t, []string{"c", "b", "a"}, j.Filter("undo"))
}

func TestRollback_ContinuesPastFailures(t *testing.T) {
	j := &actiontest.Journal{}
	_, a := completed(t, j, "a", 1)
	bf, b := completed(t, j, "b", 2)
	bf.UndoFails = true
	cf, c := completed(t, j, "c", 3)
	cf.Irreversible = true

	report := NewManager().Rollback(context.Background(), "plan-1", []Completed{a, b, c})

	assert.False(t, report.Complete)
	require.Len(t, report.Entries, 3)
	assert.True(t, report.Entries[0].Skipped)
	assert.Contains(t, report.Entries[0].Error, "not reversible")
	assert.False(t, report.Entries[1].Undone)
	assert.Contains(t, report.Entries[1].Error, "partial reversal")
	assert.True(t, report.Entries[2].Undone)
	assert.Equal(t, []string{"a"}, j.Filter("undo"))
}

type panicky struct{ *actiontest.Fake }

func (p panicky) Undo(context.Context) bool { panic("undo exploded") }

func TestRollback_RecoversPanics(t *testing.T) {
	j := &actiontest.Journal{}
	f, _ := completed(t, j, "a", 1)
	_, b := completed(t, j, "b", 2)
	p := Completed{Action: panicky{f}, Outcome: contracts.ActionOutcome{ActionID: "a", Status: contracts.StatusSucceeded, Sequence: 1}}

	report := NewManager().Rollback(context.Background(), "plan-1", []Completed{p, b})
	require.Len(t, report.Entries, 2)
	assert.True(t, report.Entries[0].Undone)
	assert.Contains(t, report.Entries[1].Error, "panicked")
}

func TestRollback_Idempotent(t *testing.T) {
	j := &actiontest.Journal{}
	f, a := completed(t, j, "a", 1)

	m := NewManager()
	first := m.Rollback(context.Background(), "plan-1", []Completed{a})
	second := m.Rollback(context.Background(), "plan-1", []Completed{a})

	assert.True(t, first.Complete)
	assert.True(t, second.Complete)
	assert.Equal(t, "already undone", second.Entries[0].Reason)
	assert.Equal(t, 1, f.UndoCalls())
	assert.Equal(t, []string{"a"}, j.Filter("undo"))
}

func TestRollback_ForgetDropsPlan(t *testing.T) {
	j := &actiontest.Journal{}
	_, a := completed(t, j, "a", 1)
	_, b := completed(t, j, "b", 1)

	m := NewManager()
	m.Rollback(context.Background(), "plan-1", []Completed{a})
	m.Rollback(context.Background(), "plan-2", []Completed{b})
	assert.Equal(t, 2, m.Tracked())

	m.Forget("plan-1")
	assert.Equal(t, 1, m.Tracked())
	assert.NotContains(t, m.undone, "plan-1")
	m.Forget("plan-2")
	m.Forget("unknown")
	assert.Zero(t, m.Tracked())
}

func TestRollback_CancelledContextStillUndoes(t *testing.T) {
	j := &actiontest.Journal{}
	_, a := completed(t, j, "a", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewManager().Rollback(ctx, "plan-1", []Completed{a})
	assert.True(t, report.Complete)
}

func TestVerifyOrdering(t *testing.T) {
	j := &actiontest.Journal{}
	_, req := completed(t, j, "req", 1, contracts.TagRequiredEnrichment)
	irrF, irr := completed(t, j, "irr", 2)
	irrF.Irreversible = true
	assert.NoError(t, VerifyOrdering([]Completed{irr, req}))

	irr.Outcome.Sequence = 0
	assert.Error(t, VerifyOrdering([]Completed{irr, req}))
}
