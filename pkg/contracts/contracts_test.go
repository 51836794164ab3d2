package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *ActionPlan {
	p := NewActionPlan("plan-1", Event{ID: "evt-1", Kind: EventMessage}, time.Unix(0, 0).UTC())
	p.Actions = []PlannedAction{
		{Candidate: ActionCandidate{ID: "note", Type: ActionUpdateNote, Target: "m1", Confidence: 0.9}},
		{Candidate: ActionCandidate{ID: "archive", Type: ActionArchive, Target: "m1", Confidence: 0.96}},
	}
	p.Edges = []Edge{{From: "note", To: "archive", Kind: EdgeCaptureBeforeCommit}}
	p.ApprovalMode = ApprovalAuto
	return p
}

func TestActionPlan_Lookup(t *testing.T) {
	p := samplePlan()

	a, ok := p.Action("archive")
	require.True(t, ok)
	assert.Equal(t, ActionArchive, a.Candidate.Type)
	_, ok = p.Action("ghost")
	assert.False(t, ok)

	assert.Equal(t, []string{"note", "archive"}, p.IDs())
	assert.Equal(t, []string{"note"}, p.DependenciesOf("archive"))
	assert.Empty(t, p.DependenciesOf("note"))
	assert.False(t, p.IsEmpty())
	assert.Equal(t, "evt-1", p.EventID())
}

func TestActionPlan_Lifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("snoozed plan waits for its deadline", func(t *testing.T) {
		p := samplePlan()
		require.NoError(t, p.Snooze(now.Add(time.Hour)))
		assert.Equal(t, PlanSnoozed, p.Status())
		assert.Equal(t, now.Add(time.Hour), p.SnoozedUntil())

		err := p.BeginExecution(now)
		assert.ErrorIs(t, err, ErrPlanNotRunnable)
		require.NoError(t, p.BeginExecution(now.Add(2*time.Hour)))
		assert.Equal(t, PlanExecuting, p.Status())
		assert.True(t, p.SnoozedUntil().IsZero())
	})

	t.Run("executing plan cannot run twice or be cancelled", func(t *testing.T) {
		p := samplePlan()
		require.NoError(t, p.BeginExecution(now))
		assert.ErrorIs(t, p.BeginExecution(now), ErrPlanInProgress)
		assert.ErrorIs(t, p.Cancel(), ErrPlanNotCancellable)
		assert.ErrorIs(t, p.Snooze(now.Add(time.Hour)), ErrPlanNotCancellable)

		p.Finish(false)
		assert.Equal(t, PlanAborted, p.Status())
		assert.ErrorIs(t, p.BeginExecution(now), ErrPlanNotRunnable)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		p := samplePlan()
		require.NoError(t, p.Cancel())
		require.NoError(t, p.Cancel())
		assert.ErrorIs(t, p.BeginExecution(now), ErrPlanNotRunnable)
	})
}

func TestActionPlan_Fingerprint(t *testing.T) {
	a, b := samplePlan(), samplePlan()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Contains(t, a.Fingerprint(), "sha256:")

	b.Revision = 2
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	// Lifecycle changes do not touch the hash.
	before := a.Fingerprint()
	require.NoError(t, a.Cancel())
	assert.Equal(t, before, a.Fingerprint())
}

func TestActionPlan_MarshalJSON(t *testing.T) {
	p := samplePlan()
	require.NoError(t, p.Snooze(time.Now().Add(time.Hour)))

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "snoozed", out["status"])
	assert.Equal(t, p.Fingerprint(), out["fingerprint"])
	assert.NotContains(t, out, "History")
}

func TestActionCandidate_Validate(t *testing.T) {
	tests := []struct {
		name string
		c    ActionCandidate
		ok   bool
	}{
		{"valid", ActionCandidate{ID: "a", Type: ActionArchive, Confidence: 0.5}, true},
		{"missing id", ActionCandidate{Type: ActionArchive}, false},
		{"missing type", ActionCandidate{ID: "a"}, false},
		{"confidence above one", ActionCandidate{ID: "a", Type: ActionArchive, Confidence: 1.2}, false},
		{"negative confidence", ActionCandidate{ID: "a", Type: ActionArchive, Confidence: -0.1}, false},
		{"unknown tag", ActionCandidate{ID: "a", Type: ActionArchive, Tags: []Tag{"urgent"}}, false},
		{"self dependency", ActionCandidate{ID: "a", Type: ActionArchive, DependsOn: []string{"a"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCandidate)
			}
		})
	}
}

func TestActionCandidate_TagsCopy(t *testing.T) {
	orig := ActionCandidate{
		ID:         "n",
		Type:       ActionUpdateNote,
		Params:     map[string]string{"content": "x"},
		Extraction: &Extraction{Type: ExtractionDeadline, Importance: ImportanceHigh},
	}
	tagged := orig.WithTag(TagRequiredEnrichment).WithTag(TagRequiredEnrichment)
	assert.Equal(t, []Tag{TagRequiredEnrichment}, tagged.Tags)
	assert.False(t, orig.HasTag(TagRequiredEnrichment))

	tagged.Params["content"] = "y"
	tagged.Extraction.NoteRef = "n9"
	assert.Equal(t, "x", orig.Param("content"))
	assert.Empty(t, orig.Extraction.NoteRef)

	assert.False(t, tagged.WithoutTag(TagRequiredEnrichment).HasTag(TagRequiredEnrichment))
	assert.Empty(t, ActionCandidate{}.Param("missing"))
}

func TestExecutionResult_Outcome(t *testing.T) {
	r := &ExecutionResult{
		Executed:         []ActionOutcome{{ActionID: "a", Status: StatusSucceeded}},
		PartialExecution: []ActionOutcome{{ActionID: "b", Status: StatusFailed}},
	}
	assert.Equal(t, []string{"a"}, r.ExecutedIDs())
	o, ok := r.Outcome("b")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, o.Status)
	_, ok = r.Outcome("c")
	assert.False(t, ok)

	var nilReport *RollbackReport
	assert.Nil(t, nilReport.Order())
	assert.True(t, StatusHeld.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestHistoricalContext(t *testing.T) {
	h := HistoricalContext{
		SuccessRates: map[ActionType]float64{ActionDelete: 0.4},
		Samples:      map[ActionType]int{ActionDelete: 12},
		AlwaysReview: []ActionType{ActionMove},
	}
	rate, n, ok := h.SuccessRate(ActionDelete)
	require.True(t, ok)
	assert.Equal(t, 0.4, rate)
	assert.Equal(t, 12, n)
	_, _, ok = h.SuccessRate(ActionArchive)
	assert.False(t, ok)
	assert.True(t, h.ReviewRequested(ActionMove))
	assert.False(t, h.ReviewRequested(ActionDelete))
}
