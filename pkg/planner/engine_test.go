package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/action/mailbox"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
	"github.com/Mindburn-Labs/safeact/pkg/stakes"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	reg, err := action.DefaultRegistry(mailbox.New().Env())
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithIDGenerator(func() string { return "plan-1" })}, opts...)
	return New(reg, opts...)
}

var event = contracts.Event{ID: "evt-1", Kind: contracts.EventMessage, ReceivedAt: fixedNow}

func cand(id string, typ contracts.ActionType, conf float64, tags ...contracts.Tag) contracts.ActionCandidate {
	return contracts.ActionCandidate{ID: id, EventID: "evt-1", Type: typ, Target: "msg-1", Confidence: conf, Tags: tags}
}

func TestPlan_Empty(t *testing.T) {
	e := newEngine(t)
	plan, err := e.Plan(context.Background(), event, nil, contracts.HistoricalContext{DisableAutoExecute: true})
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
	assert.Equal(t, contracts.ApprovalAuto, plan.ApprovalMode)
	assert.Equal(t, 1.0, plan.Confidence)
	assert.Equal(t, contracts.PlanPending, plan.Status())
}

func TestPlan_OrdersCaptureBeforeDisposition(t *testing.T) {
	e := newEngine(t)
	task := cand("task", contracts.ActionCreateTask, 0.9, contracts.TagRequiredEnrichment)
	task.DependsOn = []string{"save"}
	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{
		cand("archive", contracts.ActionArchive, 0.95),
		task,
		cand("save", contracts.ActionSaveAttachment, 0.9, contracts.TagRequiredEnrichment),
	}, contracts.HistoricalContext{})
	require.NoError(t, err)

	assert.Equal(t, []string{"save", "task", "archive"}, plan.IDs())
	assert.ElementsMatch(t, []string{"save"}, plan.DependenciesOf("task"))
	assert.ElementsMatch(t, []string{"save", "task"}, plan.DependenciesOf("archive"))
	assert.Equal(t, 0.9, plan.Confidence)
	assert.Equal(t, contracts.ApprovalReview, plan.ApprovalMode, "confidence below the auto threshold")
	assert.Len(t, plan.Risks, 3)
}

func TestPlan_ConflictKeepsHighestConfidence(t *testing.T) {
	e := newEngine(t)
	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{
		cand("archive", contracts.ActionArchive, 0.7),
		cand("delete", contracts.ActionDelete, 0.9),
	}, contracts.HistoricalContext{})
	require.NoError(t, err)

	assert.Equal(t, []string{"delete"}, plan.IDs())
	require.Len(t, plan.Rejected, 1)
	assert.Equal(t, "archive", plan.Rejected[0].Candidate.ID)
	assert.Equal(t, "delete", plan.Rejected[0].KeptID)
	assert.Contains(t, plan.Rejected[0].Rationale, "confidence 0.90")

	kept, _ := plan.Action("delete")
	assert.True(t, kept.Candidate.HasTag(contracts.TagIrreversible), "irreversibility is computed from the registry")
	assert.Equal(t, contracts.ApprovalReview, plan.ApprovalMode)
}

func TestPlan_ConflictTieBreaksTowardReversible(t *testing.T) {
	e := newEngine(t)
	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{
		cand("delete", contracts.ActionDelete, 0.8),
		cand("move", contracts.ActionMove, 0.8),
		cand("flag", contracts.ActionFlag, 0.8),
	}, contracts.HistoricalContext{})
	require.NoError(t, err)

	assert.Equal(t, []string{"move", "flag"}, plan.IDs())
	require.Len(t, plan.Rejected, 1)
	assert.Contains(t, plan.Rejected[0].Rationale, "reversible move preferred")
}

func TestPlan_ClassifiesEnrichment(t *testing.T) {
	e := newEngine(t)
	note := cand("note", contracts.ActionUpdateNote, 0.97)
	note.Extraction = &contracts.Extraction{Type: contracts.ExtractionDeadline, Importance: contracts.ImportanceLow, NoteRef: "n"}
	fact := cand("fact", contracts.ActionCreateTask, 0.97)
	fact.Extraction = &contracts.Extraction{Type: contracts.ExtractionFact, Importance: contracts.ImportanceLow}

	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{note, fact}, contracts.HistoricalContext{})
	require.NoError(t, err)

	got, _ := plan.Action("note")
	require.NotNil(t, got.Enrichment)
	assert.True(t, got.Enrichment.Required)
	assert.True(t, got.Candidate.HasTag(contracts.TagRequiredEnrichment))

	got, _ = plan.Action("fact")
	require.NotNil(t, got.Enrichment)
	assert.False(t, got.Enrichment.Required)
	assert.True(t, got.Candidate.HasTag(contracts.TagOptionalEnrichment))
	assert.Equal(t, contracts.ApprovalAuto, plan.ApprovalMode)
}

func TestPlan_FatalErrors(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Plan(ctx, event, []contracts.ActionCandidate{cand("x", "teleport", 0.9)}, contracts.HistoricalContext{})
	assert.ErrorIs(t, err, ErrUnknownActionType)

	_, err = e.Plan(ctx, event, []contracts.ActionCandidate{cand("x", contracts.ActionFlag, 0.9), cand("x", contracts.ActionArchive, 0.9)}, contracts.HistoricalContext{})
	assert.ErrorIs(t, err, ErrDuplicateCandidate)

	other := cand("x", contracts.ActionFlag, 0.9)
	other.EventID = "evt-2"
	_, err = e.Plan(ctx, event, []contracts.ActionCandidate{other}, contracts.HistoricalContext{})
	assert.ErrorIs(t, err, ErrEventMismatch)

	note := cand("note", contracts.ActionUpdateNote, 0.9, contracts.TagRequiredEnrichment)
	note.DependsOn = []string{"archive"}
	plan, err := e.Plan(ctx, event, []contracts.ActionCandidate{note, cand("archive", contracts.ActionArchive, 0.9)}, contracts.HistoricalContext{})
	var ce *dependency.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Nil(t, plan, "no partial plan on a cycle")
}

func TestPlan_PrunesMissingDependencies(t *testing.T) {
	e := newEngine(t)
	task := cand("task", contracts.ActionCreateTask, 0.9)
	task.DependsOn = []string{"ghost"}
	reminder := cand("reminder", contracts.ActionCreateReminder, 0.9)
	reminder.DependsOn = []string{"task"}

	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{task, reminder, cand("flag", contracts.ActionFlag, 0.9)}, contracts.HistoricalContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"flag"}, plan.IDs())
	require.Len(t, plan.Rejected, 2)
	assert.Contains(t, plan.Rejected[0].Rationale, "ghost")
}

func TestPlan_RequiredEnrichmentWithMissingDependencyFails(t *testing.T) {
	e := newEngine(t)
	note := cand("note", contracts.ActionUpdateNote, 0.95)
	note.Params = map[string]string{"content": "invoice due friday"}
	note.Extraction = &contracts.Extraction{Type: contracts.ExtractionDeadline, Importance: contracts.ImportanceHigh}
	note.DependsOn = []string{"ghost"}

	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{note, cand("archive", contracts.ActionArchive, 0.95)}, contracts.HistoricalContext{})
	require.ErrorIs(t, err, ErrRequiredDropped)
	assert.Contains(t, err.Error(), "note")
	assert.Contains(t, err.Error(), "ghost")
	assert.Nil(t, plan, "archive must not be planned without its required note")
}

func TestPlan_DistinctCapturesDoNotConflict(t *testing.T) {
	e := newEngine(t)
	deadline := cand("deadline", contracts.ActionUpdateNote, 0.9)
	deadline.Params = map[string]string{"content": "invoice due friday"}
	deadline.Extraction = &contracts.Extraction{Type: contracts.ExtractionDeadline, Importance: contracts.ImportanceHigh}
	fact := cand("fact", contracts.ActionUpdateNote, 0.95)
	fact.Params = map[string]string{"content": "paid by card"}
	fact.Extraction = &contracts.Extraction{Type: contracts.ExtractionFact, Importance: contracts.ImportanceLow}

	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{deadline, fact, cand("archive", contracts.ActionArchive, 0.95)}, contracts.HistoricalContext{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"deadline", "fact", "archive"}, plan.IDs())
	assert.Empty(t, plan.Rejected)

	kept, ok := plan.Action("deadline")
	require.True(t, ok)
	assert.True(t, kept.Candidate.HasTag(contracts.TagRequiredEnrichment))
	assert.Contains(t, plan.DependenciesOf("archive"), "deadline")
}

func TestPlan_IdenticalCapturesCollapse(t *testing.T) {
	e := newEngine(t)
	first := cand("first", contracts.ActionUpdateNote, 0.9)
	first.Params = map[string]string{"content": "invoice due friday"}
	first.Extraction = &contracts.Extraction{Type: contracts.ExtractionDeadline, Importance: contracts.ImportanceHigh}
	second := first.Clone()
	second.ID = "second"
	second.Confidence = 0.95

	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{first, second}, contracts.HistoricalContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, plan.IDs())
	require.Len(t, plan.Rejected, 1)
	assert.Equal(t, "second", plan.Rejected[0].KeptID)
	assert.Contains(t, plan.Rejected[0].Rationale, "duplicate update_note")
}

func TestPlan_RequiredCaptureNotReplacedByOptionalDuplicate(t *testing.T) {
	e := newEngine(t)
	required := cand("required", contracts.ActionSaveAttachment, 0.8, contracts.TagRequiredEnrichment)
	required.Params = map[string]string{"attachment": "invoice.pdf"}
	optional := cand("optional", contracts.ActionSaveAttachment, 0.9)
	optional.Params = map[string]string{"attachment": "invoice.pdf"}

	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{required, optional}, contracts.HistoricalContext{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"required", "optional"}, plan.IDs(), "a capture differing in tags is not a duplicate")
}

func TestPlan_ClampsConfidence(t *testing.T) {
	e := newEngine(t)
	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{cand("flag", contracts.ActionFlag, 1.7)}, contracts.HistoricalContext{})
	require.NoError(t, err)
	a, _ := plan.Action("flag")
	assert.Equal(t, 1.0, a.Candidate.Confidence)
	assert.Equal(t, 1.0, plan.Confidence)
}

func TestPlan_HighStakesForcesReview(t *testing.T) {
	d, err := stakes.NewDetector(stakes.DefaultRules())
	require.NoError(t, err)
	e := newEngine(t, WithDetector(d))

	ev := event
	ev.Attributes = map[string]any{"amount": 50000}
	plan, err := e.Plan(context.Background(), ev, []contracts.ActionCandidate{cand("flag", contracts.ActionFlag, 0.99)}, contracts.HistoricalContext{})
	require.NoError(t, err)
	assert.True(t, plan.HighStakes)
	assert.Equal(t, contracts.ApprovalReview, plan.ApprovalMode)
	for _, r := range plan.Risks {
		assert.Equal(t, contracts.RiskHigh, r.Level)
	}
}

func TestRebuild_ExcludesAndPrunes(t *testing.T) {
	e := newEngine(t)
	task := cand("task", contracts.ActionCreateTask, 0.9)
	task.DependsOn = []string{"save"}
	plan, err := e.Plan(context.Background(), event, []contracts.ActionCandidate{
		cand("save", contracts.ActionSaveAttachment, 0.9),
		task,
		cand("archive", contracts.ActionArchive, 0.7),
		cand("delete", contracts.ActionDelete, 0.6),
		cand("flag", contracts.ActionFlag, 0.9),
	}, contracts.HistoricalContext{})
	require.NoError(t, err)
	require.Len(t, plan.Rejected, 1)

	rebuilt, err := e.Rebuild(context.Background(), plan, map[string]string{"save": "attachment missing"})
	require.NoError(t, err)
	assert.Equal(t, plan.ID, rebuilt.ID)
	assert.Equal(t, 2, rebuilt.Revision)
	assert.Equal(t, []string{"archive", "flag"}, rebuilt.IDs())
	require.Len(t, rebuilt.Excluded, 1)
	assert.Equal(t, "attachment missing", rebuilt.Excluded[0].Rationale)
	assert.Len(t, rebuilt.Rejected, 2, "conflict loser carried over and dependent pruned")
	assert.NotEqual(t, plan.Fingerprint(), rebuilt.Fingerprint())
}
