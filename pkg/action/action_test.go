package action_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/action/mailbox"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

func setup(t *testing.T) (*mailbox.Memory, *action.Registry) {
	t.Helper()
	mb := mailbox.New()
	mb.AddMessage("msg-1", "Inbox", "invoice.pdf")
	mb.AddNote("note-1")
	reg, err := action.DefaultRegistry(mb.Env())
	require.NoError(t, err)
	return mb, reg
}

func cand(id string, typ contracts.ActionType, params map[string]string) contracts.ActionCandidate {
	return contracts.ActionCandidate{ID: id, EventID: "evt-1", Type: typ, Target: "msg-1", Confidence: 0.9, Params: params}
}

func TestRegistry_DefaultVariants(t *testing.T) {
	_, reg := setup(t)

	assert.Len(t, reg.Types(), 8)
	assert.True(t, reg.Reversible(contracts.ActionArchive))
	assert.False(t, reg.Reversible(contracts.ActionDelete))
	assert.False(t, reg.Reversible("teleport"), "unknown types are irreversible")
	assert.Equal(t, action.ClassDisposition, reg.Class(contracts.ActionMove))
	assert.Equal(t, action.ClassMarking, reg.Class(contracts.ActionFlag))

	safer, ok := reg.Safer(contracts.ActionDelete)
	require.True(t, ok)
	assert.Equal(t, contracts.ActionFlag, safer)
	_, ok = reg.Safer(contracts.ActionCreateTask)
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicatesAndUnknown(t *testing.T) {
	_, reg := setup(t)

	err := reg.Register(action.Variant{Type: contracts.ActionFlag, Factory: func(contracts.ActionCandidate) (action.Action, error) { return nil, nil }})
	assert.ErrorIs(t, err, action.ErrDuplicateType)

	_, err = reg.New(contracts.ActionCandidate{ID: "x", Type: "teleport"})
	assert.ErrorIs(t, err, action.ErrUnknownType)

	assert.Error(t, reg.SetSafer(contracts.ActionArchive, contracts.ActionDelete), "irreversible safer variant must be refused")
	require.NoError(t, reg.SetSafer(contracts.ActionArchive, ""))
	_, ok := reg.Safer(contracts.ActionArchive)
	assert.False(t, ok)
}

func TestArchive_ExecuteAndUndo(t *testing.T) {
	mb, reg := setup(t)
	ctx := context.Background()

	a, err := reg.New(cand("a1", contracts.ActionArchive, nil))
	require.NoError(t, err)
	require.NoError(t, action.Check(ctx, a))

	_, err = a.Execute(ctx)
	require.NoError(t, err)
	msg, _ := mb.Message("msg-1")
	assert.Equal(t, action.ArchiveFolder, msg.Folder)

	assert.True(t, a.Undo(ctx))
	msg, _ = mb.Message("msg-1")
	assert.Equal(t, "Inbox", msg.Folder)

	// Second undo changes nothing.
	assert.True(t, a.Undo(ctx))
	msg, _ = mb.Message("msg-1")
	assert.Equal(t, "Inbox", msg.Folder)
	assert.Len(t, mb.Journal(), 2)
}

func TestDelete_IsIrreversible(t *testing.T) {
	mb, reg := setup(t)
	ctx := context.Background()

	a, err := reg.New(cand("d1", contracts.ActionDelete, nil))
	require.NoError(t, err)
	assert.False(t, a.CanUndo())
	assert.False(t, a.EstimateImpact().Reversible)

	_, err = a.Execute(ctx)
	require.NoError(t, err)
	_, ok := mb.Message("msg-1")
	assert.False(t, ok)
	assert.False(t, a.Undo(ctx))
}

func TestCreateTask_UsesSavedAttachment(t *testing.T) {
	mb, reg := setup(t)
	ctx := context.Background()

	save, err := reg.New(cand("s1", contracts.ActionSaveAttachment, map[string]string{"attachment": "invoice.pdf"}))
	require.NoError(t, err)
	task, err := reg.New(cand("t1", contracts.ActionCreateTask, map[string]string{"title": "Pay invoice", "attachment": "invoice.pdf"}))
	require.NoError(t, err)

	_, err = task.Execute(ctx)
	require.Error(t, err, "attachment not saved yet")

	_, err = save.Execute(ctx)
	require.NoError(t, err)
	res, err := task.Execute(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Output["task_id"])

	tasks := mb.Tasks()
	require.Len(t, tasks, 1)
	assert.NotEmpty(t, tasks[0].AttachmentRef)

	assert.True(t, task.Undo(ctx))
	assert.True(t, save.Undo(ctx))
	assert.Empty(t, mb.Tasks())
	assert.Zero(t, mb.SavedCount())
}

func TestValidate_Preconditions(t *testing.T) {
	_, reg := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		c    contracts.ActionCandidate
	}{
		{"missing attachment", cand("s", contracts.ActionSaveAttachment, map[string]string{"attachment": "nope.pdf"})},
		{"task without title", cand("t", contracts.ActionCreateTask, nil)},
		{"reminder without due", cand("r", contracts.ActionCreateReminder, map[string]string{"title": "call"})},
		{"bad due", cand("r2", contracts.ActionCreateReminder, map[string]string{"title": "call", "due": "tomorrow"})},
		{"note without extraction", cand("n", contracts.ActionUpdateNote, map[string]string{"content": "x"})},
		{"move without folder", cand("m", contracts.ActionMove, nil)},
		{"unknown message", contracts.ActionCandidate{ID: "f", Type: contracts.ActionFlag, Target: "msg-404"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := reg.New(tt.c)
			require.NoError(t, err)
			err = action.Check(ctx, a)
			var pe *action.PreconditionError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.c.ID, pe.ActionID)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}

func TestUpdateNote_UndoFailureReported(t *testing.T) {
	mb, reg := setup(t)
	ctx := context.Background()

	c := cand("n1", contracts.ActionUpdateNote, map[string]string{"content": "due Friday"})
	c.Extraction = &contracts.Extraction{Type: contracts.ExtractionDeadline, Importance: contracts.ImportanceHigh, NoteRef: "note-1"}
	a, err := reg.New(c)
	require.NoError(t, err)
	require.NoError(t, action.Check(ctx, a))

	_, err = a.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, mb.NoteEntries("note-1"), 1)

	mb.Fail(mailbox.OpNoteRemove, errors.New("store offline"))
	assert.False(t, a.Undo(ctx))
	mb.Fail(mailbox.OpNoteRemove, nil)
	assert.True(t, a.Undo(ctx))
	assert.Empty(t, mb.NoteEntries("note-1"))
}

func TestActionExecutionError(t *testing.T) {
	cause := errors.New("boom")
	err := &action.ActionExecutionError{ActionID: "a1", TimedOut: true, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "timed out")
}
