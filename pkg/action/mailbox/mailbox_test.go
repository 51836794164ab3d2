package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/safeact/pkg/action"
)

func TestMessages(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.AddMessage("m1", "Inbox", "invoice.pdf")

	prev, err := m.MoveTo(ctx, "m1", "Archive")
	require.NoError(t, err)
	assert.Equal(t, "Inbox", prev)

	was, err := m.SetFlagged(ctx, "m1", true)
	require.NoError(t, err)
	assert.False(t, was)

	msg, ok := m.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "Archive", msg.Folder)
	assert.True(t, msg.Flagged)

	require.NoError(t, m.Delete(ctx, "m1"))
	assert.False(t, m.Exists(ctx, "m1"))
	assert.ErrorIs(t, m.Delete(ctx, "m1"), ErrNotFound)
	_, err = m.MoveTo(ctx, "m1", "Inbox")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"move m1 Inbox->Archive", "flag m1 true", "delete m1"}, m.Journal())
}

func TestNotes(t *testing.T) {
	ctx := context.Background()
	m := New()
	env := m.Env()

	_, err := env.Notes.Append(ctx, "n1", action.NoteEntry{Kind: "deadline"})
	assert.ErrorIs(t, err, ErrNotFound)

	m.AddNote("n1")
	assert.True(t, env.Notes.Exists(ctx, "n1"))
	first, err := env.Notes.Append(ctx, "n1", action.NoteEntry{Kind: "deadline", Content: "friday"})
	require.NoError(t, err)
	_, err = env.Notes.Append(ctx, "n1", action.NoteEntry{Kind: "fact", Content: "paid"})
	require.NoError(t, err)

	require.NoError(t, env.Notes.Remove(ctx, "n1", first))
	entries := m.NoteEntries("n1")
	require.Len(t, entries, 1)
	assert.Equal(t, "paid", entries[0].Content)

	// Removing an unknown entry is a no-op.
	require.NoError(t, env.Notes.Remove(ctx, "n1", first))
	assert.Len(t, m.NoteEntries("n1"), 1)
}

func TestTasksAndAttachments(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.AddMessage("m1", "Inbox", "invoice.pdf")
	env := m.Env()

	assert.True(t, env.Attachments.Has(ctx, "m1", "invoice.pdf"))
	assert.False(t, env.Attachments.Has(ctx, "m1", "other.pdf"))
	ref, err := env.Attachments.Save(ctx, "m1", "invoice.pdf")
	require.NoError(t, err)
	got, ok := env.Attachments.Lookup(ctx, "m1", "invoice.pdf")
	require.True(t, ok)
	assert.Equal(t, ref, got)

	id, err := env.Tasks.Create(ctx, action.Task{Title: "Pay invoice", Kind: "task", AttachmentRef: ref})
	require.NoError(t, err)
	require.Len(t, m.Tasks(), 1)

	require.NoError(t, env.Tasks.Remove(ctx, id))
	require.NoError(t, env.Attachments.Remove(ctx, ref))
	assert.Empty(t, m.Tasks())
	assert.Zero(t, m.SavedCount())
}

func TestFaultsAndDelays(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.AddMessage("m1", "Inbox")

	boom := errors.New("imap unavailable")
	m.Fail(OpMove, boom)
	_, err := m.MoveTo(ctx, "m1", "Archive")
	assert.ErrorIs(t, err, boom)

	m.Fail(OpMove, nil)
	_, err = m.MoveTo(ctx, "m1", "Archive")
	require.NoError(t, err)

	m.Delay(OpFlag, time.Second)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = m.SetFlagged(cctx, "m1", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	msg, _ := m.Message("m1")
	assert.False(t, msg.Flagged)
}
