package action

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// ArchiveFolder is where archive relocates messages.
const ArchiveFolder = "Archive"

// base carries the candidate and the executed/undone bookkeeping shared by
// every built-in variant.
type base struct {
	cand contracts.ActionCandidate

	mu       sync.Mutex
	executed bool
	undone   bool
}

func (b *base) ID() string                           { return b.cand.ID }
func (b *base) Type() contracts.ActionType           { return b.cand.Type }
func (b *base) Candidate() contracts.ActionCandidate { return b.cand.Clone() }
func (b *base) Dependencies() []string               { return slices.Clone(b.cand.DependsOn) }

// markExecuted runs fn once and records success.
func (b *base) markExecuted(fn func() (ActionResult, error)) (ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executed {
		return ActionResult{}, fmt.Errorf("action %s already executed", b.cand.ID)
	}
	res, err := fn()
	if err != nil {
		return ActionResult{}, err
	}
	b.executed = true
	return res, nil
}

// undoOnce runs fn at most once after a successful execute.
func (b *base) undoOnce(fn func() error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.executed || b.undone {
		return true
	}
	if err := fn(); err != nil {
		return false
	}
	b.undone = true
	return true
}

// SaveAttachment copies an attachment of the source message to durable storage.
type SaveAttachment struct {
	base
	store AttachmentStore
	ref   string
}

func (a *SaveAttachment) Validate(ctx context.Context) ValidationResult {
	name := a.cand.Param("attachment")
	if name == "" {
		return Invalid("attachment name missing")
	}
	if !a.store.Has(ctx, a.cand.Target, name) {
		return Invalid("message %s has no attachment %q", a.cand.Target, name)
	}
	return Valid()
}

func (a *SaveAttachment) Execute(ctx context.Context) (ActionResult, error) {
	return a.markExecuted(func() (ActionResult, error) {
		ref, err := a.store.Save(ctx, a.cand.Target, a.cand.Param("attachment"))
		if err != nil {
			return ActionResult{}, err
		}
		a.ref = ref
		return ActionResult{Output: map[string]string{"attachment_ref": ref}}, nil
	})
}

func (a *SaveAttachment) Undo(ctx context.Context) bool {
	return a.undoOnce(func() error { return a.store.Remove(ctx, a.ref) })
}

func (a *SaveAttachment) CanUndo() bool { return true }

func (a *SaveAttachment) EstimateImpact() ImpactScore {
	return ImpactScore{Class: ClassCapture, Reversible: true, Score: 0.2}
}

// CreateTask creates a task, attaching a previously saved attachment when the
// candidate references one.
type CreateTask struct {
	base
	tasks       TaskStore
	attachments AttachmentStore
	kind        string
	id          string
}

func (a *CreateTask) Validate(ctx context.Context) ValidationResult {
	if a.cand.Param("title") == "" {
		return Invalid("%s title missing", a.kind)
	}
	if due := a.cand.Param("due"); due != "" {
		if _, err := time.Parse(time.RFC3339, due); err != nil {
			return Invalid("due %q is not RFC3339", due)
		}
	} else if a.kind == "reminder" {
		return Invalid("reminder needs a due time")
	}
	return Valid()
}

func (a *CreateTask) Execute(ctx context.Context) (ActionResult, error) {
	return a.markExecuted(func() (ActionResult, error) {
		t := Task{
			Title:    a.cand.Param("title"),
			Kind:     a.kind,
			SourceID: a.cand.Target,
		}
		if due := a.cand.Param("due"); due != "" {
			t.Due, _ = time.Parse(time.RFC3339, due)
		}
		if name := a.cand.Param("attachment"); name != "" {
			if a.attachments == nil {
				return ActionResult{}, fmt.Errorf("no attachment store to resolve %q", name)
			}
			ref, ok := a.attachments.Lookup(ctx, a.cand.Target, name)
			if !ok {
				return ActionResult{}, fmt.Errorf("attachment %q of %s not saved", name, a.cand.Target)
			}
			t.AttachmentRef = ref
		}
		id, err := a.tasks.Create(ctx, t)
		if err != nil {
			return ActionResult{}, err
		}
		a.id = id
		return ActionResult{Output: map[string]string{"task_id": id}}, nil
	})
}

func (a *CreateTask) Undo(ctx context.Context) bool {
	return a.undoOnce(func() error { return a.tasks.Remove(ctx, a.id) })
}

func (a *CreateTask) CanUndo() bool { return true }

func (a *CreateTask) EstimateImpact() ImpactScore {
	return ImpactScore{Class: ClassCapture, Reversible: true, Score: 0.2}
}

// UpdateNote appends an extraction to a knowledge note.
type UpdateNote struct {
	base
	notes   NoteStore
	entryID string
}

func (a *UpdateNote) Validate(ctx context.Context) ValidationResult {
	ext := a.cand.Extraction
	if ext == nil {
		return Invalid("no extraction to record")
	}
	if ext.NoteRef == "" {
		return Invalid("extraction has no target note")
	}
	if !a.notes.Exists(ctx, ext.NoteRef) {
		return Invalid("note %s not found", ext.NoteRef)
	}
	if a.cand.Param("content") == "" {
		return Invalid("nothing to write")
	}
	return Valid()
}

func (a *UpdateNote) Execute(ctx context.Context) (ActionResult, error) {
	return a.markExecuted(func() (ActionResult, error) {
		ext := a.cand.Extraction
		id, err := a.notes.Append(ctx, ext.NoteRef, NoteEntry{
			SourceID:   a.cand.Target,
			Kind:       string(ext.Type),
			Importance: string(ext.Importance),
			Content:    a.cand.Param("content"),
		})
		if err != nil {
			return ActionResult{}, err
		}
		a.entryID = id
		return ActionResult{Output: map[string]string{"note_ref": ext.NoteRef, "entry_id": id}}, nil
	})
}

func (a *UpdateNote) Undo(ctx context.Context) bool {
	return a.undoOnce(func() error { return a.notes.Remove(ctx, a.cand.Extraction.NoteRef, a.entryID) })
}

func (a *UpdateNote) CanUndo() bool { return true }

func (a *UpdateNote) EstimateImpact() ImpactScore {
	return ImpactScore{Class: ClassCapture, Reversible: true, Score: 0.1}
}

// Flag sets the visible flag on a message.
type Flag struct {
	base
	messages MessageStore
	previous bool
}

func (a *Flag) Validate(ctx context.Context) ValidationResult {
	if !a.messages.Exists(ctx, a.cand.Target) {
		return Invalid("message %s not found", a.cand.Target)
	}
	return Valid()
}

func (a *Flag) Execute(ctx context.Context) (ActionResult, error) {
	return a.markExecuted(func() (ActionResult, error) {
		prev, err := a.messages.SetFlagged(ctx, a.cand.Target, true)
		if err != nil {
			return ActionResult{}, err
		}
		a.previous = prev
		return ActionResult{Message: "flagged " + a.cand.Target}, nil
	})
}

func (a *Flag) Undo(ctx context.Context) bool {
	return a.undoOnce(func() error {
		_, err := a.messages.SetFlagged(ctx, a.cand.Target, a.previous)
		return err
	})
}

func (a *Flag) CanUndo() bool { return true }

func (a *Flag) EstimateImpact() ImpactScore {
	return ImpactScore{Class: ClassMarking, Reversible: true, Score: 0.05}
}

// Relocate moves a message to another folder. Archive is a Relocate to
// ArchiveFolder.
type Relocate struct {
	base
	messages MessageStore
	folder   string
	previous string
}

func (a *Relocate) Validate(ctx context.Context) ValidationResult {
	if a.folder == "" {
		return Invalid("destination folder missing")
	}
	if !a.messages.Exists(ctx, a.cand.Target) {
		return Invalid("message %s not found", a.cand.Target)
	}
	return Valid()
}

func (a *Relocate) Execute(ctx context.Context) (ActionResult, error) {
	return a.markExecuted(func() (ActionResult, error) {
		prev, err := a.messages.MoveTo(ctx, a.cand.Target, a.folder)
		if err != nil {
			return ActionResult{}, err
		}
		a.previous = prev
		return ActionResult{Output: map[string]string{"from": prev, "to": a.folder}}, nil
	})
}

func (a *Relocate) Undo(ctx context.Context) bool {
	return a.undoOnce(func() error {
		_, err := a.messages.MoveTo(ctx, a.cand.Target, a.previous)
		return err
	})
}

func (a *Relocate) CanUndo() bool { return true }

func (a *Relocate) EstimateImpact() ImpactScore {
	return ImpactScore{Class: ClassDisposition, Reversible: true, Score: 0.5}
}

// Delete discards a message. It cannot be undone.
type Delete struct {
	base
	messages MessageStore
}

func (a *Delete) Validate(ctx context.Context) ValidationResult {
	if !a.messages.Exists(ctx, a.cand.Target) {
		return Invalid("message %s not found", a.cand.Target)
	}
	return Valid()
}

func (a *Delete) Execute(ctx context.Context) (ActionResult, error) {
	return a.markExecuted(func() (ActionResult, error) {
		if err := a.messages.Delete(ctx, a.cand.Target); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Message: "deleted " + a.cand.Target}, nil
	})
}

// Undo always reports false once the message is gone.
func (a *Delete) Undo(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.executed
}

func (a *Delete) CanUndo() bool { return false }

func (a *Delete) EstimateImpact() ImpactScore {
	return ImpactScore{Class: ClassDisposition, Reversible: false, Score: 1}
}
