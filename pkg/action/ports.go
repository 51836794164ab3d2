package action

import (
	"context"
	"time"
)

// MessageStore is the mailbox the message actions operate on.
type MessageStore interface {
	Exists(ctx context.Context, id string) bool
	// MoveTo relocates a message and returns the folder it was in.
	MoveTo(ctx context.Context, id, folder string) (string, error)
	// SetFlagged sets the visible flag and returns its previous value.
	SetFlagged(ctx context.Context, id string, flagged bool) (bool, error)
	Delete(ctx context.Context, id string) error
}

// NoteEntry is one captured piece of knowledge.
type NoteEntry struct {
	SourceID   string `json:"source_id"`
	Kind       string `json:"kind"`
	Importance string `json:"importance"`
	Content    string `json:"content"`
}

// NoteStore is the knowledge store enrichment actions write to.
type NoteStore interface {
	Exists(ctx context.Context, ref string) bool
	Append(ctx context.Context, ref string, entry NoteEntry) (string, error)
	Remove(ctx context.Context, ref, entryID string) error
}

// Task is a task or reminder created from an event.
type Task struct {
	Title         string    `json:"title"`
	Kind          string    `json:"kind"`
	Due           time.Time `json:"due,omitempty"`
	SourceID      string    `json:"source_id"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
}

// TaskStore holds tasks and reminders.
type TaskStore interface {
	Create(ctx context.Context, t Task) (string, error)
	Remove(ctx context.Context, id string) error
}

// AttachmentStore copies attachments out of messages into durable storage.
type AttachmentStore interface {
	Has(ctx context.Context, messageID, name string) bool
	Save(ctx context.Context, messageID, name string) (string, error)
	Lookup(ctx context.Context, messageID, name string) (string, bool)
	Remove(ctx context.Context, ref string) error
}

// Env bundles the effect targets handed to the built-in variants.
type Env struct {
	Messages    MessageStore
	Notes       NoteStore
	Tasks       TaskStore
	Attachments AttachmentStore
}
