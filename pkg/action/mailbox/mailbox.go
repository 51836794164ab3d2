// Package mailbox is an in-process implementation of the effect targets the
// built-in actions operate on. It backs the CLI runner and the tests and can
// be told to fail specific operations.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/safeact/pkg/action"
)

// Op names an operation that can be made to fail.
type Op string

const (
	OpMove         Op = "move"
	OpFlag         Op = "flag"
	OpDelete       Op = "delete"
	OpNoteAppend   Op = "note.append"
	OpNoteRemove   Op = "note.remove"
	OpTaskCreate   Op = "task.create"
	OpTaskRemove   Op = "task.remove"
	OpAttachSave   Op = "attachment.save"
	OpAttachRemove Op = "attachment.remove"
)

var ErrNotFound = errors.New("mailbox: not found")

// Message is one stored message.
type Message struct {
	ID          string   `json:"id"`
	Folder      string   `json:"folder"`
	Flagged     bool     `json:"flagged"`
	Attachments []string `json:"attachments,omitempty"`
}

// Memory holds messages, notes, tasks and saved attachments in memory.
type Memory struct {
	mu       sync.Mutex
	messages map[string]*Message
	notes    map[string][]noteEntry
	tasks    map[string]action.Task
	saved    map[string]savedAttachment
	faults   map[Op]error
	delays   map[Op]time.Duration
	journal  []string
}

type noteEntry struct {
	id    string
	entry action.NoteEntry
}

type savedAttachment struct {
	messageID string
	name      string
}

// New returns an empty mailbox.
func New() *Memory {
	return &Memory{
		messages: make(map[string]*Message),
		notes:    make(map[string][]noteEntry),
		tasks:    make(map[string]action.Task),
		saved:    make(map[string]savedAttachment),
		faults:   make(map[Op]error),
		delays:   make(map[Op]time.Duration),
	}
}

// Env exposes the mailbox through the action ports.
func (m *Memory) Env() action.Env {
	return action.Env{
		Messages:    m,
		Notes:       notesPort{m},
		Tasks:       tasksPort{m},
		Attachments: attachmentsPort{m},
	}
}

// AddMessage stores a message in the given folder.
func (m *Memory) AddMessage(id, folder string, attachments ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[id] = &Message{ID: id, Folder: folder, Attachments: attachments}
}

// AddNote creates an empty note.
func (m *Memory) AddNote(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[ref]; !ok {
		m.notes[ref] = nil
	}
}

// Fail makes every subsequent call of op return err. A nil err clears the fault.
func (m *Memory) Fail(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// Delay makes op block for d before doing anything, honouring ctx.
func (m *Memory) Delay(op Op, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[op] = d
}

// Message returns a copy of the stored message.
func (m *Memory) Message(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// NoteEntries returns the entries of a note in insertion order.
func (m *Memory) NoteEntries(ref string) []action.NoteEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]action.NoteEntry, 0, len(m.notes[ref]))
	for _, e := range m.notes[ref] {
		out = append(out, e.entry)
	}
	return out
}

// Tasks returns all tasks sorted by title.
func (m *Memory) Tasks() []action.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]action.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// SavedCount returns the number of saved attachments.
func (m *Memory) SavedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// Journal lists the effects applied, in order.
func (m *Memory) Journal() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.journal...)
}

// enter applies any configured delay and fault for op. On success the lock
// is held and the caller must unlock.
func (m *Memory) enter(ctx context.Context, op Op) error {
	m.mu.Lock()
	d := m.delays[op]
	m.mu.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	m.mu.Lock()
	if err := m.faults[op]; err != nil {
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) record(format string, args ...any) {
	m.journal = append(m.journal, fmt.Sprintf(format, args...))
}

func (m *Memory) Exists(_ context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.messages[id]
	return ok
}

func (m *Memory) MoveTo(ctx context.Context, id, folder string) (string, error) {
	if err := m.enter(ctx, OpMove); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return "", fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	prev := msg.Folder
	msg.Folder = folder
	m.record("move %s %s->%s", id, prev, folder)
	return prev, nil
}

func (m *Memory) SetFlagged(ctx context.Context, id string, flagged bool) (bool, error) {
	if err := m.enter(ctx, OpFlag); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return false, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	prev := msg.Flagged
	msg.Flagged = flagged
	m.record("flag %s %t", id, flagged)
	return prev, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := m.enter(ctx, OpDelete); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	delete(m.messages, id)
	m.record("delete %s", id)
	return nil
}

// notesPort exposes the note operations under the NoteStore method names.
type notesPort struct{ m *Memory }

func (p notesPort) Exists(_ context.Context, ref string) bool { return p.m.HasNote(ref) }

func (p notesPort) Append(ctx context.Context, ref string, entry action.NoteEntry) (string, error) {
	return p.m.AppendNote(ctx, ref, entry)
}

func (p notesPort) Remove(ctx context.Context, ref, entryID string) error {
	return p.m.RemoveNote(ctx, ref, entryID)
}

// HasNote reports whether a note exists.
func (m *Memory) HasNote(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.notes[ref]
	return ok
}

// AppendNote adds an entry to a note.
func (m *Memory) AppendNote(ctx context.Context, ref string, entry action.NoteEntry) (string, error) {
	if err := m.enter(ctx, OpNoteAppend); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	if _, ok := m.notes[ref]; !ok {
		return "", fmt.Errorf("%w: note %s", ErrNotFound, ref)
	}
	id := uuid.New().String()
	m.notes[ref] = append(m.notes[ref], noteEntry{id: id, entry: entry})
	m.record("note %s +%s", ref, entry.Kind)
	return id, nil
}

// RemoveNote deletes one entry from a note.
func (m *Memory) RemoveNote(ctx context.Context, ref, entryID string) error {
	if err := m.enter(ctx, OpNoteRemove); err != nil {
		return err
	}
	defer m.mu.Unlock()
	entries := m.notes[ref]
	for i, e := range entries {
		if e.id == entryID {
			m.notes[ref] = append(entries[:i:i], entries[i+1:]...)
			m.record("note %s -%s", ref, e.entry.Kind)
			return nil
		}
	}
	return nil
}

// CreateTask stores a task.
func (m *Memory) CreateTask(ctx context.Context, t action.Task) (string, error) {
	if err := m.enter(ctx, OpTaskCreate); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.tasks[id] = t
	m.record("%s %q", t.Kind, t.Title)
	return id, nil
}

type tasksPort struct{ m *Memory }

func (p tasksPort) Create(ctx context.Context, t action.Task) (string, error) {
	return p.m.CreateTask(ctx, t)
}

func (p tasksPort) Remove(ctx context.Context, id string) error {
	return p.m.RemoveTask(ctx, id)
}

// RemoveTask deletes a task.
func (m *Memory) RemoveTask(ctx context.Context, id string) error {
	if err := m.enter(ctx, OpTaskRemove); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		delete(m.tasks, id)
		m.record("%s -%q", t.Kind, t.Title)
	}
	return nil
}

type attachmentsPort struct{ m *Memory }

func (p attachmentsPort) Has(_ context.Context, messageID, name string) bool {
	return p.m.HasAttachment(messageID, name)
}

func (p attachmentsPort) Save(ctx context.Context, messageID, name string) (string, error) {
	return p.m.SaveAttachment(ctx, messageID, name)
}

func (p attachmentsPort) Lookup(_ context.Context, messageID, name string) (string, bool) {
	return p.m.LookupAttachment(messageID, name)
}

func (p attachmentsPort) Remove(ctx context.Context, ref string) error {
	return p.m.RemoveAttachment(ctx, ref)
}

// HasAttachment reports whether a message carries the named attachment.
func (m *Memory) HasAttachment(messageID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return false
	}
	for _, a := range msg.Attachments {
		if a == name {
			return true
		}
	}
	return false
}

// SaveAttachment copies an attachment and returns its storage reference.
func (m *Memory) SaveAttachment(ctx context.Context, messageID, name string) (string, error) {
	if err := m.enter(ctx, OpAttachSave); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return "", fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	ref := "att-" + uuid.New().String()
	m.saved[ref] = savedAttachment{messageID: messageID, name: name}
	m.record("save %s/%s", messageID, name)
	return ref, nil
}

// LookupAttachment finds the reference of a saved attachment.
func (m *Memory) LookupAttachment(messageID, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, s := range m.saved {
		if s.messageID == messageID && s.name == name {
			return ref, true
		}
	}
	return "", false
}

// RemoveAttachment discards a saved copy.
func (m *Memory) RemoveAttachment(ctx context.Context, ref string) error {
	if err := m.enter(ctx, OpAttachRemove); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if s, ok := m.saved[ref]; ok {
		delete(m.saved, ref)
		m.record("unsave %s/%s", s.messageID, s.name)
	}
	return nil
}
