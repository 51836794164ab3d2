// Package queue keeps events the engine could not finish. An aborted plan,
// a configuration error or a held downgrade never makes its event disappear:
// the event is parked here with a structured reason until it is retried or
// reviewed by a person.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Kind says who picks a held event up next.
type Kind string

const (
	// KindRetry events are retried automatically on the backoff schedule.
	KindRetry Kind = "retry"
	// KindReview events wait for a person.
	KindReview Kind = "review"
)

var ErrNotFound = errors.New("queue: item not found")

// Item is a held event.
type Item struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	PlanID        string    `json:"plan_id,omitempty"`
	Kind          Kind      `json:"kind"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	HeldAt        time.Time `json:"held_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	Payload
}

// Payload is what a retry needs to plan the event again.
type Payload struct {
	Event      contracts.Event             `json:"event"`
	Candidates []contracts.ActionCandidate `json:"candidates,omitempty"`
	History    contracts.HistoricalContext `json:"history,omitempty"`
}

// Queue stores held events. Holding an event that is already held updates
// the existing item and bumps its attempt count.
type Queue interface {
	Hold(ctx context.Context, item Item) (Item, error)
	Due(ctx context.Context, now time.Time) ([]Item, error)
	Pending(ctx context.Context) ([]Item, error)
	Resolve(ctx context.Context, eventID string) error
}

// Scheduler fills in the retry schedule of an item about to be held. Items
// that exhausted their retries are turned into review items.
type Scheduler struct {
	Policy BackoffPolicy
	Clock  func() time.Time
}

// Prepare stamps the item with its id, hold time and next attempt.
func (s Scheduler) Prepare(item Item, previous *Item) Item {
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Attempts = 0
	if previous != nil {
		item.ID = previous.ID
		item.Attempts = previous.Attempts + 1
	}
	item.HeldAt = now
	item.NextAttemptAt = time.Time{}
	if item.Kind == KindRetry {
		next, ok := NextAttempt(item.EventID, item.Attempts, s.Policy, now)
		if ok {
			item.NextAttemptAt = next
		} else {
			item.Kind = KindReview
		}
	}
	return item
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu        sync.Mutex
	items     map[string]Item
	scheduler Scheduler
}

// NewMemoryQueue returns an empty queue using the given backoff.
func NewMemoryQueue(policy BackoffPolicy) *MemoryQueue {
	return &MemoryQueue{items: make(map[string]Item), scheduler: Scheduler{Policy: policy}}
}

// WithClock overrides the clock for testing.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.scheduler.Clock = clock
	return q
}

func (q *MemoryQueue) Hold(_ context.Context, item Item) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var prev *Item
	if p, ok := q.items[item.EventID]; ok {
		prev = &p
	}
	item = q.scheduler.Prepare(item, prev)
	q.items[item.EventID] = item
	return item, nil
}

// Due returns retry items whose next attempt is at or before now.
func (q *MemoryQueue) Due(_ context.Context, now time.Time) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.items {
		if it.Kind == KindRetry && !it.NextAttemptAt.After(now) {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

func (q *MemoryQueue) Pending(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (q *MemoryQueue) Resolve(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[eventID]; !ok {
		return ErrNotFound
	}
	delete(q.items, eventID)
	return nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].HeldAt.Equal(items[j].HeldAt) {
			return items[i].HeldAt.Before(items[j].HeldAt)
		}
		return items[i].EventID < items[j].EventID
	})
}
