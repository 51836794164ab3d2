// Package review tracks plans that need a person before they run.
//
// A REVIEW or MANUAL plan is submitted to the Ledger, which issues a Request
// with an expiry. Approving it yields an Approval bound to the plan's
// fingerprint: a rebuilt plan needs a fresh approval.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// DefaultTimeout is how long a request waits for a decision.
const DefaultTimeout = 24 * time.Hour

var (
	ErrNotFound   = errors.New("review: request not found")
	ErrNotPending = errors.New("review: request is not pending")
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

// Request asks a person to approve a plan.
type Request struct {
	ID          string                 `json:"id"`
	PlanID      string                 `json:"plan_id"`
	EventID     string                 `json:"event_id"`
	Fingerprint string                 `json:"fingerprint"`
	Mode        contracts.ApprovalMode `json:"mode"`
	Rule        string                 `json:"rule"`
	Reason      string                 `json:"reason,omitempty"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	DecidedAt   time.Time              `json:"decided_at,omitempty"`
	DecidedBy   string                 `json:"decided_by,omitempty"`
	DenyReason  string                 `json:"deny_reason,omitempty"`
}

// Approval authorizes one revision of one plan.
type Approval struct {
	RequestID   string    `json:"request_id"`
	PlanID      string    `json:"plan_id"`
	Fingerprint string    `json:"fingerprint"`
	ApprovedBy  string    `json:"approved_by"`
	ApprovedAt  time.Time `json:"approved_at"`
}

// Covers reports whether the approval was issued for exactly this plan.
func (a *Approval) Covers(plan *contracts.ActionPlan) bool {
	return a != nil && plan != nil && a.PlanID == plan.ID && a.Fingerprint == plan.Fingerprint()
}

// Ledger handles the lifecycle of review requests.
type Ledger struct {
	mu       sync.Mutex
	requests map[string]*Request
	timeout  time.Duration
	clock    func() time.Time
}

// NewLedger creates an empty ledger. A non-positive timeout uses DefaultTimeout.
func NewLedger(timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Ledger{
		requests: make(map[string]*Request),
		timeout:  timeout,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Submit files a review request for the plan. Submitting the same plan
// revision again returns the pending request instead of opening a second one.
func (l *Ledger) Submit(ctx context.Context, plan *contracts.ActionPlan, reason string) (*Request, error) {
	_ = ctx
	fp := plan.Fingerprint()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.requests {
		if r.PlanID == plan.ID && r.Fingerprint == fp && r.Status == StatusPending {
			cp := *r
			return &cp, nil
		}
	}

	now := l.clock()
	r := &Request{
		ID:          uuid.New().String(),
		PlanID:      plan.ID,
		EventID:     plan.EventID(),
		Fingerprint: fp,
		Mode:        plan.ApprovalMode,
		Rule:        plan.ApprovalRule,
		Reason:      reason,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.timeout),
	}
	l.requests[r.ID] = r
	cp := *r
	return &cp, nil
}

// Approve approves a pending request. An expired request is timed out
// instead and the call fails.
func (l *Ledger) Approve(ctx context.Context, requestID, approverID string) (*Approval, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.pending(requestID)
	if err != nil {
		return nil, err
	}

	now := l.clock()
	if now.After(r.ExpiresAt) {
		r.Status = StatusTimedOut
		r.DecidedAt = now
		return nil, fmt.Errorf("%w: request %q expired at %s", ErrNotPending, requestID, r.ExpiresAt.Format(time.RFC3339))
	}

	r.Status = StatusApproved
	r.DecidedAt = now
	r.DecidedBy = approverID
	return &Approval{
		RequestID:   r.ID,
		PlanID:      r.PlanID,
		Fingerprint: r.Fingerprint,
		ApprovedBy:  approverID,
		ApprovedAt:  now,
	}, nil
}

// Deny rejects a pending request.
func (l *Ledger) Deny(ctx context.Context, requestID, denierID, reason string) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.pending(requestID)
	if err != nil {
		return err
	}
	r.Status = StatusDenied
	r.DecidedAt = l.clock()
	r.DecidedBy = denierID
	r.DenyReason = reason
	return nil
}

// CheckTimeouts times out expired pending requests and returns them.
func (l *Ledger) CheckTimeouts(ctx context.Context) []*Request {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	var out []*Request
	for _, r := range l.requests {
		if r.Status == StatusPending && now.After(r.ExpiresAt) {
			r.Status = StatusTimedOut
			r.DecidedAt = now
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRequests(out)
	return out
}

// Get returns a request by id.
func (l *Ledger) Get(requestID string) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, requestID)
	}
	cp := *r
	return &cp, nil
}

// Pending returns the open requests, oldest first.
func (l *Ledger) Pending() []*Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Request
	for _, r := range l.requests {
		if r.Status == StatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRequests(out)
	return out
}

func (l *Ledger) pending(requestID string) (*Request, error) {
	r, ok := l.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, requestID)
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: request %q is %s", ErrNotPending, requestID, r.Status)
	}
	return r, nil
}

func sortRequests(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
