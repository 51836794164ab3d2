package contracts

import (
	"slices"
	"time"
)

// EventKind classifies a perceived event.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventNote     EventKind = "note"
	EventReminder EventKind = "reminder"
)

// Event is the originating event a plan is built for.
//
// Attributes carries the signals the reasoning layer extracted (amount,
// hours_to_deadline, sender_vip, legal, ...). They feed high-stakes rules.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Source     string         `json:"source,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	HighStakes bool           `json:"high_stakes,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// HistoricalContext carries past outcomes and user preferences consulted when
// assessing risk and selecting the approval mode.
type HistoricalContext struct {
	// SuccessRates maps an action type to its observed success rate in [0,1].
	SuccessRates map[ActionType]float64 `json:"success_rates,omitempty"`
	// Samples maps an action type to how many executions back the rate.
	Samples map[ActionType]int `json:"samples,omitempty"`
	// DisableAutoExecute is the user preference that turns off AUTO mode.
	DisableAutoExecute bool `json:"disable_auto_execute,omitempty"`
	// AlwaysReview lists action types the user wants to review every time.
	AlwaysReview []ActionType `json:"always_review,omitempty"`
}

// SuccessRate returns the observed success rate and sample count for t.
func (h HistoricalContext) SuccessRate(t ActionType) (float64, int, bool) {
	rate, ok := h.SuccessRates[t]
	if !ok {
		return 0, 0, false
	}
	return rate, h.Samples[t], true
}

// ReviewRequested reports whether the user asked to review every t.
func (h HistoricalContext) ReviewRequested(t ActionType) bool {
	return slices.Contains(h.AlwaysReview, t)
}
