// Package risk scores the impact and reversibility of candidate actions.
//
// Assessment is a pure function of the candidate, the historical context and
// the configured blast-radius table. It never fails: anything it cannot
// classify is treated as high risk.
package risk

import (
	"fmt"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Catalog answers the static reversibility of an action type.
type Catalog interface {
	Reversible(t contracts.ActionType) bool
}

// Rules maps an action type to its blast radius.
type Rules map[contracts.ActionType]contracts.RiskLevel

// DefaultRules is the built-in blast-radius table.
func DefaultRules() Rules {
	return Rules{
		contracts.ActionSaveAttachment: contracts.RiskLow,
		contracts.ActionCreateTask:     contracts.RiskLow,
		contracts.ActionUpdateNote:     contracts.RiskLow,
		contracts.ActionCreateReminder: contracts.RiskLow,
		contracts.ActionFlag:           contracts.RiskLow,
		contracts.ActionArchive:        contracts.RiskMedium,
		contracts.ActionMove:           contracts.RiskMedium,
		contracts.ActionDelete:         contracts.RiskHigh,
	}
}

// Defaults for the history adjustment.
const (
	DefaultMinSuccessRate = 0.8
	DefaultMinSamples     = 5
)

// Assessor is the risk assessor.
type Assessor struct {
	catalog        Catalog
	rules          Rules
	minSuccessRate float64
	minSamples     int
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithRules replaces the blast-radius table.
func WithRules(r Rules) Option {
	return func(a *Assessor) {
		a.rules = make(Rules, len(r))
		for k, v := range r {
			a.rules[k] = v
		}
	}
}

// WithHistoryThreshold sets the success rate below which an action type's
// level is raised once enough samples back it.
func WithHistoryThreshold(rate float64, samples int) Option {
	return func(a *Assessor) {
		a.minSuccessRate = rate
		a.minSamples = samples
	}
}

// NewAssessor returns an assessor over the given catalog.
func NewAssessor(catalog Catalog, opts ...Option) *Assessor {
	a := &Assessor{
		catalog:        catalog,
		rules:          DefaultRules(),
		minSuccessRate: DefaultMinSuccessRate,
		minSamples:     DefaultMinSamples,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess scores one candidate. highStakes forces the level to high.
func (a *Assessor) Assess(c contracts.ActionCandidate, history contracts.HistoricalContext, highStakes bool) contracts.RiskAssessment {
	out := contracts.RiskAssessment{
		CandidateID: c.ID,
		Reversible:  a.catalog != nil && a.catalog.Reversible(c.Type) && !c.HasTag(contracts.TagIrreversible),
	}

	level, ok := a.rules[c.Type]
	if !ok || !level.Valid() {
		level = contracts.RiskHigh
		out.Reasons = append(out.Reasons, fmt.Sprintf("no blast-radius rule for %s", c.Type))
	}

	if !out.Reversible && level.Rank() < contracts.RiskMedium.Rank() {
		level = contracts.RiskMedium
		out.Reasons = append(out.Reasons, "irreversible")
	}

	if rate, n, ok := history.SuccessRate(c.Type); ok && n >= a.minSamples && rate < a.minSuccessRate {
		level = raise(level)
		out.Reasons = append(out.Reasons, fmt.Sprintf("historical success rate %.2f over %d runs", rate, n))
	}

	if highStakes {
		level = contracts.RiskHigh
		out.Reasons = append(out.Reasons, "high-stakes event")
	}
	out.Level = level

	switch {
	case history.DisableAutoExecute:
		out.ApprovalHint = contracts.ApprovalManual
	case level == contracts.RiskHigh, !out.Reversible, history.ReviewRequested(c.Type):
		out.ApprovalHint = contracts.ApprovalReview
	default:
		out.ApprovalHint = contracts.ApprovalAuto
	}
	if history.ReviewRequested(c.Type) {
		out.Reasons = append(out.Reasons, "user reviews every "+string(c.Type))
	}
	return out
}

func raise(l contracts.RiskLevel) contracts.RiskLevel {
	switch l {
	case contracts.RiskLow:
		return contracts.RiskMedium
	default:
		return contracts.RiskHigh
	}
}
