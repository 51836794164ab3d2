// Package approval routes plans to automatic execution or human review using
// a fixed-priority decision table. The first matching rule wins and safety
// rules always come before convenience.
package approval

import (
	"fmt"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// DefaultAutoThreshold is the minimum plan confidence for AUTO.
const DefaultAutoThreshold = 0.95

// Rule names, in priority order.
const (
	RuleHighRisk      = "high_risk"
	RuleLowConfidence = "low_confidence"
	RuleIrreversible  = "irreversible"
	RulePreference    = "user_preference"
	RuleDefault       = "default"
)

// Inputs is everything the selector looks at.
type Inputs struct {
	Risks        []contracts.RiskAssessment
	Confidence   float64
	Irreversible bool
	DisableAuto  bool
}

// Decision is the selected mode and the rule that produced it.
type Decision struct {
	Mode   contracts.ApprovalMode
	Rule   string
	Reason string
}

// Selector is the approval mode selector.
type Selector struct {
	autoThreshold float64
}

// NewSelector returns a selector. A threshold outside (0,1] uses the default.
func NewSelector(autoThreshold float64) *Selector {
	if autoThreshold <= 0 || autoThreshold > 1 {
		autoThreshold = DefaultAutoThreshold
	}
	return &Selector{autoThreshold: autoThreshold}
}

// AutoThreshold returns the configured AUTO threshold.
func (s *Selector) AutoThreshold() float64 { return s.autoThreshold }

// Select applies the decision table.
func (s *Selector) Select(in Inputs) Decision {
	for _, r := range in.Risks {
		if r.Level == contracts.RiskHigh {
			return Decision{Mode: contracts.ApprovalReview, Rule: RuleHighRisk, Reason: fmt.Sprintf("action %s is high risk", r.CandidateID)}
		}
	}
	if in.Confidence < s.autoThreshold {
		return Decision{
			Mode:   contracts.ApprovalReview,
			Rule:   RuleLowConfidence,
			Reason: fmt.Sprintf("plan confidence %.2f below %.2f", in.Confidence, s.autoThreshold),
		}
	}
	if in.Irreversible {
		return Decision{Mode: contracts.ApprovalReview, Rule: RuleIrreversible, Reason: "plan contains an irreversible action"}
	}
	if in.DisableAuto {
		return Decision{Mode: contracts.ApprovalManual, Rule: RulePreference, Reason: "auto-execution disabled by user"}
	}
	return Decision{Mode: contracts.ApprovalAuto, Rule: RuleDefault}
}
