package planner

import (
	"fmt"
	"maps"
	"sort"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// conflicts reports whether a and b propose contradictory effects on the
// same target: the same marking or disposition twice, two dispositions of the
// item, or two captures that would record exactly the same thing. Captures
// with different content are independent and never conflict.
func conflicts(a, b contracts.ActionCandidate, reg *action.Registry) bool {
	if a.Target == "" || a.Target != b.Target || a.EventID != b.EventID {
		return false
	}
	ca, cb := reg.Class(a.Type), reg.Class(b.Type)
	if a.Type == b.Type {
		if ca == action.ClassCapture {
			return sameCapture(a, b)
		}
		return true
	}
	return ca == action.ClassDisposition && cb == action.ClassDisposition
}

// sameCapture reports whether two captures of one type are duplicates. A
// required enrichment only duplicates another required enrichment.
func sameCapture(a, b contracts.ActionCandidate) bool {
	if !maps.Equal(a.Params, b.Params) {
		return false
	}
	if (a.Extraction == nil) != (b.Extraction == nil) {
		return false
	}
	if a.Extraction != nil && *a.Extraction != *b.Extraction {
		return false
	}
	return a.HasTag(contracts.TagRequiredEnrichment) == b.HasTag(contracts.TagRequiredEnrichment)
}

// resolveConflicts keeps the highest-confidence candidate of every conflicting
// group. Ties go to the reversible candidate, then to the lower estimated
// impact, then to input order. Kept candidates stay in input order.
func resolveConflicts(cands []contracts.ActionCandidate, reg *action.Registry) ([]contracts.ActionCandidate, []contracts.RejectedAlternative) {
	type ranked struct {
		c          contracts.ActionCandidate
		pos        int
		reversible bool
		class      action.EffectClass
	}
	rs := make([]ranked, len(cands))
	for i, c := range cands {
		rs[i] = ranked{c: c, pos: i, reversible: reg.Reversible(c.Type) && !c.HasTag(contracts.TagIrreversible), class: reg.Class(c.Type)}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.c.Confidence != b.c.Confidence {
			return a.c.Confidence > b.c.Confidence
		}
		if a.reversible != b.reversible {
			return a.reversible
		}
		if ia, ib := impactRank(a.class), impactRank(b.class); ia != ib {
			return ia < ib
		}
		return a.pos < b.pos
	})

	keptPos := make(map[int]bool, len(rs))
	var winners []ranked
	var rejected []contracts.RejectedAlternative
	for _, r := range rs {
		var winner *ranked
		for i := range winners {
			if conflicts(winners[i].c, r.c, reg) {
				winner = &winners[i]
				break
			}
		}
		if winner == nil {
			winners = append(winners, r)
			keptPos[r.pos] = true
			continue
		}
		rejected = append(rejected, contracts.RejectedAlternative{
			Candidate: r.c,
			KeptID:    winner.c.ID,
			Rationale: rationale(winner.c, r.c, winner.reversible, r.reversible),
		})
	}

	kept := make([]contracts.ActionCandidate, 0, len(winners))
	for i, c := range cands {
		if keptPos[i] {
			kept = append(kept, c)
		}
	}
	return kept, rejected
}

func impactRank(c action.EffectClass) int {
	switch c {
	case action.ClassMarking:
		return 0
	case action.ClassCapture:
		return 1
	default:
		return 2
	}
}

func rationale(winner, loser contracts.ActionCandidate, winnerReversible, loserReversible bool) string {
	what := "contradictory effect"
	if winner.Type == loser.Type {
		what = "duplicate " + string(loser.Type)
	}
	switch {
	case winner.Confidence > loser.Confidence:
		return fmt.Sprintf("%s on %s: %s (confidence %.2f) kept over %s (confidence %.2f)",
			what, loser.Target, winner.Type, winner.Confidence, loser.Type, loser.Confidence)
	case winnerReversible && !loserReversible:
		return fmt.Sprintf("%s on %s: equal confidence %.2f, reversible %s preferred over %s",
			what, loser.Target, loser.Confidence, winner.Type, loser.Type)
	default:
		return fmt.Sprintf("%s on %s: equal confidence %.2f, %s (%s) proposed first",
			what, loser.Target, loser.Confidence, winner.Type, winner.ID)
	}
}

// pruneMissing drops candidates whose declared dependencies are not part of
// the set, repeating until every remaining dependency is satisfied.
func pruneMissing(cands []contracts.ActionCandidate) ([]contracts.ActionCandidate, []contracts.RejectedAlternative) {
	var pruned []contracts.RejectedAlternative
	for {
		present := make(map[string]bool, len(cands))
		for _, c := range cands {
			present[c.ID] = true
		}
		next := cands[:0:0]
		changed := false
		for _, c := range cands {
			missing := ""
			for _, dep := range c.DependsOn {
				if !present[dep] {
					missing = dep
					break
				}
			}
			if missing == "" {
				next = append(next, c)
				continue
			}
			changed = true
			pruned = append(pruned, contracts.RejectedAlternative{
				Candidate: c,
				Rationale: fmt.Sprintf("depends on %s, which is not part of the plan", missing),
			})
		}
		cands = next
		if !changed {
			return cands, pruned
		}
	}
}

// checkRequired fails when a required enrichment was left out of the plan,
// either pruned for a missing dependency or rejected in favour of a candidate
// that is not itself required. A plan that silently loses a required capture
// would let its dispositions run without it.
func checkRequired(kept []contracts.ActionCandidate, rejected, pruned []contracts.RejectedAlternative) error {
	required := make(map[string]bool, len(kept))
	for _, c := range kept {
		required[c.ID] = c.HasTag(contracts.TagRequiredEnrichment)
	}
	for _, r := range rejected {
		if r.Candidate.HasTag(contracts.TagRequiredEnrichment) && !required[r.KeptID] {
			return fmt.Errorf("%w: %s: %s", ErrRequiredDropped, r.Candidate.ID, r.Rationale)
		}
	}
	for _, r := range pruned {
		if r.Candidate.HasTag(contracts.TagRequiredEnrichment) {
			return fmt.Errorf("%w: %s: %s", ErrRequiredDropped, r.Candidate.ID, r.Rationale)
		}
	}
	return nil
}
