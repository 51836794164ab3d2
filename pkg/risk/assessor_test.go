package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

type staticCatalog map[contracts.ActionType]bool

func (c staticCatalog) Reversible(t contracts.ActionType) bool { return c[t] }

var catalog = staticCatalog{
	contracts.ActionArchive:    true,
	contracts.ActionFlag:       true,
	contracts.ActionCreateTask: true,
	contracts.ActionDelete:     false,
}

func TestAssess_Table(t *testing.T) {
	a := NewAssessor(catalog)

	tests := []struct {
		name       string
		c          contracts.ActionCandidate
		history    contracts.HistoricalContext
		highStakes bool
		level      contracts.RiskLevel
		reversible bool
		hint       contracts.ApprovalMode
	}{
		{"flag is low", contracts.ActionCandidate{ID: "1", Type: contracts.ActionFlag}, contracts.HistoricalContext{}, false, contracts.RiskLow, true, contracts.ApprovalAuto},
		{"archive is medium", contracts.ActionCandidate{ID: "2", Type: contracts.ActionArchive}, contracts.HistoricalContext{}, false, contracts.RiskMedium, true, contracts.ApprovalAuto},
		{"delete is high", contracts.ActionCandidate{ID: "3", Type: contracts.ActionDelete}, contracts.HistoricalContext{}, false, contracts.RiskHigh, false, contracts.ApprovalReview},
		{"irreversible tag wins", contracts.ActionCandidate{ID: "4", Type: contracts.ActionArchive, Tags: []contracts.Tag{contracts.TagIrreversible}}, contracts.HistoricalContext{}, false, contracts.RiskMedium, false, contracts.ApprovalReview},
		{"unknown type is high", contracts.ActionCandidate{ID: "5", Type: "teleport"}, contracts.HistoricalContext{}, false, contracts.RiskHigh, false, contracts.ApprovalReview},
		{"high stakes", contracts.ActionCandidate{ID: "6", Type: contracts.ActionFlag}, contracts.HistoricalContext{}, true, contracts.RiskHigh, true, contracts.ApprovalReview},
		{
			"poor history raises",
			contracts.ActionCandidate{ID: "7", Type: contracts.ActionCreateTask},
			contracts.HistoricalContext{
				SuccessRates: map[contracts.ActionType]float64{contracts.ActionCreateTask: 0.5},
				Samples:      map[contracts.ActionType]int{contracts.ActionCreateTask: 10},
			},
			false, contracts.RiskMedium, true, contracts.ApprovalAuto,
		},
		{
			"thin history ignored",
			contracts.ActionCandidate{ID: "8", Type: contracts.ActionCreateTask},
			contracts.HistoricalContext{
				SuccessRates: map[contracts.ActionType]float64{contracts.ActionCreateTask: 0.1},
				Samples:      map[contracts.ActionType]int{contracts.ActionCreateTask: 2},
			},
			false, contracts.RiskLow, true, contracts.ApprovalAuto,
		},
		{"preference disables auto", contracts.ActionCandidate{ID: "9", Type: contracts.ActionFlag}, contracts.HistoricalContext{DisableAutoExecute: true}, false, contracts.RiskLow, true, contracts.ApprovalManual},
		{"always review", contracts.ActionCandidate{ID: "10", Type: contracts.ActionFlag}, contracts.HistoricalContext{AlwaysReview: []contracts.ActionType{contracts.ActionFlag}}, false, contracts.RiskLow, true, contracts.ApprovalReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Assess(tt.c, tt.history, tt.highStakes)
			assert.Equal(t, tt.c.ID, got.CandidateID)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.reversible, got.Reversible)
			assert.Equal(t, tt.hint, got.ApprovalHint)
		})
	}
}

func TestAssess_CustomRules(t *testing.T) {
	a := NewAssessor(catalog, WithRules(Rules{contracts.ActionArchive: contracts.RiskHigh}))
	got := a.Assess(contracts.ActionCandidate{ID: "1", Type: contracts.ActionArchive}, contracts.HistoricalContext{}, false)
	assert.Equal(t, contracts.RiskHigh, got.Level)

	got = a.Assess(contracts.ActionCandidate{ID: "2", Type: contracts.ActionFlag}, contracts.HistoricalContext{}, false)
	assert.Equal(t, contracts.RiskHigh, got.Level, "types missing from a custom table are high")
}

func TestAssess_Pure(t *testing.T) {
	a := NewAssessor(catalog)
	c := contracts.ActionCandidate{ID: "1", Type: contracts.ActionArchive}
	assert.Equal(t, a.Assess(c, contracts.HistoricalContext{}, false), a.Assess(c, contracts.HistoricalContext{}, false))
}
