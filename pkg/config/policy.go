package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
	"github.com/Mindburn-Labs/safeact/pkg/enrichment"
	"github.com/Mindburn-Labs/safeact/pkg/queue"
	"github.com/Mindburn-Labs/safeact/pkg/risk"
	"github.com/Mindburn-Labs/safeact/pkg/stakes"
)

var ErrInvalidPolicy = errors.New("config: invalid policy")

// Policy holds the rule tables and thresholds that shape planning and
// execution. Fields left empty in a policy file keep their defaults.
type Policy struct {
	AutoThreshold         float64                                       `yaml:"auto_threshold" json:"auto_threshold"`
	IrreversibleThreshold float64                                       `yaml:"irreversible_threshold" json:"irreversible_threshold"`
	Thresholds            map[contracts.ActionType]float64              `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	Risk                  map[contracts.ActionType]contracts.RiskLevel  `yaml:"risk" json:"risk"`
	History               HistoryPolicy                                 `yaml:"history" json:"history"`
	Enrichment            []EnrichmentRule                              `yaml:"enrichment" json:"enrichment"`
	Relations             []dependency.Relation                         `yaml:"relations" json:"relations"`
	HighStakes            []stakes.Rule                                 `yaml:"high_stakes" json:"high_stakes"`
	Safer                 map[contracts.ActionType]contracts.ActionType `yaml:"safer" json:"safer"`
	Retry                 queue.BackoffPolicy                           `yaml:"retry" json:"retry"`
}

// HistoryPolicy is the track record below which risk is raised.
type HistoryPolicy struct {
	MinSuccessRate float64 `yaml:"min_success_rate" json:"min_success_rate"`
	MinSamples     int     `yaml:"min_samples" json:"min_samples"`
}

// EnrichmentRule sets whether extractions of one type are required at the
// listed importances.
type EnrichmentRule struct {
	Extraction  contracts.ExtractionType `yaml:"extraction" json:"extraction"`
	Importances []contracts.Importance   `yaml:"importance" json:"importance"`
	Required    bool                     `yaml:"required" json:"required"`
}

// DefaultPolicy returns the built-in tables.
func DefaultPolicy() *Policy {
	p := &Policy{
		AutoThreshold:         0.95,
		IrreversibleThreshold: 0.7,
		Thresholds:            map[contracts.ActionType]float64{},
		Risk:                  map[contracts.ActionType]contracts.RiskLevel(risk.DefaultRules()),
		History:               HistoryPolicy{MinSuccessRate: risk.DefaultMinSuccessRate, MinSamples: risk.DefaultMinSamples},
		Relations:             dependency.DefaultRelations(),
		HighStakes:            stakes.DefaultRules(),
		Safer: map[contracts.ActionType]contracts.ActionType{
			contracts.ActionArchive: contracts.ActionFlag,
			contracts.ActionMove:    contracts.ActionFlag,
			contracts.ActionDelete:  contracts.ActionFlag,
		},
		Retry: queue.DefaultBackoff(),
	}
	p.Enrichment = rulesFromTable(enrichment.DefaultTable())
	return p
}

// LoadPolicy reads a YAML policy file on top of the defaults. Unknown fields
// and unknown enum values are rejected.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy bytes on top of the defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file Policy
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	p.merge(&file)
	if err := p.Validate(nil); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) merge(f *Policy) {
	if f.AutoThreshold != 0 {
		p.AutoThreshold = f.AutoThreshold
	}
	if f.IrreversibleThreshold != 0 {
		p.IrreversibleThreshold = f.IrreversibleThreshold
	}
	for t, v := range f.Thresholds {
		p.Thresholds[t] = v
	}
	for t, l := range f.Risk {
		p.Risk[t] = l
	}
	if f.History.MinSuccessRate != 0 {
		p.History.MinSuccessRate = f.History.MinSuccessRate
	}
	if f.History.MinSamples != 0 {
		p.History.MinSamples = f.History.MinSamples
	}
	if len(f.Enrichment) > 0 {
		p.Enrichment = append(p.Enrichment, f.Enrichment...)
	}
	if f.Relations != nil {
		p.Relations = f.Relations
	}
	if f.HighStakes != nil {
		p.HighStakes = f.HighStakes
	}
	for t, s := range f.Safer {
		p.Safer[t] = s
	}
	if f.Retry.BaseMs != 0 {
		p.Retry.BaseMs = f.Retry.BaseMs
	}
	if f.Retry.MaxMs != 0 {
		p.Retry.MaxMs = f.Retry.MaxMs
	}
	if f.Retry.MaxJitterMs != 0 {
		p.Retry.MaxJitterMs = f.Retry.MaxJitterMs
	}
	if f.Retry.MaxAttempts != 0 {
		p.Retry.MaxAttempts = f.Retry.MaxAttempts
	}
}

// Validate checks enum values and ranges. When known is non-nil, every
// action type named by the policy must satisfy it.
func (p *Policy) Validate(known func(contracts.ActionType) bool) error {
	var errs []error
	checkType := func(where string, t contracts.ActionType) {
		if known != nil && !known(t) {
			errs = append(errs, fmt.Errorf("%s: unknown action type %q", where, t))
		}
	}
	checkThreshold := func(where string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s: %v is outside [0,1]", where, v))
		}
	}

	checkThreshold("auto_threshold", p.AutoThreshold)
	checkThreshold("irreversible_threshold", p.IrreversibleThreshold)
	checkThreshold("history.min_success_rate", p.History.MinSuccessRate)
	for t, v := range p.Thresholds {
		checkType("thresholds", t)
		checkThreshold(fmt.Sprintf("thresholds.%s", t), v)
	}
	for t, l := range p.Risk {
		checkType("risk", t)
		if !l.Valid() {
			errs = append(errs, fmt.Errorf("risk.%s: unknown level %q", t, l))
		}
	}
	for i, r := range p.Enrichment {
		if !r.Extraction.Valid() {
			errs = append(errs, fmt.Errorf("enrichment[%d]: unknown extraction type %q", i, r.Extraction))
		}
		for _, imp := range r.Importances {
			if !imp.Valid() {
				errs = append(errs, fmt.Errorf("enrichment[%d]: unknown importance %q", i, imp))
			}
		}
	}
	for i, r := range p.Relations {
		checkType(fmt.Sprintf("relations[%d]", i), r.Producer)
		checkType(fmt.Sprintf("relations[%d]", i), r.Consumer)
		if r.Producer == "" || r.Consumer == "" {
			errs = append(errs, fmt.Errorf("relations[%d]: producer and consumer are required", i))
		}
	}
	for i, r := range p.HighStakes {
		if r.Name == "" || r.Expression == "" {
			errs = append(errs, fmt.Errorf("high_stakes[%d]: name and expression are required", i))
		}
	}
	for t, s := range p.Safer {
		checkType("safer", t)
		checkType("safer", s)
	}
	if p.Retry.BaseMs < 0 || p.Retry.MaxMs < 0 || p.Retry.MaxJitterMs < 0 || p.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry: values must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

// RiskRules returns the blast-radius table.
func (p *Policy) RiskRules() risk.Rules {
	out := make(risk.Rules, len(p.Risk))
	for t, l := range p.Risk {
		out[t] = l
	}
	return out
}

// EnrichmentTable folds the enrichment rules into a lookup table. Later rules
// override earlier ones.
func (p *Policy) EnrichmentTable() enrichment.Table {
	t := enrichment.Table{}
	for _, r := range p.Enrichment {
		imps := r.Importances
		if len(imps) == 0 {
			imps = []contracts.Importance{contracts.ImportanceHigh, contracts.ImportanceMedium, contracts.ImportanceLow}
		}
		for _, imp := range imps {
			t[enrichment.Key{Type: r.Extraction, Importance: imp}] = r.Required
		}
	}
	return t
}

// Threshold returns the execution threshold for an irreversible action type.
func (p *Policy) Threshold(t contracts.ActionType) float64 {
	if v, ok := p.Thresholds[t]; ok {
		return v
	}
	return p.IrreversibleThreshold
}

// ApplySafer installs the safer-variant table on the registry.
func (p *Policy) ApplySafer(reg *action.Registry) error {
	for t, s := range p.Safer {
		if !reg.Known(t) {
			continue
		}
		if err := reg.SetSafer(t, s); err != nil {
			return fmt.Errorf("%w: safer.%s: %w", ErrInvalidPolicy, t, err)
		}
	}
	return nil
}

func rulesFromTable(t enrichment.Table) []EnrichmentRule {
	var out []EnrichmentRule
	types := []contracts.ExtractionType{
		contracts.ExtractionDeadline, contracts.ExtractionDecision, contracts.ExtractionFact,
		contracts.ExtractionActionItem, contracts.ExtractionContact,
	}
	imps := []contracts.Importance{contracts.ImportanceHigh, contracts.ImportanceMedium, contracts.ImportanceLow}
	for _, et := range types {
		var req, opt []contracts.Importance
		for _, imp := range imps {
			if t[enrichment.Key{Type: et, Importance: imp}] {
				req = append(req, imp)
			} else {
				opt = append(opt, imp)
			}
		}
		if len(req) > 0 {
			out = append(out, EnrichmentRule{Extraction: et, Importances: req, Required: true})
		}
		if len(opt) > 0 {
			out = append(out, EnrichmentRule{Extraction: et, Importances: opt, Required: false})
		}
	}
	return out
}
