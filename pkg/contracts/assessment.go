package contracts

// RiskLevel is the impact level of a candidate action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels; unknown levels rank as high.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether l is a known level.
func (l RiskLevel) Valid() bool {
	return l == RiskLow || l == RiskMedium || l == RiskHigh
}

// RiskAssessment is the pure assessment of one candidate.
type RiskAssessment struct {
	CandidateID  string       `json:"candidate_id"`
	Level        RiskLevel    `json:"level"`
	Reversible   bool         `json:"reversible"`
	ApprovalHint ApprovalMode `json:"approval_hint"`
	Reasons      []string     `json:"reasons,omitempty"`
}

// ExtractionType is the kind of knowledge an enrichment captures.
type ExtractionType string

const (
	ExtractionDeadline   ExtractionType = "deadline"
	ExtractionDecision   ExtractionType = "decision"
	ExtractionFact       ExtractionType = "fact"
	ExtractionActionItem ExtractionType = "action_item"
	ExtractionContact    ExtractionType = "contact"
)

// Valid reports whether t is a known extraction type.
func (t ExtractionType) Valid() bool {
	switch t {
	case ExtractionDeadline, ExtractionDecision, ExtractionFact, ExtractionActionItem, ExtractionContact:
		return true
	}
	return false
}

// Importance grades an extraction.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// Valid reports whether i is a known importance.
func (i Importance) Valid() bool {
	return i == ImportanceHigh || i == ImportanceMedium || i == ImportanceLow
}

// EnrichmentRecord is the classifier's verdict for one knowledge capture.
// The Required and Importance fields drive the "Required" indicator shown to users.
type EnrichmentRecord struct {
	CandidateID    string         `json:"candidate_id"`
	ExtractionType ExtractionType `json:"extraction_type"`
	Importance     Importance     `json:"importance"`
	Required       bool           `json:"required"`
	NoteRef        string         `json:"note_ref,omitempty"`
}
