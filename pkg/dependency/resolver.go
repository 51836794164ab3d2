// Package dependency builds the ordering edges between the candidates of one
// event and rejects configurations whose ordering cannot be satisfied.
package dependency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// ErrUnknownDependency is returned when a candidate depends on an id that is
// not part of the set being resolved.
var ErrUnknownDependency = errors.New("dependency: unknown dependency")

// ConfigurationError reports an unsatisfiable ordering. It is fatal for the
// event: no plan is produced and the event goes to manual review.
type ConfigurationError struct {
	Cycle []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Cycle) < 2 {
		return "configuration error: dependency cycle"
	}
	return fmt.Sprintf("configuration error: cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// Relation declares that actions of type Producer must precede actions of
// type Consumer on the same target.
type Relation struct {
	Producer contracts.ActionType `yaml:"producer" json:"producer"`
	Consumer contracts.ActionType `yaml:"consumer" json:"consumer"`
}

// DefaultRelations are the built-in producer/consumer relations.
func DefaultRelations() []Relation {
	return []Relation{
		{Producer: contracts.ActionSaveAttachment, Consumer: contracts.ActionCreateTask},
		{Producer: contracts.ActionSaveAttachment, Consumer: contracts.ActionUpdateNote},
	}
}

// Catalog answers the static properties of action types the implicit rule
// depends on.
type Catalog interface {
	Reversible(t contracts.ActionType) bool
	Class(t contracts.ActionType) action.EffectClass
}

// Resolver builds ordering edges.
type Resolver struct {
	catalog   Catalog
	relations []Relation
}

// NewResolver returns a resolver. A nil relations slice uses DefaultRelations.
func NewResolver(catalog Catalog, relations []Relation) *Resolver {
	if relations == nil {
		relations = DefaultRelations()
	}
	return &Resolver{catalog: catalog, relations: append([]Relation(nil), relations...)}
}

// Resolve returns the deduplicated edges between cands, in discovery order:
// declared dependencies, then producer/consumer relations, then
// capture-before-commit edges. A cycle yields a *ConfigurationError.
func (r *Resolver) Resolve(cands []contracts.ActionCandidate) ([]contracts.Edge, error) {
	ids := make(map[string]bool, len(cands))
	order := make([]string, 0, len(cands))
	for _, c := range cands {
		ids[c.ID] = true
		order = append(order, c.ID)
	}

	var edges []contracts.Edge
	seen := make(map[[2]string]bool)
	add := func(from, to string, kind contracts.EdgeKind) {
		k := [2]string{from, to}
		if from == to || seen[k] {
			return
		}
		seen[k] = true
		edges = append(edges, contracts.Edge{From: from, To: to, Kind: kind})
	}

	for _, c := range cands {
		for _, dep := range c.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, c.ID, dep)
			}
			add(dep, c.ID, contracts.EdgeDeclared)
		}
	}

	for _, rel := range r.relations {
		for _, p := range cands {
			if p.Type != rel.Producer {
				continue
			}
			for _, c := range cands {
				if c.Type == rel.Consumer && c.EventID == p.EventID && c.Target == p.Target {
					add(p.ID, c.ID, contracts.EdgeProducerConsumer)
				}
			}
		}
	}

	for _, req := range cands {
		if !req.HasTag(contracts.TagRequiredEnrichment) {
			continue
		}
		for _, c := range cands {
			if c.EventID != req.EventID || c.HasTag(contracts.TagRequiredEnrichment) {
				continue
			}
			if r.Commits(c) {
				add(req.ID, c.ID, contracts.EdgeCaptureBeforeCommit)
			}
		}
	}

	if cycle := NewGraph(order, edges).Cycle(); cycle != nil {
		return nil, &ConfigurationError{Cycle: cycle}
	}
	return edges, nil
}

// Commits reports whether c can destroy information: it is irreversible or it
// relocates or discards the source item.
func (r *Resolver) Commits(c contracts.ActionCandidate) bool {
	if c.HasTag(contracts.TagIrreversible) {
		return true
	}
	if r.catalog == nil {
		return true
	}
	return !r.catalog.Reversible(c.Type) || r.catalog.Class(c.Type) == action.ClassDisposition
}
