//go:build property
// +build property

package executor

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/action/actiontest"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
	"github.com/Mindburn-Labs/safeact/pkg/dependency"
)

// randomDAG builds n fakes with edges only from lower to higher index, so the
// graph is acyclic by construction. One action may be scripted to fail.
func randomDAG(n int, seed int64, failAt int) (Run, map[string]*actiontest.Fake, *actiontest.Journal) {
	rng := rand.New(rand.NewSource(seed))
	j := &actiontest.Journal{}
	fakes := make(map[string]*actiontest.Fake, n)
	actions := make(map[string]action.Action, n)
	ids := make([]string, n)
	var edges []contracts.Edge
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("a%02d", i)
		ids[i] = id
		f := actiontest.New(contracts.ActionCandidate{ID: id}, j)
		if i == failAt {
			f.ExecErr = actiontest.ErrBoom
		}
		fakes[id] = f
		actions[id] = f
		for k := 0; k < i; k++ {
			if rng.Intn(4) == 0 {
				edges = append(edges, contracts.Edge{From: ids[k], To: id, Kind: contracts.EdgeDeclared})
			}
		}
	}
	return Run{
		PlanID:   "p",
		Actions:  actions,
		Graph:    dependency.NewGraph(ids, edges),
		Sequence: &Sequence{},
	}, fakes, j
}

// TestRunGraph_Properties verifies dependency ordering under concurrency.
// Property: an action starts only after all of its dependencies finished
// successfully, and after a failure no dependent of the failed action starts.
func TestRunGraph_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies complete before dependents start", prop.ForAll(
		func(n int, seed int64) bool {
			run, _, j := randomDAG(n, seed, -1)
			res := New(nil, WithWorkers(4)).RunGraph(context.Background(), run)
			if res.Err != nil {
				return false
			}
			events := j.Events()
			for _, id := range run.Graph.IDs() {
				start := slices.Index(events, "start "+id)
				for _, dep := range run.Graph.DependenciesOf(id) {
					done := slices.Index(events, "done "+dep)
					if done < 0 || done > start {
						return false
					}
				}
			}
			return len(res.Succeeded()) == n
		},
		gen.IntRange(1, 15), gen.Int64(),
	))

	properties.Property("failure stops every dependent", prop.ForAll(
		func(n int, seed int64, failAt int) bool {
			failAt %= n
			run, fakes, _ := randomDAG(n, seed, failAt)
			res := New(nil, WithWorkers(4)).RunGraph(context.Background(), run)
			if res.Err == nil {
				return false
			}
			failed := fmt.Sprintf("a%02d", failAt)
			for id := range run.Graph.Descendants(failed) {
				if fakes[id].ExecCalls() != 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 15), gen.Int64(), gen.IntRange(0, 14),
	))

	properties.TestingRun(t)
}
