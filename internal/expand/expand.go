// Package expand turns a reasoned semantic graph into a concrete
// provider-level implementation graph, enforcing that no semantic node
// is lost or left abstract in the result.
package expand

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/inframinds/agentcore/internal/events"
	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/oracle"
)

// MaxAttempts bounds how many oracle responses may fail the post-checks
// before expansion gives up.
const MaxAttempts = 3

// IncompleteError reports that the oracle could not produce a valid
// implementation graph within the attempt budget.
type IncompleteError struct {
	Attempts int
	Missing  []string // reasoned node ids with no implementation trace
	Leftover []string // node ids still carrying semantic kinds
	Mistyped []string // reasoned node ids materialized as the wrong concrete kind
	Reason   string
}

func (e *IncompleteError) Error() string {
	parts := []string{fmt.Sprintf("expansion incomplete after %d attempts", e.Attempts)}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("unmaterialized nodes: %v", e.Missing))
	}
	if len(e.Leftover) > 0 {
		parts = append(parts, fmt.Sprintf("abstract leftovers: %v", e.Leftover))
	}
	if len(e.Mistyped) > 0 {
		parts = append(parts, fmt.Sprintf("mistyped nodes: %v", e.Mistyped))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return strings.Join(parts, "; ")
}

// Result is a validated implementation graph plus its provenance table.
type Result struct {
	Graph graph.Snapshot
	// Mapping traces each reasoned node id to the implementation nodes
	// derived from it.
	Mapping map[string][]string
}

// Expander drives the reasoned-to-implementation translation.
type Expander struct {
	oracle oracle.Client
	bus    *events.Bus
}

func NewExpander(client oracle.Client, bus *events.Bus) *Expander {
	return &Expander{oracle: client, bus: bus}
}

// Expand asks the oracle for an implementation graph and validates it
// against the preservation, no-abstraction-leftover, and translation
// checks. Invalid responses are retried up to MaxAttempts before
// IncompleteError.
func (x *Expander) Expand(ctx context.Context, snap graph.Snapshot, executionMode string) (*Result, error) {
	x.emit("expansion.started", "expanding reasoned graph", map[string]interface{}{
		"nodes": len(snap.LiveNodes()), "mode": executionMode,
	})

	var lastErr *IncompleteError
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		res, err := x.oracle.GenerateGraph(ctx, oracle.GraphRequest{
			Kind:          oracle.KindExpansion,
			Graph:         &snap,
			TargetPhase:   graph.PhaseImplementation,
			ExecutionMode: executionMode,
		})
		if err != nil {
			x.emit("expansion.failed", err.Error(), nil)
			return nil, fmt.Errorf("expansion attempt %d: %w", attempt, err)
		}

		impl := res.Graph
		impl.Phase = graph.PhaseImplementation
		mapping := provenance(snap, impl, res.Mapping)

		missing := unmaterialized(snap, mapping)
		leftover := semanticLeftovers(impl)
		mistyped := mistranslated(snap, impl, mapping)
		if len(missing) == 0 && len(leftover) == 0 && len(mistyped) == 0 {
			x.emit("expansion.completed", "implementation graph accepted", map[string]interface{}{
				"attempt": attempt, "nodes": len(impl.LiveNodes()),
			})
			return &Result{Graph: impl, Mapping: mapping}, nil
		}

		lastErr = &IncompleteError{Attempts: attempt, Missing: missing, Leftover: leftover, Mistyped: mistyped}
		x.emit("oracle.retry", lastErr.Error(), map[string]interface{}{"attempt": attempt})
	}

	lastErr.Attempts = MaxAttempts
	x.emit("expansion.failed", lastErr.Error(), nil)
	return nil, lastErr
}

// provenance merges the oracle's mapping table with DerivedFrom fields
// and the same-id fallback into one authoritative table.
func provenance(reasoned, impl graph.Snapshot, declared map[string][]string) map[string][]string {
	mapping := make(map[string][]string)

	add := func(from, to string) {
		for _, existing := range mapping[from] {
			if existing == to {
				return
			}
		}
		mapping[from] = append(mapping[from], to)
	}

	for from, targets := range declared {
		for _, to := range targets {
			if _, ok := impl.Node(to); ok {
				add(from, to)
			}
		}
	}
	for _, n := range impl.LiveNodes() {
		for _, from := range n.DerivedFrom {
			add(from, n.ID)
		}
		// Same-id fallback: a concrete node keeping the reasoned id is
		// its own provenance.
		if _, ok := reasoned.Node(n.ID); ok {
			add(n.ID, n.ID)
		}
	}
	for from := range mapping {
		sort.Strings(mapping[from])
	}
	return mapping
}

// unmaterialized returns reasoned semantic node ids with no trace in
// the implementation graph.
func unmaterialized(reasoned graph.Snapshot, mapping map[string][]string) []string {
	var out []string
	for _, n := range reasoned.LiveNodes() {
		if !graph.IsSemanticKind(n.Kind) {
			continue
		}
		if len(mapping[n.ID]) == 0 {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

// mistranslated returns reasoned semantic node ids whose provenance
// contains no node of the kind the translation table requires. Nodes
// with no provenance at all are reported by unmaterialized instead.
func mistranslated(reasoned, impl graph.Snapshot, mapping map[string][]string) []string {
	var out []string
	for _, n := range reasoned.LiveNodes() {
		want, ok := graph.KindMapping[n.Kind]
		if !ok {
			continue
		}
		targets := mapping[n.ID]
		if len(targets) == 0 {
			continue
		}
		found := false
		for _, id := range targets {
			if t, ok := impl.Node(id); ok && t.Kind == want {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

// semanticLeftovers returns implementation node ids still typed with an
// abstract semantic kind.
func semanticLeftovers(impl graph.Snapshot) []string {
	var out []string
	for _, n := range impl.LiveNodes() {
		if graph.IsSemanticKind(n.Kind) {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (x *Expander) emit(name, msg string, fields map[string]interface{}) {
	if x.bus == nil {
		return
	}
	_ = x.bus.Emit("info", name, msg, fields)
}
