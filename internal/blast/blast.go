// Package blast simulates node failure and reports which downstream
// resources break, how badly, and why.
package blast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/inframinds/agentcore/internal/events"
	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/oracle"
)

// Severity grades the fallout of a simulated failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Report is the full outcome of a blast-radius simulation.
type Report struct {
	TargetNode  string   `json:"target_node"`
	Impacted    []string `json:"impacted_nodes"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
	Mitigation  string   `json:"mitigation_strategy,omitempty"`
}

// Kinds whose failure severs network reachability for everything behind
// them.
var boundaryKinds = map[string]bool{
	"load_balancer":        true,
	"aws_lb":               true,
	"aws_internet_gateway": true,
	"aws_nat_gateway":      true,
	"aws_vpc":              true,
	"aws_subnet":           true,
	"aws_route_table":      true,
}

// Kinds whose failure risks data loss rather than mere downtime.
var dataStoreKinds = map[string]bool{
	"relational_database":     true,
	"object_storage":          true,
	"cache_service":           true,
	"aws_db_instance":         true,
	"aws_s3_bucket":           true,
	"aws_elasticache_cluster": true,
}

// Analyzer runs simulations against graph snapshots.
type Analyzer struct {
	oracle oracle.Client // optional, nil disables narratives
	bus    *events.Bus
}

func NewAnalyzer(client oracle.Client, bus *events.Bus) *Analyzer {
	return &Analyzer{oracle: client, bus: bus}
}

// Impacted returns the nodes that transitively depend on the target
// through the impact relations. The target itself is excluded.
func Impacted(snap graph.Snapshot, targetID string) ([]string, error) {
	n, ok := snap.Node(targetID)
	if !ok || n.Lifecycle == graph.LifecycleDeleted {
		return nil, fmt.Errorf("blast target %q not found in graph", targetID)
	}
	return graph.Descendants(snap, targetID), nil
}

// Classify grades the fallout by what the blast affects, not just what
// failed. A blast that reaches a data store is critical regardless of
// spread, as is the failure of a data store itself; one that crosses a
// network boundary or covers a wide share of the graph is high; an
// isolated node is low.
func Classify(snap graph.Snapshot, targetID string, impacted []string) Severity {
	target, ok := snap.Node(targetID)
	if !ok {
		return SeverityLow
	}
	if dataStoreKinds[target.Kind] {
		return SeverityCritical
	}

	crossesBoundary := boundaryKinds[target.Kind]
	for _, id := range impacted {
		n, ok := snap.Node(id)
		if !ok {
			continue
		}
		if dataStoreKinds[n.Kind] {
			return SeverityCritical
		}
		if boundaryKinds[n.Kind] {
			crossesBoundary = true
		}
	}

	if len(impacted) == 0 {
		return SeverityLow
	}
	if crossesBoundary {
		return SeverityHigh
	}
	if live := len(snap.LiveNodes()); live > 0 && len(impacted)*4 >= live {
		return SeverityHigh
	}
	return SeverityMedium
}

// Simulate computes the impacted set and severity, then asks the oracle
// for a narrative. Oracle failure degrades to a generated summary so
// the simulation itself never fails on a reachable target.
func (a *Analyzer) Simulate(ctx context.Context, snap graph.Snapshot, targetID string) (*Report, error) {
	impacted, err := Impacted(snap, targetID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TargetNode: targetID,
		Impacted:   impacted,
		Severity:   Classify(snap, targetID, impacted),
	}

	if a.oracle != nil {
		explained, err := a.oracle.ExplainBlast(ctx, oracle.BlastRequest{
			Graph:      snap,
			TargetNode: targetID,
			Impacted:   impacted,
		})
		if err == nil {
			report.Explanation = explained.Explanation
			report.Mitigation = explained.Mitigation
		}
	}
	if report.Explanation == "" {
		report.Explanation = fallbackExplanation(snap, targetID, impacted)
	}

	if a.bus != nil {
		_ = a.bus.Emit("info", "blast.simulated", report.Explanation, map[string]interface{}{
			"target":   targetID,
			"impacted": len(impacted),
			"severity": string(report.Severity),
		})
	}
	return report, nil
}

// SimulateAll runs a simulation for every live node, a handful at a
// time, and returns the reports sorted by severity then blast size.
// Used for the whole-architecture risk overview.
func (a *Analyzer) SimulateAll(ctx context.Context, snap graph.Snapshot) ([]*Report, error) {
	nodes := snap.LiveNodes()

	var mu sync.Mutex
	reports := make([]*Report, 0, len(nodes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, n := range nodes {
		id := n.ID
		g.Go(func() error {
			report, err := a.Simulate(ctx, snap, id)
			if err != nil {
				return err
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rank := map[Severity]int{SeverityCritical: 0, SeverityHigh: 1, SeverityMedium: 2, SeverityLow: 3}
	sort.Slice(reports, func(i, j int) bool {
		if rank[reports[i].Severity] != rank[reports[j].Severity] {
			return rank[reports[i].Severity] < rank[reports[j].Severity]
		}
		if len(reports[i].Impacted) != len(reports[j].Impacted) {
			return len(reports[i].Impacted) > len(reports[j].Impacted)
		}
		return reports[i].TargetNode < reports[j].TargetNode
	})
	return reports, nil
}

func fallbackExplanation(snap graph.Snapshot, targetID string, impacted []string) string {
	target, _ := snap.Node(targetID)
	if len(impacted) == 0 {
		return fmt.Sprintf("Failure of %s %q is contained: no other resource depends on it.",
			target.Kind, targetID)
	}
	return fmt.Sprintf("Failure of %s %q cascades to %d dependent resource(s): %v.",
		target.Kind, targetID, len(impacted), impacted)
}
