package blast

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/oracle"
)

func webStack() graph.Snapshot {
	return graph.Snapshot{
		Phase: graph.PhaseImplementation,
		Nodes: []graph.Node{
			{ID: "vpc", Kind: "aws_vpc", Lifecycle: graph.LifecycleActive},
			{ID: "subnet", Kind: "aws_subnet", Lifecycle: graph.LifecycleActive},
			{ID: "lb", Kind: "aws_lb", Lifecycle: graph.LifecycleActive},
			{ID: "web", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
			{ID: "db", Kind: "aws_db_instance", Lifecycle: graph.LifecycleActive},
		},
		Edges: []graph.Edge{
			{Source: "vpc", Target: "subnet", Relation: graph.RelationContains},
			{Source: "subnet", Target: "web", Relation: graph.RelationContains},
			{Source: "lb", Target: "web", Relation: graph.RelationRoutesTo},
			{Source: "db", Target: "web", Relation: graph.RelationDependsOn},
		},
	}
}

func TestImpactedExcludesTarget(t *testing.T) {
	impacted, err := Impacted(webStack(), "subnet")
	if err != nil {
		t.Fatalf("Impacted failed: %v", err)
	}
	for _, id := range impacted {
		if id == "subnet" {
			t.Error("target must not appear in its own blast radius")
		}
	}
	if len(impacted) != 1 || impacted[0] != "web" {
		t.Errorf("expected [web], got %v", impacted)
	}
}

func TestImpactedUnknownTarget(t *testing.T) {
	if _, err := Impacted(webStack(), "ghost"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestClassifySeverities(t *testing.T) {
	snap := webStack()

	cases := []struct {
		target string
		want   Severity
	}{
		{"db", SeverityCritical},  // data store, regardless of spread
		{"web", SeverityLow},      // leaf, nothing depends on it
		{"lb", SeverityHigh},      // network boundary
		{"vpc", SeverityHigh},     // boundary and wide blast
		{"subnet", SeverityHigh},  // boundary kind
	}
	for _, tc := range cases {
		impacted, err := Impacted(snap, tc.target)
		if err != nil {
			t.Fatalf("Impacted(%s) failed: %v", tc.target, err)
		}
		if got := Classify(snap, tc.target, impacted); got != tc.want {
			t.Errorf("Classify(%s) = %s, want %s", tc.target, got, tc.want)
		}
	}
}

func TestClassifyEscalatesOnImpactedKinds(t *testing.T) {
	snap := graph.Snapshot{
		Phase: graph.PhaseImplementation,
		Nodes: []graph.Node{
			{ID: "subnet", Kind: "aws_subnet", Lifecycle: graph.LifecycleActive},
			{ID: "rt", Kind: "aws_route_table", Lifecycle: graph.LifecycleActive},
			{ID: "web", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
			{ID: "db", Kind: "aws_db_instance", Lifecycle: graph.LifecycleActive},
			{ID: "worker", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
			{ID: "batch", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
		},
		Edges: []graph.Edge{
			{Source: "subnet", Target: "web", Relation: graph.RelationContains},
			{Source: "subnet", Target: "db", Relation: graph.RelationContains},
		},
	}

	// The canonical case: a subnet holding a database. The target is
	// only a boundary kind, but the blast set reaches a data store.
	impacted, err := Impacted(snap, "subnet")
	if err != nil {
		t.Fatal(err)
	}
	if got := Classify(snap, "subnet", impacted); got != SeverityCritical {
		t.Errorf("subnet blast reaching db must be critical, got %s", got)
	}

	cases := []struct {
		name     string
		target   string
		impacted []string
		want     Severity
	}{
		{"dependents include a data store", "worker", []string{"db"}, SeverityCritical},
		{"dependents include a network boundary", "worker", []string{"rt"}, SeverityHigh},
		{"dependents are plain compute", "worker", []string{"batch"}, SeverityMedium},
	}
	for _, tc := range cases {
		if got := Classify(snap, tc.target, tc.impacted); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyWideBlastWithoutBoundaryKind(t *testing.T) {
	snap := graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "core", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
			{ID: "a", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
			{ID: "b", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
			{ID: "c", Kind: "aws_instance", Lifecycle: graph.LifecycleActive},
		},
		Edges: []graph.Edge{
			{Source: "core", Target: "a", Relation: graph.RelationDependsOn},
			{Source: "core", Target: "b", Relation: graph.RelationDependsOn},
			{Source: "core", Target: "c", Relation: graph.RelationDependsOn},
		},
	}
	impacted, err := Impacted(snap, "core")
	if err != nil {
		t.Fatal(err)
	}
	if got := Classify(snap, "core", impacted); got != SeverityHigh {
		t.Errorf("three quarters of the graph impacted should be high, got %s", got)
	}
}

type explainOracle struct {
	fail bool
}

func (o *explainOracle) GenerateGraph(ctx context.Context, req oracle.GraphRequest) (*oracle.GraphResult, error) {
	return nil, errors.New("not implemented")
}

func (o *explainOracle) ExplainBlast(ctx context.Context, req oracle.BlastRequest) (*oracle.BlastResult, error) {
	if o.fail {
		return nil, &oracle.ContractError{Kind: oracle.KindBlastExplanation, Reason: "malformed"}
	}
	return &oracle.BlastResult{
		TargetNode:  req.TargetNode,
		Explanation: "the subnet outage severs instance networking",
		Mitigation:  "spread instances across availability zones",
	}, nil
}

func (o *explainOracle) PatchArtifact(ctx context.Context, req oracle.PatchRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (o *explainOracle) GenerateArtifact(ctx context.Context, req oracle.ArtifactRequest) (*oracle.Artifact, error) {
	return nil, errors.New("not implemented")
}

func TestSimulateWithNarrative(t *testing.T) {
	a := NewAnalyzer(&explainOracle{}, nil)

	report, err := a.Simulate(context.Background(), webStack(), "subnet")
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if report.Severity != SeverityHigh {
		t.Errorf("expected high severity, got %s", report.Severity)
	}
	if !strings.Contains(report.Explanation, "subnet outage") {
		t.Errorf("oracle narrative not used: %q", report.Explanation)
	}
	if report.Mitigation == "" {
		t.Error("expected mitigation from oracle")
	}
}

func TestSimulateAllCoversEveryNodeSortedBySeverity(t *testing.T) {
	a := NewAnalyzer(nil, nil)

	reports, err := a.SimulateAll(context.Background(), webStack())
	if err != nil {
		t.Fatalf("SimulateAll failed: %v", err)
	}
	if len(reports) != 5 {
		t.Fatalf("expected 5 reports, got %d", len(reports))
	}
	if reports[0].TargetNode != "db" || reports[0].Severity != SeverityCritical {
		t.Errorf("critical data store should rank first, got %+v", reports[0])
	}
	if reports[len(reports)-1].Severity != SeverityLow {
		t.Errorf("lowest severity should rank last, got %+v", reports[len(reports)-1])
	}
}

func TestSimulateDegradesWhenOracleFails(t *testing.T) {
	a := NewAnalyzer(&explainOracle{fail: true}, nil)

	report, err := a.Simulate(context.Background(), webStack(), "db")
	if err != nil {
		t.Fatalf("simulation must not fail on oracle errors: %v", err)
	}
	if report.Explanation == "" {
		t.Error("expected fallback explanation")
	}
	if report.Severity != SeverityCritical {
		t.Errorf("expected critical severity for data store, got %s", report.Severity)
	}
}
