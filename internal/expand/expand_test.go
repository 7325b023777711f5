package expand

import (
	"context"
	"errors"
	"testing"

	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/oracle"
)

type scriptedOracle struct {
	results []*oracle.GraphResult
	calls   int
}

func (s *scriptedOracle) GenerateGraph(ctx context.Context, req oracle.GraphRequest) (*oracle.GraphResult, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	if idx < 0 {
		return nil, errors.New("no scripted results")
	}
	return s.results[idx], nil
}

func (s *scriptedOracle) ExplainBlast(ctx context.Context, req oracle.BlastRequest) (*oracle.BlastResult, error) {
	return nil, errors.New("not scripted")
}

func (s *scriptedOracle) PatchArtifact(ctx context.Context, req oracle.PatchRequest) (string, error) {
	return "", errors.New("not scripted")
}

func (s *scriptedOracle) GenerateArtifact(ctx context.Context, req oracle.ArtifactRequest) (*oracle.Artifact, error) {
	return nil, errors.New("not scripted")
}

func reasonedWebDB() graph.Snapshot {
	return graph.Snapshot{
		Phase: graph.PhaseReasoned,
		Nodes: []graph.Node{
			{ID: "web", Kind: "compute_service", Lifecycle: graph.LifecyclePlanned},
			{ID: "db", Kind: "relational_database", Lifecycle: graph.LifecyclePlanned},
		},
		Edges: []graph.Edge{
			{Source: "web", Target: "db", Relation: graph.RelationReadsFrom},
		},
	}
}

func implWebDB() graph.Snapshot {
	return graph.Snapshot{
		Phase: graph.PhaseImplementation,
		Nodes: []graph.Node{
			{ID: "vpc", Kind: "aws_vpc", Lifecycle: graph.LifecyclePlanned},
			{ID: "public-subnet", Kind: "aws_subnet", Lifecycle: graph.LifecyclePlanned},
			{ID: "web", Kind: "aws_instance", Lifecycle: graph.LifecyclePlanned, DerivedFrom: []string{"web"}},
			{ID: "db", Kind: "aws_db_instance", Lifecycle: graph.LifecyclePlanned, DerivedFrom: []string{"db"}},
		},
		Edges: []graph.Edge{
			{Source: "vpc", Target: "public-subnet", Relation: graph.RelationContains},
			{Source: "public-subnet", Target: "web", Relation: graph.RelationContains},
			{Source: "db", Target: "web", Relation: graph.RelationDependsOn},
		},
	}
}

func TestExpandAcceptsValidImplementation(t *testing.T) {
	client := &scriptedOracle{results: []*oracle.GraphResult{
		{Graph: implWebDB(), Mapping: map[string][]string{"web": {"web"}, "db": {"db"}}},
	}}
	x := NewExpander(client, nil)

	result, err := x.Expand(context.Background(), reasonedWebDB(), "draft")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if result.Graph.Phase != graph.PhaseImplementation {
		t.Errorf("expected implementation phase, got %s", result.Graph.Phase)
	}
	if web, _ := result.Graph.Node("web"); web.Kind != "aws_instance" {
		t.Errorf("web not materialized: %+v", web)
	}
	if got := result.Mapping["db"]; len(got) != 1 || got[0] != "db" {
		t.Errorf("provenance for db wrong: %v", result.Mapping)
	}
}

func TestExpandProvenanceFromDerivedFromOnly(t *testing.T) {
	// No declared mapping; node ids renamed, traced via derived_from.
	impl := graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "web-ec2", Kind: "aws_instance", Lifecycle: graph.LifecyclePlanned, DerivedFrom: []string{"web"}},
			{ID: "db-rds", Kind: "aws_db_instance", Lifecycle: graph.LifecyclePlanned, DerivedFrom: []string{"db"}},
		},
	}
	client := &scriptedOracle{results: []*oracle.GraphResult{{Graph: impl}}}
	x := NewExpander(client, nil)

	result, err := x.Expand(context.Background(), reasonedWebDB(), "draft")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if got := result.Mapping["web"]; len(got) != 1 || got[0] != "web-ec2" {
		t.Errorf("derived_from provenance not honored: %v", result.Mapping)
	}
}

func TestExpandRejectsDroppedNodeThenAcceptsRetry(t *testing.T) {
	missingDB := graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "web", Kind: "aws_instance", Lifecycle: graph.LifecyclePlanned, DerivedFrom: []string{"web"}},
		},
	}
	client := &scriptedOracle{results: []*oracle.GraphResult{
		{Graph: missingDB},
		{Graph: implWebDB()},
	}}
	x := NewExpander(client, nil)

	result, err := x.Expand(context.Background(), reasonedWebDB(), "deploy")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("expected retry after dropped node, got %d calls", client.calls)
	}
	if _, ok := result.Graph.Node("db"); !ok {
		t.Error("db missing from accepted graph")
	}
}

func TestExpandRejectsAbstractLeftover(t *testing.T) {
	leftover := implWebDB()
	leftover.Nodes = append(leftover.Nodes, graph.Node{
		ID: "queue", Kind: "message_queue", Lifecycle: graph.LifecyclePlanned,
	})
	client := &scriptedOracle{results: []*oracle.GraphResult{{Graph: leftover}}}
	x := NewExpander(client, nil)

	_, err := x.Expand(context.Background(), reasonedWebDB(), "draft")
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if incomplete.Attempts != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, incomplete.Attempts)
	}
	if len(incomplete.Leftover) != 1 || incomplete.Leftover[0] != "queue" {
		t.Errorf("leftover not reported: %+v", incomplete)
	}
	if client.calls != MaxAttempts {
		t.Errorf("expected %d oracle calls, got %d", MaxAttempts, client.calls)
	}
}

func TestExpandReportsMissingNodes(t *testing.T) {
	empty := graph.Snapshot{Nodes: []graph.Node{
		{ID: "vpc", Kind: "aws_vpc", Lifecycle: graph.LifecyclePlanned},
	}}
	client := &scriptedOracle{results: []*oracle.GraphResult{{Graph: empty}}}
	x := NewExpander(client, nil)

	_, err := x.Expand(context.Background(), reasonedWebDB(), "draft")
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if len(incomplete.Missing) != 2 {
		t.Errorf("expected web and db reported missing, got %v", incomplete.Missing)
	}
}

func TestExpandRejectsMistypedMaterialization(t *testing.T) {
	mistyped := implWebDB()
	for i := range mistyped.Nodes {
		if mistyped.Nodes[i].ID == "web" {
			mistyped.Nodes[i].Kind = "aws_s3_bucket"
		}
	}
	client := &scriptedOracle{results: []*oracle.GraphResult{{Graph: mistyped}}}
	x := NewExpander(client, nil)

	_, err := x.Expand(context.Background(), reasonedWebDB(), "draft")
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if len(incomplete.Mistyped) != 1 || incomplete.Mistyped[0] != "web" {
		t.Errorf("compute_service materialized as a bucket not reported: %+v", incomplete)
	}
	if client.calls != MaxAttempts {
		t.Errorf("expected %d oracle calls, got %d", MaxAttempts, client.calls)
	}
}

func TestKindMappingCoversAllSemanticKinds(t *testing.T) {
	for kind := range graph.SemanticKinds {
		if _, ok := graph.KindMapping[kind]; !ok {
			t.Errorf("semantic kind %q has no concrete mapping", kind)
		}
	}
}
