package graph

import (
	"errors"
	"testing"
)

func TestAddEdgeRejectsDanglingReference(t *testing.T) {
	s := NewStore()
	if err := s.AddNode(Node{ID: "web", Kind: "compute_service"}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	before := s.Snapshot()

	err := s.AddEdge(Edge{Source: "web", Target: "db", Relation: RelationDependsOn})
	var dangling *DanglingReferenceError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingReferenceError, got %v", err)
	}
	if dangling.Missing != "db" {
		t.Errorf("expected missing node 'db', got %q", dangling.Missing)
	}

	after := s.Snapshot()
	if len(after.Edges) != len(before.Edges) {
		t.Errorf("graph changed after rejected edge: %d edges", len(after.Edges))
	}
	if StableHash(before) != StableHash(after) {
		t.Error("graph content changed after rejected edge")
	}
}

func TestAddEdgeRejectsImpactCycle(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.AddNode(Node{ID: id, Kind: "compute_service"}); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}
	mustAddEdge(t, s, Edge{Source: "a", Target: "b", Relation: RelationDependsOn})
	mustAddEdge(t, s, Edge{Source: "b", Target: "c", Relation: RelationContains})

	err := s.AddEdge(Edge{Source: "c", Target: "a", Relation: RelationDependsOn})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}

	// Cycles in non-impact relations are permitted.
	if err := s.AddEdge(Edge{Source: "c", Target: "a", Relation: RelationConnectsTo}); err != nil {
		t.Errorf("connects_to cycle should be allowed, got %v", err)
	}
}

func TestRemoveNodeFiltersEdgesAtReadTime(t *testing.T) {
	s := NewStore()
	if err := s.AddNode(Node{ID: "vpc", Kind: "aws_vpc"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddNode(Node{ID: "subnet", Kind: "aws_subnet"}); err != nil {
		t.Fatal(err)
	}
	mustAddEdge(t, s, Edge{Source: "vpc", Target: "subnet", Relation: RelationContains})

	if err := s.RemoveNode("subnet"); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Edges) != 0 {
		t.Errorf("expected edges to deleted node filtered, got %d", len(snap.Edges))
	}

	n, ok := snap.Node("subnet")
	if !ok {
		t.Fatal("deleted node should be retained for audit")
	}
	if n.Lifecycle != LifecycleDeleted {
		t.Errorf("expected lifecycle deleted, got %s", n.Lifecycle)
	}
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	s := NewStore()
	if err := s.AddNode(Node{ID: "web", Kind: "compute_service", Attributes: map[string]interface{}{"size": "small"}}); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	snap.Nodes[0].Attributes["size"] = "huge"
	snap.Nodes[0].Kind = "mutated"

	fresh := s.Snapshot()
	if fresh.Nodes[0].Kind != "compute_service" {
		t.Error("snapshot mutation leaked into store")
	}
	if fresh.Nodes[0].Attributes["size"] != "small" {
		t.Error("snapshot attribute mutation leaked into store")
	}
}

func TestSnapshotVersionChangesOnMutation(t *testing.T) {
	s := NewStore()
	v1 := s.Snapshot().Version

	if err := s.AddNode(Node{ID: "web", Kind: "compute_service"}); err != nil {
		t.Fatal(err)
	}
	v2 := s.Snapshot().Version
	if v1 == v2 {
		t.Error("version should change after mutation")
	}
	if v2 != s.Snapshot().Version {
		t.Error("version should be stable without mutation")
	}
}

func TestResetClearsGraph(t *testing.T) {
	s := NewStore()
	if err := s.AddNode(Node{ID: "web", Kind: "compute_service"}); err != nil {
		t.Fatal(err)
	}
	s.SetPhase(PhaseIntent)

	s.Reset()

	snap := s.Snapshot()
	if len(snap.Nodes) != 0 || len(snap.Edges) != 0 {
		t.Errorf("expected empty graph after reset, got %d nodes %d edges", len(snap.Nodes), len(snap.Edges))
	}
	if snap.Phase != PhaseNone {
		t.Errorf("expected phase none after reset, got %s", snap.Phase)
	}
}

func TestLoadRejectsDuplicateAndDangling(t *testing.T) {
	s := NewStore()

	dup := Snapshot{Nodes: []Node{{ID: "a", Kind: "compute_service"}, {ID: "a", Kind: "cache_service"}}}
	if err := s.Load(dup); err == nil {
		t.Error("expected duplicate id rejection")
	}

	dangle := Snapshot{
		Nodes: []Node{{ID: "a", Kind: "compute_service"}},
		Edges: []Edge{{Source: "a", Target: "ghost", Relation: RelationDependsOn}},
	}
	var dref *DanglingReferenceError
	if err := s.Load(dangle); !errors.As(err, &dref) {
		t.Errorf("expected DanglingReferenceError, got %v", err)
	}
}

func mustAddEdge(t *testing.T, s *Store, e Edge) {
	t.Helper()
	if err := s.AddEdge(e); err != nil {
		t.Fatalf("AddEdge %s -> %s failed: %v", e.Source, e.Target, err)
	}
}
