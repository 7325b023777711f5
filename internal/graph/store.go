package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Store is the mutable graph for a single session. Mutations are
// serialized by a mutex; reads go through Snapshot, which returns a
// deep copy so the UI poller never observes a partial write.
type Store struct {
	mu      sync.Mutex
	phase   Phase
	version string
	nodes   []Node
	index   map[string]int
	edges   []Edge
	meta    map[string]interface{}
}

// NewStore creates an empty graph store with phase none.
func NewStore() *Store {
	return &Store{
		phase:   PhaseNone,
		version: uuid.NewString(),
		index:   make(map[string]int),
	}
}

// AddNode inserts a node, or replaces the node with the same id.
func (s *Store) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if n.Lifecycle == "" {
		n.Lifecycle = LifecyclePlanned
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[n.ID]; ok {
		s.nodes[i] = n
	} else {
		s.index[n.ID] = len(s.nodes)
		s.nodes = append(s.nodes, n)
	}
	s.version = uuid.NewString()
	return nil
}

// AddEdge inserts an edge. Both endpoints must exist and not be
// deleted; otherwise a DanglingReferenceError is returned and the
// graph is unchanged. An edge that would close a cycle in the impact
// relations is rejected with a CycleError.
func (s *Store) AddEdge(e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{e.Source, e.Target} {
		i, ok := s.index[id]
		if !ok || s.nodes[i].Lifecycle == LifecycleDeleted {
			return &DanglingReferenceError{Source: e.Source, Target: e.Target, Missing: id}
		}
	}

	if isImpactRelation(e.Relation) {
		snap := s.snapshotLocked()
		snap.Edges = append(snap.Edges, e)
		if err := EnsureAcyclic(snap); err != nil {
			return err
		}
	}

	s.edges = append(s.edges, e)
	s.version = uuid.NewString()
	return nil
}

// RemoveNode marks a node deleted. Edges are not cascade-deleted; they
// are filtered at read time so the removal can be undone.
func (s *Store) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("node not found: %s", id)
	}
	s.nodes[i].Lifecycle = LifecycleDeleted
	s.version = uuid.NewString()
	return nil
}

// RemoveEdge deletes the first edge matching source, target, relation.
// An empty relation matches any relation.
func (s *Store) RemoveEdge(source, target, relation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.edges {
		if e.Source == source && e.Target == target && (relation == "" || e.Relation == relation) {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			s.version = uuid.NewString()
			return nil
		}
	}
	return fmt.Errorf("edge not found: %s -> %s", source, target)
}

// SetPhase tags the graph with its lifecycle phase.
func (s *Store) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the current phase tag.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetMetadata attaches an informational key to the next snapshots.
func (s *Store) SetMetadata(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		s.meta = make(map[string]interface{})
	}
	s.meta[key] = value
}

// Snapshot returns an immutable deep copy of nodes, live edges, phase
// and version.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version: s.version,
		Phase:   s.phase,
		Nodes:   make([]Node, len(s.nodes)),
		Edges:   nil,
	}
	for i, n := range s.nodes {
		snap.Nodes[i] = copyNode(n)
	}
	full := Snapshot{Nodes: snap.Nodes, Edges: append([]Edge(nil), s.edges...)}
	snap.Edges = full.LiveEdges()
	if len(s.meta) > 0 {
		snap.Metadata = make(map[string]interface{}, len(s.meta))
		for k, v := range s.meta {
			snap.Metadata[k] = v
		}
	}
	return snap
}

// Load replaces the store contents with the given snapshot.
func (s *Store) Load(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[string]int, len(snap.Nodes))
	nodes := make([]Node, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id must not be empty")
		}
		if _, dup := index[n.ID]; dup {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		if n.Lifecycle == "" {
			n.Lifecycle = LifecyclePlanned
		}
		index[n.ID] = len(nodes)
		nodes = append(nodes, copyNode(n))
	}
	for _, e := range snap.Edges {
		for _, id := range []string{e.Source, e.Target} {
			if _, ok := index[id]; !ok {
				return &DanglingReferenceError{Source: e.Source, Target: e.Target, Missing: id}
			}
		}
	}
	if err := EnsureAcyclic(snap); err != nil {
		return err
	}

	s.nodes = nodes
	s.index = index
	s.edges = append([]Edge(nil), snap.Edges...)
	s.phase = snap.Phase
	if s.phase == "" {
		s.phase = PhaseNone
	}
	s.version = uuid.NewString()
	s.meta = nil
	for k, v := range snap.Metadata {
		if s.meta == nil {
			s.meta = make(map[string]interface{})
		}
		s.meta[k] = v
	}
	return nil
}

// Reset clears the graph to empty and phase none.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
	s.edges = nil
	s.index = make(map[string]int)
	s.meta = nil
	s.phase = PhaseNone
	s.version = uuid.NewString()
}

func copyNode(n Node) Node {
	out := n
	if n.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(n.Attributes))
		for k, v := range n.Attributes {
			out.Attributes[k] = v
		}
	}
	if n.DerivedFrom != nil {
		out.DerivedFrom = append([]string(nil), n.DerivedFrom...)
	}
	return out
}

func isImpactRelation(relation string) bool {
	for _, r := range ImpactRelations {
		if r == relation {
			return true
		}
	}
	return false
}
