// Package graph holds the in-memory resource-dependency graph that the
// agent evolves through its intent, reasoned, and implementation phases.
package graph

import "fmt"

// Phase identifies which lifecycle stage a graph belongs to.
type Phase string

const (
	PhaseNone           Phase = "none"
	PhaseIntent         Phase = "intent"
	PhaseReasoned       Phase = "reasoned"
	PhaseImplementation Phase = "implementation"
)

// Lifecycle is the deployment status of a single node.
type Lifecycle string

const (
	LifecycleProposed Lifecycle = "proposed"
	LifecyclePlanned  Lifecycle = "planned"
	LifecycleActive   Lifecycle = "active"
	LifecycleDeleted  Lifecycle = "deleted"
)

// Edge relation labels. Direction encodes dependency order: the target
// relies on the source for depends_on/contains/routes_to traversal.
const (
	RelationDependsOn    = "depends_on"
	RelationContains     = "contains"
	RelationRoutesTo     = "routes_to"
	RelationSecures      = "secures"
	RelationConnectsTo   = "connects_to"
	RelationReadsFrom    = "reads_from"
	RelationWritesTo     = "writes_to"
	RelationPublishesTo  = "publishes_to"
	RelationConsumesFrom = "consumes_from"
)

// ImpactRelations are the edge types traversed for blast-radius and
// topological-order computations. Cycles in other relations are legal.
var ImpactRelations = []string{RelationDependsOn, RelationContains, RelationRoutesTo}

// Node is a typed resource in the graph. Kind is a semantic category
// during the intent/reasoned phases and a concrete provider resource
// type during the implementation phase.
type Node struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	Lifecycle   Lifecycle              `json:"lifecycle_status"`
	ParentID    string                 `json:"parent_id,omitempty"`
	Description string                 `json:"description,omitempty"`
	// DerivedFrom records which reasoned-phase node ids an
	// implementation node traces back to. Empty outside that phase.
	DerivedFrom []string `json:"derived_from,omitempty"`
}

// Edge is a typed relationship between two existing nodes.
type Edge struct {
	Source   string `json:"source_id"`
	Target   string `json:"target_id"`
	Relation string `json:"relation"`
}

// Snapshot is an immutable copy of the graph safe for concurrent reads.
type Snapshot struct {
	Version  string                 `json:"graph_version"`
	Phase    Phase                  `json:"graph_phase"`
	Nodes    []Node                 `json:"resources"`
	Edges    []Edge                 `json:"edges"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SemanticKinds are the abstract categories permitted before expansion.
var SemanticKinds = map[string]struct{}{
	"compute_service":     {},
	"relational_database": {},
	"object_storage":      {},
	"load_balancer":       {},
	"message_queue":       {},
	"pubsub_topic":        {},
	"cache_service":       {},
}

// IsSemanticKind reports whether kind is a semantic-only category.
func IsSemanticKind(kind string) bool {
	_, ok := SemanticKinds[kind]
	return ok
}

// KindMapping is the authoritative semantic-to-concrete translation
// applied during expansion. Scaffolding may be added around it, but
// each semantic node must be materialized as its mapped kind.
var KindMapping = map[string]string{
	"compute_service":     "aws_instance",
	"relational_database": "aws_db_instance",
	"object_storage":      "aws_s3_bucket",
	"load_balancer":       "aws_lb",
	"cache_service":       "aws_elasticache_cluster",
	"message_queue":       "aws_sqs_queue",
	"pubsub_topic":        "aws_sns_topic",
}

// DanglingReferenceError is returned when an edge refers to a node that
// does not exist (or has been deleted) in the graph.
type DanglingReferenceError struct {
	Source  string
	Target  string
	Missing string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("edge %s -> %s refers to missing node %q", e.Source, e.Target, e.Missing)
}

// CycleError is returned when a mutation would introduce a cycle in the
// impact relations.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving nodes %v", e.Nodes)
}

// Node returns the node with the given id from a snapshot, if present.
func (s Snapshot) Node(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// LiveNodes returns all nodes not marked deleted.
func (s Snapshot) LiveNodes() []Node {
	out := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Lifecycle != LifecycleDeleted {
			out = append(out, n)
		}
	}
	return out
}

// LiveEdges filters out edges touching deleted nodes. Dangling edges to
// deleted nodes are retained in storage for undo but never observed.
func (s Snapshot) LiveEdges() []Edge {
	deleted := make(map[string]bool)
	for _, n := range s.Nodes {
		if n.Lifecycle == LifecycleDeleted {
			deleted[n.ID] = true
		}
	}
	out := make([]Edge, 0, len(s.Edges))
	for _, e := range s.Edges {
		if !deleted[e.Source] && !deleted[e.Target] {
			out = append(out, e)
		}
	}
	return out
}
