// Package policy evaluates architecture compliance rules against graph
// snapshots and drives the bounded self-healing loop that asks the
// reasoning model to repair detected violations.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/inframinds/agentcore/internal/graph"
)

// Rule identifiers, also used as decision triggers in the audit trail.
const (
	RuleIsolation         = "isolation"
	RuleIngressDiscipline = "ingress_discipline"
	RuleLeastPrivilege    = "least_privilege"
)

// Severity ranks a violation for display ordering.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Violation is one deterministic rule breach. NodeID is the offending
// node; Related lists the peers that make it a breach.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	NodeID   string   `json:"node_id"`
	Related  []string `json:"related_nodes,omitempty"`
	Message  string   `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: %s", v.Rule, v.NodeID, v.Message)
}

// Render flattens violations into the string form the oracle prompt
// expects.
func Render(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.String()
	}
	return out
}

// ConvergenceError reports that the healing loop ran out of cycles with
// violations still present.
type ConvergenceError struct {
	Cycles    int
	Remaining []Violation
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("policy loop failed to converge after %d cycles, %d violations remain",
		e.Cycles, len(e.Remaining))
}

// Kinds treated as private data stores that must never face the
// internet directly. Covers both semantic and expanded forms.
var privateKinds = map[string]bool{
	"relational_database":     true,
	"cache_service":           true,
	"aws_db_instance":         true,
	"aws_elasticache_cluster": true,
}

// Kinds that represent external traffic entering the architecture.
var externalKinds = map[string]bool{
	"internet":             true,
	"internet_gateway":     true,
	"external_client":      true,
	"aws_internet_gateway": true,
}

// Kinds that legitimately sit in front of compute for public ingress.
var ingressKinds = map[string]bool{
	"load_balancer":   true,
	"aws_lb":          true,
	"api_gateway":     true,
	"aws_api_gateway": true,
	"cloudfront":      true,
}

var sensitivePorts = map[int]string{
	22:   "ssh",
	3306: "mysql",
	5432: "postgres",
	6379: "redis",
	5439: "redshift",
}

// Evaluate runs all rules against the snapshot in a fixed order and
// returns every violation found. It never mutates the snapshot.
func Evaluate(snap graph.Snapshot) []Violation {
	var out []Violation
	out = append(out, checkIsolation(snap)...)
	out = append(out, checkIngressDiscipline(snap)...)
	out = append(out, checkLeastPrivilege(snap)...)
	return out
}

// checkIsolation flags private data stores that are directly reachable
// from public or external nodes, or that declare themselves public.
func checkIsolation(snap graph.Snapshot) []Violation {
	var out []Violation
	nodes := indexNodes(snap)

	for _, n := range snap.LiveNodes() {
		if !privateKinds[n.Kind] {
			continue
		}
		if isPubliclyMarked(n) {
			out = append(out, Violation{
				Rule:     RuleIsolation,
				Severity: SeverityCritical,
				NodeID:   n.ID,
				Message:  fmt.Sprintf("%s %q is marked publicly accessible", n.Kind, n.ID),
			})
		}
		for _, e := range snap.LiveEdges() {
			if e.Target != n.ID {
				continue
			}
			src, ok := nodes[e.Source]
			if !ok {
				continue
			}
			// Managed ingress in front of a data store is the
			// sanctioned pattern, not an exposure.
			if ingressKinds[src.Kind] {
				continue
			}
			if externalKinds[src.Kind] || isPubliclyMarked(src) {
				out = append(out, Violation{
					Rule:     RuleIsolation,
					Severity: SeverityCritical,
					NodeID:   n.ID,
					Related:  []string{src.ID},
					Message: fmt.Sprintf("%s %q is directly reachable from public node %q",
						n.Kind, n.ID, src.ID),
				})
			}
		}
	}
	return out
}

// checkIngressDiscipline flags public compute that receives external
// traffic without a load balancer or gateway in front of it.
func checkIngressDiscipline(snap graph.Snapshot) []Violation {
	var out []Violation
	nodes := indexNodes(snap)

	for _, n := range snap.LiveNodes() {
		if n.Kind != "compute_service" && n.Kind != "aws_instance" {
			continue
		}
		if !isPubliclyMarked(n) && !receivesExternalTraffic(snap, nodes, n.ID) {
			continue
		}
		for _, e := range snap.LiveEdges() {
			if e.Target != n.ID {
				continue
			}
			src, ok := nodes[e.Source]
			if !ok || !externalKinds[src.Kind] {
				continue
			}
			out = append(out, Violation{
				Rule:     RuleIngressDiscipline,
				Severity: SeverityHigh,
				NodeID:   n.ID,
				Related:  []string{src.ID},
				Message: fmt.Sprintf("compute %q receives external traffic from %q without a load balancer",
					n.ID, src.ID),
			})
		}
	}
	return out
}

// checkLeastPrivilege flags security boundaries with allow-all rules on
// sensitive ports.
func checkLeastPrivilege(snap graph.Snapshot) []Violation {
	var out []Violation
	for _, n := range snap.LiveNodes() {
		if n.Kind != "aws_security_group" && n.Kind != "security_group" {
			continue
		}
		for port, service := range sensitivePorts {
			if allowsAllOnPort(n, port) {
				out = append(out, Violation{
					Rule:     RuleLeastPrivilege,
					Severity: SeverityHigh,
					NodeID:   n.ID,
					Message: fmt.Sprintf("security group %q allows unrestricted access on port %d (%s)",
						n.ID, port, service),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Message < out[j].Message
	})
	return out
}

func indexNodes(snap graph.Snapshot) map[string]graph.Node {
	m := make(map[string]graph.Node, len(snap.Nodes))
	for _, n := range snap.LiveNodes() {
		m[n.ID] = n
	}
	return m
}

func isPubliclyMarked(n graph.Node) bool {
	if n.Attributes == nil {
		return false
	}
	if v, ok := n.Attributes["publicly_accessible"].(bool); ok && v {
		return true
	}
	if v, ok := n.Attributes["exposure"].(string); ok && strings.EqualFold(v, "public") {
		return true
	}
	return false
}

func receivesExternalTraffic(snap graph.Snapshot, nodes map[string]graph.Node, id string) bool {
	for _, e := range snap.LiveEdges() {
		if e.Target != id {
			continue
		}
		if src, ok := nodes[e.Source]; ok && externalKinds[src.Kind] {
			return true
		}
	}
	return false
}

// allowsAllOnPort inspects ingress rule attributes for a wildcard CIDR
// on the given port. Rules arrive as loosely-typed JSON from the model,
// so every shape is checked defensively.
func allowsAllOnPort(n graph.Node, port int) bool {
	rules, ok := n.Attributes["ingress"].([]interface{})
	if !ok {
		return false
	}
	for _, r := range rules {
		rule, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if !ruleCoversPort(rule, port) {
			continue
		}
		if ruleAllowsAll(rule) {
			return true
		}
	}
	return false
}

func ruleCoversPort(rule map[string]interface{}, port int) bool {
	from := intAttr(rule, "from_port", intAttr(rule, "port", -1))
	to := intAttr(rule, "to_port", from)
	if from == -1 {
		return false
	}
	return from <= port && port <= to
}

func ruleAllowsAll(rule map[string]interface{}) bool {
	candidates := []interface{}{rule["cidr"], rule["cidr_blocks"], rule["source"]}
	for _, c := range candidates {
		switch v := c.(type) {
		case string:
			if isWildcard(v) {
				return true
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok && isWildcard(s) {
					return true
				}
			}
		}
	}
	return false
}

func isWildcard(s string) bool {
	switch strings.TrimSpace(s) {
	case "0.0.0.0/0", "*", "any", "::/0":
		return true
	}
	return false
}

func intAttr(m map[string]interface{}, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
