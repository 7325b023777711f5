package policy

import (
	"context"
	"fmt"

	"github.com/inframinds/agentcore/internal/events"
	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/oracle"
)

// MaxCycles bounds the self-healing loop. The loop either converges to
// zero violations within this budget or reports a ConvergenceError.
const MaxCycles = 3

// DecisionAction classifies how a proposed mutation was handled.
const (
	ActionApplied = "applied"
	ActionBlocked = "blocked"
)

// DecisionRecord is one audit entry from a healing cycle.
type DecisionRecord struct {
	Cycle         int      `json:"cycle"`
	Trigger       string   `json:"trigger"`
	AffectedNodes []string `json:"affected_nodes,omitempty"`
	Action        string   `json:"action"`
	Result        string   `json:"result"`
}

// HealResult is the outcome of a completed healing loop.
type HealResult struct {
	Graph     graph.Snapshot
	Decisions []DecisionRecord
	Cycles    int
}

// Healer runs the violation-repair loop against the reasoning model.
type Healer struct {
	oracle oracle.Client
	bus    *events.Bus
}

func NewHealer(client oracle.Client, bus *events.Bus) *Healer {
	return &Healer{oracle: client, bus: bus}
}

// Heal evaluates the snapshot and, while violations remain, asks the
// model for a repaired graph. Mutations that would drop or retype a
// semantic node are blocked and the cycle is retried. Returns the
// reasoned graph on convergence; a ConvergenceError wraps the residual
// violations on exhaustion.
func (h *Healer) Heal(ctx context.Context, snap graph.Snapshot) (*HealResult, error) {
	working := snap
	working.Phase = graph.PhaseReasoned

	result := &HealResult{}

	for cycle := 1; cycle <= MaxCycles; cycle++ {
		result.Cycles = cycle
		violations := Evaluate(working)
		h.emit("policy.cycle", fmt.Sprintf("cycle %d: %d violations", cycle, len(violations)),
			map[string]interface{}{"cycle": cycle, "violations": len(violations)})

		if len(violations) == 0 {
			h.emit("policy.converged", "all policies satisfied", map[string]interface{}{"cycles": cycle})
			result.Graph = working
			return result, nil
		}
		for _, v := range violations {
			h.emit("policy.violation", v.Message, map[string]interface{}{
				"rule": v.Rule, "node": v.NodeID, "severity": string(v.Severity),
			})
		}

		fixed, err := h.oracle.GenerateGraph(ctx, oracle.GraphRequest{
			Kind:        oracle.KindPolicyFix,
			Graph:       &working,
			TargetPhase: graph.PhaseReasoned,
			Violations:  Render(violations),
		})
		if err != nil {
			return nil, fmt.Errorf("policy cycle %d: %w", cycle, err)
		}

		if breach := semanticIntegrityBreach(working, fixed.Graph); breach != "" {
			rec := DecisionRecord{
				Cycle:   cycle,
				Trigger: "semantic_integrity",
				Action:  ActionBlocked,
				Result:  breach,
			}
			result.Decisions = append(result.Decisions, rec)
			h.emit("policy.decision", breach, map[string]interface{}{
				"cycle": cycle, "action": ActionBlocked,
			})
			continue // retry from the unmodified working copy
		}

		for _, d := range fixed.Decisions {
			rec := DecisionRecord{
				Cycle:         cycle,
				Trigger:       d.Trigger,
				AffectedNodes: d.AffectedNodes,
				Action:        ActionApplied,
				Result:        d.Action,
			}
			result.Decisions = append(result.Decisions, rec)
			h.emit("policy.decision", d.Action, map[string]interface{}{
				"cycle": cycle, "trigger": d.Trigger, "nodes": d.AffectedNodes,
			})
		}

		working = fixed.Graph
		working.Phase = graph.PhaseReasoned
	}

	remaining := Evaluate(working)
	if len(remaining) == 0 {
		h.emit("policy.converged", "all policies satisfied", map[string]interface{}{"cycles": MaxCycles})
		result.Graph = working
		return result, nil
	}

	h.emit("policy.failed", "policy loop exhausted", map[string]interface{}{
		"cycles": MaxCycles, "remaining": len(remaining),
	})
	return nil, &ConvergenceError{Cycles: MaxCycles, Remaining: remaining}
}

// semanticIntegrityBreach reports why a proposed mutation is illegal:
// the policy stage may re-route edges and annotate nodes but must keep
// every semantic node with its original kind. Empty string means legal.
func semanticIntegrityBreach(before, after graph.Snapshot) string {
	for _, n := range before.LiveNodes() {
		if !graph.IsSemanticKind(n.Kind) {
			continue
		}
		got, ok := after.Node(n.ID)
		if !ok || got.Lifecycle == graph.LifecycleDeleted {
			return fmt.Sprintf("mutation dropped semantic node %q", n.ID)
		}
		if got.Kind != n.Kind {
			return fmt.Sprintf("mutation retyped semantic node %q from %s to %s",
				n.ID, n.Kind, got.Kind)
		}
	}
	for _, n := range after.LiveNodes() {
		if graph.IsSemanticKind(n.Kind) {
			continue
		}
		// Boundary nodes like gateways may already exist; the policy
		// stage must not invent new infrastructure primitives.
		if _, ok := before.Node(n.ID); !ok {
			return fmt.Sprintf("mutation introduced non-semantic node %q (%s) before expansion",
				n.ID, n.Kind)
		}
	}
	return ""
}

func (h *Healer) emit(name, msg string, fields map[string]interface{}) {
	if h.bus == nil {
		return
	}
	_ = h.bus.Emit("info", name, msg, fields)
}
