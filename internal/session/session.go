// Package session owns the per-conversation lifecycle: the phase state
// machine, the human review gates, and the orchestration of policy,
// expansion, blast, and pipeline work against one set of graphs.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inframinds/agentcore/internal/events"
	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/policy"
)

// Phase is the session's position in the design lifecycle.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseIntentReview       Phase = "intent_review"
	PhaseReasonedReview     Phase = "reasoned_review"
	PhaseGraphPending       Phase = "graph_pending"
	PhaseModificationReview Phase = "modification_review"
	PhaseDeployed           Phase = "deployed"
)

// Command names used in transition errors and control events.
const (
	CmdSubmitIntent        = "submit_intent"
	CmdApprove             = "approve"
	CmdReject              = "reject"
	CmdRefine              = "refine"
	CmdConfirmModification = "confirm_modification"
	CmdSimulateBlastRadius = "simulate_blast_radius"
	CmdReset               = "reset"
)

// IllegalTransitionError reports a command sent in the wrong phase.
type IllegalTransitionError struct {
	Phase   Phase
	Command string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("command %q is not legal in phase %q", e.Command, e.Phase)
}

// Session holds every graph and decision for one design conversation.
// runMu serializes mutating commands; stateMu guards the cheap fields
// so Reset and snapshot reads never wait behind a running pipeline.
type Session struct {
	ID        string
	CreatedAt time.Time

	deps *deps

	runMu sync.Mutex

	stateMu sync.Mutex
	phase   Phase
	epoch   int
	cancel  func() // cancels an in-flight pipeline, nil when none

	bus *events.Bus

	intent         *graph.Store
	reasoned       *graph.Store
	implementation *graph.Store

	// Modification review state: the proposed graph awaiting a verdict
	// and the phase to return to. The store keeps the prior graph; a
	// rejected proposal is simply dropped.
	pending     *graph.Snapshot
	returnPhase Phase

	decisions []policy.DecisionRecord

	// reasonedHash caches the reasoned graph identity so re-approving
	// an unchanged graph reuses the previous expansion.
	reasonedHash string
	mapping      map[string][]string

	artifactHCL    string
	resourceStatus map[string]string
}

func newSession(d *deps) *Session {
	return &Session{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		deps:           d,
		phase:          PhaseIdle,
		bus:            events.NewBus(),
		intent:         graph.NewStore(),
		reasoned:       graph.NewStore(),
		implementation: graph.NewStore(),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.phase
}

// Bus exposes the session's event bus for streaming transports.
func (s *Session) Bus() *events.Bus {
	return s.bus
}

// Epoch returns the current reset generation.
func (s *Session) Epoch() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.epoch
}

// Decisions returns a copy of the accumulated policy decision log.
func (s *Session) Decisions() []policy.DecisionRecord {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]policy.DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Graph returns the snapshot for the requested phase.
func (s *Session) Graph(phase graph.Phase) (graph.Snapshot, error) {
	switch phase {
	case graph.PhaseIntent:
		return s.intent.Snapshot(), nil
	case graph.PhaseReasoned:
		return s.reasoned.Snapshot(), nil
	case graph.PhaseImplementation:
		return s.implementation.Snapshot(), nil
	}
	return graph.Snapshot{}, fmt.Errorf("unknown graph phase %q", phase)
}

// CurrentGraph returns the most advanced populated graph.
func (s *Session) CurrentGraph() graph.Snapshot {
	if impl := s.implementation.Snapshot(); len(impl.Nodes) > 0 {
		return impl
	}
	if reasoned := s.reasoned.Snapshot(); len(reasoned.Nodes) > 0 {
		return reasoned
	}
	return s.intent.Snapshot()
}

// PendingGraph returns the graph awaiting modification review, if any.
func (s *Session) PendingGraph() (graph.Snapshot, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.pending == nil {
		return graph.Snapshot{}, false
	}
	return *s.pending, true
}

// ResourceStatus returns per-resource verify results from the last
// deploy, nil before any pipeline run.
func (s *Session) ResourceStatus() map[string]string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.resourceStatus == nil {
		return nil
	}
	out := make(map[string]string, len(s.resourceStatus))
	for k, v := range s.resourceStatus {
		out[k] = v
	}
	return out
}

// transition validates and applies a phase change, emitting the
// phase_changed event. Callers must not hold stateMu.
func (s *Session) transition(command string, from []Phase, to Phase) error {
	s.stateMu.Lock()
	current := s.phase
	legal := false
	for _, p := range from {
		if current == p {
			legal = true
			break
		}
	}
	if !legal {
		s.stateMu.Unlock()
		return &IllegalTransitionError{Phase: current, Command: command}
	}
	s.phase = to
	s.stateMu.Unlock()

	_ = s.bus.Emit("info", "session.phase_changed",
		fmt.Sprintf("%s -> %s", current, to),
		map[string]interface{}{"from": string(current), "to": string(to), "command": command})
	return nil
}

// requirePhase checks the current phase without changing it.
func (s *Session) requirePhase(command string, allowed ...Phase) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, p := range allowed {
		if s.phase == p {
			return nil
		}
	}
	return &IllegalTransitionError{Phase: s.phase, Command: command}
}

// setPhase forces a phase without validation, for rollback paths.
func (s *Session) setPhase(to Phase) {
	s.stateMu.Lock()
	from := s.phase
	s.phase = to
	s.stateMu.Unlock()
	if from != to {
		_ = s.bus.Emit("info", "session.phase_changed", fmt.Sprintf("%s -> %s", from, to),
			map[string]interface{}{"from": string(from), "to": string(to)})
	}
}

func (s *Session) emitGraph(snap graph.Snapshot) {
	_ = s.bus.Emit("info", "graph.snapshot", "", map[string]interface{}{
		"graph_phase":   string(snap.Phase),
		"graph_version": snap.Version,
		"resources":     len(snap.Nodes),
		"edges":         len(snap.Edges),
		"graph":         snap,
	})
}

func (s *Session) appendDecisions(records []policy.DecisionRecord) {
	s.stateMu.Lock()
	s.decisions = append(s.decisions, records...)
	s.stateMu.Unlock()
}
