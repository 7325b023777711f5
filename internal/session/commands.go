package session

import (
	"context"
	"fmt"

	"github.com/inframinds/agentcore/internal/blast"
	"github.com/inframinds/agentcore/internal/compilefix"
	"github.com/inframinds/agentcore/internal/cost"
	"github.com/inframinds/agentcore/internal/expand"
	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/oracle"
	"github.com/inframinds/agentcore/internal/pipeline"
	"github.com/inframinds/agentcore/internal/policy"
)

// deps are the engine services shared across sessions. Session-local
// state (bus, stores) never lives here.
type deps struct {
	oracle        oracle.Client
	runner        pipeline.Runner
	executionMode string
	workdir       string
	audit         auditor
}

// auditor persists decisions out of band. Nil-able.
type auditor interface {
	AppendDecision(sessionID string, cycle int, trigger string, affectedNodes []string, action, result string)
}

// SubmitIntent turns a prompt (or architecture image) into the intent
// graph and opens the first review gate.
func (s *Session) SubmitIntent(ctx context.Context, prompt string, image []byte) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if err := s.requirePhase(CmdSubmitIntent, PhaseIdle); err != nil {
		return err
	}
	s.control(CmdSubmitIntent, prompt)

	kind := oracle.KindIntentGeneration
	if len(image) > 0 {
		kind = oracle.KindVisionExtraction
	}
	result, err := s.deps.oracle.GenerateGraph(ctx, oracle.GraphRequest{
		Kind:        kind,
		Prompt:      prompt,
		Image:       image,
		TargetPhase: graph.PhaseIntent,
	})
	if err != nil {
		s.fail(err)
		return err
	}
	if err := s.intent.Load(result.Graph); err != nil {
		s.fail(err)
		return fmt.Errorf("intent graph rejected: %w", err)
	}
	s.intent.SetPhase(graph.PhaseIntent)

	if result.Reasoning != "" {
		_ = s.bus.Emit("info", "agent.thought", result.Reasoning, nil)
	}
	s.emitGraph(s.intent.Snapshot())
	return s.transition(CmdSubmitIntent, []Phase{PhaseIdle}, PhaseIntentReview)
}

// Approve advances past the current review gate: intent review runs
// the policy loop, reasoned review runs expansion, and graph pending
// runs the deploy pipeline.
func (s *Session) Approve(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	switch s.Phase() {
	case PhaseIntentReview:
		return s.approveIntent(ctx)
	case PhaseReasonedReview:
		return s.approveReasoned(ctx)
	case PhaseGraphPending:
		return s.deploy(ctx)
	}
	return &IllegalTransitionError{Phase: s.Phase(), Command: CmdApprove}
}

func (s *Session) approveIntent(ctx context.Context) error {
	s.control(CmdApprove, "intent approved, running policy loop")

	healer := policy.NewHealer(s.deps.oracle, s.bus)
	result, err := healer.Heal(ctx, s.intent.Snapshot())
	if err != nil {
		s.fail(err)
		return err
	}
	if err := s.reasoned.Load(result.Graph); err != nil {
		s.fail(err)
		return fmt.Errorf("reasoned graph rejected: %w", err)
	}
	s.reasoned.SetPhase(graph.PhaseReasoned)
	s.appendDecisions(result.Decisions)
	s.audit(result.Decisions)

	s.emitGraph(s.reasoned.Snapshot())
	return s.transition(CmdApprove, []Phase{PhaseIntentReview}, PhaseReasonedReview)
}

func (s *Session) approveReasoned(ctx context.Context) error {
	s.control(CmdApprove, "reasoned graph approved, expanding")

	reasonedSnap := s.reasoned.Snapshot()
	hash := graph.StableHash(reasonedSnap)

	s.stateMu.Lock()
	cached := s.reasonedHash == hash && len(s.implementation.Snapshot().Nodes) > 0
	s.stateMu.Unlock()

	if !cached {
		expander := expand.NewExpander(s.deps.oracle, s.bus)
		result, err := expander.Expand(ctx, reasonedSnap, s.deps.executionMode)
		if err != nil {
			s.fail(err)
			return err
		}
		if err := s.implementation.Load(result.Graph); err != nil {
			s.fail(err)
			return fmt.Errorf("implementation graph rejected: %w", err)
		}
		s.implementation.SetPhase(graph.PhaseImplementation)

		s.stateMu.Lock()
		s.reasonedHash = hash
		s.mapping = result.Mapping
		s.stateMu.Unlock()
	}

	est := cost.ForGraph(s.implementation.Snapshot())
	s.implementation.SetMetadata("cost_estimate", est)
	s.implementation.SetMetadata("cost_summary", est.Summary())
	_ = s.bus.Emit("info", "agent.log", "estimated cost: "+est.Summary(), nil)
	s.warnEmulatorGaps()

	s.emitGraph(s.implementation.Snapshot())

	if s.deps.executionMode == "deploy" {
		if err := s.transition(CmdApprove, []Phase{PhaseReasonedReview}, PhaseGraphPending); err != nil {
			return err
		}
		return s.deploy(ctx)
	}
	return s.transition(CmdApprove, []Phase{PhaseReasonedReview}, PhaseGraphPending)
}

// deploy compiles the implementation graph and runs the pipeline. The
// session epoch is captured first; a reset during the run discards the
// outcome instead of committing it.
func (s *Session) deploy(ctx context.Context) error {
	s.control(CmdApprove, "deploying implementation graph")

	s.stateMu.Lock()
	epoch := s.epoch
	ctx, cancelFn := context.WithCancel(ctx)
	s.cancel = cancelFn
	s.stateMu.Unlock()
	defer func() {
		cancelFn()
		s.stateMu.Lock()
		if s.epoch == epoch {
			s.cancel = nil
		}
		s.stateMu.Unlock()
	}()

	impl := s.implementation.Snapshot()
	artifact, err := s.deps.oracle.GenerateArtifact(ctx, oracle.ArtifactRequest{
		Graph:         impl,
		ExecutionMode: s.deps.executionMode,
	})
	if err != nil {
		s.fail(err)
		return err
	}

	p := pipeline.New(s.deps.runner, s.deps.oracle, s.bus, s.deps.workdir)
	result, runErr := p.Execute(ctx, artifact)

	s.stateMu.Lock()
	stale := s.epoch != epoch
	s.stateMu.Unlock()
	if stale {
		_ = s.bus.Emit("warn", "pipeline.aborted", "session reset during pipeline run", nil)
		return &IllegalTransitionError{Phase: s.Phase(), Command: CmdApprove}
	}

	if result != nil {
		s.stateMu.Lock()
		s.artifactHCL = result.Artifact
		s.resourceStatus = result.ResourceStatus
		s.stateMu.Unlock()
	}
	if runErr != nil {
		s.fail(runErr)
		return runErr
	}

	for _, n := range impl.LiveNodes() {
		n.Lifecycle = graph.LifecycleActive
		_ = s.implementation.AddNode(n)
	}
	_ = s.bus.Emit("info", "agent.result", "deployment complete", map[string]interface{}{
		"resources": len(impl.LiveNodes()),
	})
	return s.transition(CmdApprove, []Phase{PhaseGraphPending}, PhaseDeployed)
}

// Reject walks one step back: intent review clears the session,
// reasoned review returns to intent review, graph pending returns to
// reasoned review.
func (s *Session) Reject(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	switch s.Phase() {
	case PhaseIntentReview:
		s.control(CmdReject, "intent rejected")
		s.intent.Reset()
		return s.transition(CmdReject, []Phase{PhaseIntentReview}, PhaseIdle)
	case PhaseReasonedReview:
		s.control(CmdReject, "reasoned graph rejected")
		s.reasoned.Reset()
		s.invalidateImplementation()
		return s.transition(CmdReject, []Phase{PhaseReasonedReview}, PhaseIntentReview)
	case PhaseGraphPending:
		s.control(CmdReject, "implementation rejected")
		s.invalidateImplementation()
		return s.transition(CmdReject, []Phase{PhaseGraphPending}, PhaseReasonedReview)
	}
	return &IllegalTransitionError{Phase: s.Phase(), Command: CmdReject}
}

// Refine proposes a modification to the graph under review. The result
// is staged as a pending graph; nothing is applied until the user
// confirms.
func (s *Session) Refine(ctx context.Context, instruction string) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	current := s.Phase()
	var store *graph.Store
	var phase graph.Phase
	switch current {
	case PhaseIntentReview:
		store, phase = s.intent, graph.PhaseIntent
	case PhaseReasonedReview:
		store, phase = s.reasoned, graph.PhaseReasoned
	default:
		return &IllegalTransitionError{Phase: current, Command: CmdRefine}
	}
	s.control(CmdRefine, instruction)

	prior := store.Snapshot()
	result, err := s.deps.oracle.GenerateGraph(ctx, oracle.GraphRequest{
		Kind:        oracle.KindModification,
		Prompt:      instruction,
		Graph:       &prior,
		TargetPhase: phase,
	})
	if err != nil {
		s.fail(err)
		return err
	}

	proposed := result.Graph
	s.stateMu.Lock()
	s.pending = &proposed
	s.returnPhase = current
	s.stateMu.Unlock()

	if result.Reasoning != "" {
		_ = s.bus.Emit("info", "agent.thought", result.Reasoning, nil)
	}
	s.emitGraph(proposed)
	return s.transition(CmdRefine, []Phase{current}, PhaseModificationReview)
}

// ConfirmModification applies or discards the pending graph and
// returns to the originating review phase. Accepting an intent change
// invalidates all later graphs; a reasoned change invalidates the
// implementation.
func (s *Session) ConfirmModification(ctx context.Context, accept bool) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if err := s.requirePhase(CmdConfirmModification, PhaseModificationReview); err != nil {
		return err
	}

	s.stateMu.Lock()
	pending := s.pending
	returnPhase := s.returnPhase
	s.pending = nil
	s.stateMu.Unlock()

	if pending == nil {
		return fmt.Errorf("no pending modification to confirm")
	}

	if !accept {
		s.control(CmdConfirmModification, "modification rejected, prior graph restored")
		return s.transition(CmdConfirmModification, []Phase{PhaseModificationReview}, returnPhase)
	}

	s.control(CmdConfirmModification, "modification accepted")
	switch returnPhase {
	case PhaseIntentReview:
		if err := s.intent.Load(*pending); err != nil {
			s.fail(err)
			s.setPhase(returnPhase)
			return fmt.Errorf("modified graph rejected: %w", err)
		}
		s.intent.SetPhase(graph.PhaseIntent)
		s.reasoned.Reset()
		s.invalidateImplementation()
	case PhaseReasonedReview:
		if err := s.reasoned.Load(*pending); err != nil {
			s.fail(err)
			s.setPhase(returnPhase)
			return fmt.Errorf("modified graph rejected: %w", err)
		}
		s.reasoned.SetPhase(graph.PhaseReasoned)
		s.invalidateImplementation()
	}

	s.emitGraph(s.CurrentGraph())
	return s.transition(CmdConfirmModification, []Phase{PhaseModificationReview}, returnPhase)
}

// SimulateBlastRadius reports what breaks if the named node fails.
// Legal whenever a graph exists to analyze.
func (s *Session) SimulateBlastRadius(ctx context.Context, nodeID string) (*blast.Report, error) {
	if err := s.requirePhase(CmdSimulateBlastRadius,
		PhaseIntentReview, PhaseReasonedReview, PhaseGraphPending, PhaseDeployed); err != nil {
		return nil, err
	}
	s.control(CmdSimulateBlastRadius, nodeID)

	analyzer := blast.NewAnalyzer(s.deps.oracle, s.bus)
	return analyzer.Simulate(ctx, s.CurrentGraph(), nodeID)
}

// Reset returns the session to idle from any phase. The epoch bump
// invalidates any in-flight pipeline; its cancel function is invoked
// without waiting for the run to notice.
func (s *Session) Reset() {
	s.stateMu.Lock()
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.pending = nil
	s.returnPhase = ""
	s.reasonedHash = ""
	s.mapping = nil
	s.artifactHCL = ""
	s.resourceStatus = nil
	s.decisions = nil
	from := s.phase
	s.phase = PhaseIdle
	s.stateMu.Unlock()

	s.intent.Reset()
	s.reasoned.Reset()
	s.implementation.Reset()

	// Replay starts fresh: a post-reset subscriber must not see the
	// aborted run's events.
	s.bus.Clear()
	_ = s.bus.Emit("info", "session.reset", string(from)+" -> idle", nil)
	_ = s.bus.Emit("info", "graph.reset", "", nil)
}

func (s *Session) invalidateImplementation() {
	s.implementation.Reset()
	s.stateMu.Lock()
	s.reasonedHash = ""
	s.mapping = nil
	s.artifactHCL = ""
	s.resourceStatus = nil
	s.stateMu.Unlock()
}

// emulatorSupported lists the resource kinds the local emulator handles
// reliably. Anything outside it gets a warning before deploy.
var emulatorSupported = map[string]bool{
	"aws_vpc": true, "aws_subnet": true, "aws_internet_gateway": true,
	"aws_nat_gateway": true, "aws_route_table": true, "aws_route_table_association": true,
	"aws_security_group": true, "aws_security_group_rule": true,
	"aws_instance": true, "aws_db_instance": true, "aws_s3_bucket": true,
	"aws_lb": true, "aws_lb_target_group": true, "aws_lb_listener": true,
	"aws_elasticache_cluster": true, "aws_sqs_queue": true, "aws_sns_topic": true,
	"aws_iam_role": true, "aws_iam_instance_profile": true, "aws_eip": true,
}

func (s *Session) warnEmulatorGaps() {
	for _, n := range s.implementation.Snapshot().LiveNodes() {
		if !emulatorSupported[n.Kind] {
			_ = s.bus.Emit("warn", "agent.log",
				fmt.Sprintf("resource %q (%s) may not be fully supported by the local emulator", n.ID, n.Kind),
				map[string]interface{}{"node": n.ID, "kind": n.Kind})
		}
	}
}

func (s *Session) control(command, detail string) {
	_ = s.bus.Emit("info", "session.control", detail, map[string]interface{}{"command": command})
}

func (s *Session) fail(err error) {
	_ = s.bus.Emit("error", "agent.error", err.Error(), nil)
}

func (s *Session) audit(records []policy.DecisionRecord) {
	if s.deps.audit == nil {
		return
	}
	for _, r := range records {
		s.deps.audit.AppendDecision(s.ID, r.Cycle, r.Trigger, r.AffectedNodes, r.Action, r.Result)
	}
}

// StaticFindings re-scans the deployed artifact so review surfaces can
// show outstanding compatibility warnings after the fact.
func (s *Session) StaticFindings() []compilefix.Finding {
	s.stateMu.Lock()
	hcl := s.artifactHCL
	s.stateMu.Unlock()
	if hcl == "" {
		return nil
	}
	return compilefix.Scan(hcl)
}
