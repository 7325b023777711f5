// Package oracle wraps the external reasoning model behind typed
// capabilities. Every response is shape-validated before the rest of
// the engine sees it; malformed responses are retried a bounded number
// of times and then surfaced as a ContractError.
package oracle

import (
	"context"
	"fmt"

	"github.com/inframinds/agentcore/internal/graph"
)

// Kind discriminates the prompt sent to the reasoning model.
type Kind string

const (
	KindIntentGeneration Kind = "intent_generation"
	KindVisionExtraction Kind = "vision_extraction"
	KindPolicyFix        Kind = "policy_fix"
	KindExpansion        Kind = "expansion"
	KindModification     Kind = "modification"
	KindBlastExplanation Kind = "blast_explanation"
	KindArtifactPatch    Kind = "artifact_patch"
	KindCodeGeneration   Kind = "code_generation"
)

// MaxAttempts bounds retries for transport errors and contract violations.
const MaxAttempts = 3

// GraphRequest asks the model to produce or mutate a graph.
type GraphRequest struct {
	Kind          Kind
	Prompt        string          // user text or modification instruction
	Image         []byte          // vision extraction input
	Graph         *graph.Snapshot // current graph, nil for fresh intent
	TargetPhase   graph.Phase
	Violations    []string // rendered policy violations for policy_fix
	ExecutionMode string   // deploy or draft, steers expansion sizing
}

// Decision is one audit record returned by the policy capability.
type Decision struct {
	Trigger       string   `json:"trigger"`
	AffectedNodes []string `json:"affected_nodes,omitempty"`
	Action        string   `json:"action"`
	Result        string   `json:"result"`
}

// GraphResult is a validated graph mutation from the model.
type GraphResult struct {
	Graph     graph.Snapshot
	Reasoning string
	Decisions []Decision
	// ViolationsRemaining is the model's own count; the deterministic
	// policy evaluator remains authoritative. -1 when absent.
	ViolationsRemaining int
	// Mapping traces reasoned node ids to the implementation nodes
	// derived from them. Populated for expansion results only.
	Mapping map[string][]string
}

// BlastRequest asks for a natural-language impact explanation.
type BlastRequest struct {
	Graph      graph.Snapshot
	TargetNode string
	Impacted   []string
}

// BlastResult is the model's impact narrative.
type BlastResult struct {
	TargetNode  string `json:"target_node"`
	Explanation string `json:"explanation"`
	Mitigation  string `json:"mitigation_strategy"`
}

// PatchRequest asks the model to fix a failing artifact.
type PatchRequest struct {
	Artifact  string
	ErrorText string
	StageName string
}

// ArtifactRequest asks the model to compile the implementation graph
// into deployable code plus a verification script.
type ArtifactRequest struct {
	Graph         graph.Snapshot
	Prompt        string
	ExecutionMode string
}

// Artifact is a compiled infrastructure definition and its test script.
type Artifact struct {
	HCL        string `json:"hcl_code"`
	TestScript string `json:"test_script"`
}

// Client is the narrow contract the engine consumes. Implementations
// must return well-formed results or an error; they never return
// partially validated data.
type Client interface {
	GenerateGraph(ctx context.Context, req GraphRequest) (*GraphResult, error)
	ExplainBlast(ctx context.Context, req BlastRequest) (*BlastResult, error)
	PatchArtifact(ctx context.Context, req PatchRequest) (string, error)
	GenerateArtifact(ctx context.Context, req ArtifactRequest) (*Artifact, error)
}

// ContractError reports a response that did not match the expected
// schema for its prompt kind, after all retries.
type ContractError struct {
	Kind   Kind
	Reason string
	Raw    string // truncated raw response for the diagnostic trail
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("oracle contract violation for %s: %s", e.Kind, e.Reason)
}
