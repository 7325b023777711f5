package oracle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/inframinds/agentcore/internal/graph"
)

const semanticTypeList = `- compute_service            (VMs, containers, serverless runtimes)
- relational_database        (RDS, Aurora, SQL engines)
- object_storage             (S3-like blob storage)
- load_balancer              (L4/L7 traffic distribution)
- message_queue              (asynchronous queues)
- pubsub_topic               (event fanout / notifications)
- cache_service              (in-memory key-value stores)`

func intentPrompt(userPrompt string) string {
	return fmt.Sprintf(`You are an Expert Cloud Architect.

Task: Convert the User Request into a High-Level Intent Graph.

User Request:
%q

--- ABSTRACT CLOUD SERVICES ---
Map requests to these semantic kinds ONLY:
%s

DO NOT invent new semantic kinds.

--- RULES ---
1. Strict Abstraction: DO NOT output cloud-specific primitives (aws_*, vpc, subnet, sg, iam).
2. Immutable Semantic Roles: each node is a business-level intent and its role must be preserved in later stages.
3. Cardinality: if the user says "a server", create exactly ONE compute_service.
4. Identity Stability: assign stable, human-readable ids (e.g. web, db, cache) that never change in later stages.

--- OUTPUT FORMAT (JSON ONLY) ---
{
  "graph_phase": "intent",
  "resources": [{"id": "string", "kind": "semantic_kind", "attributes": {}}],
  "edges": [{"source_id": "id", "target_id": "id", "relation": "connects_to | reads_from | writes_to | publishes_to | consumes_from"}],
  "reasoning": "One-paragraph summary of interpreted intent"
}`, userPrompt, semanticTypeList)
}

const visionPrompt = `You are an Expert Cloud Architect reading a hand-drawn or rendered architecture sketch.

Task: Extract the depicted components into a High-Level Intent Graph using ONLY the semantic kinds below.

` + semanticTypeList + `

Ignore decorative elements. Use the same JSON output format as a textual intent graph:
{"graph_phase": "intent", "resources": [...], "edges": [...], "reasoning": "..."}`

func policyPrompt(graphJSON string, violations []string) string {
	rendered := "None detected yet; perform your own audit."
	if len(violations) > 0 {
		rendered = "- " + strings.Join(violations, "\n- ")
	}
	return fmt.Sprintf(`You are a Cloud Architecture Policy Engine.

Task: Transform the Intent Graph into a Reasoned Graph by enforcing security,
reliability, and compliance policies WITHOUT introducing cloud infrastructure primitives.

Intent Graph:
%s

Detected Violations:
%s

--- BASELINE POLICIES ---
1. Isolation: databases and caches must NOT be directly internet-accessible.
2. Least Privilege: components may only connect to what they explicitly need; no allow-all rules on sensitive ports.
3. Encryption: data stores must be encrypted at rest.
4. Ingress Discipline: a public-facing compute_service MUST receive traffic via a load_balancer.
5. Blast Radius Reduction: avoid single components being exposed to unrelated consumers.

--- MUTATION RULES ---
- You MAY remove or re-route edges, and add attributes (e.g. encrypted: true, exposure: private).
- You MUST NOT remove existing semantic nodes, change semantic node kinds, or introduce infrastructure primitives.

--- OUTPUT FORMAT (JSON ONLY) ---
{
  "graph_phase": "reasoned",
  "resources": [ ... ALL nodes ... ],
  "edges": [ ... ALL edges ... ],
  "decisions": [{"trigger": "policy_name", "affected_nodes": ["id"], "action": "what_changed", "result": "applied"}],
  "violations_remaining": 0
}`, graphJSON, rendered)
}

func expansionPrompt(graphJSON, executionMode string) string {
	return fmt.Sprintf(`You are a Platform Engineer producing a deployable AWS architecture.

Task: Expand the Reasoned Graph into a Full AWS Implementation Graph.

Reasoned Graph:
%s

Execution Mode: %s

--- CORE PRINCIPLES ---
1. Semantic Preservation (NON-NEGOTIABLE): every semantic node MUST be materialized; its id MUST be preserved on the concrete node that replaces it.
2. Materialization: convert abstract nodes into concrete AWS resources.
3. Supporting Infrastructure Allowed: you MAY add VPCs, Subnets, Route Tables, IGWs, NATs, Security Groups, IAM Roles, but ONLY to support existing semantic nodes.
4. NO NEW SEMANTIC WORKLOADS: do not invent new applications, databases, or services.

--- TRANSLATION RULES ---
%s

--- NETWORKING ---
- Public-facing services in public subnets; databases and caches in private subnets; access enforced via security groups.

--- PROVENANCE ---
- Every concrete node must carry "derived_from": [reasoned node ids] (scaffolding nodes use an empty list).
- Also return a top-level "mapping" object: {"reasoned_id": ["implementation_id", ...]} covering EVERY reasoned node.

--- OUTPUT FORMAT (JSON ONLY) ---
{
  "graph_phase": "implementation",
  "resources": [ ... ALL concrete + infrastructure nodes ... ],
  "edges": [ ... ALL edges, using contains/depends_on/routes_to/secures ... ],
  "mapping": { "reasoned_id": ["implementation_id"] }
}`, graphJSON, executionMode, translationRules())
}

// translationRules renders the semantic-to-concrete table so the prompt
// and the expansion validator always agree on the required kinds.
func translationRules() string {
	kinds := make([]string, 0, len(graph.KindMapping))
	for kind := range graph.KindMapping {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	rules := make([]string, len(kinds))
	for i, kind := range kinds {
		rules[i] = fmt.Sprintf("- %-21s -> %s", kind, graph.KindMapping[kind])
	}
	return strings.Join(rules, "\n")
}

func modificationPrompt(graphJSON, instruction string, phase graph.Phase) string {
	return fmt.Sprintf(`You are an Expert Graph Editor.

Task: Modify the existing %s graph based on the user instruction.

Current Graph:
%s

User Instruction:
%q

--- STRICT RULES ---
1. Minimal Change: modify ONLY what the user explicitly requests.
2. Identity Preservation: do not delete nodes unless instructed; do not change existing node ids.
3. Phase Constraints: intent graphs use abstract semantic kinds only; reasoned graphs must not contain infrastructure primitives.
4. Graph Integrity: return the FULL updated graph, not a diff.

--- OUTPUT FORMAT (JSON ONLY) ---
{
  "graph_phase": %q,
  "resources": [ ... FULL updated list ... ],
  "edges": [ ... FULL updated list ... ],
  "reasoning": "Brief description of the change"
}`, strings.ToUpper(string(phase)), graphJSON, instruction, string(phase))
}

func blastPrompt(req BlastRequest) string {
	impacted, _ := json.Marshal(req.Impacted)
	graphJSON, _ := json.Marshal(req.Graph)
	return fmt.Sprintf(`You are a Chaos Engineering Expert and Solutions Architect.

Scenario: node %q has FAILED. Graph traversal shows these nodes are affected: %s

Graph State:
%s

Task: explain the blast radius: direct dependencies, cascading failures, stateful data loss, and lost network connectivity.

--- OUTPUT FORMAT (JSON ONLY) ---
{
  "target_node": %q,
  "explanation": "Briefly explain why the affected nodes break",
  "mitigation_strategy": "Steps to prevent or recover"
}`, req.TargetNode, impacted, graphJSON, req.TargetNode)
}

func patchPrompt(req PatchRequest) string {
	return fmt.Sprintf(`You are an expert Terraform debugger.

CONTEXT: running %q failed.

ERROR OUTPUT:
%s

CURRENT CODE:
%s

TASK: analyze the error and fix the HCL so the stage passes. Return ONLY the fixed HCL code, no markdown fences, no commentary.`, req.StageName, req.ErrorText, req.Artifact)
}

func codeGenPrompt(req ArtifactRequest) string {
	graphJSON, _ := json.Marshal(req.Graph)
	task := req.Prompt
	if task == "" {
		task = "Generate production-ready Terraform configuration for the provided architecture graph."
	}
	return fmt.Sprintf(`You are a Platform Engineer writing Terraform for a local AWS emulator.

Architecture Graph:
%s

Execution Mode: %s

Task: %s

Also produce a Python verification script that checks each resource exists and is reachable, printing a final JSON line mapping resource ids to "success"/"failed".

--- OUTPUT FORMAT (JSON ONLY) ---
{"hcl_code": "...", "test_script": "..."}`, graphJSON, req.ExecutionMode, task)
}
