package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/inframinds/agentcore/internal/oracle"
)

// fakeRunner fails specific stage commands until a patched artifact
// marker appears, recording every invocation.
type fakeRunner struct {
	t        *testing.T
	failures map[string]string // command key -> error output while failing
	verify   string            // canned verify output
	calls    []string
}

func commandKey(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

func (r *fakeRunner) Run(ctx context.Context, workdir, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := commandKey(name, args)
	r.calls = append(r.calls, key)
	if msg, ok := r.failures[key]; ok {
		return msg, fmt.Errorf("exit status 1")
	}
	if name == "python3" {
		return r.verify, nil
	}
	return "ok", nil
}

// patchOracle returns a fixed artifact and clears the matching runner
// failure, simulating a successful repair.
type patchOracle struct {
	runner   *fakeRunner
	clearKey string
	patches  int
	fail     bool
}

func (o *patchOracle) PatchArtifact(ctx context.Context, req oracle.PatchRequest) (string, error) {
	if o.fail {
		return "", &oracle.ContractError{Kind: oracle.KindArtifactPatch, Reason: "no usable patch"}
	}
	o.patches++
	delete(o.runner.failures, o.clearKey)
	return req.Artifact + "\n# patched", nil
}

func (o *patchOracle) GenerateGraph(ctx context.Context, req oracle.GraphRequest) (*oracle.GraphResult, error) {
	return nil, errors.New("not implemented")
}

func (o *patchOracle) ExplainBlast(ctx context.Context, req oracle.BlastRequest) (*oracle.BlastResult, error) {
	return nil, errors.New("not implemented")
}

func (o *patchOracle) GenerateArtifact(ctx context.Context, req oracle.ArtifactRequest) (*oracle.Artifact, error) {
	return nil, errors.New("not implemented")
}

func passingVerify() string {
	return "Checking resources...\n" + `{"web": "success", "db": "success"}`
}

func testArtifact() *oracle.Artifact {
	return &oracle.Artifact{
		HCL:        `resource "aws_instance" "web" {}`,
		TestScript: "print('ok')",
	}
}

func TestExecuteAllStagesSucceed(t *testing.T) {
	runner := &fakeRunner{t: t, verify: passingVerify()}
	p := New(runner, &patchOracle{runner: runner}, nil, t.TempDir())

	result, err := p.Execute(context.Background(), testArtifact())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Stages) != len(StageOrder) {
		t.Fatalf("expected %d stages, got %d", len(StageOrder), len(result.Stages))
	}
	for i, sr := range result.Stages {
		if sr.Stage != StageOrder[i] {
			t.Errorf("stage %d: expected %s, got %s", i, StageOrder[i], sr.Stage)
		}
		if sr.Status != StatusSuccess {
			t.Errorf("stage %s: expected success, got %s", sr.Stage, sr.Status)
		}
	}
	if result.ResourceStatus["web"] != "success" {
		t.Errorf("resource status not captured: %v", result.ResourceStatus)
	}
}

func TestValidateFailureIsPatchedAndRetried(t *testing.T) {
	runner := &fakeRunner{
		t:        t,
		verify:   passingVerify(),
		failures: map[string]string{"terraform validate": `Error: Unsupported argument "password"`},
	}
	client := &patchOracle{runner: runner, clearKey: "terraform validate"}
	p := New(runner, client, nil, t.TempDir())

	result, err := p.Execute(context.Background(), testArtifact())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if client.patches != 1 {
		t.Errorf("expected 1 patch, got %d", client.patches)
	}

	var validate StageResult
	for _, sr := range result.Stages {
		if sr.Stage == StageValidate {
			validate = sr
		}
	}
	if validate.Status != StatusSuccess || validate.Patches != 1 {
		t.Errorf("validate should succeed after one patch: %+v", validate)
	}
	if !strings.Contains(result.Artifact, "# patched") {
		t.Error("patched artifact not retained in result")
	}

	// The failed stage is re-run; later stages run once.
	validateRuns := 0
	planRuns := 0
	for _, call := range runner.calls {
		switch call {
		case "terraform validate":
			validateRuns++
		case "tflocal plan":
			planRuns++
		}
	}
	if validateRuns != 2 || planRuns != 1 {
		t.Errorf("expected validate x2 and plan x1, got %v", runner.calls)
	}
}

func TestStageExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{
		t:        t,
		verify:   passingVerify(),
		failures: map[string]string{"tflocal plan": "Error: Cycle in resource dependencies"},
	}
	// Patches never clear the failure.
	client := &patchOracle{runner: runner, clearKey: "does-not-match"}
	p := New(runner, client, nil, t.TempDir())

	_, err := p.Execute(context.Background(), testArtifact())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != StagePlan {
		t.Errorf("expected plan stage failure, got %s", stageErr.Stage)
	}
	if stageErr.Attempts != MaxPatchRetries+1 {
		t.Errorf("expected %d attempts, got %d", MaxPatchRetries+1, stageErr.Attempts)
	}
	// clean and validate results retained.
	if len(stageErr.Stages) != 3 {
		t.Errorf("expected 3 stage results in error, got %d", len(stageErr.Stages))
	}
}

func TestVerifyFailureIsNotPatched(t *testing.T) {
	runner := &fakeRunner{
		t:      t,
		verify: "Checking resources...\n" + `{"web": "success", "db": "failed"}`,
	}
	client := &patchOracle{runner: runner}
	p := New(runner, client, nil, t.TempDir())

	result, err := p.Execute(context.Background(), testArtifact())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != StageVerify {
		t.Errorf("expected verify failure, got %s", stageErr.Stage)
	}
	if client.patches != 0 {
		t.Errorf("verify failures must not consume patches, got %d", client.patches)
	}
	if result.ResourceStatus["db"] != "failed" {
		t.Errorf("failed resource not reported: %v", result.ResourceStatus)
	}
}

func TestCleanFailureIsTerminal(t *testing.T) {
	runner := &fakeRunner{
		t:        t,
		failures: map[string]string{"tflocal init -upgrade": "network unreachable"},
	}
	client := &patchOracle{runner: runner, clearKey: "tflocal init -upgrade"}
	p := New(runner, client, nil, t.TempDir())

	_, err := p.Execute(context.Background(), testArtifact())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != StageClean || client.patches != 0 {
		t.Errorf("clean must fail without patching: stage=%s patches=%d", stageErr.Stage, client.patches)
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeRunner{t: t, verify: passingVerify()}
	p := New(runner, &patchOracle{runner: runner}, nil, t.TempDir())

	_, err := p.Execute(ctx, testArtifact())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseResourceStatus(t *testing.T) {
	output := `Verifying web...
web reachable
{"note": "intermediate json is skipped when a later line parses"}
{"web": "success", "queue": "failed"}`

	statuses, err := ParseResourceStatus(output)
	if err != nil {
		t.Fatalf("ParseResourceStatus failed: %v", err)
	}
	if statuses["web"] != "success" || statuses["queue"] != "failed" {
		t.Errorf("unexpected statuses: %v", statuses)
	}

	if _, err := ParseResourceStatus("no json here"); err == nil {
		t.Error("expected error for missing status line")
	}
}

func TestSimRunnerEndToEnd(t *testing.T) {
	runner := NewSimRunner([]string{"web", "db"})
	p := New(runner, &patchOracle{}, nil, t.TempDir())

	result, err := p.Execute(context.Background(), testArtifact())
	if err != nil {
		t.Fatalf("simulated run failed: %v", err)
	}
	if result.ResourceStatus["db"] != "success" {
		t.Errorf("simulated verify wrong: %v", result.ResourceStatus)
	}
}
