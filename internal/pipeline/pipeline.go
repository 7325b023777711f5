// Package pipeline compiles an implementation graph's artifact through
// the clean, validate, plan, apply, and verify stages, patching the
// artifact between failed attempts.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/inframinds/agentcore/internal/compilefix"
	"github.com/inframinds/agentcore/internal/events"
	"github.com/inframinds/agentcore/internal/oracle"
)

// Stage names, in execution order.
const (
	StageClean    = "clean"
	StageValidate = "validate"
	StagePlan     = "plan"
	StageApply    = "apply"
	StageVerify   = "verify"
)

// StageOrder is the fixed execution sequence.
var StageOrder = []string{StageClean, StageValidate, StagePlan, StageApply, StageVerify}

// Status of a single stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// MaxPatchRetries bounds artifact repairs per stage before the run is
// abandoned.
const MaxPatchRetries = 3

// StageResult records one stage's final outcome, including how many
// artifact patches it consumed.
type StageResult struct {
	Stage   string `json:"stage"`
	Status  Status `json:"status"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Patches int    `json:"patches"`
}

// Result is the outcome of a full pipeline run. Artifact holds the
// final (possibly patched) HCL.
type Result struct {
	Stages         []StageResult     `json:"stages"`
	Artifact       string            `json:"-"`
	ResourceStatus map[string]string `json:"resource_status,omitempty"`
}

// StageError reports the stage that exhausted its retries. Completed
// stage results are retained for the diagnostic trail.
type StageError struct {
	Stage    string
	Attempts int
	Output   string
	Stages   []StageResult
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed after %d attempt(s)", e.Stage, e.Attempts)
}

// Pipeline drives a Runner through the stage sequence.
type Pipeline struct {
	runner  Runner
	oracle  oracle.Client
	bus     *events.Bus
	workdir string
}

func New(runner Runner, client oracle.Client, bus *events.Bus, workdir string) *Pipeline {
	return &Pipeline{runner: runner, oracle: client, bus: bus, workdir: workdir}
}

// Execute runs all stages against the artifact. Validate, plan, and
// apply failures trigger an oracle patch and a re-run of the failed
// stage only; clean and verify failures are terminal.
func (p *Pipeline) Execute(ctx context.Context, artifact *oracle.Artifact) (*Result, error) {
	if err := p.writeArtifact(artifact); err != nil {
		return nil, err
	}

	result := &Result{Artifact: artifact.HCL}
	for _, stage := range StageOrder {
		stageResult, err := p.runStage(ctx, stage, artifact, result)
		result.Stages = append(result.Stages, stageResult)
		if err != nil {
			p.emit("pipeline.failed", err.Error(), map[string]interface{}{"stage": stage})
			return result, err
		}
	}

	result.Artifact = artifact.HCL
	p.emit("pipeline.completed", "all stages succeeded", map[string]interface{}{
		"stages": len(result.Stages),
	})
	return result, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage string, artifact *oracle.Artifact, result *Result) (StageResult, error) {
	sr := StageResult{Stage: stage, Status: StatusRunning}
	p.emitStage(stage, StatusRunning, "")

	for attempt := 0; ; attempt++ {
		output, err := p.invoke(ctx, stage, artifact, result)
		if err == nil {
			sr.Status = StatusSuccess
			sr.Output = output
			sr.Patches = attempt
			p.emitStage(stage, StatusSuccess, "")
			return sr, nil
		}
		if ctx.Err() != nil {
			sr.Status = StatusFailed
			sr.Error = ctx.Err().Error()
			p.emitStage(stage, StatusFailed, sr.Error)
			return sr, ctx.Err()
		}

		sr.Error = err.Error()
		sr.Output = output
		p.emit("pipeline.log", output, map[string]interface{}{"stage": stage, "stream": "stderr"})

		if !patchable(stage) || attempt >= MaxPatchRetries {
			sr.Status = StatusFailed
			sr.Patches = attempt
			p.emitStage(stage, StatusFailed, sr.Error)
			failed := append(append([]StageResult{}, result.Stages...), sr)
			return sr, &StageError{
				Stage:    stage,
				Attempts: attempt + 1,
				Output:   output,
				Stages:   failed,
			}
		}

		fixed, patchErr := p.oracle.PatchArtifact(ctx, oracle.PatchRequest{
			Artifact:  artifact.HCL,
			ErrorText: output,
			StageName: stage,
		})
		if patchErr != nil {
			sr.Status = StatusFailed
			sr.Patches = attempt
			p.emitStage(stage, StatusFailed, patchErr.Error())
			failed := append(append([]StageResult{}, result.Stages...), sr)
			return sr, &StageError{Stage: stage, Attempts: attempt + 1, Output: output, Stages: failed}
		}

		artifact.HCL = fixed
		if err := p.writeArtifact(artifact); err != nil {
			sr.Status = StatusFailed
			return sr, err
		}
		p.emit("pipeline.fix", fmt.Sprintf("artifact patched for %s (attempt %d)", stage, attempt+1),
			map[string]interface{}{"stage": stage, "attempt": attempt + 1})
	}
}

// patchable reports whether a failed stage may consume an artifact
// patch. Clean failures are environmental; verify failures mean the
// deployed result is wrong, which a code rewrite cannot repair in
// place.
func patchable(stage string) bool {
	switch stage {
	case StageValidate, StagePlan, StageApply:
		return true
	}
	return false
}

func (p *Pipeline) invoke(ctx context.Context, stage string, artifact *oracle.Artifact, result *Result) (string, error) {
	switch stage {
	case StageClean:
		p.removeStateArtifacts()
		return p.runner.Run(ctx, p.workdir, "tflocal", "init", "-upgrade")
	case StageValidate:
		output, err := p.runner.Run(ctx, p.workdir, "terraform", "validate")
		if err != nil {
			return output, err
		}
		for _, f := range compilefix.Scan(artifact.HCL) {
			p.emit("pipeline.log", "static scan: "+f.String(),
				map[string]interface{}{"stage": stage, "pattern": f.Pattern})
		}
		return output, nil
	case StagePlan:
		return p.runner.Run(ctx, p.workdir, "tflocal", "plan")
	case StageApply:
		return p.runner.Run(ctx, p.workdir, "tflocal", "apply", "-auto-approve")
	case StageVerify:
		output, runErr := p.runner.Run(ctx, p.workdir, "python3", verifyScriptName)
		statuses, parseErr := ParseResourceStatus(output)
		result.ResourceStatus = statuses
		if runErr != nil {
			return output, runErr
		}
		if parseErr != nil {
			return output, fmt.Errorf("verify output unparseable: %w", parseErr)
		}
		if failed := failedResources(statuses); len(failed) > 0 {
			return output, fmt.Errorf("verification failed for resources %v", failed)
		}
		return output, nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}

const (
	artifactFileName = "main.tf"
	verifyScriptName = "verify_deployment.py"
)

func (p *Pipeline) writeArtifact(artifact *oracle.Artifact) error {
	if err := os.MkdirAll(p.workdir, 0o755); err != nil {
		return fmt.Errorf("pipeline workdir: %w", err)
	}
	fixed, changes := compilefix.Apply(artifact.HCL)
	for _, c := range changes {
		p.emit("pipeline.fix", c, nil)
	}
	artifact.HCL = fixed

	if err := os.WriteFile(filepath.Join(p.workdir, artifactFileName), []byte(artifact.HCL), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if artifact.TestScript != "" {
		if err := os.WriteFile(filepath.Join(p.workdir, verifyScriptName), []byte(artifact.TestScript), 0o644); err != nil {
			return fmt.Errorf("write verify script: %w", err)
		}
	}
	return nil
}

// removeStateArtifacts clears prior run residue so apply starts from a
// known-empty state. Missing files are not errors.
func (p *Pipeline) removeStateArtifacts() {
	for _, name := range []string{".terraform.lock.hcl", "terraform.tfstate", "terraform.tfstate.backup"} {
		_ = os.Remove(filepath.Join(p.workdir, name))
	}
	_ = os.RemoveAll(filepath.Join(p.workdir, ".terraform"))
}

func failedResources(statuses map[string]string) []string {
	var out []string
	for id, status := range statuses {
		if status != "success" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) emitStage(stage string, status Status, errText string) {
	fields := map[string]interface{}{"stage": stage, "status": string(status)}
	if errText != "" {
		fields["error"] = errText
	}
	p.emit("pipeline.stage", fmt.Sprintf("%s: %s", stage, status), fields)
}

func (p *Pipeline) emit(name, msg string, fields map[string]interface{}) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Emit("info", name, msg, fields)
}
