package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Runner executes one pipeline command and returns its combined
// output. A non-nil error means the command failed; the output is
// still returned for diagnosis and patching.
type Runner interface {
	Run(ctx context.Context, workdir, name string, args ...string) (string, error)
}

// DefaultStageTimeout caps a single external command. Apply against
// the emulator can legitimately take minutes on a cold provider cache.
const DefaultStageTimeout = 5 * time.Minute

// ExecRunner shells out to the real toolchain.
type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: DefaultStageTimeout}
}

func (r *ExecRunner) Run(ctx context.Context, workdir, name string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%s timed out after %s", name, timeout)
	}
	if err != nil {
		return output, fmt.Errorf("%s %v: %w", name, args, err)
	}
	return output, nil
}

// SimRunner fakes every command for demos and tests where no toolchain
// or emulator is installed. Verify output reports every resource
// healthy unless Statuses overrides it.
type SimRunner struct {
	Statuses map[string]string
	// Resources seeds the simulated verify report.
	Resources []string
}

func NewSimRunner(resources []string) *SimRunner {
	return &SimRunner{Resources: resources}
}

func (r *SimRunner) Run(ctx context.Context, workdir, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "python3" {
		return r.simulatedVerifyOutput(), nil
	}
	return fmt.Sprintf("simulated: %s %v", name, args), nil
}

func (r *SimRunner) simulatedVerifyOutput() string {
	statuses := map[string]string{}
	for _, id := range r.Resources {
		statuses[id] = "success"
	}
	for id, s := range r.Statuses {
		statuses[id] = s
	}
	body := "Checking deployed resources...\n"
	return body + encodeStatusLine(statuses)
}
