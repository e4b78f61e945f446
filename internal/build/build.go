// Package build compiles and links a recipe's consumer program against the
// package artifacts of one configuration.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/runner"
	"github.com/zinc-sig/harness/internal/toolchain"
)

// Status classifies a build outcome
type Status string

const (
	StatusOK                   Status = "ok"
	StatusCompileError         Status = "compile_error"
	StatusLinkError            Status = "link_error"
	StatusTimeout              Status = "timeout"
	StatusToolchainUnavailable Status = "toolchain_unavailable"
	StatusSkipped              Status = "skipped"
	StatusHarnessError         Status = "harness_error"
	StatusCanceled             Status = "canceled"
)

// Failed reports whether the status counts against the recipe
func (s Status) Failed() bool {
	switch s {
	case StatusCompileError, StatusLinkError, StatusTimeout, StatusHarnessError:
		return true
	}
	return false
}

// Skipped reports whether the status is an environment gap rather than a defect
func (s Status) Skipped() bool {
	return s == StatusToolchainUnavailable || s == StatusSkipped
}

// DefaultOutputLimit caps the captured output kept in an Outcome
const DefaultOutputLimit = 16 * 1024

// StepLog records how one build step ended
type StepLog struct {
	Name       string
	Phase      Phase
	Command    string
	Status     runner.Status
	ExitCode   int
	Signal     string
	StdoutFile string
	StderrFile string
	Duration   time.Duration
}

// Outcome is the result of building one configuration
type Outcome struct {
	Configuration recipe.Configuration
	Status        Status
	FailedStep    string
	Output        string // tail of the failing step's output
	Reason        string
	Steps         []StepLog
	Binary        string
	LibDir        string
	Shared        bool
	Network       bool // the recipe requires network and the host grants it
	LogDir        string
	Duration      time.Duration
}

// ExecuteFunc runs one process; runner.Execute in production
type ExecuteFunc func(ctx context.Context, config *runner.Config) (*runner.Result, error)

// Runner builds consumer programs. A Runner holds no per-build state and may
// be shared by all workers.
type Runner struct {
	Env           *toolchain.Environment
	ArtifactsRoot string
	OutputLimit   int
	Logger        *zap.Logger
	Execute       ExecuteFunc
}

// New returns a Runner using the process executor
func New(env *toolchain.Environment, artifactsRoot string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Env:           env,
		ArtifactsRoot: artifactsRoot,
		OutputLimit:   DefaultOutputLimit,
		Logger:        logger,
		Execute:       runner.Execute,
	}
}

// Build compiles and links the consumer for cfg inside workDir, which is
// recreated from scratch. Failures of the program under test are reported in
// the Outcome; the error is reserved for faults of the harness itself.
func (r *Runner) Build(ctx context.Context, rec *recipe.Recipe, cfg recipe.Configuration, workDir string, timeout time.Duration) (*Outcome, error) {
	start := time.Now()
	layout := NewLayout(r.ArtifactsRoot, rec, cfg, workDir)
	outcome := &Outcome{
		Configuration: cfg,
		Binary:        layout.Binary,
		LibDir:        layout.Lib,
		LogDir:        filepath.Join(workDir, "logs"),
	}
	if v, ok := cfg.Get("shared"); ok {
		outcome.Shared = isTrue(v)
	}
	outcome.Network = r.Env.HasCapability(toolchain.CapabilityNetwork) &&
		slices.ContainsFunc(rec.Requires, func(c string) bool { return strings.EqualFold(c, toolchain.CapabilityNetwork) })
	defer func() { outcome.Duration = time.Since(start) }()

	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("failed to clean work directory %s: %w", workDir, err)
	}
	for _, dir := range []string{workDir, filepath.Dir(layout.Binary), filepath.Join(workDir, "obj"), outcome.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	plan, err := NewPlan(rec, cfg, r.Env, layout)
	if err != nil {
		// a malformed consumer description cannot compile
		outcome.Status = StatusCompileError
		outcome.FailedStep = "plan"
		outcome.Output = err.Error()
		return outcome, nil
	}

	if missing := r.Env.Missing(plan.Tools()...); len(missing) > 0 {
		outcome.Status = StatusToolchainUnavailable
		outcome.Reason = "missing tools: " + strings.Join(missing, ", ")
		return outcome, nil
	}

	deadline := start.Add(timeout)
	for i, step := range plan.Steps {
		remaining := time.Until(deadline)
		if timeout > 0 && remaining <= 0 {
			outcome.Status = StatusTimeout
			outcome.FailedStep = step.Name
			return outcome, nil
		}
		if timeout <= 0 {
			remaining = 0
		}

		stepLog, res, err := r.runStep(ctx, i, step, outcome.LogDir, remaining)
		if err != nil {
			if errors.Is(err, runner.ErrCommandNotFound) {
				outcome.Status = StatusToolchainUnavailable
				outcome.FailedStep = step.Name
				outcome.Reason = err.Error()
				return outcome, nil
			}
			return nil, fmt.Errorf("build step %q: %w", step.Name, err)
		}
		outcome.Steps = append(outcome.Steps, stepLog)

		if res.Status == runner.StatusSuccess {
			continue
		}
		outcome.FailedStep = step.Name
		outcome.Output = r.stepOutput(stepLog)

		switch res.Status {
		case runner.StatusTimeout:
			outcome.Status = StatusTimeout
		case runner.StatusCanceled:
			outcome.Status = StatusCanceled
		default:
			outcome.Status = classify(step, outcome.Output)
		}
		r.Logger.Debug("build step failed",
			zap.String("recipe", rec.Ref()),
			zap.String("configuration", cfg.Key()),
			zap.String("step", step.Name),
			zap.String("status", string(outcome.Status)),
			zap.Int("exit_code", res.ExitCode))
		return outcome, nil
	}

	if _, err := os.Stat(plan.Binary); err != nil {
		outcome.Status = StatusLinkError
		outcome.FailedStep = "link"
		outcome.Output = fmt.Sprintf("build produced no binary at %s", plan.Binary)
		return outcome, nil
	}
	outcome.Status = StatusOK
	return outcome, nil
}

func (r *Runner) runStep(ctx context.Context, index int, step Step, logDir string, timeout time.Duration) (StepLog, *runner.Result, error) {
	base := filepath.Join(logDir, fmt.Sprintf("%02d-%s", index, slug(step.Name)))
	config := &runner.Config{
		Command:    step.Command,
		Args:       step.Args,
		Dir:        step.Dir,
		OutputFile: base + ".stdout",
		StderrFile: base + ".stderr",
		Timeout:    timeout,
	}
	res, err := r.Execute(ctx, config)
	if err != nil {
		return StepLog{}, nil, err
	}
	return StepLog{
		Name:       step.Name,
		Phase:      step.Phase,
		Command:    res.Command,
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		Signal:     res.Signal,
		StdoutFile: config.OutputFile,
		StderrFile: config.StderrFile,
		Duration:   time.Duration(res.ExecutionTime) * time.Millisecond,
	}, res, nil
}

func (r *Runner) stepOutput(stepLog StepLog) string {
	limit := r.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	stdout := runner.ReadTail(stepLog.StdoutFile, limit/2)
	stderr := runner.ReadTail(stepLog.StderrFile, limit/2)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	return stdout + "\n" + stderr
}

func classify(step Step, output string) Status {
	if step.Phase == PhaseLink {
		return StatusLinkError
	}
	if step.linkDiagnostics && IsLinkerOutput(output) {
		return StatusLinkError
	}
	return StatusCompileError
}

var nonSlug = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func slug(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(name, "-"), "-")
	if len(s) > 48 {
		s = s[:48]
	}
	return s
}
