// Package consumer runs a built test_package binary and classifies how it
// ended. Exit code 0 is the only passing signal.
package consumer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/internal/build"
	"github.com/zinc-sig/harness/internal/runner"
)

// Status classifies a run outcome
type Status string

const (
	StatusOK          Status = "ok"
	StatusNonzeroExit Status = "nonzero_exit"
	StatusSignal      Status = "signal"
	StatusTimeout     Status = "timeout"
	StatusSkipped     Status = "skipped"
	StatusCanceled    Status = "canceled"
)

// Failed reports whether the status counts against the recipe
func (s Status) Failed() bool {
	switch s {
	case StatusNonzeroExit, StatusSignal, StatusTimeout:
		return true
	}
	return false
}

// unroutable proxy so consumers that reach for the network fail fast. Only
// recipes granted the network capability keep the host proxy settings.
const blackholeProxy = "http://127.0.0.1:9"

// environment variables never passed to a consumer
var scrubbed = map[string]bool{
	"DISPLAY":                  true,
	"WAYLAND_DISPLAY":          true,
	"XAUTHORITY":               true,
	"DBUS_SESSION_BUS_ADDRESS": true,
	"SSH_AUTH_SOCK":            true,
}

var proxyVars = []string{"http_proxy", "https_proxy", "ftp_proxy", "all_proxy", "HTTP_PROXY", "HTTPS_PROXY", "FTP_PROXY", "ALL_PROXY"}

// Outcome is the result of running one consumer binary
type Outcome struct {
	Status     Status
	ExitCode   int
	Signal     string
	Stdout     string
	Stderr     string
	StdoutFile string
	StderrFile string
	Command    string
	Duration   time.Duration
	Reason     string
}

// Executor runs consumer binaries
type Executor struct {
	OutputLimit int
	Logger      *zap.Logger
	Execute     build.ExecuteFunc

	// base environment; nil uses the harness process environment
	Environ []string
}

// NewExecutor returns an Executor using the process executor
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		OutputLimit: build.DefaultOutputLimit,
		Logger:      logger,
		Execute:     runner.Execute,
	}
}

// Skipped is the run outcome recorded when the build did not succeed
func Skipped(reason string) *Outcome {
	return &Outcome{Status: StatusSkipped, Reason: reason}
}

// Run executes the binary of a successful build with args. A hang past the
// timeout kills the whole process group and is recorded as a timeout; it is
// never retried.
func (e *Executor) Run(ctx context.Context, built *build.Outcome, args []string, timeout time.Duration) (*Outcome, error) {
	if built == nil || built.Status != build.StatusOK {
		status := "missing"
		if built != nil {
			status = string(built.Status)
		}
		return Skipped("build " + status), nil
	}

	logBase := filepath.Join(built.LogDir, "run")
	config := &runner.Config{
		Command:    built.Binary,
		Args:       args,
		Dir:        filepath.Dir(built.Binary),
		Env:        e.environment(built),
		OutputFile: logBase + ".stdout",
		StderrFile: logBase + ".stderr",
		Timeout:    timeout,
	}

	res, err := e.Execute(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", built.Binary, err)
	}

	limit := e.OutputLimit
	if limit <= 0 {
		limit = build.DefaultOutputLimit
	}
	outcome := &Outcome{
		ExitCode:   res.ExitCode,
		Signal:     res.Signal,
		Command:    res.Command,
		StdoutFile: config.OutputFile,
		StderrFile: config.StderrFile,
		Stdout:     runner.ReadTail(config.OutputFile, limit),
		Stderr:     runner.ReadTail(config.StderrFile, limit),
		Duration:   time.Duration(res.ExecutionTime) * time.Millisecond,
	}

	switch res.Status {
	case runner.StatusSuccess:
		outcome.Status = StatusOK
	case runner.StatusFailed:
		outcome.Status = StatusNonzeroExit
	case runner.StatusSignaled:
		outcome.Status = StatusSignal
	case runner.StatusTimeout:
		outcome.Status = StatusTimeout
		outcome.Reason = fmt.Sprintf("killed after %s", timeout)
	case runner.StatusCanceled:
		outcome.Status = StatusCanceled
	default:
		return nil, fmt.Errorf("unexpected process status %q", res.Status)
	}

	if outcome.Status.Failed() {
		e.Logger.Debug("consumer failed",
			zap.String("binary", built.Binary),
			zap.String("status", string(outcome.Status)),
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("signal", outcome.Signal))
	}
	return outcome, nil
}

// environment builds the scrubbed environment a consumer runs with
func (e *Executor) environment(built *build.Outcome) []string {
	base := e.Environ
	if base == nil {
		base = os.Environ()
	}

	env := make([]string, 0, len(base)+len(proxyVars)+1)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if scrubbed[key] {
			continue
		}
		if !built.Network && (isProxyVar(key) || key == "no_proxy" || key == "NO_PROXY") {
			continue
		}
		if key == "LD_LIBRARY_PATH" || key == "DYLD_LIBRARY_PATH" {
			if built.Shared {
				continue
			}
		}
		env = append(env, kv)
	}
	if !built.Network {
		for _, key := range proxyVars {
			env = append(env, key+"="+blackholeProxy)
		}
	}

	if built.Shared && built.LibDir != "" {
		path := built.LibDir
		if prev := lookup(base, "LD_LIBRARY_PATH"); prev != "" {
			path += string(os.PathListSeparator) + prev
		}
		env = append(env, "LD_LIBRARY_PATH="+path, "DYLD_LIBRARY_PATH="+path)
	}
	return env
}

func isProxyVar(key string) bool {
	for _, p := range proxyVars {
		if key == p {
			return true
		}
	}
	return false
}

func lookup(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
