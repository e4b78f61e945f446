package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Status is the classified outcome of one process execution
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusSignaled Status = "signaled"
	StatusCanceled Status = "canceled"
)

// how long Wait keeps waiting for output pipes after the process group was killed
const waitDelay = 2 * time.Second

// ErrCommandNotFound is returned when the executable cannot be located
var ErrCommandNotFound = errors.New("command not found")

type Config struct {
	Command    string
	Args       []string
	Dir        string
	Env        []string // nil inherits the harness environment
	InputFile  string   // empty reads from the null device
	OutputFile string
	StderrFile string
	Timeout    time.Duration
}

type Result struct {
	Command       string
	Status        Status
	ExitCode      int
	Signal        string
	ExecutionTime int64 // milliseconds
}

// FullCommand renders the command line the way it is reported
func (c *Config) FullCommand() string {
	if len(c.Args) == 0 {
		return c.Command
	}
	return c.Command + " " + strings.Join(c.Args, " ")
}

// Execute runs the command to completion, its deadline, or ctx cancellation.
// Process failures are reported through Result; an error means the process
// could not be started at all.
func Execute(ctx context.Context, config *Config) (*Result, error) {
	runCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, config.Command, config.Args...)
	cmd.Dir = config.Dir
	cmd.Env = config.Env
	cmd.SysProcAttr = processGroupAttr()
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	inputPath := config.InputFile
	if inputPath == "" {
		inputPath = os.DevNull
	}
	inputFile, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", inputPath, err)
	}
	defer func() { _ = inputFile.Close() }()
	cmd.Stdin = inputFile

	outputFile, err := createWithParents(config.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", config.OutputFile, err)
	}
	defer func() { _ = outputFile.Close() }()
	cmd.Stdout = outputFile

	stderrFile, err := createWithParents(config.StderrFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr file %s: %w", config.StderrFile, err)
	}
	defer func() { _ = stderrFile.Close() }()
	cmd.Stderr = stderrFile

	result := &Result{Command: config.FullCommand()}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, config.Command)
		}
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	err = cmd.Wait()
	result.ExecutionTime = time.Since(startTime).Milliseconds()

	switch {
	case ctx.Err() != nil:
		result.Status = StatusCanceled
		result.ExitCode = -1
		return result, nil
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimeout
		result.ExitCode = -1
		return result, nil
	}

	if err == nil {
		result.Status = StatusSuccess
		return result, nil
	}

	var exitError *exec.ExitError
	if !errors.As(err, &exitError) {
		if errors.Is(err, exec.ErrWaitDelay) {
			// the process exited but a descendant kept the output open
			result.Status = StatusSuccess
			if code := cmd.ProcessState.ExitCode(); code > 0 {
				result.Status = StatusFailed
				result.ExitCode = code
			}
			return result, nil
		}
		return nil, fmt.Errorf("failed to wait for command: %w", err)
	}

	if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			result.Status = StatusSignaled
			result.Signal = status.Signal().String()
			result.ExitCode = -1
			return result, nil
		}
		result.ExitCode = status.ExitStatus()
	} else {
		result.ExitCode = exitError.ExitCode()
		if result.ExitCode <= 0 {
			result.ExitCode = 1
		}
	}
	result.Status = StatusFailed
	return result, nil
}

func createWithParents(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

// ReadTail returns at most limit trailing bytes of a captured log file
func ReadTail(path string, limit int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := int64(0)
	if limit > 0 && info.Size() > int64(limit) {
		offset = info.Size() - int64(limit)
	}
	buf := make([]byte, info.Size()-offset)
	n, _ := f.ReadAt(buf, offset)
	return string(buf[:n])
}
