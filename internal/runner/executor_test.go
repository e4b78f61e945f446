package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func createTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

func assertFileContains(t *testing.T, path, expected string) {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	if string(content) != expected {
		t.Errorf("file content mismatch\ngot:  %q\nwant: %q", content, expected)
	}
}

func shConfig(dir, script string) *Config {
	return &Config{
		Command:    "sh",
		Args:       []string{"-c", script},
		OutputFile: filepath.Join(dir, "output.txt"),
		StderrFile: filepath.Join(dir, "stderr.txt"),
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(t *testing.T, tmpDir string) *Config
		wantStatus    Status
		wantExitCode  int
		wantSignal    string
		wantErr       error
		errorContains string
		checkOutput   func(t *testing.T, tmpDir string)
	}{
		{
			name: "successful echo command",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return &Config{
					Command:    "echo",
					Args:       []string{"hello world"},
					OutputFile: filepath.Join(tmpDir, "output.txt"),
					StderrFile: filepath.Join(tmpDir, "stderr.txt"),
				}
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				assertFileContains(t, filepath.Join(tmpDir, "output.txt"), "hello world\n")
				assertFileContains(t, filepath.Join(tmpDir, "stderr.txt"), "")
			},
		},
		{
			name: "stdin comes from the input file",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				cfg := shConfig(tmpDir, "cat")
				cfg.InputFile = createTempFile(t, tmpDir, "input.txt", "content from input")
				return cfg
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				assertFileContains(t, filepath.Join(tmpDir, "output.txt"), "content from input")
			},
		},
		{
			name: "stdin defaults to the null device",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return shConfig(tmpDir, "cat")
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				assertFileContains(t, filepath.Join(tmpDir, "output.txt"), "")
			},
		},
		{
			name: "non-zero exit code",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return shConfig(tmpDir, "exit 42")
			},
			wantStatus:   StatusFailed,
			wantExitCode: 42,
		},
		{
			name: "stderr is captured separately",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return shConfig(tmpDir, "echo out && echo 'error message' >&2")
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				assertFileContains(t, filepath.Join(tmpDir, "output.txt"), "out\n")
				assertFileContains(t, filepath.Join(tmpDir, "stderr.txt"), "error message\n")
			},
		},
		{
			name: "creates parent directories for logs",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				cfg := shConfig(tmpDir, "echo out && echo err >&2")
				cfg.OutputFile = filepath.Join(tmpDir, "logs", "run", "stdout.txt")
				cfg.StderrFile = filepath.Join(tmpDir, "logs", "run", "stderr.txt")
				return cfg
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				assertFileContains(t, filepath.Join(tmpDir, "logs", "run", "stdout.txt"), "out\n")
				assertFileContains(t, filepath.Join(tmpDir, "logs", "run", "stderr.txt"), "err\n")
			},
		},
		{
			name: "runs in the configured directory",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				work := filepath.Join(tmpDir, "work")
				if err := os.MkdirAll(work, 0755); err != nil {
					t.Fatal(err)
				}
				cfg := shConfig(tmpDir, "touch marker")
				cfg.Dir = work
				return cfg
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				if _, err := os.Stat(filepath.Join(tmpDir, "work", "marker")); err != nil {
					t.Errorf("marker not created in working directory: %v", err)
				}
			},
		},
		{
			name: "explicit environment replaces the inherited one",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				cfg := shConfig(tmpDir, `printf "%s" "$HARNESS_TEST_VALUE"`)
				cfg.Command = "/bin/sh"
				cfg.Env = []string{"HARNESS_TEST_VALUE=scrubbed"}
				return cfg
			},
			wantStatus: StatusSuccess,
			checkOutput: func(t *testing.T, tmpDir string) {
				assertFileContains(t, filepath.Join(tmpDir, "output.txt"), "scrubbed")
			},
		},
		{
			name: "killed by a signal",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return shConfig(tmpDir, "kill -SEGV $$")
			},
			wantStatus:   StatusSignaled,
			wantExitCode: -1,
			wantSignal:   "segmentation fault",
		},
		{
			name: "non-existent input file",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				cfg := shConfig(tmpDir, "true")
				cfg.InputFile = filepath.Join(tmpDir, "nonexistent.txt")
				return cfg
			},
			errorContains: "failed to open input file",
		},
		{
			name: "non-existent command",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return &Config{
					Command:    "nonexistentcommand12345",
					OutputFile: filepath.Join(tmpDir, "output.txt"),
					StderrFile: filepath.Join(tmpDir, "stderr.txt"),
				}
			},
			wantErr: ErrCommandNotFound,
		},
		{
			name: "false command returns exit code 1",
			setupConfig: func(t *testing.T, tmpDir string) *Config {
				return &Config{
					Command:    "false",
					OutputFile: filepath.Join(tmpDir, "output.txt"),
					StderrFile: filepath.Join(tmpDir, "stderr.txt"),
				}
			},
			wantStatus:   StatusFailed,
			wantExitCode: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			config := tt.setupConfig(t, tmpDir)

			result, err := Execute(context.Background(), config)

			if tt.wantErr != nil || tt.errorContains != "" {
				if err == nil {
					t.Fatalf("expected error but got none")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("error = %v, want error containing %q", err, tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", result.Status, tt.wantStatus)
			}
			if result.ExitCode != tt.wantExitCode {
				t.Errorf("exit code = %d, want %d", result.ExitCode, tt.wantExitCode)
			}
			if result.Signal != tt.wantSignal {
				t.Errorf("signal = %q, want %q", result.Signal, tt.wantSignal)
			}
			if result.ExecutionTime < 0 {
				t.Errorf("execution time should be non-negative, got %d ms", result.ExecutionTime)
			}
			if result.Command != config.FullCommand() {
				t.Errorf("command = %q, want %q", result.Command, config.FullCommand())
			}
			if tt.checkOutput != nil {
				tt.checkOutput(t, tmpDir)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	tests := []struct {
		name         string
		script       string
		timeout      time.Duration
		wantStatus   Status
		wantExitCode int
		maxDuration  time.Duration
	}{
		{
			name:        "completes before timeout",
			script:      "sleep 0.1",
			timeout:     2 * time.Second,
			wantStatus:  StatusSuccess,
			maxDuration: 1500 * time.Millisecond,
		},
		{
			name:         "times out",
			script:       "sleep 5",
			timeout:      100 * time.Millisecond,
			wantStatus:   StatusTimeout,
			wantExitCode: -1,
			maxDuration:  2 * time.Second,
		},
		{
			name:         "timeout kills background children too",
			script:       "sleep 5 & sleep 5; wait",
			timeout:      100 * time.Millisecond,
			wantStatus:   StatusTimeout,
			wantExitCode: -1,
			maxDuration:  2 * time.Second,
		},
		{
			name:         "failure within timeout keeps its exit code",
			script:       "exit 3",
			timeout:      time.Second,
			wantStatus:   StatusFailed,
			wantExitCode: 3,
			maxDuration:  time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := shConfig(dir, tt.script)
			cfg.Timeout = tt.timeout

			start := time.Now()
			result, err := Execute(context.Background(), cfg)
			elapsed := time.Since(start)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			if result.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", result.Status, tt.wantStatus)
			}
			if result.ExitCode != tt.wantExitCode {
				t.Errorf("ExitCode = %v, want %v", result.ExitCode, tt.wantExitCode)
			}
			if elapsed > tt.maxDuration {
				t.Errorf("Execution too slow: %v > %v", elapsed, tt.maxDuration)
			}
		})
	}
}

func TestExecuteCanceled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	result, err := Execute(ctx, shConfig(dir, "sleep 5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusCanceled {
		t.Errorf("Status = %v, want %v", result.Status, StatusCanceled)
	}
}

func TestExecutionTime(t *testing.T) {
	dir := t.TempDir()

	start := time.Now()
	result, err := Execute(context.Background(), shConfig(dir, "sleep 0.2"))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ExecutionTime < 200 {
		t.Errorf("execution time too short: %d ms, expected at least 200 ms", result.ExecutionTime)
	}
	if diff := elapsed - result.ExecutionTime; diff < -50 || diff > 50 {
		t.Errorf("execution time %d ms differs significantly from actual elapsed time %d ms",
			result.ExecutionTime, elapsed)
	}
}

func TestReadTail(t *testing.T) {
	dir := t.TempDir()
	path := createTempFile(t, dir, "log.txt", "0123456789")

	if got := ReadTail(path, 4); got != "6789" {
		t.Errorf("ReadTail(4) = %q, want %q", got, "6789")
	}
	if got := ReadTail(path, 0); got != "0123456789" {
		t.Errorf("ReadTail(0) = %q, want whole file", got)
	}
	if got := ReadTail(filepath.Join(dir, "missing"), 10); got != "" {
		t.Errorf("ReadTail(missing) = %q, want empty", got)
	}
}
