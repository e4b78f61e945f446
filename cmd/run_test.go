package cmd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zinc-sig/harness/cmd/clierr"
	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/webhook"
)

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		extra        string
		flags        []string
		wantExitCode int
		wantStatus   string
		wantVerdict  string
		wantRun      map[string]string // shared value to run status
	}{
		{
			name:         "every configuration passes",
			body:         exitZero,
			wantExitCode: clierr.CodeOK,
			wantStatus:   "passed",
			wantVerdict:  "pass",
			wantRun:      map[string]string{"true": "ok", "false": "ok"},
		},
		{
			name:         "shared build exits 1",
			body:         failWhenShared,
			wantExitCode: clierr.CodeFailed,
			wantStatus:   "failed",
			wantVerdict:  "fail",
			wantRun:      map[string]string{"true": "nonzero_exit", "false": "ok"},
		},
		{
			name:         "missing capability skips",
			body:         exitZero,
			extra:        "requires: [network]\n",
			wantExitCode: clierr.CodeOK,
			wantStatus:   "passed",
			wantVerdict:  "skip",
			wantRun:      map[string]string{"true": "skipped", "false": "skipped"},
		},
		{
			name:         "declared capability runs",
			body:         exitZero,
			extra:        "requires: [network]\n",
			flags:        []string{"--capability", "network"},
			wantExitCode: clierr.CodeOK,
			wantStatus:   "passed",
			wantVerdict:  "pass",
			wantRun:      map[string]string{"true": "ok", "false": "ok"},
		},
		{
			name:         "skip rule skips one configuration",
			body:         failWhenShared,
			extra:        "skip:\n  - when: {shared: \"true\"}\n    reason: shared builds unsupported\n",
			wantExitCode: clierr.CodeOK,
			wantStatus:   "passed",
			wantVerdict:  "pass",
			wantRun:      map[string]string{"true": "skipped", "false": "ok"},
		},
		{
			name:         "consumer timeout fails",
			body:         "sleep 5",
			flags:        []string{"--timeout", "200ms"},
			wantExitCode: clierr.CodeFailed,
			wantStatus:   "failed",
			wantVerdict:  "fail",
			wantRun:      map[string]string{"true": "timeout", "false": "timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipes := writeFoobar(t, tt.body, tt.extra)

			stdout, _, err := executeCmd(t, runArgs(t, recipes, tt.flags...)...)
			if got := clierr.ExitCodeOf(err); got != tt.wantExitCode {
				t.Fatalf("Expected exit code %d, got %d (err: %v)", tt.wantExitCode, got, err)
			}

			report := parseReport(t, stdout)
			if report.RunID == "" {
				t.Error("Expected a run ID")
			}
			if report.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, report.Status)
			}
			if len(report.Recipes) != 1 {
				t.Fatalf("Expected 1 recipe, got %d", len(report.Recipes))
			}
			rec := report.Recipes[0]
			if rec.Name != "foobar" || rec.Version != "1.0" || rec.Verdict != tt.wantVerdict {
				t.Errorf("Expected foobar/1.0 %s, got %s/%s %s", tt.wantVerdict, rec.Name, rec.Version, rec.Verdict)
			}
			if len(rec.Configurations) != 2 {
				t.Fatalf("Expected 2 configurations, got %d", len(rec.Configurations))
			}
			for shared, want := range tt.wantRun {
				if got := configurationFor(t, rec, shared).Run; got != want {
					t.Errorf("shared=%s: expected run %s, got %s", shared, want, got)
				}
			}
		})
	}
}

func TestRunCommandFailureDetails(t *testing.T) {
	recipes := writeFoobar(t, failWhenShared, "")

	stdout, stderr, _ := executeCmd(t, runArgs(t, recipes)...)
	rec := parseReport(t, stdout).Recipes[0]

	failing := configurationFor(t, rec, "true")
	if failing.ExitCode == nil || *failing.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %v", failing.ExitCode)
	}
	if failing.Build != "ok" {
		t.Errorf("Expected build ok, got %s", failing.Build)
	}
	if failing.BuildLog == "" {
		t.Error("Expected a build log directory")
	}

	passing := configurationFor(t, rec, "false")
	if passing.ExitCode == nil || *passing.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", passing.ExitCode)
	}

	for _, want := range []string{"Package Validation Run", "[FAIL] foobar/1.0 {shared=true}", "[PASS] foobar/1.0 {shared=false}", "Results:"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("Expected stderr to contain %q, got:\n%s", want, stderr)
		}
	}
}

func TestRunCommandFormats(t *testing.T) {
	t.Run("ndjson", func(t *testing.T) {
		recipes := writeFoobar(t, exitZero, "")
		stdout, _, err := executeCmd(t, runArgs(t, recipes, "--format", "ndjson")...)
		if err != nil {
			t.Fatalf("Command failed: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		if len(lines) != 2 {
			t.Fatalf("Expected a recipe line and a summary line, got %d:\n%s", len(lines), stdout)
		}
		var rec struct {
			RunID   string `json:"run_id"`
			Name    string `json:"name"`
			Verdict string `json:"verdict"`
		}
		if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
			t.Fatalf("Failed to parse recipe line: %v", err)
		}
		if rec.Name != "foobar" || rec.Verdict != "pass" || rec.RunID == "" {
			t.Errorf("Unexpected recipe line: %s", lines[0])
		}
		var summary struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(lines[1]), &summary); err != nil {
			t.Fatalf("Failed to parse summary line: %v", err)
		}
		if summary.Status != "passed" || summary.RunID != rec.RunID {
			t.Errorf("Unexpected summary line: %s", lines[1])
		}
	})

	t.Run("text", func(t *testing.T) {
		recipes := writeFoobar(t, exitZero, "")
		stdout, _, err := executeCmd(t, runArgs(t, recipes, "--format", "text")...)
		if err != nil {
			t.Fatalf("Command failed: %v", err)
		}
		for _, want := range []string{"Results:", "PASS", "foobar/1.0", "Pass Rate:  100.0%"} {
			if !strings.Contains(stdout, want) {
				t.Errorf("Expected text summary to contain %q, got:\n%s", want, stdout)
			}
		}
	})

	t.Run("report file", func(t *testing.T) {
		recipes := writeFoobar(t, exitZero, "")
		reportPath := filepath.Join(t.TempDir(), "out", "report.json")
		stdout, _, err := executeCmd(t, runArgs(t, recipes, "--report", reportPath)...)
		if err != nil {
			t.Fatalf("Command failed: %v", err)
		}
		data, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatalf("Expected report file: %v", err)
		}
		if parseReport(t, string(data)).RunID != parseReport(t, stdout).RunID {
			t.Error("Expected the report file to match stdout")
		}
	})
}

func TestRunCommandContext(t *testing.T) {
	t.Setenv("HARNESS_CONTEXT_RUNNER", "ci-7")
	recipes := writeFoobar(t, exitZero, "")

	stdout, _, err := executeCmd(t, runArgs(t, recipes,
		"--context", `{"pipeline":"nightly"}`,
		"--context-kv", "attempt=2",
	)...)
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	ctxData, ok := parseReport(t, stdout).Context.(map[string]any)
	if !ok {
		t.Fatalf("Expected an object context, got %T", parseReport(t, stdout).Context)
	}
	if ctxData["pipeline"] != "nightly" || ctxData["attempt"] != float64(2) || ctxData["runner"] != "ci-7" {
		t.Errorf("Unexpected context: %v", ctxData)
	}
}

func TestRunCommandWithWebhook(t *testing.T) {
	var (
		received output.Report
		runID    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		runID = r.Header.Get(webhook.RunIDHeader)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Failed to read body: %v", err)
		}
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("Failed to unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	recipes := writeFoobar(t, exitZero, "")
	stdout, _, err := executeCmd(t, runArgs(t, recipes,
		"--webhook-url", server.URL,
		"--webhook-auth-type", "bearer",
		"--webhook-auth-token", "s3cret",
		"--webhook-retries", "0",
	)...)
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	report := parseReport(t, stdout)
	if !report.WebhookSent {
		t.Error("Expected webhook_sent to be true")
	}
	if runID != report.RunID || received.RunID != report.RunID {
		t.Errorf("Expected run ID %s in header and payload, got %s and %s", report.RunID, runID, received.RunID)
	}
	if received.WebhookSent {
		t.Error("Webhook payload should not include webhook status fields")
	}
	if len(received.Recipes) != 1 || received.Recipes[0].Verdict != "pass" {
		t.Errorf("Unexpected webhook payload recipes: %+v", received.Recipes)
	}
}

func TestRunCommandWebhookFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	recipes := writeFoobar(t, exitZero, "")
	stdout, _, err := executeCmd(t, runArgs(t, recipes,
		"--webhook-config", `{"url":"`+server.URL+`","retries":2}`,
	)...)
	if err != nil {
		t.Fatalf("A failed webhook must not fail the run: %v", err)
	}

	report := parseReport(t, stdout)
	if report.WebhookSent {
		t.Error("Expected webhook_sent to be false")
	}
	if !strings.Contains(report.WebhookError, "status 400") {
		t.Errorf("Expected webhook error with status 400, got %q", report.WebhookError)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("Expected a single attempt for a client error, got %d", got)
	}
}

func TestRunCommandLocalUpload(t *testing.T) {
	dest := t.TempDir()
	recipes := writeFoobar(t, failWhenShared, "")

	stdout, _, err := executeCmd(t, runArgs(t, recipes,
		"--upload-provider", "local",
		"--upload-config-kv", "path="+dest,
	)...)
	if clierr.ExitCodeOf(err) != clierr.CodeFailed {
		t.Fatalf("Expected exit code 1, got %v", err)
	}

	report := parseReport(t, stdout)
	want := filepath.Join(dest, report.RunID, "report.json")
	if report.UploadLocation != want {
		t.Errorf("Expected upload location %s, got %s (error %q)", want, report.UploadLocation, report.UploadError)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("Expected uploaded report: %v", err)
	}

	failing := configurationFor(t, report.Recipes[0], "true")
	if !strings.HasPrefix(failing.BuildLog, dest) {
		t.Errorf("Expected build log to point at the upload, got %s", failing.BuildLog)
	}
}

func TestRunCommandValidation(t *testing.T) {
	recipes := writeFoobar(t, exitZero, "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing recipes", []string{"run"}, "required flag 'recipes' not set"},
		{"invalid timeout", []string{"run", "-r", recipes, "--timeout", "invalid"}, "invalid timeout duration"},
		{"negative timeout", []string{"run", "-r", recipes, "--timeout", "-1s"}, "timeout must be positive"},
		{"unknown format", []string{"run", "-r", recipes, "--format", "xml"}, "unknown format"},
		{"negative workers", []string{"run", "-r", recipes, "--workers", "-1"}, "--workers"},
		{"bad webhook auth", []string{"run", "-r", recipes, "--webhook-url", "http://x", "--webhook-auth-type", "bearer"}, "requires auth_token"},
		{"unknown upload provider", []string{"run", "-r", recipes, "--upload-provider", "ftp"}, "ftp"},
		{"no such recipes", []string{"run", "-r", filepath.Join(t.TempDir(), "nothing")}, "failed to load recipes"},
		{"filter matches nothing", []string{"run", "-r", recipes, "--filter", "zlib/*"}, "no recipes selected"},
		{"positional arguments", []string{"run", "-r", recipes, "extra"}, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCmd(t, tt.args...)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
			if got := clierr.ExitCodeOf(err); got != clierr.CodeHarness {
				t.Errorf("Expected exit code %d, got %d", clierr.CodeHarness, got)
			}
		})
	}
}
