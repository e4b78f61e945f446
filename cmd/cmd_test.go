package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/zinc-sig/harness/internal/output"
)

// Consumer bodies for the foobar fixture
const (
	exitZero       = "exit 0"
	failWhenShared = `{{if eq .Options.shared "true"}}exit 1{{else}}exit 0{{end}}`
)

// writeFoobar writes a foobar/1.0 recipe whose command driver links a shell
// script running body. extra is appended to the descriptor.
func writeFoobar(t *testing.T, body, extra string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "recipes")
	dir := filepath.Join(root, "foobar")
	if err := os.MkdirAll(filepath.Join(dir, "test_package"), 0o755); err != nil {
		t.Fatal(err)
	}

	descriptor := `name: foobar
version: "1.0"
options:
  shared: [true, false]
consumer:
  driver: command
  commands:
    link:
      - - sh
        - -c
        - 'printf "#!/bin/sh\n%s\n" "$1" > "$2" && chmod +x "$2"'
        - sh
        - '` + body + `'
        - '{{.Binary}}'
` + extra
	if err := os.WriteFile(filepath.Join(dir, "recipe.yml"), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

// executeCmd runs the command tree with args and captures its output
func executeCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// runArgs returns the flags of a quick run over recipes
func runArgs(t *testing.T, recipes string, extra ...string) []string {
	t.Helper()
	args := []string{
		"run",
		"--recipes", recipes,
		"--workers", "2",
		"--timeout", "10s",
		"--build-timeout", "30s",
		"--artifacts", t.TempDir(),
		"--workdir", t.TempDir(),
	}
	return append(args, extra...)
}

func parseReport(t *testing.T, data string) output.Report {
	t.Helper()
	var report output.Report
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		t.Fatalf("Failed to parse report JSON: %v\n%s", err, data)
	}
	return report
}

func configurationFor(t *testing.T, rec output.Recipe, shared string) output.Configuration {
	t.Helper()
	for _, c := range rec.Configurations {
		if c.Options["shared"] == shared {
			return c
		}
	}
	t.Fatalf("No configuration with shared=%s in %+v", shared, rec.Configurations)
	return output.Configuration{}
}
