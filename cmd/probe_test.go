package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/zinc-sig/harness/cmd/clierr"
)

func TestProbeCommand(t *testing.T) {
	stdout, _, err := executeCmd(t, "probe", "--tool", "sh", "--capability", "network", "--format", "json")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	var result probeResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("Failed to parse probe result: %v\n%s", err, stdout)
	}
	found := false
	for _, tool := range result.Tools {
		if tool.Name == "sh" {
			found = tool.Available && tool.Path != ""
		}
	}
	if !found {
		t.Errorf("Expected sh to be found, got %+v", result.Tools)
	}
	if len(result.Capabilities) != 1 || result.Capabilities[0] != "network" {
		t.Errorf("Expected the network capability, got %v", result.Capabilities)
	}
}

func TestProbeCommandHonoursCompilerEnvironment(t *testing.T) {
	t.Setenv("CXX", "definitely-not-a-compiler")

	stdout, _, err := executeCmd(t, "probe")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	for _, want := range []string{"CXX:          definitely-not-a-compiler", "definitely-not-a-compiler not found"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, stdout)
		}
	}
}

func TestProbeCommandRequire(t *testing.T) {
	_, _, err := executeCmd(t, "probe", "--tool", "definitely-not-a-tool", "--require")
	if got := clierr.ExitCodeOf(err); got != clierr.CodeFailed {
		t.Fatalf("Expected exit code %d, got %d", clierr.CodeFailed, got)
	}
	if !strings.Contains(err.Error(), "definitely-not-a-tool") {
		t.Errorf("Expected the missing tool in the error, got %v", err)
	}
}
