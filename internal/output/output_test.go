package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zinc-sig/harness/internal/build"
	"github.com/zinc-sig/harness/internal/consumer"
	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/toolchain"
	"github.com/zinc-sig/harness/internal/verdict"
)

var (
	started  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished = started.Add(90 * time.Second)
)

func fixtures() []*verdict.Verdict {
	shared := recipe.NewConfiguration(map[string]string{"shared": "true"})
	static := recipe.NewConfiguration(map[string]string{"shared": "false"})
	one := 1

	foobar := &recipe.Recipe{Name: "foobar", Version: "1.0"}
	zlib := &recipe.Recipe{Name: "zlib", Version: "1.3"}
	return []*verdict.Verdict{
		{
			Recipe: zlib,
			State:  verdict.StateFail,
			Results: []verdict.UnitResult{
				{Configuration: shared, Build: build.StatusOK, Run: consumer.StatusNonzeroExit, ExitCode: &one, Stderr: "boom", Duration: 1500 * time.Millisecond},
				{Configuration: static, Build: build.StatusOK, Run: consumer.StatusOK, Stdout: "fine"},
			},
		},
		{
			Recipe:  foobar,
			State:   verdict.StatePass,
			Results: []verdict.UnitResult{{Configuration: shared, Build: build.StatusOK, Run: consumer.StatusOK}},
			Missing: []recipe.Configuration{static},
			Reason:  "run canceled",
		},
	}
}

func TestNewReport(t *testing.T) {
	report := NewReport("run-1", started, finished, fixtures(), false)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "failed", report.Status)
	assert.Equal(t, "50.0", report.PassRate)
	assert.Equal(t, "90.000", report.Duration)
	assert.Equal(t, 2, report.Summary.Recipes)
	require.Len(t, report.Recipes, 2)

	zlib := report.Recipes[0]
	assert.Equal(t, "fail", zlib.Verdict)
	require.Len(t, zlib.Configurations, 2)

	failing := zlib.Configurations[0]
	assert.Equal(t, map[string]string{"shared": "true"}, failing.Options)
	assert.Len(t, failing.PackageID, 12)
	assert.Equal(t, "nonzero_exit", failing.Run)
	require.NotNil(t, failing.ExitCode)
	assert.Equal(t, 1, *failing.ExitCode)
	assert.Equal(t, "boom", failing.Stderr)
	assert.Equal(t, int64(1500), failing.DurationMs)

	assert.Empty(t, zlib.Configurations[1].Stdout, "output is only kept for failing units")

	foobar := report.Recipes[1]
	assert.Equal(t, []map[string]string{{"shared": "false"}}, foobar.Missing)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, "0.000", Seconds(0))
	assert.Equal(t, "1.250", Seconds(1250*time.Millisecond))
	assert.Equal(t, "61.000", Seconds(time.Minute+time.Second))
}

func TestWriteJSON(t *testing.T) {
	report := NewReport("run-1", started, finished, fixtures(), false)
	report.Toolchain = []toolchain.Tool{{Name: "cc", Path: "/usr/bin/cc", Version: "cc 13", Available: true}}

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, report))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "failed", decoded["status"])
	assert.NotContains(t, decoded, "webhook_sent")
	assert.NotContains(t, decoded, "context")

	summary := decoded["summary"].(map[string]any)
	assert.EqualValues(t, 4, summary["units"], "missing configurations count as units")
	assert.EqualValues(t, 1, summary["units_missing"])
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteFile(path, NewReport("run-1", started, finished, nil, false)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status": "passed"`)
	assert.Contains(t, string(data), `"recipes": []`)

	nested := filepath.Join(t.TempDir(), "missing", "dir", "report.json")
	require.NoError(t, WriteFile(nested, &Report{RunID: "run-2"}))
	assert.FileExists(t, nested)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	assert.ErrorContains(t, WriteFile(filepath.Join(blocker, "report.json"), &Report{}), "failed to create report directory")
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	stream := NewStream(&buf, "run-2")
	verdicts := fixtures()

	var wg sync.WaitGroup
	for _, v := range verdicts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, stream.Verdict(v))
		}()
	}
	wg.Wait()
	require.NoError(t, stream.Summary(NewReport("run-2", started, finished, verdicts, false)))

	var lines []map[string]any
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line), scanner.Text())
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)

	names := []string{lines[0]["name"].(string), lines[1]["name"].(string)}
	assert.ElementsMatch(t, []string{"foobar", "zlib"}, names)
	for _, line := range lines {
		assert.Equal(t, "run-2", line["run_id"])
	}
	assert.Equal(t, "failed", lines[2]["status"])
	assert.Equal(t, "50.0", lines[2]["pass_rate"])
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Header(RunHeader{
		RunID:     "run-3",
		Recipes:   2,
		Workers:   4,
		Timeout:   time.Minute,
		Artifacts: "/srv/artifacts",
		Tools: []toolchain.Tool{
			{Name: "cc", Version: "cc 13", Available: true},
			{Name: "cmake"},
		},
	})

	verdicts := fixtures()
	for _, v := range verdicts {
		for _, u := range v.Results {
			p.Unit(v.Recipe, u)
		}
	}
	p.Summary(NewReport("run-3", started, finished, verdicts, false))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, rule+"\nPackage Validation Run\n"))
	assert.Contains(t, out, "Run ID:    run-3")
	assert.Contains(t, out, "Tool:      cmake (not found)")
	assert.Contains(t, out, "[FAIL] zlib/1.3 {shared=true} build=ok run=nonzero_exit (1500 ms)")
	assert.Contains(t, out, "[PASS] foobar/1.0 {shared=true} build=ok run=ok")
	assert.Contains(t, out, "Pass Rate:  50.0%")
	assert.Contains(t, out, "Duration:   1m30s")

	// results are listed by name
	assert.Less(t, strings.Index(out, "PASS        foobar/1.0"), strings.Index(out, "FAIL        zlib/1.3"))
}
