package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/toolchain"
	"github.com/zinc-sig/harness/internal/verdict"
)

const (
	rule     = "========================================"
	thinRule = "----------------------------------------"
)

// Printer writes the human-readable progress of a run
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter returns a printer writing to w
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// RunHeader prints the run details before any unit starts
type RunHeader struct {
	RunID     string
	Recipes   int
	Workers   int
	Timeout   time.Duration
	Artifacts string
	Tools     []toolchain.Tool
}

// Header prints the run banner
func (p *Printer) Header(h RunHeader) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, rule)
	fmt.Fprintln(p.w, "Package Validation Run")
	fmt.Fprintln(p.w, rule)
	fmt.Fprintf(p.w, "Run ID:    %s\n", h.RunID)
	fmt.Fprintf(p.w, "Recipes:   %d\n", h.Recipes)
	fmt.Fprintf(p.w, "Workers:   %d\n", h.Workers)
	if h.Timeout > 0 {
		fmt.Fprintf(p.w, "Timeout:   %s\n", h.Timeout)
	}
	fmt.Fprintf(p.w, "Artifacts: %s\n", h.Artifacts)
	for _, t := range h.Tools {
		if !t.Available {
			fmt.Fprintf(p.w, "Tool:      %s (not found)\n", t.Name)
			continue
		}
		fmt.Fprintf(p.w, "Tool:      %s %s\n", t.Name, t.Version)
	}
	fmt.Fprintln(p.w, thinRule)
}

// Unit prints one line per finished unit
func (p *Printer) Unit(r *recipe.Recipe, u verdict.UnitResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "PASS"
	switch {
	case u.Failed():
		label = "FAIL"
	case u.Skipped():
		label = "SKIP"
	}
	line := fmt.Sprintf("[%s] %s %s build=%s run=%s (%d ms)",
		label, r.Ref(), u.Configuration, u.Build, u.Run, u.Duration.Milliseconds())
	if u.Reason != "" {
		line += ": " + u.Reason
	}
	fmt.Fprintln(p.w, line)
}

// Summary prints the per-recipe verdicts and the totals
func (p *Printer) Summary(report *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	recipes := append([]Recipe(nil), report.Recipes...)
	sort.SliceStable(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })

	fmt.Fprintln(p.w, thinRule)
	fmt.Fprintln(p.w, "Results:")
	fmt.Fprintln(p.w, thinRule)
	for _, r := range recipes {
		line := fmt.Sprintf("%-11s %s/%s", strings.ToUpper(r.Verdict), r.Name, r.Version)
		switch {
		case r.Error != "":
			line += ": " + r.Error
		case r.Reason != "":
			line += ": " + r.Reason
		}
		fmt.Fprintln(p.w, line)
	}

	s := report.Summary
	fmt.Fprintln(p.w, thinRule)
	fmt.Fprintf(p.w, "Status:     %s\n", report.Status)
	fmt.Fprintf(p.w, "Recipes:    %d (passed %d, failed %d, skipped %d, incomplete %d)\n",
		s.Recipes, s.Passed, s.Failed, s.Skipped, s.Incomplete)
	fmt.Fprintf(p.w, "Units:      %d (passed %d, failed %d, skipped %d, missing %d)\n",
		s.Units, s.UnitsPassed, s.UnitsFailed, s.UnitsSkipped, s.UnitsMissing)
	fmt.Fprintf(p.w, "Pass Rate:  %s%%\n", report.PassRate)
	fmt.Fprintf(p.w, "Duration:   %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(p.w, rule)
}
