package output

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zinc-sig/harness/internal/toolchain"
	"github.com/zinc-sig/harness/internal/verdict"
)

// Configuration is the report record of one unit
type Configuration struct {
	Options    map[string]string `json:"options"`
	PackageID  string            `json:"package_id"`
	Build      string            `json:"build"`
	Run        string            `json:"run"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Signal     string            `json:"signal,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	BuildLog   string            `json:"build_log,omitempty"`
	RunLog     string            `json:"run_log,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Output     string            `json:"output,omitempty"` // failing build step output
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
}

// Recipe is the report record of one recipe
type Recipe struct {
	Name           string              `json:"name"`
	Version        string              `json:"version"`
	Verdict        string              `json:"verdict"`
	Reason         string              `json:"reason,omitempty"`
	Error          string              `json:"error,omitempty"`
	Configurations []Configuration     `json:"configurations"`
	Missing        []map[string]string `json:"missing,omitempty"`
}

// Report is the machine-readable result of a harness run
type Report struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Duration   string           `json:"duration_s"`
	Status     string           `json:"status"`
	PassRate   string           `json:"pass_rate"`
	Summary    verdict.Summary  `json:"summary"`
	Toolchain  []toolchain.Tool `json:"toolchain,omitempty"`
	Context    any              `json:"context,omitempty"`
	Recipes    []Recipe         `json:"recipes"`

	// Sink status (only in local output, not sent to webhook)
	UploadLocation string `json:"upload_location,omitempty"`
	UploadError    string `json:"upload_error,omitempty"`
	WebhookSent    bool   `json:"webhook_sent,omitempty"`
	WebhookError   string `json:"webhook_error,omitempty"`
}

// NewReport builds the report of a finished run
func NewReport(runID string, started, finished time.Time, verdicts []*verdict.Verdict, canceled bool) *Report {
	summary := verdict.Summarize(verdicts)
	r := &Report{
		RunID:      runID,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Duration:   Seconds(finished.Sub(started)),
		Status:     string(summary.Status(canceled)),
		PassRate:   summary.PassRate().StringFixed(1),
		Summary:    summary,
		Recipes:    make([]Recipe, 0, len(verdicts)),
	}
	for _, v := range verdicts {
		r.Recipes = append(r.Recipes, NewRecipe(v))
	}
	return r
}

// Seconds renders d in seconds with millisecond precision
func Seconds(d time.Duration) string {
	return decimal.NewFromInt(d.Milliseconds()).Shift(-3).StringFixed(3)
}

// NewRecipe converts a verdict into its report record
func NewRecipe(v *verdict.Verdict) Recipe {
	rec := Recipe{
		Name:           v.Recipe.Name,
		Version:        v.Recipe.Version,
		Verdict:        string(v.State),
		Reason:         v.Reason,
		Error:          v.Error,
		Configurations: make([]Configuration, 0, len(v.Results)),
	}
	for _, u := range v.Results {
		rec.Configurations = append(rec.Configurations, NewConfiguration(u))
	}
	for _, m := range v.Missing {
		rec.Missing = append(rec.Missing, m.Map())
	}
	return rec
}

// NewConfiguration converts a unit result into its report record
func NewConfiguration(u verdict.UnitResult) Configuration {
	c := Configuration{
		Options:    u.Configuration.Map(),
		PackageID:  u.Configuration.PackageID(),
		Build:      string(u.Build),
		Run:        string(u.Run),
		ExitCode:   u.ExitCode,
		Signal:     u.Signal,
		DurationMs: u.Duration.Milliseconds(),
		BuildLog:   u.BuildLog,
		RunLog:     u.RunLog,
		Reason:     u.Reason,
	}
	if u.Failed() {
		c.Output = u.BuildOutput
		c.Stdout = u.Stdout
		c.Stderr = u.Stderr
	}
	return c
}
