// Package verdict rolls per-configuration results up into a per-recipe
// verdict and an overall run status.
package verdict

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zinc-sig/harness/internal/build"
	"github.com/zinc-sig/harness/internal/consumer"
	"github.com/zinc-sig/harness/internal/recipe"
)

// State is the verdict of one recipe
type State string

const (
	StatePass       State = "pass"
	StateFail       State = "fail"
	StateSkip       State = "skip"
	StateIncomplete State = "incomplete"
)

var (
	// ErrDuplicateReport is returned when a configuration reports a second time
	ErrDuplicateReport = errors.New("configuration already reported")
	// ErrUnexpectedConfiguration is returned for a configuration the recipe did not expand to
	ErrUnexpectedConfiguration = errors.New("unexpected configuration")
	// ErrAbandoned is returned for reports arriving after the recipe was abandoned
	ErrAbandoned = errors.New("recipe abandoned")
)

// UnitResult is everything recorded for one (recipe, configuration) unit
type UnitResult struct {
	Configuration recipe.Configuration
	Build         build.Status
	Run           consumer.Status
	ExitCode      *int
	Signal        string
	Reason        string
	BuildOutput   string
	Stdout        string
	Stderr        string
	BuildLog      string
	RunLog        string
	Duration      time.Duration
}

// Failed reports whether the unit counts against its recipe
func (u UnitResult) Failed() bool {
	return u.Build.Failed() || (u.Build == build.StatusOK && u.Run.Failed())
}

// Skipped reports whether the unit was not tested for an environment or recipe reason
func (u UnitResult) Skipped() bool {
	return u.Build.Skipped()
}

// Passed reports whether the unit built and ran with exit code 0
func (u UnitResult) Passed() bool {
	return u.Build == build.StatusOK && u.Run == consumer.StatusOK
}

// HarnessError reports whether the unit failed because of the harness itself
func (u UnitResult) HarnessError() bool {
	return u.Build == build.StatusHarnessError
}

// Reduce folds unit results into a recipe state. Any failing configuration
// fails the recipe; skips never demote a pass; a recipe with nothing but
// skips is skipped. Results that neither passed, failed nor skipped are
// ignored, so the order and arrival of results does not matter.
func Reduce(results []UnitResult) State {
	passed, skipped := 0, 0
	for _, r := range results {
		switch {
		case r.Failed():
			return StateFail
		case r.Passed():
			passed++
		case r.Skipped():
			skipped++
		}
	}
	if passed == 0 {
		return StateSkip
	}
	return StatePass
}

// Verdict is the final record of one recipe
type Verdict struct {
	Recipe  *recipe.Recipe
	State   State
	Results []UnitResult
	// Missing lists expected configurations that never reported
	Missing []recipe.Configuration
	Reason  string
	Error   string
}

// HarnessError reports whether any unit failed because of the harness
func (v *Verdict) HarnessError() bool {
	for _, r := range v.Results {
		if r.HarnessError() {
			return true
		}
	}
	return false
}

// Failed builds the verdict of a recipe that could not be expanded at all
func Failed(r *recipe.Recipe, err error) *Verdict {
	return &Verdict{Recipe: r, State: StateFail, Error: err.Error()}
}

// Accumulator collects the results of one recipe's configurations as they
// arrive from any worker. It is safe for concurrent use.
type Accumulator struct {
	recipe *recipe.Recipe

	mu        sync.Mutex
	order     []string
	expected  map[string]recipe.Configuration
	results   map[string]UnitResult
	abandoned string
}

// NewAccumulator expects exactly one report per configuration
func NewAccumulator(r *recipe.Recipe, configs []recipe.Configuration) *Accumulator {
	a := &Accumulator{
		recipe:   r,
		expected: make(map[string]recipe.Configuration, len(configs)),
		results:  make(map[string]UnitResult, len(configs)),
	}
	for _, c := range configs {
		key := c.Key()
		if _, dup := a.expected[key]; dup {
			continue
		}
		a.expected[key] = c
		a.order = append(a.order, key)
	}
	return a
}

// Recipe returns the recipe being accumulated
func (a *Accumulator) Recipe() *recipe.Recipe {
	return a.recipe
}

// Report records the result of one configuration
func (a *Accumulator) Report(u UnitResult) error {
	key := u.Configuration.Key()

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.expected[key]; !ok {
		return fmt.Errorf("%w: %s %s", ErrUnexpectedConfiguration, a.recipe.Ref(), u.Configuration)
	}
	if _, ok := a.results[key]; ok {
		return fmt.Errorf("%w: %s %s", ErrDuplicateReport, a.recipe.Ref(), u.Configuration)
	}
	if a.abandoned != "" {
		return fmt.Errorf("%w: %s", ErrAbandoned, a.recipe.Ref())
	}
	a.results[key] = u
	return nil
}

// Complete reports whether every expected configuration has reported
func (a *Accumulator) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results) == len(a.expected)
}

// Abandon stops accepting reports; configurations still missing stay absent
func (a *Accumulator) Abandon(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned == "" {
		a.abandoned = reason
	}
}

// Verdict returns the recipe verdict from the results received so far. A
// recipe with missing configurations is incomplete unless a reported
// configuration already failed it.
func (a *Accumulator) Verdict() *Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := &Verdict{Recipe: a.recipe}
	for _, key := range a.order {
		if r, ok := a.results[key]; ok {
			v.Results = append(v.Results, r)
		} else {
			v.Missing = append(v.Missing, a.expected[key])
		}
	}

	v.State = Reduce(v.Results)
	if len(v.Missing) > 0 && v.State != StateFail {
		v.State = StateIncomplete
		v.Reason = a.abandoned
		if v.Reason == "" {
			v.Reason = fmt.Sprintf("%d of %d configurations did not report", len(v.Missing), len(a.order))
		}
	}
	return v
}
