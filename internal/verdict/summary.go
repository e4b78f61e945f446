package verdict

import (
	"github.com/shopspring/decimal"
)

// RunStatus is the overall status of a harness run
type RunStatus string

const (
	RunPassed   RunStatus = "passed"
	RunFailed   RunStatus = "failed"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// Summary counts verdicts and units across a run
type Summary struct {
	Recipes       int `json:"recipes"`
	Passed        int `json:"passed"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	Incomplete    int `json:"incomplete"`
	Units         int `json:"units"`
	UnitsPassed   int `json:"units_passed"`
	UnitsFailed   int `json:"units_failed"`
	UnitsSkipped  int `json:"units_skipped"`
	UnitsMissing  int `json:"units_missing"`
	HarnessErrors int `json:"harness_errors"`
}

// Summarize counts the verdicts of a run
func Summarize(verdicts []*Verdict) Summary {
	var s Summary
	for _, v := range verdicts {
		s.Recipes++
		switch v.State {
		case StatePass:
			s.Passed++
		case StateFail:
			s.Failed++
		case StateSkip:
			s.Skipped++
		case StateIncomplete:
			s.Incomplete++
		}
		for _, r := range v.Results {
			s.Units++
			switch {
			case r.HarnessError():
				s.HarnessErrors++
				s.UnitsFailed++
			case r.Failed():
				s.UnitsFailed++
			case r.Passed():
				s.UnitsPassed++
			case r.Skipped():
				s.UnitsSkipped++
			}
		}
		s.Units += len(v.Missing)
		s.UnitsMissing += len(v.Missing)
	}
	return s
}

// Status derives the run status. Harness errors outrank packaging failures
// so operators can tell infrastructure faults apart.
func (s Summary) Status(canceled bool) RunStatus {
	switch {
	case s.HarnessErrors > 0:
		return RunError
	case s.Failed > 0:
		return RunFailed
	case canceled || s.Incomplete > 0:
		return RunCanceled
	}
	return RunPassed
}

// PassRate is the share of tested recipes that passed, as a percentage with
// one decimal place. Skipped recipes are not tested.
func (s Summary) PassRate() decimal.Decimal {
	tested := s.Passed + s.Failed + s.Incomplete
	if tested == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Passed)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(tested)), 1)
}
