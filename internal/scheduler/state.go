package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/verdict"
)

// State is the lifecycle position of one (recipe, configuration) unit
type State string

const (
	StatePending     State = "pending"
	StateBuilding    State = "building"
	StateBuilt       State = "built"
	StateRunning     State = "running"
	StateDone        State = "done"
	StateBuildFailed State = "build_failed"
	StateRunFailed   State = "run_failed"
	StateSkipped     State = "skipped"
)

// ErrInvalidTransition is returned for a transition the unit lifecycle does not allow
var ErrInvalidTransition = errors.New("invalid unit transition")

var transitions = map[State][]State{
	StatePending:  {StateBuilding, StateSkipped},
	StateBuilding: {StateBuilt, StateBuildFailed, StateSkipped},
	StateBuilt:    {StateRunning},
	StateRunning:  {StateDone, StateRunFailed},
}

// Terminal reports whether no further transition leaves the state
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Unit is one (recipe, configuration) pair moving through the lifecycle
type Unit struct {
	Recipe        *recipe.Recipe
	Configuration recipe.Configuration

	job *job

	mu       sync.Mutex
	state    State
	attempts int
}

func newUnit(j *job, cfg recipe.Configuration) *Unit {
	return &Unit{Recipe: j.acc.Recipe(), Configuration: cfg, job: j, state: StatePending}
}

// State returns the current state
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Transition moves the unit to the next state. Completing a unit that already
// reached a terminal state is a no-op and reports false.
func (u *Unit) Transition(to State) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.Terminal() {
		return false, nil
	}
	for _, next := range transitions[u.state] {
		if next == to {
			u.state = to
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.state, to)
}

// restart returns a unit whose attempt was lost back to pending
func (u *Unit) restart() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attempts++
	if !u.state.Terminal() {
		u.state = StatePending
	}
	return u.attempts
}

func (u *Unit) String() string {
	return u.Recipe.Ref() + " " + u.Configuration.String()
}

// job tracks the units of one recipe
type job struct {
	acc     *verdict.Accumulator
	units   []*Unit
	once    sync.Once
	verdict *verdict.Verdict
}
