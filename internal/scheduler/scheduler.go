// Package scheduler drives builds and runs of every (recipe, configuration)
// unit over a fixed pool of workers.
//
// Units of the same recipe may run concurrently on different workers. Each
// worker owns a scratch directory under the work root and only ever blocks on
// the external process it is waiting for. Results flow into one accumulator
// per recipe; the verdict is emitted once every expected configuration has
// reported, or when the run ends early.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zinc-sig/harness/internal/build"
	"github.com/zinc-sig/harness/internal/consumer"
	"github.com/zinc-sig/harness/internal/expand"
	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/toolchain"
	"github.com/zinc-sig/harness/internal/verdict"
)

// DefaultGrace is added on top of the build and run timeouts for the per-unit watchdog
const DefaultGrace = 30 * time.Second

// how long a worker waits for an attempt to unwind after its context ended
const defaultReapDelay = 5 * time.Second

// a unit whose attempt crashes this many times is reported as a harness error
const maxAttempts = 2

// Builder compiles and links the consumer of one configuration
type Builder interface {
	Build(ctx context.Context, rec *recipe.Recipe, cfg recipe.Configuration, workDir string, timeout time.Duration) (*build.Outcome, error)
}

// Executor runs a built consumer
type Executor interface {
	Run(ctx context.Context, built *build.Outcome, args []string, timeout time.Duration) (*consumer.Outcome, error)
}

// Options configures a Scheduler
type Options struct {
	Workers      int
	WorkDir      string
	BuildTimeout time.Duration
	RunTimeout   time.Duration
	Grace        time.Duration
	DefaultsOnly bool
}

// Scheduler runs recipes to verdicts
type Scheduler struct {
	opts     Options
	expander *expand.Expander
	builder  Builder
	executor Executor
	env      *toolchain.Environment
	logger   *zap.Logger

	reapDelay time.Duration

	// OnUnit is called from worker goroutines when a unit reports
	OnUnit func(rec *recipe.Recipe, result verdict.UnitResult)
	// OnVerdict is called once per recipe as soon as its verdict is final
	OnVerdict func(v *verdict.Verdict)
}

// Result is the outcome of a whole run
type Result struct {
	Verdicts []*verdict.Verdict
	Canceled bool
}

// New creates a Scheduler. Zero options select one worker per CPU and the default grace.
func New(opts Options, expander *expand.Expander, builder Builder, executor Executor, env *toolchain.Environment, logger *zap.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "harness")
	}
	if expander == nil {
		expander = expand.New(0)
	}
	if env == nil {
		env = toolchain.NewEnvironment(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:      opts,
		expander:  expander,
		builder:   builder,
		executor:  executor,
		env:       env,
		logger:    logger,
		reapDelay: defaultReapDelay,
	}
}

type queue struct {
	units     chan *Unit
	remaining atomic.Int64
	closeOnce sync.Once
}

func newQueue(units []*Unit) *queue {
	// every unit is requeued at most once, so sends never block
	q := &queue{units: make(chan *Unit, 2*len(units)+1)}
	q.remaining.Store(int64(len(units)))
	for _, u := range units {
		q.units <- u
	}
	if len(units) == 0 {
		close(q.units)
	}
	return q
}

func (q *queue) done() {
	if q.remaining.Add(-1) == 0 {
		q.closeOnce.Do(func() { close(q.units) })
	}
}

func (q *queue) requeue(u *Unit) {
	q.units <- u
}

// Run expands every recipe and drives its units to completion or until ctx is
// canceled. On cancellation running processes are killed, no new units start,
// completed results are kept and units that never finished stay absent.
func (s *Scheduler) Run(ctx context.Context, recipes []*recipe.Recipe) (*Result, error) {
	var (
		jobs  []*job
		units []*Unit
	)
	for _, r := range recipes {
		configs, err := s.configurations(r)
		if err != nil {
			s.logger.Error("cannot expand recipe", zap.String("recipe", r.Ref()), zap.Error(err))
			j := &job{acc: verdict.NewAccumulator(r, nil)}
			s.finalize(j, verdict.Failed(r, err))
			jobs = append(jobs, j)
			continue
		}
		j := &job{acc: verdict.NewAccumulator(r, configs)}
		for _, c := range configs {
			u := newUnit(j, c)
			j.units = append(j.units, u)
			units = append(units, u)
		}
		jobs = append(jobs, j)
		s.logger.Debug("recipe expanded", zap.String("recipe", r.Ref()), zap.Int("configurations", len(configs)))
	}

	scratch := make([]string, s.opts.Workers)
	for i := range scratch {
		scratch[i] = filepath.Join(s.opts.WorkDir, fmt.Sprintf("w%d", i))
		if err := os.MkdirAll(scratch[i], 0o755); err != nil {
			return nil, fmt.Errorf("failed to create worker directory: %w", err)
		}
	}

	q := newQueue(units)
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, dir := range scratch {
		g.Go(func() error {
			s.worker(ctx, dir, q)
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{Canceled: ctx.Err() != nil}
	for _, j := range jobs {
		if !j.acc.Complete() {
			reason := "units did not report"
			if result.Canceled {
				reason = "run canceled"
			}
			j.acc.Abandon(reason)
		}
		s.finalize(j, nil)
		result.Verdicts = append(result.Verdicts, j.verdict)
	}
	return result, nil
}

func (s *Scheduler) configurations(r *recipe.Recipe) ([]recipe.Configuration, error) {
	if s.opts.DefaultsOnly {
		cfg, err := expand.Default(r)
		if err != nil {
			return nil, err
		}
		return []recipe.Configuration{cfg}, nil
	}
	return s.expander.ExpandRecipe(r)
}

func (s *Scheduler) worker(ctx context.Context, scratch string, q *queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-q.units:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.process(ctx, scratch, u, q)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, scratch string, u *Unit, q *queue) {
	if status, reason, skip := s.skipReason(u); skip {
		if _, err := u.Transition(StateSkipped); err != nil {
			s.logger.Error("unit transition", zap.Stringer("unit", u), zap.Error(err))
		}
		s.record(u, verdict.UnitResult{
			Configuration: u.Configuration,
			Build:         status,
			Run:           consumer.StatusSkipped,
			Reason:        reason,
		}, q)
		return
	}

	dir := filepath.Join(scratch, unitDirName(u))
	r := s.attempt(ctx, u, dir)
	switch {
	case r.canceled:
		s.logger.Debug("unit canceled", zap.Stringer("unit", u))
		return
	case r.crash != nil:
		attempts := u.restart()
		if attempts < maxAttempts {
			s.logger.Warn("unit crashed, requeueing", zap.Stringer("unit", u), zap.Error(r.crash))
			q.requeue(u)
			return
		}
		s.logger.Error("unit crashed again", zap.Stringer("unit", u), zap.Int("attempts", attempts), zap.Error(r.crash))
		if err := advance(u, StateBuilding, StateBuildFailed); err != nil {
			s.logger.Error("unit transition", zap.Stringer("unit", u), zap.Error(err))
		}
		r.result = verdict.UnitResult{
			Configuration: u.Configuration,
			Build:         build.StatusHarnessError,
			Run:           consumer.StatusSkipped,
			Reason:        firstLine(r.crash.Error()),
		}
	}
	s.record(u, r.result, q)
}

func (s *Scheduler) skipReason(u *Unit) (build.Status, string, bool) {
	if missing := s.env.MissingCapabilities(u.Recipe.Requires); len(missing) > 0 {
		return build.StatusToolchainUnavailable, "missing capabilities: " + strings.Join(missing, ", "), true
	}
	if reason, ok := u.Recipe.SkipReason(u.Configuration); ok {
		return build.StatusSkipped, reason, true
	}
	return "", "", false
}

type attemptResult struct {
	result   verdict.UnitResult
	canceled bool
	crash    error
}

func (s *Scheduler) unitTimeout() time.Duration {
	if s.opts.BuildTimeout <= 0 || s.opts.RunTimeout <= 0 {
		return 0
	}
	return s.opts.BuildTimeout + s.opts.RunTimeout + s.opts.Grace
}

// attempt runs one try of the unit under the watchdog. The watchdog deadline
// holds even when the build or run ignores its own timeout.
func (s *Scheduler) attempt(ctx context.Context, u *Unit, dir string) attemptResult {
	unitCtx := ctx
	cancel := func() {}
	limit := s.unitTimeout()
	if limit > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, limit)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{crash: fmt.Errorf("panic: %v\n%s", p, debug.Stack())}
			}
		}()
		done <- s.execute(unitCtx, u, dir)
	}()

	var (
		r        attemptResult
		finished bool
	)
	select {
	case r = <-done:
		finished = true
	case <-unitCtx.Done():
		select {
		case r = <-done:
			finished = true
		case <-time.After(s.reapDelay):
		}
	}

	if finished && !r.canceled {
		return r
	}
	if ctx.Err() != nil {
		return attemptResult{canceled: true}
	}
	if unitCtx.Err() == context.DeadlineExceeded {
		return attemptResult{result: s.timedOut(u, limit)}
	}
	if !finished {
		return attemptResult{crash: errors.New("attempt did not return")}
	}
	return attemptResult{crash: errors.New("attempt canceled while the run was still active")}
}

// timedOut records a watchdog expiry in the phase the unit was in
func (s *Scheduler) timedOut(u *Unit, limit time.Duration) verdict.UnitResult {
	res := verdict.UnitResult{
		Configuration: u.Configuration,
		Reason:        fmt.Sprintf("unit exceeded its %s deadline", limit),
		Duration:      limit,
	}
	s.logger.Warn("unit watchdog expired", zap.Stringer("unit", u), zap.String("state", string(u.State())))

	switch state := u.State(); state {
	case StateBuilt, StateRunning:
		if state == StateBuilt {
			_ = advance(u, StateRunning)
		}
		_ = advance(u, StateRunFailed)
		res.Build = build.StatusOK
		res.Run = consumer.StatusTimeout
	default:
		_ = advance(u, StateBuildFailed)
		res.Build = build.StatusTimeout
		res.Run = consumer.StatusSkipped
	}
	return res
}

// execute builds and runs the unit, moving it through its lifecycle
func (s *Scheduler) execute(ctx context.Context, u *Unit, dir string) attemptResult {
	if err := advance(u, StateBuilding); err != nil {
		return attemptResult{crash: err}
	}

	built, err := s.builder.Build(ctx, u.Recipe, u.Configuration, dir, s.opts.BuildTimeout)
	if err != nil {
		return attemptResult{crash: err}
	}
	res := verdict.UnitResult{
		Configuration: u.Configuration,
		Build:         built.Status,
		Run:           consumer.StatusSkipped,
		Reason:        built.Reason,
		BuildOutput:   built.Output,
		BuildLog:      built.LogDir,
		Duration:      built.Duration,
	}

	var next State
	switch {
	case built.Status == build.StatusCanceled:
		return attemptResult{canceled: true}
	case built.Status.Skipped():
		next = StateSkipped
	case built.Status != build.StatusOK:
		next = StateBuildFailed
	}
	if next != "" {
		if err := advance(u, next); err != nil {
			return attemptResult{crash: err}
		}
		return attemptResult{result: res}
	}

	if err := advance(u, StateBuilt, StateRunning); err != nil {
		return attemptResult{crash: err}
	}
	ran, err := s.executor.Run(ctx, built, u.Recipe.Consumer.Args, s.opts.RunTimeout)
	if err != nil {
		return attemptResult{crash: err}
	}
	if ran.Status == consumer.StatusCanceled {
		return attemptResult{canceled: true}
	}

	res.Run = ran.Status
	res.Signal = ran.Signal
	res.Stdout = ran.Stdout
	res.Stderr = ran.Stderr
	res.RunLog = ran.StdoutFile
	res.Duration += ran.Duration
	if res.Reason == "" {
		res.Reason = ran.Reason
	}
	if ran.Status == consumer.StatusOK || ran.Status == consumer.StatusNonzeroExit {
		code := ran.ExitCode
		res.ExitCode = &code
	}

	next = StateDone
	if ran.Status != consumer.StatusOK {
		next = StateRunFailed
	}
	if err := advance(u, next); err != nil {
		return attemptResult{crash: err}
	}
	return attemptResult{result: res}
}

func (s *Scheduler) record(u *Unit, res verdict.UnitResult, q *queue) {
	j := u.job
	if err := j.acc.Report(res); err != nil {
		s.logger.Error("result rejected", zap.Stringer("unit", u), zap.Error(err))
	}
	if s.OnUnit != nil {
		s.OnUnit(u.Recipe, res)
	}
	if j.acc.Complete() {
		s.finalize(j, nil)
	}
	q.done()
}

// finalize fixes the recipe verdict exactly once
func (s *Scheduler) finalize(j *job, v *verdict.Verdict) {
	j.once.Do(func() {
		if v == nil {
			v = j.acc.Verdict()
		}
		j.verdict = v
		s.logger.Info("recipe verdict",
			zap.String("recipe", v.Recipe.Ref()),
			zap.String("verdict", string(v.State)),
			zap.Int("configurations", len(v.Results)),
			zap.Int("missing", len(v.Missing)))
		if s.OnVerdict != nil {
			s.OnVerdict(v)
		}
	})
}

// advance applies a sequence of transitions
func advance(u *Unit, states ...State) error {
	for _, st := range states {
		if _, err := u.Transition(st); err != nil {
			return err
		}
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func unitDirName(u *Unit) string {
	name := unsafeChars.ReplaceAllString(u.Recipe.Name+"-"+u.Recipe.Version, "_")
	return name + "-" + u.Configuration.PackageID()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
