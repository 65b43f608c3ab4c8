// Package deploy fans Jenkins builds out over browser sessions and
// collects one outcome per job.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"jdeploy/internal/catalog"
	"jdeploy/internal/config"
	"jdeploy/internal/jenkins"
	"jdeploy/internal/metrics"
	"jdeploy/internal/session"
)

// Options tunes dispatch. Zero values fall back to defaults.
type Options struct {
	// MaxWorkers caps concurrent jobs when a call does not pass its own.
	MaxWorkers int
	// OneWorkerPerJob sizes the pool to the number of eligible jobs,
	// ignoring MaxWorkers.
	OneWorkerPerJob bool
	// BuildTimeout is a wall-clock deadline for trigger+poll of one job.
	// Zero leaves the poll budget as the only bound.
	BuildTimeout       time.Duration
	SequentialAttempts int
	SequentialPause    time.Duration
	SentinelJob        string
	SkipServices       []string
	AllMasterRef       string
	// AllMasterMaxWorkers overrides the one-worker-per-job sizing of
	// DeployAllMaster when > 0.
	AllMasterMaxWorkers int
}

// Deps are the collaborators of an Orchestrator. Locker and Recorder are
// optional.
type Deps struct {
	Catalog  *catalog.Catalog
	Sessions SessionFactory
	Trigger  BuildTrigger
	Watcher  BuildWatcher
	Locker   Locker
	Recorder Recorder
	Logger   *slog.Logger
}

// Orchestrator dispatches deployments. It holds no per-run state and can
// serve several runs at once.
type Orchestrator struct {
	deps Deps
	opts Options
	skip map[string]struct{}
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	if opts.SequentialAttempts <= 0 {
		opts.SequentialAttempts = 2
	}
	if opts.AllMasterRef == "" {
		opts.AllMasterRef = "master"
	}
	skip := make(map[string]struct{}, len(opts.SkipServices))
	for _, s := range opts.SkipServices {
		skip[s] = struct{}{}
	}
	return &Orchestrator{deps: deps, opts: opts, skip: skip}
}

// Run dispatches req according to its mode.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	id := req.ID
	if id == uuid.Nil {
		id = newRunID()
	}
	switch req.Mode {
	case ModeSequential:
		return o.deploySequential(ctx, id, req.Plan), nil
	case ModeConcurrent:
		return o.deployConcurrent(ctx, id, ModeConcurrent, req.Plan, req.MaxWorkers), nil
	case ModeAllMaster:
		return o.deployAllMaster(ctx, id, req.MaxWorkers), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
}

// Deploy runs plan one job at a time in plan order on a single shared
// session, retrying each job once after a pause.
func (o *Orchestrator) Deploy(ctx context.Context, plan config.Assignments) *Report {
	return o.deploySequential(ctx, newRunID(), plan)
}

// DeployConcurrent runs plan on a pool of maxWorkers workers (the
// configured default when maxWorkers <= 0), one dedicated session per job.
func (o *Orchestrator) DeployConcurrent(ctx context.Context, plan config.Assignments, maxWorkers int) *Report {
	return o.deployConcurrent(ctx, newRunID(), ModeConcurrent, plan, maxWorkers)
}

// DeployAllMaster deploys every catalog job except the skip list on the
// master ref, one worker per job unless configured otherwise.
func (o *Orchestrator) DeployAllMaster(ctx context.Context) *Report {
	return o.deployAllMaster(ctx, newRunID(), 0)
}

// AllMasterPlan returns the plan DeployAllMaster would dispatch.
func (o *Orchestrator) AllMasterPlan() config.Assignments {
	var plan config.Assignments
	for _, job := range o.deps.Catalog.All() {
		if _, skipped := o.skip[job]; skipped {
			continue
		}
		plan = append(plan, config.Assignment{Job: job, Ref: o.opts.AllMasterRef})
	}
	return plan
}

func (o *Orchestrator) deployAllMaster(ctx context.Context, id uuid.UUID, maxWorkers int) *Report {
	plan := o.AllMasterPlan()
	if maxWorkers <= 0 {
		maxWorkers = o.opts.AllMasterMaxWorkers
	}
	if maxWorkers <= 0 {
		maxWorkers = len(plan)
	}
	return o.deployConcurrent(ctx, id, ModeAllMaster, plan, maxWorkers)
}

func (o *Orchestrator) deploySequential(ctx context.Context, id uuid.UUID, plan config.Assignments) *Report {
	report := o.begin(ctx, id, ModeSequential, plan)
	eligible := o.eligible(report)
	defer o.finish(ctx, report)

	var shared *handle
	defer func() {
		if shared != nil {
			shared.release()
		}
	}()

	for _, a := range eligible {
		if shared == nil {
			h, err := o.createSession(ctx, a.Job)
			if err != nil {
				report.Outcomes = append(report.Outcomes, o.failed(ModeSequential, a, 0, err))
				continue
			}
			shared = h
		}

		out, lost := o.runSequentialJob(ctx, shared.s, a)
		report.Outcomes = append(report.Outcomes, out)

		// A dead browser is replaced before the next job.
		if lost {
			shared.release()
			shared = nil
		}
	}
	return report
}

func (o *Orchestrator) runSequentialJob(ctx context.Context, s session.Session, a config.Assignment) (out Outcome, lost bool) {
	start := time.Now()
	o.log(slog.LevelInfo, "deploy_job_started", "job", a.Job, "ref", a.Ref, "mode", ModeSequential)

	release, err := o.lock(ctx, a.Job)
	if err != nil {
		return o.failed(ModeSequential, a, time.Since(start), err), false
	}
	defer release()

	out = Outcome{Job: a.Job, Ref: a.Ref, State: jenkins.StatePending}
	for attempt := 1; attempt <= o.opts.SequentialAttempts; attempt++ {
		if attempt > 1 {
			o.log(slog.LevelInfo, "deploy_job_retry", "job", a.Job, "attempt", attempt, "pause_ms", o.opts.SequentialPause.Milliseconds())
			if err := pause(ctx, o.opts.SequentialPause); err != nil {
				out.Error = err.Error()
				break
			}
		}

		out.Attempts = attempt
		res := o.attempt(ctx, s, a)
		out.State, out.Detail, out.Error = res.State, res.Detail, errString(res.Err)
		if res.State == jenkins.StateSuccess {
			break
		}
		if errors.Is(res.Err, session.ErrSessionLost) {
			lost = true
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	out.Success = out.State == jenkins.StateSuccess
	out.Duration = time.Since(start)
	o.record(ModeSequential, out)
	return out, lost
}

func (o *Orchestrator) deployConcurrent(ctx context.Context, id uuid.UUID, mode Mode, plan config.Assignments, maxWorkers int) *Report {
	report := o.begin(ctx, id, mode, plan)
	eligible := o.eligible(report)
	defer o.finish(ctx, report)

	if len(eligible) == 0 {
		return report
	}

	workers := o.poolSize(maxWorkers, len(eligible))
	o.log(slog.LevelInfo, "deploy_pool_started", "run_id", id, "mode", mode, "workers", workers, "jobs", len(eligible))

	sem := semaphore.NewWeighted(int64(workers))
	outcomes := make([]Outcome, len(eligible))
	handles := make([]*handle, 0, len(eligible))

	// Every session created below is released here even if a task never
	// got to run.
	defer func() {
		for _, h := range handles {
			h.release()
		}
	}()

	var g errgroup.Group
	for i, a := range eligible {
		// Sessions are created on this goroutine, one per submitted job,
		// so the session count never depends on the pool size.
		h, err := o.createSession(ctx, a.Job)
		if err != nil {
			outcomes[i] = o.failed(mode, a, 0, err)
			continue
		}
		handles = append(handles, h)

		i, a := i, a
		g.Go(func() error {
			outcomes[i] = o.runTask(ctx, mode, sem, h, a)
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	return report
}

// runTask executes one job on its own session. It never panics: any
// panic is turned into a failed outcome.
func (o *Orchestrator) runTask(ctx context.Context, mode Mode, sem *semaphore.Weighted, h *handle, a config.Assignment) (out Outcome) {
	start := time.Now()
	defer h.release()
	defer func() {
		if r := recover(); r != nil {
			o.log(slog.LevelError, "deploy_task_panic", "job", a.Job, "panic", r)
			out = o.failed(mode, a, time.Since(start), fmt.Errorf("panic: %v", r))
		}
	}()

	if err := sem.Acquire(ctx, 1); err != nil {
		return o.failed(mode, a, time.Since(start), err)
	}
	defer sem.Release(1)

	o.log(slog.LevelInfo, "deploy_job_started", "job", a.Job, "ref", a.Ref, "mode", mode)

	release, err := o.lock(ctx, a.Job)
	if err != nil {
		return o.failed(mode, a, time.Since(start), err)
	}
	defer release()

	res := o.attempt(ctx, h.s, a)
	out = Outcome{
		Job:      a.Job,
		Ref:      a.Ref,
		Success:  res.State == jenkins.StateSuccess,
		State:    res.State,
		Attempts: 1,
		Duration: time.Since(start),
		Error:    errString(res.Err),
		Detail:   res.Detail,
	}
	o.record(mode, out)
	return out
}

type attemptResult struct {
	State  jenkins.State
	Err    error
	Detail string
}

// attempt triggers a build and, if the submission went through, watches
// it to completion. It is bounded by the build timeout when configured.
func (o *Orchestrator) attempt(ctx context.Context, s session.Session, a config.Assignment) attemptResult {
	if o.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.BuildTimeout)
		defer cancel()
	}

	ok, err := o.deps.Trigger.Trigger(ctx, s, a.Job, a.Ref)
	if err != nil {
		return attemptResult{State: jenkins.StateFailed, Err: err}
	}
	if !ok {
		return attemptResult{State: jenkins.StateFailed, Err: errors.New("build submission failed")}
	}

	res := o.deps.Watcher.Wait(ctx, s, a.Job)
	return attemptResult{State: res.State, Err: res.Err, Detail: res.Detail}
}

// eligible filters report.Plan down to deployable jobs, recording the
// rest as skipped. Duplicate jobs keep their first position and last ref.
func (o *Orchestrator) eligible(report *Report) config.Assignments {
	var out config.Assignments
	for _, a := range report.Plan {
		if o.isSentinel(a.Job) || o.deps.Catalog.IsKnown(a.Job) {
			out.Set(a.Job, a.Ref)
			continue
		}
		o.log(slog.LevelWarn, "job_not_in_catalog", "run_id", report.RunID, "job", a.Job)
		report.Skipped = append(report.Skipped, a.Job)
	}
	metrics.RecordSkipped(len(report.Skipped))
	return out
}

// isSentinel reports whether job bypasses the catalog.
func (o *Orchestrator) isSentinel(job string) bool {
	return job != "" && job == o.opts.SentinelJob
}

func (o *Orchestrator) poolSize(requested, jobs int) int {
	if o.opts.OneWorkerPerJob {
		return jobs
	}
	if requested <= 0 {
		requested = o.opts.MaxWorkers
	}
	if requested <= 0 {
		requested = 1
	}
	return requested
}

func (o *Orchestrator) begin(ctx context.Context, id uuid.UUID, mode Mode, plan config.Assignments) *Report {
	report := &Report{
		RunID:   id,
		Mode:    mode,
		Plan:    plan,
		Started: time.Now().UTC(),
	}
	o.log(slog.LevelInfo, "deploy_batch_started", "run_id", id, "mode", mode, "jobs", len(plan))
	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.RunStarted(ctx, report); err != nil {
			o.log(slog.LevelWarn, "run_record_failed", "run_id", id, "error", err)
		}
	}
	return report
}

func (o *Orchestrator) finish(ctx context.Context, report *Report) {
	report.Duration = time.Since(report.Started)
	metrics.RecordRun(string(report.Mode))
	o.log(slog.LevelInfo, "deploy_batch_finished",
		"run_id", report.RunID,
		"mode", report.Mode,
		"dispatched", len(report.Outcomes),
		"failed", report.Failed(),
		"skipped", len(report.Skipped),
		"total_ms", report.Duration.Milliseconds(),
	)
	if o.deps.Recorder != nil {
		// The batch may have been cancelled; history is still written.
		if err := o.deps.Recorder.RunFinished(context.WithoutCancel(ctx), report); err != nil {
			o.log(slog.LevelWarn, "run_record_failed", "run_id", report.RunID, "error", err)
		}
	}
}

func (o *Orchestrator) failed(mode Mode, a config.Assignment, d time.Duration, err error) Outcome {
	state := jenkins.StateFailed
	if errors.Is(err, context.DeadlineExceeded) {
		state = jenkins.StateTimedOut
	}
	out := Outcome{Job: a.Job, Ref: a.Ref, State: state, Duration: d, Error: errString(err)}
	o.record(mode, out)
	return out
}

func (o *Orchestrator) record(mode Mode, out Outcome) {
	metrics.RecordDeployment(string(mode), string(out.State), out.Duration.Milliseconds())
	level := slog.LevelInfo
	if !out.Success {
		level = slog.LevelError
	}
	args := []any{
		"job", out.Job,
		"ref", out.Ref,
		"success", out.Success,
		"state", out.State,
		"attempts", out.Attempts,
		"duration_ms", out.Duration.Milliseconds(),
	}
	if out.Error != "" {
		args = append(args, "error", out.Error)
	}
	o.log(level, "deploy_job_finished", args...)
}

func (o *Orchestrator) lock(ctx context.Context, job string) (func(), error) {
	if o.deps.Locker == nil {
		return func() {}, nil
	}
	release, err := o.deps.Locker.Acquire(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJobLocked, err)
	}
	return release, nil
}

// handle pairs a session with a release that runs at most once.
type handle struct {
	s    session.Session
	once sync.Once
	o    *Orchestrator
}

func (h *handle) release() {
	h.once.Do(func() {
		h.o.deps.Sessions.Destroy(h.s)
		metrics.RecordSessionDestroyed()
	})
}

func (o *Orchestrator) createSession(ctx context.Context, job string) (*handle, error) {
	s, err := o.deps.Sessions.Create(ctx)
	if err != nil {
		metrics.RecordSessionCreated(false)
		o.log(slog.LevelError, "session_create_failed", "job", job, "error", err)
		return nil, err
	}
	metrics.RecordSessionCreated(true)
	return &handle{s: s, o: o}, nil
}

func (o *Orchestrator) log(level slog.Level, msg string, args ...any) {
	if o.deps.Logger != nil {
		o.deps.Logger.Log(context.Background(), level, msg, args...)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
