package deploy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"jdeploy/internal/catalog"
	"jdeploy/internal/config"
	"jdeploy/internal/jenkins"
	"jdeploy/internal/session"
	"jdeploy/internal/session/sessiontest"
)

type fakeFactory struct {
	mu        sync.Mutex
	created   int
	destroyed int
	failOn    map[int]bool // 1-based create call numbers that fail
	calls     int
	sessions  []*sessiontest.Fake
	build     func() *sessiontest.Fake
}

func (f *fakeFactory) Create(ctx context.Context) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn[f.calls] {
		return nil, session.ErrSessionCreate
	}
	s := &sessiontest.Fake{}
	if f.build != nil {
		s = f.build()
	}
	f.created++
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) Destroy(s session.Session) {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	_ = s.Close()
}

func (f *fakeFactory) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

type triggerResult struct {
	ok  bool
	err error
}

type fakeTrigger struct {
	mu       sync.Mutex
	results  map[string][]triggerResult
	calls    []string
	panicFor string
	hold     time.Duration
	inFlight int
	peak     int
}

func (f *fakeTrigger) Trigger(ctx context.Context, s session.Session, job, ref string) (bool, error) {
	f.mu.Lock()
	n := 0
	for _, c := range f.calls {
		if c == job {
			n++
		}
	}
	f.calls = append(f.calls, job)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if job == f.panicFor {
		panic("unexpected driver state")
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	rs := f.results[job]
	if len(rs) == 0 {
		return true, nil
	}
	if n >= len(rs) {
		n = len(rs) - 1
	}
	return rs[n].ok, rs[n].err
}

func (f *fakeTrigger) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeWatcher struct {
	states map[string]jenkins.State
	block  bool
}

func (f *fakeWatcher) Wait(ctx context.Context, s session.Session, job string) jenkins.PollResult {
	if f.block {
		<-ctx.Done()
		return jenkins.PollResult{State: jenkins.StateTimedOut, Err: ctx.Err()}
	}
	st, ok := f.states[job]
	if !ok {
		st = jenkins.StateSuccess
	}
	return jenkins.PollResult{State: st, Polls: 1}
}

type fakeLocker struct {
	held     map[string]bool
	released []string
	mu       sync.Mutex
}

func (f *fakeLocker) Acquire(_ context.Context, job string) (func(), error) {
	if f.held[job] {
		return nil, errors.New("held by another run")
	}
	return func() {
		f.mu.Lock()
		f.released = append(f.released, job)
		f.mu.Unlock()
	}, nil
}

type fakeRecorder struct {
	started  int
	finished []*Report
}

func (f *fakeRecorder) RunStarted(_ context.Context, _ *Report) error {
	f.started++
	return nil
}

func (f *fakeRecorder) RunFinished(_ context.Context, r *Report) error {
	f.finished = append(f.finished, r)
	return nil
}

func newTestOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Catalog == nil {
		deps.Catalog = catalog.New("svc-a", "svc-b", "svc-c", "svc-d", "svc-e")
	}
	if deps.Sessions == nil {
		deps.Sessions = &fakeFactory{}
	}
	if deps.Trigger == nil {
		deps.Trigger = &fakeTrigger{}
	}
	if deps.Watcher == nil {
		deps.Watcher = &fakeWatcher{}
	}
	if opts.SentinelJob == "" {
		opts.SentinelJob = "it-dependency"
	}
	if opts.SequentialPause == 0 {
		opts.SequentialPause = time.Millisecond
	}
	return New(deps, opts)
}

func plan(pairs ...string) config.Assignments {
	var a config.Assignments
	for i := 0; i+1 < len(pairs); i += 2 {
		a = append(a, config.Assignment{Job: pairs[i], Ref: pairs[i+1]})
	}
	return a
}

func TestDeployConcurrent_SingleJobSuccess(t *testing.T) {
	o := newTestOrchestrator(Deps{}, Options{})
	report := o.DeployConcurrent(context.Background(), plan("svc-a", "master"), 3)

	want := map[string]bool{"svc-a": true}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
}

func TestDeployConcurrent_UnknownJobSkipped(t *testing.T) {
	var buf bytes.Buffer
	factory := &fakeFactory{}
	o := newTestOrchestrator(Deps{
		Sessions: factory,
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	}, Options{})

	report := o.DeployConcurrent(context.Background(), plan("svc-x", "master"), 3)

	if _, ok := report.Results()["svc-x"]; ok {
		t.Fatalf("expected no outcome for unknown job, got %v", report.Results())
	}
	if !reflect.DeepEqual(report.Skipped, []string{"svc-x"}) {
		t.Fatalf("expected svc-x to be reported as skipped, got %v", report.Skipped)
	}
	if !strings.Contains(buf.String(), "job_not_in_catalog") || !strings.Contains(buf.String(), "svc-x") {
		t.Fatalf("expected a warning for svc-x, got:\n%s", buf.String())
	}
	if created, _ := factory.counts(); created != 0 {
		t.Fatalf("expected no sessions for skipped jobs, got %d", created)
	}
}

func TestDeployConcurrent_MixedOutcomes(t *testing.T) {
	trigger := &fakeTrigger{results: map[string][]triggerResult{
		"svc-b": {{ok: false}},
	}}
	o := newTestOrchestrator(Deps{Trigger: trigger}, Options{})

	report := o.DeployConcurrent(context.Background(), plan("svc-a", "master", "svc-b", "dev"), 2)

	want := map[string]bool{"svc-a": true, "svc-b": false}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
}

func TestDeployConcurrent_PollNeverFinishes(t *testing.T) {
	factory := &fakeFactory{build: func() *sessiontest.Fake {
		return &sessiontest.Fake{Statuses: []sessiontest.Status{{Label: "running"}}}
	}}
	poller := jenkins.NewPoller(jenkins.PollOptions{Grace: 2 * time.Millisecond, Interval: 2 * time.Millisecond, MaxPolls: 3}, nil)
	trigger := jenkins.NewTrigger(jenkins.Pages{BaseURL: "https://ci.example.com"}, jenkins.TriggerOptions{FieldTimeout: time.Millisecond}, nil)

	o := newTestOrchestrator(Deps{Sessions: factory, Trigger: trigger, Watcher: poller}, Options{})

	start := time.Now()
	report := o.DeployConcurrent(context.Background(), plan("svc-a", "master"), 1)
	elapsed := time.Since(start)

	if report.Results()["svc-a"] {
		t.Fatalf("expected failure when the build never finishes")
	}
	if st := report.Outcomes[0].State; st != jenkins.StateTimedOut {
		t.Fatalf("expected timed_out, got %s", st)
	}
	if elapsed < 8*time.Millisecond {
		t.Fatalf("expected at least grace + 3 intervals, got %v", elapsed)
	}
}

func TestDeployConcurrent_SessionCountInvariant(t *testing.T) {
	factory := &fakeFactory{failOn: map[int]bool{3: true}}
	trigger := &fakeTrigger{
		results: map[string][]triggerResult{"svc-b": {{ok: false}}},
		hold:    5 * time.Millisecond,
	}
	o := newTestOrchestrator(Deps{Sessions: factory, Trigger: trigger}, Options{})

	report := o.DeployConcurrent(context.Background(),
		plan("svc-a", "m", "svc-b", "m", "svc-c", "m", "svc-d", "m", "svc-e", "m"), 2)

	created, destroyed := factory.counts()
	if created != 4 || destroyed != 4 {
		t.Fatalf("expected 4 sessions created and destroyed, got %d/%d", created, destroyed)
	}
	for _, s := range factory.sessions {
		if s.Closes() != 1 {
			t.Fatalf("expected every session to be closed exactly once, got %d", s.Closes())
		}
	}

	want := map[string]bool{"svc-a": true, "svc-b": false, "svc-c": false, "svc-d": true, "svc-e": true}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
	if trigger.peak > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, observed %d", trigger.peak)
	}
}

func TestDeployConcurrent_PanicIsContained(t *testing.T) {
	factory := &fakeFactory{}
	trigger := &fakeTrigger{panicFor: "svc-b"}
	o := newTestOrchestrator(Deps{Sessions: factory, Trigger: trigger}, Options{})

	report := o.DeployConcurrent(context.Background(), plan("svc-a", "master", "svc-b", "master"), 2)

	want := map[string]bool{"svc-a": true, "svc-b": false}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
	if created, destroyed := factory.counts(); created != destroyed {
		t.Fatalf("session leak: created %d destroyed %d", created, destroyed)
	}
}

func TestDeployConcurrent_SentinelBypassesCatalog(t *testing.T) {
	o := newTestOrchestrator(Deps{}, Options{})
	report := o.DeployConcurrent(context.Background(), plan("it-dependency", "master"), 1)
	if !report.Results()["it-dependency"] {
		t.Fatalf("expected sentinel job to be dispatched, got %v", report.Results())
	}
}

func TestDeployConcurrent_OneWorkerPerJob(t *testing.T) {
	trigger := &fakeTrigger{hold: 20 * time.Millisecond}
	o := newTestOrchestrator(Deps{Trigger: trigger}, Options{OneWorkerPerJob: true, MaxWorkers: 1})

	o.DeployConcurrent(context.Background(), plan("svc-a", "m", "svc-b", "m", "svc-c", "m"), 1)
	if trigger.peak < 2 {
		t.Fatalf("expected jobs to overlap with one worker per job, peak %d", trigger.peak)
	}
}

func TestDeployConcurrent_BuildTimeout(t *testing.T) {
	o := newTestOrchestrator(Deps{Watcher: &fakeWatcher{block: true}}, Options{BuildTimeout: 10 * time.Millisecond})

	report := o.DeployConcurrent(context.Background(), plan("svc-a", "master"), 1)
	out := report.Outcomes[0]
	if out.Success || out.State != jenkins.StateTimedOut {
		t.Fatalf("expected timed_out outcome, got %+v", out)
	}
}

func TestDeployConcurrent_LockHeld(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{"svc-b": true}}
	o := newTestOrchestrator(Deps{Locker: locker}, Options{})

	report := o.DeployConcurrent(context.Background(), plan("svc-a", "master", "svc-b", "master"), 2)

	if report.Results()["svc-b"] {
		t.Fatalf("expected locked job to fail")
	}
	for _, out := range report.Outcomes {
		if out.Job == "svc-b" && !strings.Contains(out.Error, ErrJobLocked.Error()) {
			t.Fatalf("expected ErrJobLocked in outcome error, got %q", out.Error)
		}
	}
	if !reflect.DeepEqual(locker.released, []string{"svc-a"}) {
		t.Fatalf("expected svc-a lock to be released, got %v", locker.released)
	}
}

func TestDeploy_SequentialOrderAndRetry(t *testing.T) {
	factory := &fakeFactory{}
	trigger := &fakeTrigger{results: map[string][]triggerResult{
		"svc-b": {{ok: false}, {ok: true}},
	}}
	watcher := &fakeWatcher{states: map[string]jenkins.State{"svc-c": jenkins.StateFailed}}
	o := newTestOrchestrator(Deps{Sessions: factory, Trigger: trigger, Watcher: watcher}, Options{})

	report := o.Deploy(context.Background(), plan("svc-c", "m", "svc-x", "m", "svc-b", "dev", "svc-a", "m"))

	wantOrder := []string{"svc-c", "svc-c", "svc-b", "svc-b", "svc-a"}
	if got := trigger.callOrder(); !reflect.DeepEqual(got, wantOrder) {
		t.Fatalf("trigger order = %v, want %v", got, wantOrder)
	}

	want := map[string]bool{"svc-c": false, "svc-b": true, "svc-a": true}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
	if report.Outcomes[1].Attempts != 2 {
		t.Fatalf("expected svc-b to take 2 attempts, got %d", report.Outcomes[1].Attempts)
	}

	if created, destroyed := factory.counts(); created != 1 || destroyed != 1 {
		t.Fatalf("expected one shared session, got created=%d destroyed=%d", created, destroyed)
	}
}

func TestDeploy_SequentialReplacesLostSession(t *testing.T) {
	factory := &fakeFactory{}
	trigger := &fakeTrigger{results: map[string][]triggerResult{
		"svc-a": {{ok: false, err: session.ErrSessionLost}},
	}}
	o := newTestOrchestrator(Deps{Sessions: factory, Trigger: trigger}, Options{})

	report := o.Deploy(context.Background(), plan("svc-a", "m", "svc-b", "m"))

	want := map[string]bool{"svc-a": false, "svc-b": true}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
	if report.Outcomes[0].Attempts != 1 {
		t.Fatalf("a lost session must not be retried, got %d attempts", report.Outcomes[0].Attempts)
	}
	if created, destroyed := factory.counts(); created != 2 || destroyed != 2 {
		t.Fatalf("expected the session to be replaced, got created=%d destroyed=%d", created, destroyed)
	}
}

func TestDeploy_SessionCreateFailure(t *testing.T) {
	factory := &fakeFactory{failOn: map[int]bool{1: true}}
	o := newTestOrchestrator(Deps{Sessions: factory}, Options{})

	report := o.Deploy(context.Background(), plan("svc-a", "m", "svc-b", "m"))

	want := map[string]bool{"svc-a": false, "svc-b": true}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
}

func TestDeploy_EmptyPlan(t *testing.T) {
	factory := &fakeFactory{}
	o := newTestOrchestrator(Deps{Sessions: factory}, Options{})

	report := o.Deploy(context.Background(), nil)
	if len(report.Results()) != 0 {
		t.Fatalf("expected empty results")
	}
	if created, _ := factory.counts(); created != 0 {
		t.Fatalf("expected no session for an empty plan")
	}
}

func TestDeployAllMaster(t *testing.T) {
	trigger := &fakeTrigger{hold: 10 * time.Millisecond}
	o := newTestOrchestrator(Deps{
		Catalog: catalog.New("svc-a", "svc-b", "pp-commons"),
		Trigger: trigger,
	}, Options{SkipServices: []string{"pp-commons"}, MaxWorkers: 1})

	wantPlan := plan("svc-a", "master", "svc-b", "master")
	if got := o.AllMasterPlan(); !reflect.DeepEqual(got, wantPlan) {
		t.Fatalf("AllMasterPlan() = %v, want %v", got, wantPlan)
	}

	report := o.DeployAllMaster(context.Background())
	want := map[string]bool{"svc-a": true, "svc-b": true}
	if got := report.Results(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Results() = %v, want %v", got, want)
	}
	if report.Mode != ModeAllMaster {
		t.Fatalf("expected all-master mode, got %s", report.Mode)
	}
	if trigger.peak != 2 {
		t.Fatalf("expected one worker per job (peak 2), got %d", trigger.peak)
	}
}

func TestRun_RecorderAndUnknownMode(t *testing.T) {
	rec := &fakeRecorder{}
	o := newTestOrchestrator(Deps{Recorder: rec}, Options{})

	report, err := o.Run(context.Background(), Request{Mode: ModeConcurrent, Plan: plan("svc-a", "m")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if rec.started != 1 || len(rec.finished) != 1 || rec.finished[0] != report {
		t.Fatalf("expected recorder to see start and finish, got %d/%d", rec.started, len(rec.finished))
	}
	if report.Duration <= 0 {
		t.Fatalf("expected report duration to be set")
	}

	if _, err := o.Run(context.Background(), Request{Mode: "rolling"}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestDeployConcurrent_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	factory := &fakeFactory{}
	o := newTestOrchestrator(Deps{Sessions: factory, Watcher: &fakeWatcher{block: true}}, Options{})
	report := o.DeployConcurrent(ctx, plan("svc-a", "m", "svc-b", "m"), 1)

	for job, ok := range report.Results() {
		if ok {
			t.Fatalf("expected %s to fail after cancellation", job)
		}
	}
	if created, destroyed := factory.counts(); created != destroyed {
		t.Fatalf("session leak after cancellation: created %d destroyed %d", created, destroyed)
	}
}
