package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"jdeploy/internal/config"
	"jdeploy/internal/jenkins"
	"jdeploy/internal/session"
)

// Mode names a dispatch strategy.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
	ModeAllMaster  Mode = "all-master"
)

var (
	// ErrUnknownMode is returned by Run for an unsupported mode.
	ErrUnknownMode = errors.New("deploy: unknown mode")
	// ErrJobLocked is recorded when another process holds the job lock.
	ErrJobLocked = errors.New("deploy: job is being deployed elsewhere")
)

// SessionFactory creates and tears down browser sessions.
type SessionFactory interface {
	Create(ctx context.Context) (session.Session, error)
	// Destroy must be idempotent and must not panic.
	Destroy(s session.Session)
}

// BuildTrigger submits a build for job on the page loaded in s.
type BuildTrigger interface {
	Trigger(ctx context.Context, s session.Session, job, ref string) (bool, error)
}

// BuildWatcher blocks until the build shown in s is finished.
type BuildWatcher interface {
	Wait(ctx context.Context, s session.Session, job string) jenkins.PollResult
}

// Locker serialises deployments of the same job across processes. The
// returned release func must be safe to call once.
type Locker interface {
	Acquire(ctx context.Context, job string) (release func(), err error)
}

// Recorder persists run history. Calls happen on the dispatching
// goroutine, never from workers.
type Recorder interface {
	RunStarted(ctx context.Context, r *Report) error
	RunFinished(ctx context.Context, r *Report) error
}

// Outcome is the result of one dispatched job.
type Outcome struct {
	Job      string
	Ref      string
	Success  bool
	State    jenkins.State
	Attempts int
	Duration time.Duration
	Error    string
	// Detail is a markdown excerpt of the build page for failed builds.
	Detail string
}

// Report aggregates every outcome of one batch.
type Report struct {
	RunID    uuid.UUID
	Mode     Mode
	Plan     config.Assignments
	Outcomes []Outcome
	// Skipped lists jobs that were neither in the catalog nor the
	// sentinel; they have no outcome.
	Skipped  []string
	Started  time.Time
	Duration time.Duration
}

// Results returns job→success for every dispatched job.
func (r *Report) Results() map[string]bool {
	out := make(map[string]bool, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out[o.Job] = o.Success
	}
	return out
}

// Failed returns the number of unsuccessful outcomes.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Success {
			n++
		}
	}
	return n
}

// Request describes one batch for Run.
type Request struct {
	// ID is optional; a new one is generated when zero.
	ID         uuid.UUID
	Mode       Mode
	Plan       config.Assignments
	MaxWorkers int
}

func newRunID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
