package http

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"jdeploy/internal/config"
	"jdeploy/internal/deploy"
	"jdeploy/internal/store"
)

// runState tracks a batch started through the API.
type runState struct {
	id        uuid.UUID
	mode      deploy.Mode
	plan      config.Assignments
	status    store.Status
	started   time.Time
	report    *deploy.Report
	err       string
	finishedT time.Time
}

// runRegistry keeps the most recent API runs in memory. Finished runs are
// evicted oldest first once more than limit are held; running ones never are.
type runRegistry struct {
	mu    sync.Mutex
	limit int
	order []uuid.UUID
	runs  map[uuid.UUID]*runState
}

func newRunRegistry(limit int) *runRegistry {
	return &runRegistry{limit: limit, runs: make(map[uuid.UUID]*runState)}
}

func (r *runRegistry) start(id uuid.UUID, req deploy.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := &runState{id: id, mode: req.Mode, status: store.StatusRunning, started: time.Now()}
	st.plan = append(st.plan, req.Plan...)
	r.runs[id] = st
	r.order = append(r.order, id)
	r.evict()
}

func (r *runRegistry) finish(id uuid.UUID, report *deploy.Report, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.runs[id]
	if !ok {
		return
	}
	st.finishedT = time.Now()
	st.report = report
	switch {
	case err != nil:
		st.status = store.StatusFailed
		st.err = err.Error()
	case report != nil && report.Failed() > 0:
		st.status = store.StatusFailed
	default:
		st.status = store.StatusCompleted
	}
}

func (r *runRegistry) evict() {
	for len(r.order) > r.limit {
		victim := -1
		for i, id := range r.order {
			if r.runs[id].status != store.StatusRunning {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(r.runs, r.order[victim])
		r.order = append(r.order[:victim], r.order[victim+1:]...)
	}
}

func (r *runRegistry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.runs {
		if st.status == store.StatusRunning {
			n++
		}
	}
	return n
}

func (r *runRegistry) get(id uuid.UUID) (DeploymentItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[id]
	if !ok {
		return DeploymentItem{}, false
	}
	return st.item(), true
}

// list returns held runs, newest first.
func (r *runRegistry) list() []DeploymentItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeploymentItem, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.runs[r.order[i]].item())
	}
	return out
}

// item must be called with the registry lock held.
func (st *runState) item() DeploymentItem {
	item := DeploymentItem{
		ID:        st.id.String(),
		Mode:      string(st.mode),
		Status:    string(st.status),
		Plan:      st.plan,
		StartedAt: st.started,
		Error:     st.err,
	}
	if !st.finishedT.IsZero() {
		finished := st.finishedT
		item.FinishedAt = &finished
		ms := finished.Sub(st.started).Milliseconds()
		item.DurationMs = &ms
	}
	if st.report != nil {
		// The report carries the resolved plan, e.g. for all-master.
		item.Plan = st.report.Plan
		item.Skipped = st.report.Skipped
		item.FailedCount = st.report.Failed()
		for _, o := range st.report.Outcomes {
			item.Outcomes = append(item.Outcomes, outcomeFromReport(o))
		}
	}
	return item
}
