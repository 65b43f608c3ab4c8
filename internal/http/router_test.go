package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"jdeploy/internal/catalog"
	"jdeploy/internal/config"
	"jdeploy/internal/deploy"
	"jdeploy/internal/jenkins"
	"jdeploy/internal/metrics"
	"jdeploy/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []deploy.Request
	release chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, req deploy.Request) (*deploy.Report, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	r := &deploy.Report{RunID: req.ID, Mode: req.Mode, Plan: req.Plan, Started: time.Now()}
	for _, a := range req.Plan {
		ok := a.Job != "broken"
		state := jenkins.StateSuccess
		if !ok {
			state = jenkins.StateFailed
		}
		r.Outcomes = append(r.Outcomes, deploy.Outcome{Job: a.Job, Ref: a.Ref, Success: ok, State: state, Attempts: 1})
	}
	return r, nil
}

func (f *fakeRunner) requests() []deploy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deploy.Request(nil), f.reqs...)
}

type fakeHistory struct {
	run      store.Run
	outcomes []store.Outcome
	err      error
}

func (f *fakeHistory) GetRun(ctx context.Context, id uuid.UUID) (store.Run, []store.Outcome, error) {
	if f.err != nil {
		return store.Run{}, nil, f.err
	}
	if id != f.run.ID {
		return store.Run{}, nil, store.ErrNotFound
	}
	return f.run, f.outcomes, nil
}

func (f *fakeHistory) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []store.Run{f.run}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Config == nil {
		deps.Config = config.Default()
		deps.Config.Jenkins.SentinelJob = "it-dependency"
	}
	if deps.Runner == nil {
		deps.Runner = &fakeRunner{}
	}
	s := NewServer(deps)
	t.Cleanup(s.cancel)
	return s
}

func do(t *testing.T, s *Server, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthz_Shallow(t *testing.T) {
	s := newTestServer(t, Deps{})
	resp, _ := do(t, s, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
}

func TestHealthz_DeepReportsDBError(t *testing.T) {
	s := newTestServer(t, Deps{DB: fakePinger{err: errors.New("down")}})
	resp, body := do(t, s, http.MethodGet, "/healthz?deep=true", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["db"] != "error" || got["redis"] != "disabled" {
		t.Fatalf("unexpected health body: %v", got)
	}
}

func TestJobs_ListsCatalogAndSentinel(t *testing.T) {
	s := newTestServer(t, Deps{Catalog: catalog.New("pp-b", "pp-a")})
	resp, body := do(t, s, http.MethodGet, "/v1/jobs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got JobsResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sentinel != "it-dependency" {
		t.Fatalf("expected sentinel it-dependency, got %q", got.Sentinel)
	}
	if len(got.Jobs) != 2 || got.Jobs[0] != "pp-a" || got.Jobs[1] != "pp-b" {
		t.Fatalf("unexpected jobs %v", got.Jobs)
	}
}

func TestCreateDeployment_Validation(t *testing.T) {
	s := newTestServer(t, Deps{})

	cases := map[string]string{
		"invalid json":     `{`,
		"unknown mode":     `{"mode":"parallel","services":{"a":"main"}}`,
		"empty services":   `{"mode":"concurrent","services":[]}`,
		"negative workers": `{"mode":"concurrent","services":{"a":"main"},"maxWorkers":-1}`,
	}
	for name, body := range cases {
		resp, _ := do(t, s, http.MethodPost, "/v1/deployments", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
}

func TestCreateDeployment_RunsInBackground(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := newTestServer(t, Deps{Runner: runner})

	resp, body := do(t, s, http.MethodPost, "/v1/deployments",
		`{"mode":"sequential","services":[{"job":"pp-a","ref":"main"},{"job":"broken","ref":"dev"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.StatusCode, body)
	}
	var accepted DeploymentAccepted
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := getDeployment(t, s, accepted.ID)
	if got.Status != string(store.StatusRunning) {
		t.Fatalf("expected running before release, got %q", got.Status)
	}
	if len(got.Plan) != 2 || got.Plan[0].Job != "pp-a" {
		t.Fatalf("expected plan order preserved, got %+v", got.Plan)
	}

	close(runner.release)
	got = waitFinished(t, s, accepted.ID)
	if got.Status != string(store.StatusFailed) || got.FailedCount != 1 {
		t.Fatalf("expected failed run with one failure, got %+v", got)
	}
	if len(got.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got.Outcomes))
	}

	reqs := runner.requests()
	if len(reqs) != 1 || reqs[0].Mode != deploy.ModeSequential || reqs[0].ID.String() != accepted.ID {
		t.Fatalf("unexpected runner requests %+v", reqs)
	}
}

func TestCreateDeployment_AllMasterNeedsNoServices(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, Deps{Runner: runner})

	resp, body := do(t, s, http.MethodPost, "/v1/deployments", `{"mode":"all-master","maxWorkers":3}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.StatusCode, body)
	}
	var accepted DeploymentAccepted
	_ = json.Unmarshal(body, &accepted)
	got := waitFinished(t, s, accepted.ID)
	if got.Status != string(store.StatusCompleted) {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if reqs := runner.requests(); reqs[0].MaxWorkers != 3 {
		t.Fatalf("expected maxWorkers 3, got %d", reqs[0].MaxWorkers)
	}
}

func TestCreateDeployment_RunnerError(t *testing.T) {
	s := newTestServer(t, Deps{Runner: &fakeRunner{err: errors.New("boom")}})
	_, body := do(t, s, http.MethodPost, "/v1/deployments", `{"mode":"concurrent","services":{"pp-a":"main"}}`)
	var accepted DeploymentAccepted
	_ = json.Unmarshal(body, &accepted)

	got := waitFinished(t, s, accepted.ID)
	if got.Status != string(store.StatusFailed) || got.Error != "boom" {
		t.Fatalf("expected failed run carrying the error, got %+v", got)
	}
}

func TestDeploymentStatus_NotFoundAndInvalid(t *testing.T) {
	s := newTestServer(t, Deps{})

	resp, _ := do(t, s, http.MethodGet, "/v1/deployments/not-a-uuid", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp, _ = do(t, s, http.MethodGet, "/v1/deployments/"+uuid.NewString(), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeploymentStatus_FromHistory(t *testing.T) {
	id := uuid.New()
	hist := &fakeHistory{
		run: store.Run{ID: id, Mode: "concurrent", Status: store.StatusCompleted, StartedAt: time.Now()},
		outcomes: []store.Outcome{
			{Job: "pp-a", Ref: "main", Success: true, State: "success", Attempts: 1},
		},
	}
	s := newTestServer(t, Deps{History: hist})

	got := getDeployment(t, s, id.String())
	if got.Status != "completed" || len(got.Outcomes) != 1 || got.Outcomes[0].Job != "pp-a" {
		t.Fatalf("unexpected deployment %+v", got)
	}

	resp, body := do(t, s, http.MethodGet, "/v1/deployments", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list ListDeploymentsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Deployments) != 1 || list.Deployments[0].ID != id.String() {
		t.Fatalf("unexpected list %+v", list.Deployments)
	}
}

func TestDeploymentStatus_HistoryError(t *testing.T) {
	s := newTestServer(t, Deps{History: &fakeHistory{err: errors.New("db gone")}})
	resp, _ := do(t, s, http.MethodGet, "/v1/deployments/"+uuid.NewString(), "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestListDeployments_InMemoryWithoutHistory(t *testing.T) {
	s := newTestServer(t, Deps{})
	for i := 0; i < 3; i++ {
		do(t, s, http.MethodPost, "/v1/deployments", `{"mode":"concurrent","services":{"pp-a":"main"}}`)
	}

	resp, body := do(t, s, http.MethodGet, "/v1/deployments?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list ListDeploymentsResponse
	_ = json.Unmarshal(body, &list)
	if len(list.Deployments) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(list.Deployments))
	}

	resp, _ = do(t, s, http.MethodGet, "/v1/deployments?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Deps{})
	do(t, s, http.MethodGet, "/healthz", "")
	_, body := do(t, s, http.MethodGet, "/metrics", "")
	if !strings.Contains(string(body), "jdeploy_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestMetrics_PathLabelSurvivesLaterRequests(t *testing.T) {
	s := newTestServer(t, Deps{})
	resp, _ := do(t, s, http.MethodGet, "/no-such-route-label", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", resp.StatusCode)
	}
	for i := 0; i < 50; i++ {
		do(t, s, http.MethodGet, "/v1/deployments?limit="+strconv.Itoa(i+1)+"&pad=aaaaaaaaaaaaaaaa", "")
	}

	out := metrics.Export()
	want := `jdeploy_http_requests_total{method="GET",path="/no-such-route-label",status="404"} 1`
	if !strings.Contains(out, want) {
		t.Fatalf("expected %s in metrics output:\n%s", want, out)
	}
}

func TestRunRegistry_EvictsFinishedOnly(t *testing.T) {
	r := newRunRegistry(2)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	r.start(ids[0], deploy.Request{Mode: deploy.ModeConcurrent})
	r.start(ids[1], deploy.Request{Mode: deploy.ModeConcurrent})
	r.start(ids[2], deploy.Request{Mode: deploy.ModeConcurrent})
	if _, ok := r.get(ids[0]); !ok {
		t.Fatalf("running runs must not be evicted")
	}

	r.finish(ids[1], &deploy.Report{}, nil)
	r.start(uuid.New(), deploy.Request{Mode: deploy.ModeConcurrent})
	if _, ok := r.get(ids[1]); ok {
		t.Fatalf("expected finished run to be evicted")
	}
	if r.active() != 3 {
		t.Fatalf("expected 3 active runs, got %d", r.active())
	}
}

func getDeployment(t *testing.T, s *Server, id string) DeploymentItem {
	t.Helper()
	resp, body := do(t, s, http.MethodGet, "/v1/deployments/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	var got DeploymentResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Deployment == nil {
		t.Fatalf("missing deployment in response")
	}
	return *got.Deployment
}

func waitFinished(t *testing.T, s *Server, id string) DeploymentItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := getDeployment(t, s, id)
		if got.Status != string(store.StatusRunning) {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("deployment %s did not finish", id)
	return DeploymentItem{}
}
