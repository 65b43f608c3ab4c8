package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for deployments and HTTP requests.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	deploymentsTotal    = make(map[deployKey]int64)
	deployDurationMsSum = make(map[string]int64)
	runsTotal           = make(map[string]int64)

	deploySkippedTotal  int64
	sessionsCreated     int64
	sessionsDestroyed   int64
	sessionCreateFailed int64
	retentionRunsTotal  int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type deployKey struct {
	Mode  string
	State string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordDeployment counts one job outcome for a dispatch mode.
func RecordDeployment(mode, state string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()

	deploymentsTotal[deployKey{Mode: mode, State: state}]++
	if durationMs > 0 {
		deployDurationMsSum[mode] += durationMs
	}
}

// RecordRun counts a finished batch for a dispatch mode.
func RecordRun(mode string) {
	mu.Lock()
	defer mu.Unlock()
	runsTotal[mode]++
}

// RecordSkipped counts jobs dropped because they are not in the catalog.
func RecordSkipped(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	deploySkippedTotal += int64(n)
}

// RecordSessionCreated counts a browser session start; ok=false counts a
// failed start.
func RecordSessionCreated(ok bool) {
	mu.Lock()
	defer mu.Unlock()
	if ok {
		sessionsCreated++
	} else {
		sessionCreateFailed++
	}
}

func RecordSessionDestroyed() {
	mu.Lock()
	defer mu.Unlock()
	sessionsDestroyed++
}

// RecordRetentionRuns counts runs deleted by the retention sweep.
func RecordRetentionRuns(n int64) {
	mu.Lock()
	defer mu.Unlock()
	retentionRunsTotal += n
}

// SessionsOpen returns created minus destroyed sessions.
func SessionsOpen() int64 {
	mu.RLock()
	defer mu.RUnlock()
	return sessionsCreated - sessionsDestroyed
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP jdeploy_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE jdeploy_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "jdeploy_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP jdeploy_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE jdeploy_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP jdeploy_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE jdeploy_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "jdeploy_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "jdeploy_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	// Deployment metrics
	b.WriteString("# HELP jdeploy_deployments_total Job outcomes by dispatch mode and final state\n")
	b.WriteString("# TYPE jdeploy_deployments_total counter\n")

	var deployKeys []deployKey
	for k := range deploymentsTotal {
		deployKeys = append(deployKeys, k)
	}
	sort.Slice(deployKeys, func(i, j int) bool {
		if deployKeys[i].Mode != deployKeys[j].Mode {
			return deployKeys[i].Mode < deployKeys[j].Mode
		}
		return deployKeys[i].State < deployKeys[j].State
	})
	for _, k := range deployKeys {
		fmt.Fprintf(&b, "jdeploy_deployments_total{mode=\"%s\",state=\"%s\"} %d\n",
			k.Mode, k.State, deploymentsTotal[k])
	}

	b.WriteString("# HELP jdeploy_deployment_duration_ms_sum Total job duration in milliseconds by mode\n")
	b.WriteString("# TYPE jdeploy_deployment_duration_ms_sum counter\n")
	var modes []string
	for m := range deployDurationMsSum {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	for _, m := range modes {
		fmt.Fprintf(&b, "jdeploy_deployment_duration_ms_sum{mode=\"%s\"} %d\n", m, deployDurationMsSum[m])
	}

	b.WriteString("# HELP jdeploy_runs_total Finished deployment batches by mode\n")
	b.WriteString("# TYPE jdeploy_runs_total counter\n")
	var runModes []string
	for m := range runsTotal {
		runModes = append(runModes, m)
	}
	sort.Strings(runModes)
	for _, m := range runModes {
		fmt.Fprintf(&b, "jdeploy_runs_total{mode=\"%s\"} %d\n", m, runsTotal[m])
	}

	b.WriteString("# HELP jdeploy_deployments_skipped_total Jobs skipped because they are not deployable\n")
	b.WriteString("# TYPE jdeploy_deployments_skipped_total counter\n")
	fmt.Fprintf(&b, "jdeploy_deployments_skipped_total %d\n", deploySkippedTotal)

	// Session metrics
	b.WriteString("# HELP jdeploy_sessions_created_total Browser sessions started\n")
	b.WriteString("# TYPE jdeploy_sessions_created_total counter\n")
	fmt.Fprintf(&b, "jdeploy_sessions_created_total %d\n", sessionsCreated)
	b.WriteString("# HELP jdeploy_sessions_destroyed_total Browser sessions torn down\n")
	b.WriteString("# TYPE jdeploy_sessions_destroyed_total counter\n")
	fmt.Fprintf(&b, "jdeploy_sessions_destroyed_total %d\n", sessionsDestroyed)
	b.WriteString("# HELP jdeploy_session_create_failures_total Browser sessions that failed to start\n")
	b.WriteString("# TYPE jdeploy_session_create_failures_total counter\n")
	fmt.Fprintf(&b, "jdeploy_session_create_failures_total %d\n", sessionCreateFailed)

	// Retention metrics
	b.WriteString("# HELP jdeploy_retention_runs_deleted_total Deployment runs deleted by retention\n")
	b.WriteString("# TYPE jdeploy_retention_runs_deleted_total counter\n")
	fmt.Fprintf(&b, "jdeploy_retention_runs_deleted_total %d\n", retentionRunsTotal)

	return b.String()
}
