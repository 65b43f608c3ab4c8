package store

// Status represents the lifecycle state of a deployment run. These
// values must match the text values stored in deploy_runs.status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)
