package http

import (
	"time"

	"jdeploy/internal/config"
	"jdeploy/internal/deploy"
	"jdeploy/internal/store"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type JobsResponse struct {
	Success  bool     `json:"success"`
	Sentinel string   `json:"sentinel,omitempty"`
	Jobs     []string `json:"jobs"`
}

// DeploymentRequest starts a batch. Services is ignored for all-master.
type DeploymentRequest struct {
	Mode       string             `json:"mode"`
	Services   config.Assignments `json:"services"`
	MaxWorkers int                `json:"maxWorkers,omitempty"`
}

type DeploymentAccepted struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}

type OutcomeItem struct {
	Job        string `json:"job"`
	Ref        string `json:"ref"`
	Success    bool   `json:"success"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type DeploymentItem struct {
	ID          string             `json:"id"`
	Mode        string             `json:"mode"`
	Status      string             `json:"status"`
	Plan        config.Assignments `json:"plan,omitempty"`
	Skipped     []string           `json:"skipped,omitempty"`
	FailedCount int                `json:"failedCount"`
	DurationMs  *int64             `json:"durationMs,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  *time.Time         `json:"finishedAt,omitempty"`
	Error       string             `json:"error,omitempty"`
	Outcomes    []OutcomeItem      `json:"outcomes,omitempty"`
}

type DeploymentResponse struct {
	Success    bool            `json:"success"`
	Deployment *DeploymentItem `json:"deployment,omitempty"`
}

type ListDeploymentsResponse struct {
	Success     bool             `json:"success"`
	Deployments []DeploymentItem `json:"deployments"`
}

func outcomeFromReport(o deploy.Outcome) OutcomeItem {
	return OutcomeItem{
		Job:        o.Job,
		Ref:        o.Ref,
		Success:    o.Success,
		State:      string(o.State),
		Attempts:   o.Attempts,
		DurationMs: o.Duration.Milliseconds(),
		Error:      o.Error,
		Detail:     o.Detail,
	}
}

func outcomeFromStore(o store.Outcome) OutcomeItem {
	return OutcomeItem{
		Job:        o.Job,
		Ref:        o.Ref,
		Success:    o.Success,
		State:      o.State,
		Attempts:   o.Attempts,
		DurationMs: o.DurationMs,
		Error:      o.Error,
		Detail:     o.Detail,
	}
}

func deploymentFromStore(r store.Run, outcomes []store.Outcome) DeploymentItem {
	item := DeploymentItem{
		ID:          r.ID.String(),
		Mode:        r.Mode,
		Status:      string(r.Status),
		Plan:        r.Plan,
		Skipped:     r.Skipped,
		FailedCount: r.FailedCount,
		DurationMs:  r.DurationMs,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	for _, o := range outcomes {
		item.Outcomes = append(item.Outcomes, outcomeFromStore(o))
	}
	return item
}
