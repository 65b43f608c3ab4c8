package http

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"jdeploy/internal/deploy"
	"jdeploy/internal/store"
)

// jobsHandler lists the catalog plus the sentinel job.
func (s *Server) jobsHandler(c *fiber.Ctx) error {
	resp := JobsResponse{Success: true, Jobs: []string{}}
	if s.deps.Catalog != nil {
		resp.Jobs = s.deps.Catalog.All()
	}
	if s.deps.Config != nil {
		resp.Sentinel = s.deps.Config.Jenkins.SentinelJob
	}
	return c.JSON(resp)
}

// createDeploymentHandler validates the request, starts the batch in the
// background and answers 202 with its id.
func (s *Server) createDeploymentHandler(c *fiber.Ctx) error {
	var body DeploymentRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Invalid request body",
			Details: err.Error(),
		})
	}

	mode := deploy.Mode(body.Mode)
	switch mode {
	case deploy.ModeSequential, deploy.ModeConcurrent:
		if len(body.Services) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false,
				Code:    "BAD_REQUEST",
				Error:   "services must not be empty",
			})
		}
	case deploy.ModeAllMaster:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   fmt.Sprintf("unknown mode %q", body.Mode),
		})
	}
	if body.MaxWorkers < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "maxWorkers must not be negative",
		})
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	req := deploy.Request{ID: id, Mode: mode, Plan: body.Services, MaxWorkers: body.MaxWorkers}

	s.runs.start(id, req)
	go s.execute(req)

	c.Locals("run_id", id.String())
	return c.Status(fiber.StatusAccepted).JSON(DeploymentAccepted{
		Success: true,
		ID:      id.String(),
		URL:     "/v1/deployments/" + id.String(),
	})
}

func (s *Server) execute(req deploy.Request) {
	var (
		report *deploy.Report
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deployment panic: %v", r)
		}
		s.runs.finish(req.ID, report, err)
		if s.logger == nil {
			return
		}
		if err != nil {
			s.logger.Error("deployment_failed", "run_id", req.ID, "mode", req.Mode, "error", err)
			return
		}
		s.logger.Info("deployment_finished", "run_id", req.ID, "mode", req.Mode, "failed", report.Failed())
	}()

	report, err = s.deps.Runner.Run(s.ctx, req)
}

func (s *Server) deploymentStatusHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid deployment id",
		})
	}
	c.Locals("run_id", id.String())

	if item, ok := s.runs.get(id); ok {
		return c.JSON(DeploymentResponse{Success: true, Deployment: &item})
	}

	if s.deps.History == nil {
		return notFound(c)
	}
	run, outcomes, err := s.deps.History.GetRun(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   fmt.Sprintf("failed to load deployment: %v", err),
		})
	}
	item := deploymentFromStore(run, outcomes)
	return c.JSON(DeploymentResponse{Success: true, Deployment: &item})
}

// listDeploymentsHandler returns stored runs when a database is configured,
// otherwise the runs held in memory.
func (s *Server) listDeploymentsHandler(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false,
				Code:    "BAD_REQUEST",
				Error:   "limit must be a positive integer",
			})
		}
		limit = n
	}

	if s.deps.History == nil {
		items := s.runs.list()
		if len(items) > limit {
			items = items[:limit]
		}
		return c.JSON(ListDeploymentsResponse{Success: true, Deployments: items})
	}

	runs, err := s.deps.History.ListRuns(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   fmt.Sprintf("failed to list deployments: %v", err),
		})
	}
	items := make([]DeploymentItem, 0, len(runs))
	for _, r := range runs {
		items = append(items, deploymentFromStore(r, nil))
	}
	return c.JSON(ListDeploymentsResponse{Success: true, Deployments: items})
}

func notFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Success: false,
		Code:    "NOT_FOUND",
		Error:   "deployment not found",
	})
}
