package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jdeploy/internal/catalog"
	"jdeploy/internal/config"
	"jdeploy/internal/deploy"
	"jdeploy/internal/metrics"
	"jdeploy/internal/store"
)

// Runner executes one deployment batch. *deploy.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req deploy.Request) (*deploy.Report, error)
}

// History reads persisted runs. *store.Store implements it.
type History interface {
	GetRun(ctx context.Context, id uuid.UUID) (store.Run, []store.Outcome, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the API server. History, DB and Redis are
// optional.
type Deps struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Runner  Runner
	History History
	DB      Pinger
	Redis   redis.UniversalClient
	Logger  *slog.Logger
}

type Server struct {
	app    *fiber.App
	deps   Deps
	runs   *runRegistry
	logger *slog.Logger

	// ctx bounds background runs; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(deps Deps) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		app:    app,
		deps:   deps,
		runs:   newRunRegistry(200),
		logger: deps.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := utils.CopyString(c.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			// The error handler has not written the response yet.
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		// fasthttp reuses the request buffer; labels outlive the request.
		method := utils.CopyString(c.Method())
		path := utils.CopyString(c.Path())

		// Label metrics by route pattern so ids do not explode cardinality.
		route := path
		if r := c.Route(); r != nil && r.Path != "/" {
			route = utils.CopyString(r.Path)
		}
		metrics.RecordRequest(method, route, status, latency.Milliseconds())

		if s.logger != nil {
			attrs := []any{
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			}
			if runID := c.Locals("run_id"); runID != nil {
				attrs = append(attrs, "run_id", runID)
			}
			s.logger.Info("request", attrs...)
		}

		return err
	})

	app.Get("/healthz", s.healthHandler)

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/v1")
	v1.Get("/jobs", s.jobsHandler)
	v1.Post("/deployments", s.createDeploymentHandler)
	v1.Get("/deployments", s.listDeploymentsHandler)
	v1.Get("/deployments/:id", s.deploymentStatusHandler)

	return s
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen() error {
	cfg := s.deps.Config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and cancels runs still in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	// Shallow health: process is up
	if c.Query("deep") != "true" {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	// Deep health: check DB and Redis connectivity.
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "disabled"
	if s.deps.DB != nil {
		dbStatus = "ok"
		if err := s.deps.DB.PingContext(ctx); err != nil {
			dbStatus = "error"
		}
	}

	redisStatus := "disabled"
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		} else {
			redisStatus = "ok"
		}
	}

	status := "ok"
	code := fiber.StatusOK
	if dbStatus == "error" || redisStatus == "error" {
		status = "error"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"db":           dbStatus,
		"redis":        redisStatus,
		"sessionsOpen": metrics.SessionsOpen(),
		"activeRuns":   s.runs.active(),
	})
}
