package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"jdeploy/internal/catalog"
	"jdeploy/internal/config"
	"jdeploy/internal/deploy"
	server "jdeploy/internal/http"
	"jdeploy/internal/jenkins"
	"jdeploy/internal/lock"
	"jdeploy/internal/migrate"
	"jdeploy/internal/retention"
	"jdeploy/internal/session"
	"jdeploy/internal/store"
)

const (
	exitOK           = 0
	exitBuildsFailed = 1
	exitError        = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "concurrent", "process role: sequential|concurrent|all-master|api")
	releaseNotes := flag.String("release-notes", "", "release notes file (alias=version lines) to build the plan from")
	workers := flag.Int("workers", 0, "worker pool size for concurrent and all-master roles (0 = one per job)")
	flag.Parse()

	switch *role {
	case "sequential", "concurrent", "all-master", "api":
	default:
		log.Printf("invalid role: %s (expected sequential|concurrent|all-master|api)", *role)
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return exitError
	}

	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := wire(ctx, cfg, logger, *role == "concurrent" && *workers <= 0)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		return exitError
	}
	defer app.close()

	if *role == "api" {
		return serve(ctx, cfg, app, logger)
	}

	var req deploy.Request
	switch *role {
	case "sequential":
		req = deploy.Request{Mode: deploy.ModeSequential, Plan: cfg.Services.Sequential}
	case "concurrent":
		req = deploy.Request{Mode: deploy.ModeConcurrent, Plan: cfg.Services.Concurrent, MaxWorkers: *workers}
	case "all-master":
		req = deploy.Request{Mode: deploy.ModeAllMaster, MaxWorkers: *workers}
	}

	if *releaseNotes != "" && req.Mode != deploy.ModeAllMaster {
		plan, err := planFromReleaseNotes(*releaseNotes, cfg.Catalog.Aliases, logger)
		if err != nil {
			logger.Error("release_notes_failed", "path", *releaseNotes, "error", err)
			return exitError
		}
		req.Plan = plan
	}

	report, err := app.orchestrator.Run(ctx, req)
	if err != nil {
		logger.Error("deployment_failed", "error", err)
		return exitError
	}

	printSummary(os.Stdout, report)
	if report.Failed() > 0 {
		return exitBuildsFailed
	}
	return exitOK
}

// application holds the wired components and their resources.
type application struct {
	catalog      *catalog.Catalog
	orchestrator *deploy.Orchestrator
	db           *sql.DB
	store        *store.Store
	redis        *redis.Client
}

func (a *application) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, oneWorkerPerJob bool) (*application, error) {
	app := &application{}
	deps := deploy.Deps{Logger: logger}

	// Run history is optional.
	if cfg.Database.DSN != "" {
		db, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		app.db = db
		if _, err := migrate.Run(ctx, db, logger); err != nil {
			app.close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		app.store = store.New(db)
		deps.Recorder = app.store
	}

	if cfg.Redis.URL != "" {
		rdb, err := lock.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			app.close()
			return nil, err
		}
		app.redis = rdb
		deps.Locker = lock.NewRedis(rdb, config.Ms(cfg.Redis.LockTTLMs), logger)
	}

	cat, err := catalog.Load(ctx, cfg.Catalog.Source, catalog.LoadOptions{
		Timeout:       config.Ms(cfg.Catalog.TimeoutMs),
		UserAgent:     cfg.Catalog.UserAgent,
		RespectRobots: cfg.Catalog.RespectRobots,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog_loaded", "source", cfg.Catalog.Source, "jobs", cat.Len())
	app.catalog = cat
	deps.Catalog = cat

	deps.Sessions = session.NewFactory(session.Options{
		Headless:        cfg.Browser.Headless,
		NoSandbox:       cfg.Browser.NoSandbox,
		Quiet:           cfg.Browser.Quiet,
		Bin:             cfg.Browser.Bin,
		ControlURL:      cfg.Browser.ControlURL,
		PageLoadTimeout: config.Ms(cfg.Browser.PageLoadTimeoutMs),
	}, logger)

	fieldTimeout := config.Ms(cfg.Jenkins.FieldTimeoutMs)
	deps.Trigger = jenkins.NewTrigger(jenkins.Pages{
		BaseURL:     cfg.Jenkins.BaseURL,
		SentinelJob: cfg.Jenkins.SentinelJob,
		SentinelURL: cfg.Jenkins.SentinelURL,
	}, jenkins.TriggerOptions{
		BranchFieldXPath: cfg.Jenkins.BranchFieldXPath,
		SubmitXPath:      cfg.Jenkins.SubmitXPath,
		FieldTimeout:     fieldTimeout,
		FillAttempts:     cfg.Deploy.FillAttempts,
		FillRetryDelay:   config.Ms(cfg.Deploy.FillRetryDelayMs),
	}, logger)
	deps.Watcher = jenkins.NewPoller(jenkins.PollOptions{
		Selector:       cfg.Jenkins.StatusSelector,
		Attribute:      cfg.Jenkins.StatusAttribute,
		Grace:          config.Ms(cfg.Deploy.GraceMs),
		Interval:       config.Ms(cfg.Deploy.PollIntervalMs),
		MaxPolls:       cfg.Deploy.MaxPolls,
		ElementTimeout: fieldTimeout,
		ExcerptLimit:   2000,
	}, logger)

	app.orchestrator = deploy.New(deps, deploy.Options{
		MaxWorkers:          cfg.Deploy.MaxWorkers,
		OneWorkerPerJob:     cfg.Deploy.OneWorkerPerJob || oneWorkerPerJob,
		BuildTimeout:        config.Ms(cfg.Deploy.BuildTimeoutMs),
		SequentialAttempts:  cfg.Deploy.SequentialAttempts,
		SequentialPause:     config.Ms(cfg.Deploy.SequentialPauseMs),
		SentinelJob:         cfg.Jenkins.SentinelJob,
		SkipServices:        cfg.Deploy.SkipServices,
		AllMasterRef:        cfg.Deploy.AllMasterRef,
		AllMasterMaxWorkers: cfg.Deploy.AllMasterMaxWorkers,
	})
	return app, nil
}

func serve(ctx context.Context, cfg *config.Config, app *application, logger *slog.Logger) int {
	deps := server.Deps{
		Config:  cfg,
		Catalog: app.catalog,
		Runner:  app.orchestrator,
		Logger:  logger,
	}
	if app.store != nil {
		deps.History = app.store
		deps.DB = app.db

		sweeper := retention.NewSweeper(app.store, cfg.Retention.RunDays,
			config.Ms(cfg.Retention.SweepIntervalMs), logger)
		go sweeper.Start(ctx)
	}
	if app.redis != nil {
		deps.Redis = app.redis
	}
	s := server.NewServer(deps)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api_listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		errCh <- s.Listen()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server_failed", "error", err)
			return exitError
		}
		return exitOK
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
		return exitError
	}
	return exitOK
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func planFromReleaseNotes(path string, aliases map[string]string, logger *slog.Logger) (config.Assignments, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries, warnings := catalog.ParseReleaseNotes(string(raw), catalog.NewAliases(aliases))
	for _, w := range warnings {
		logger.Warn("release_notes_entry_ignored", "detail", w)
	}
	if len(entries) == 0 {
		return nil, errors.New("no deployable entries")
	}
	var plan config.Assignments
	for _, e := range entries {
		plan.Set(e.Job, e.Ref)
	}
	return plan, nil
}

func printSummary(w io.Writer, r *deploy.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s (%s) finished in %s\n", r.RunID, r.Mode, r.Duration.Round(time.Second))
	fmt.Fprintln(tw, "JOB\tREF\tSTATE\tATTEMPTS\tDURATION\tERROR")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			o.Job, o.Ref, o.State, o.Attempts, o.Duration.Round(time.Second), o.Error)
	}
	_ = tw.Flush()

	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "skipped (not in catalog): %s\n", strings.Join(r.Skipped, ", "))
	}
	fmt.Fprintf(w, "%d succeeded, %d failed\n", len(r.Outcomes)-r.Failed(), r.Failed())
}
