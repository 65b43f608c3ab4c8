// Package jenkins drives a Jenkins build page through a browser session:
// it submits parameterised builds and watches them until they finish.
package jenkins

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"jdeploy/internal/retry"
	"jdeploy/internal/session"
)

// Pages knows where every job's build form lives.
type Pages struct {
	BaseURL     string
	SentinelJob string
	SentinelURL string
}

// URLFor returns the build-with-parameters page of job. The sentinel job
// always maps to its fixed URL.
func (p Pages) URLFor(job string) string {
	if job == p.SentinelJob && p.SentinelURL != "" {
		return p.SentinelURL
	}
	return p.BaseURL + "/job/" + url.PathEscape(job) + "/build?delay=0sec"
}

// IsSentinel reports whether job is the dependency-refresh pseudo job.
func (p Pages) IsSentinel(job string) bool {
	return p.SentinelJob != "" && job == p.SentinelJob
}

// TriggerOptions locates the form fields and bounds each wait.
type TriggerOptions struct {
	BranchFieldXPath string
	SubmitXPath      string
	FieldTimeout     time.Duration
	FillAttempts     int
	FillRetryDelay   time.Duration
}

// Trigger submits builds.
type Trigger struct {
	pages  Pages
	opts   TriggerOptions
	logger *slog.Logger
}

func NewTrigger(pages Pages, opts TriggerOptions, logger *slog.Logger) *Trigger {
	if opts.FieldTimeout <= 0 {
		opts.FieldTimeout = 10 * time.Second
	}
	if opts.FillAttempts <= 0 {
		opts.FillAttempts = 2
	}
	return &Trigger{pages: pages, opts: opts, logger: logger}
}

func (t *Trigger) logInfo(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Info(msg, args...)
	}
}

func (t *Trigger) logWarn(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Warn(msg, args...)
	}
}

// Trigger opens job's build page in s, enters ref and submits the form.
//
// It returns false with a nil error when the page could not be loaded or
// the form could not be submitted after retries. A non-nil error is only
// returned when the session itself is unusable.
func (t *Trigger) Trigger(ctx context.Context, s session.Session, job, ref string) (bool, error) {
	target := t.pages.URLFor(job)
	t.logInfo("build_page_open", "job", job, "url", target)

	// Navigation is not retried: a page that does not load usually means
	// the job is misconfigured.
	if err := s.Navigate(ctx, target); err != nil {
		if errors.Is(err, session.ErrSessionLost) {
			return false, err
		}
		t.logWarn("build_page_failed", "job", job, "url", target, "error", err)
		return false, nil
	}

	t.logInfo("build_submit", "job", job, "ref", ref)
	attempt := 0
	err := retry.Run(ctx, t.opts.FillAttempts, t.opts.FillRetryDelay, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			t.logInfo("build_submit_retry", "job", job, "attempt", attempt)
		}
		if err := s.Fill(ctx, t.opts.BranchFieldXPath, ref, t.opts.FieldTimeout); err != nil {
			return err
		}
		return s.Click(ctx, t.opts.SubmitXPath, t.opts.FieldTimeout)
	}, retry.StopOn(func(err error) bool {
		return errors.Is(err, session.ErrSessionLost)
	}))
	if err != nil {
		if errors.Is(err, session.ErrSessionLost) {
			return false, err
		}
		t.logWarn("build_submit_failed", "job", job, "ref", ref, "attempts", attempt, "error", err)
		return false, nil
	}
	return true, nil
}
