package jenkins

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"

	"jdeploy/internal/session"
)

// State is where a single build currently sits.
type State string

const (
	StatePending  State = "pending"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
	StateTimedOut State = "timed_out"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateTimedOut
}

var (
	inProgressMarkers = []string{"progress", "running", "pending"}
	failureMarkers    = []string{"failure", "failed", "aborted"}
)

// classifyLabel maps the status indicator text onto a state. An empty
// return value means the label is not recognised.
func classifyLabel(label string) State {
	l := strings.ToLower(label)
	for _, m := range inProgressMarkers {
		if strings.Contains(l, m) {
			return StatePending
		}
	}
	if strings.Contains(l, "success") {
		return StateSuccess
	}
	for _, m := range failureMarkers {
		if strings.Contains(l, m) {
			return StateFailed
		}
	}
	return ""
}

// PollOptions bounds how long a build is watched.
type PollOptions struct {
	Selector       string
	Attribute      string
	Grace          time.Duration
	Interval       time.Duration
	MaxPolls       int
	ElementTimeout time.Duration
	// ExcerptLimit caps the failure page excerpt kept in PollResult.Detail.
	ExcerptLimit int
}

// PollResult is the outcome of watching one build.
type PollResult struct {
	State   State
	Polls   int
	Elapsed time.Duration
	Label   string
	// Detail holds a markdown excerpt of the build page for failed builds.
	Detail string
	Err    error
}

// Success reports whether the build finished successfully.
func (r PollResult) Success() bool { return r.State == StateSuccess }

// Poller watches the status indicator of a build page.
type Poller struct {
	opts   PollOptions
	logger *slog.Logger
}

func NewPoller(opts PollOptions, logger *slog.Logger) *Poller {
	if opts.Selector == "" {
		opts.Selector = ".build-status-link"
	}
	if opts.Attribute == "" {
		opts.Attribute = "title"
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 60
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = opts.Interval
	}
	if opts.ExcerptLimit <= 0 {
		opts.ExcerptLimit = 2000
	}
	return &Poller{opts: opts, logger: logger}
}

// Wait blocks until the build on the page currently loaded in s reaches a
// terminal state. It never waits longer than
// Grace + MaxPolls*(Interval+ElementTimeout).
func (p *Poller) Wait(ctx context.Context, s session.Session, job string) PollResult {
	start := time.Now()
	res := PollResult{State: StatePending}

	finish := func(state State, err error) PollResult {
		res.State = state
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	p.log(slog.LevelInfo, "build_watch_started", "job", job)
	if err := sleep(ctx, p.opts.Grace); err != nil {
		return finish(StateTimedOut, err)
	}

	for poll := 1; poll <= p.opts.MaxPolls; poll++ {
		res.Polls = poll

		label, err := s.Attribute(ctx, p.opts.Selector, p.opts.Attribute, p.opts.ElementTimeout)
		switch {
		case ctx.Err() != nil:
			return finish(StateTimedOut, ctx.Err())
		case errors.Is(err, session.ErrSessionLost):
			p.log(slog.LevelError, "build_watch_session_lost", "job", job, "error", err)
			return finish(StateFailed, err)
		case err != nil:
			p.log(slog.LevelWarn, "build_status_unavailable",
				"job", job, "poll", poll, "max_polls", p.opts.MaxPolls,
				"transient", session.Transient(err), "error", err)
		default:
			res.Label = label
			switch classifyLabel(label) {
			case StatePending:
				p.log(slog.LevelInfo, "build_running",
					"job", job, "poll", poll, "max_polls", p.opts.MaxPolls,
					"elapsed_ms", time.Since(start).Milliseconds())
			case StateSuccess:
				p.log(slog.LevelInfo, "build_succeeded", "job", job, "elapsed_ms", time.Since(start).Milliseconds())
				return finish(StateSuccess, nil)
			case StateFailed:
				p.log(slog.LevelError, "build_failed", "job", job, "label", label, "elapsed_ms", time.Since(start).Milliseconds())
				res.Detail = p.excerpt(ctx, s)
				return finish(StateFailed, nil)
			default:
				p.log(slog.LevelDebug, "build_status_unrecognised", "job", job, "label", label)
			}
		}

		if err := sleep(ctx, p.opts.Interval); err != nil {
			return finish(StateTimedOut, err)
		}
		if poll == p.opts.MaxPolls {
			break
		}
		if err := s.Reload(ctx); err != nil {
			if errors.Is(err, session.ErrSessionLost) {
				return finish(StateFailed, err)
			}
			if ctx.Err() != nil {
				return finish(StateTimedOut, ctx.Err())
			}
			p.log(slog.LevelWarn, "build_page_reload_failed", "job", job, "error", err)
		}
	}

	p.log(slog.LevelError, "build_watch_timed_out", "job", job, "polls", res.Polls, "elapsed_ms", time.Since(start).Milliseconds())
	return finish(StateTimedOut, nil)
}

// excerpt renders the current page as markdown so a failed build leaves
// something readable behind in the logs and run history.
func (p *Poller) excerpt(ctx context.Context, s session.Session) string {
	html, err := s.HTML(ctx)
	if err != nil || html == "" {
		return ""
	}
	md, err := htmlmd.NewConverter("", true, nil).ConvertString(html)
	if err != nil {
		return ""
	}
	md = strings.TrimSpace(md)
	if r := []rune(md); len(r) > p.opts.ExcerptLimit {
		md = string(r[:p.opts.ExcerptLimit]) + "…"
	}
	return md
}

func (p *Poller) log(level slog.Level, msg string, args ...any) {
	if p.logger != nil {
		p.logger.Log(context.Background(), level, msg, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
