package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/multierr"
)

// Options controls how browsers are started.
type Options struct {
	Headless  bool
	NoSandbox bool
	// Quiet adds the switches that keep Chromium from writing its own
	// logging, infobars and extension noise.
	Quiet bool
	// Bin is an explicit browser binary. When empty the system browser is
	// used if one is found, otherwise rod downloads a pinned Chromium.
	Bin string
	// ControlURL connects to an already running browser (for example a
	// browserless container) instead of launching one. Every session then
	// runs in its own incognito context.
	ControlURL      string
	PageLoadTimeout time.Duration
}

var quietFlags = []flags.Flag{
	"disable-gpu",
	"disable-dev-shm-usage",
	"silent",
	"disable-logging",
	"disable-extensions",
	"disable-infobars",
	"disable-popup-blocking",
	"disable-smartscreen",
}

// Factory creates rod-backed sessions.
type Factory struct {
	opts   Options
	logger *slog.Logger

	remoteOnce sync.Once
	remote     *rod.Browser
	remoteErr  error
}

func NewFactory(opts Options, logger *slog.Logger) *Factory {
	return &Factory{opts: opts, logger: logger}
}

// Create starts (or attaches to) a browser and opens a blank page. It is
// never retried: a failure aborts the dispatch of the job that asked for
// the session.
func (f *Factory) Create(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}

	if f.opts.ControlURL != "" {
		return f.createRemote()
	}

	l := f.launcher()
	controlURL, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("%w: launch browser: %w", ErrSessionCreate, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: connect: %w", ErrSessionCreate, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: open page: %w", ErrSessionCreate, err)
	}

	return &rodSession{
		browser:         browser,
		page:            page,
		launcher:        l,
		pageLoadTimeout: f.opts.PageLoadTimeout,
	}, nil
}

func (f *Factory) createRemote() (Session, error) {
	f.remoteOnce.Do(func() {
		b := rod.New().ControlURL(f.opts.ControlURL)
		if err := b.Connect(); err != nil {
			f.remoteErr = err
			return
		}
		f.remote = b
	})
	if f.remoteErr != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrSessionCreate, f.opts.ControlURL, f.remoteErr)
	}

	incognito, err := f.remote.Incognito()
	if err != nil {
		return nil, fmt.Errorf("%w: incognito context: %w", ErrSessionCreate, err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("%w: open page: %w", ErrSessionCreate, err)
	}

	return &rodSession{
		browser:         incognito,
		page:            page,
		pageLoadTimeout: f.opts.PageLoadTimeout,
	}, nil
}

func (f *Factory) launcher() *launcher.Launcher {
	l := launcher.New().
		Headless(f.opts.Headless).
		NoSandbox(f.opts.NoSandbox)

	switch {
	case f.opts.Bin != "":
		l = l.Bin(f.opts.Bin)
	default:
		if path, ok := launcher.LookPath(); ok {
			l = l.Bin(path)
		}
	}

	if f.opts.Quiet {
		for _, fl := range quietFlags {
			l = l.Set(fl)
		}
		l = l.Set("log-level", "3")
	}
	return l
}

// Destroy closes s. It is safe to call with a nil or already closed
// session and never panics; teardown errors are logged only.
func (f *Factory) Destroy(s Session) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && f.logger != nil {
			f.logger.Warn("session_close_panic", "panic", r)
		}
	}()
	if err := s.Close(); err != nil && f.logger != nil {
		f.logger.Warn("session_close_failed", "error", err)
	}
}

type rodSession struct {
	browser         *rod.Browser
	page            *rod.Page
	launcher        *launcher.Launcher
	pageLoadTimeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	if s.closed.Load() {
		return ErrSessionLost
	}
	p := s.page.Context(ctx)
	if s.pageLoadTimeout > 0 {
		p = p.Timeout(s.pageLoadTimeout)
		defer p.CancelTimeout()
	}
	if err := p.Navigate(url); err != nil {
		return s.classify(fmt.Errorf("navigate %s: %w", url, err))
	}
	if err := p.WaitLoad(); err != nil {
		return s.classify(fmt.Errorf("wait load %s: %w", url, err))
	}
	return nil
}

func (s *rodSession) Fill(ctx context.Context, xpath, value string, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrSessionLost
	}
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()

	el, err := p.ElementX(xpath)
	if err != nil {
		return s.classify(fmt.Errorf("locate %s: %w", xpath, err))
	}
	if err := el.SelectAllText(); err != nil {
		return s.classify(fmt.Errorf("clear %s: %w", xpath, err))
	}
	if err := el.Input(value); err != nil {
		return s.classify(fmt.Errorf("input %s: %w", xpath, err))
	}
	return nil
}

func (s *rodSession) Click(ctx context.Context, xpath string, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrSessionLost
	}
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()

	el, err := p.ElementX(xpath)
	if err != nil {
		return s.classify(fmt.Errorf("locate %s: %w", xpath, err))
	}
	if err := el.WaitEnabled(); err != nil {
		return s.classify(fmt.Errorf("wait enabled %s: %w", xpath, err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return s.classify(fmt.Errorf("click %s: %w", xpath, err))
	}
	return nil
}

func (s *rodSession) Attribute(ctx context.Context, selector, name string, timeout time.Duration) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionLost
	}
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()

	el, err := p.Element(selector)
	if err != nil {
		return "", s.classify(fmt.Errorf("locate %s: %w", selector, err))
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", s.classify(fmt.Errorf("read %s[%s]: %w", selector, name, err))
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (s *rodSession) Reload(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionLost
	}
	p := s.page.Context(ctx)
	if s.pageLoadTimeout > 0 {
		p = p.Timeout(s.pageLoadTimeout)
		defer p.CancelTimeout()
	}
	if err := p.Reload(); err != nil {
		return s.classify(fmt.Errorf("reload: %w", err))
	}
	if err := p.WaitLoad(); err != nil {
		return s.classify(fmt.Errorf("wait load after reload: %w", err))
	}
	return nil
}

func (s *rodSession) HTML(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionLost
	}
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", s.classify(err)
	}
	return html, nil
}

// Close tears down the page, the browser (or incognito context) and the
// launched process. Only the first call does any work.
func (s *rodSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.page != nil {
			err = multierr.Append(err, s.page.Close())
		}
		if s.browser != nil {
			err = multierr.Append(err, s.browser.Close())
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
	})
	return err
}

// classify maps rod failures onto the package sentinel errors while
// keeping the original error in the chain.
func (s *rodSession) classify(err error) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	}

	var notFound *rod.ElementNotFoundError
	var stale *rod.ObjectNotFoundError
	switch {
	case errors.As(err, &stale):
		return fmt.Errorf("%w: %w", ErrStaleElement, err)
	case errors.As(err, &notFound), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrElementNotFound, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	// Anything else: the page may have crashed or the browser exited.
	if _, infoErr := s.page.Info(); infoErr != nil {
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	return err
}
