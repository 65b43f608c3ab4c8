// Package sessiontest provides a scripted in-memory session.Session for
// tests that must not start a browser.
package sessiontest

import (
	"context"
	"sync"
	"time"

	"jdeploy/internal/session"
)

// Status is one scripted answer to an Attribute call.
type Status struct {
	Label string
	Err   error
}

// Fake replays scripted results. Slices are consumed one element per
// call; once a slice is exhausted its last element repeats (nil errors
// for empty slices). Fake is safe for concurrent use.
type Fake struct {
	NavigateErr error
	FillErrs    []error
	ClickErrs   []error
	Statuses    []Status
	ReloadErr   error
	Body        string
	CloseErr    error

	mu          sync.Mutex
	closed      bool
	navigations []string
	fills       []string
	clicks      int
	attrCalls   int
	reloads     int
	closes      int
}

func next[T any](items []T, i int) T {
	var zero T
	if len(items) == 0 {
		return zero
	}
	if i >= len(items) {
		return items[len(items)-1]
	}
	return items[i]
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return session.ErrSessionLost
	}
	f.navigations = append(f.navigations, url)
	return f.NavigateErr
}

func (f *Fake) Fill(ctx context.Context, xpath, value string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return session.ErrSessionLost
	}
	err := next(f.FillErrs, len(f.fills))
	f.fills = append(f.fills, value)
	return err
}

func (f *Fake) Click(ctx context.Context, xpath string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return session.ErrSessionLost
	}
	err := next(f.ClickErrs, f.clicks)
	f.clicks++
	return err
}

func (f *Fake) Attribute(ctx context.Context, selector, name string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", session.ErrSessionLost
	}
	st := next(f.Statuses, f.attrCalls)
	f.attrCalls++
	return st.Label, st.Err
}

func (f *Fake) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return session.ErrSessionLost
	}
	f.reloads++
	return f.ReloadErr
}

func (f *Fake) HTML(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", session.ErrSessionLost
	}
	return f.Body, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closed {
		return nil
	}
	f.closed = true
	return f.CloseErr
}

// Navigations returns every URL passed to Navigate.
func (f *Fake) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

// Fills returns every value typed into a field.
func (f *Fake) Fills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fills...)
}

func (f *Fake) Clicks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clicks
}

func (f *Fake) StatusReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrCalls
}

func (f *Fake) Reloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

var _ session.Session = (*Fake)(nil)
