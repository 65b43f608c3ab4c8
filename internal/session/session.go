// Package session owns the isolated browser contexts used to drive the
// Jenkins UI. A Session is bound to exactly one job at a time.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionCreate wraps any failure to start or connect a browser.
	ErrSessionCreate = errors.New("session: create failed")
	// ErrSessionLost reports that the browser or page is gone and the
	// session can no longer be used.
	ErrSessionLost = errors.New("session: lost")
	// ErrElementNotFound reports that an element did not appear before
	// its wait timeout.
	ErrElementNotFound = errors.New("session: element not found")
	// ErrStaleElement reports that a previously located element was
	// detached from the page (usually by a refresh).
	ErrStaleElement = errors.New("session: stale element")
)

// Session is the set of UI operations the deployer needs from a browser.
type Session interface {
	// Navigate loads url and waits for the page load event.
	Navigate(ctx context.Context, url string) error
	// Fill locates the input at xpath, clears it and types value.
	Fill(ctx context.Context, xpath, value string, timeout time.Duration) error
	// Click locates the control at xpath, waits until it is enabled and
	// clicks it.
	Click(ctx context.Context, xpath string, timeout time.Duration) error
	// Attribute returns attribute name of the first element matching the
	// CSS selector.
	Attribute(ctx context.Context, selector, name string, timeout time.Duration) (string, error)
	// Reload refreshes the current page.
	Reload(ctx context.Context) error
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
	// Close releases the session. It is idempotent.
	Close() error
}

// Transient reports whether err is a UI race worth retrying rather than a
// terminal condition.
func Transient(err error) bool {
	return errors.Is(err, ErrElementNotFound) ||
		errors.Is(err, ErrStaleElement) ||
		errors.Is(err, context.DeadlineExceeded)
}
