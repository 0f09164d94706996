// Package browser drives one scripted browser session against the messaging
// site: login with out-of-band verification, liveness probing and message
// sending with selector fallbacks.
package browser

import (
	"context"
)

// Page is the subset of a browser tab the session needs. Selectors may be
// CSS or XPath.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// WaitVisible blocks until sel is visible or ctx is done.
	WaitVisible(ctx context.Context, sel string) error
	// Exists reports whether sel matches right now, without waiting.
	Exists(ctx context.Context, sel string) (bool, error)
	Fill(ctx context.Context, sel, text string) error
	Click(ctx context.Context, sel string) error
	PressEnter(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Release frees one engine handle. Releases run in slice order.
type Release struct {
	Name  string
	Close func() error
}

// Launcher starts a browser and returns its tab plus the handles to free,
// page first and engine last.
type Launcher func(ctx context.Context) (Page, []Release, error)
