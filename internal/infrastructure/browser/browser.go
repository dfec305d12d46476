// Package browser manages a bounded pool of headless Chromium instances.
package browser

import "context"

// WaitUntil names the page lifecycle event a navigation waits for
type WaitUntil string

const (
	WaitNetworkIdle      WaitUntil = "networkIdle"
	WaitDOMContentLoaded WaitUntil = "DOMContentLoaded"
	WaitLoad             WaitUntil = "load"
)

// PrintParams are the PDF export options, in inches as Chromium expects
type PrintParams struct {
	PaperWidth      float64
	PaperHeight     float64
	MarginTop       float64
	MarginRight     float64
	MarginBottom    float64
	MarginLeft      float64
	Scale           float64
	Landscape       bool
	PrintBackground bool
}

// Page is one browser tab
type Page interface {
	SetContent(ctx context.Context, html string) error
	Navigate(ctx context.Context, url string, until WaitUntil) error
	Location(ctx context.Context) (string, error)
	PrintToPDF(ctx context.Context, params PrintParams) ([]byte, error)
	Close() error
}

// Instance is one running browser process
type Instance interface {
	NewPage(ctx context.Context) (Page, error)
	Connected() bool
	Close() error
}

// Factory launches a new Instance. ctx bounds startup only; the instance
// outlives it.
type Factory func(ctx context.Context) (Instance, error)
