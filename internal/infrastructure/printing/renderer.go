package printing

import (
	"context"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/browser"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	defaultHTMLLoadTimeout    = 15 * time.Second
	defaultHTMLSettleDelay    = 2 * time.Second
	defaultNetworkIdleTimeout = 30 * time.Second
	defaultDOMContentTimeout  = 45 * time.Second
	defaultDOMContentSettle   = 5 * time.Second
	defaultLoadTimeout        = 60 * time.Second
	defaultLoadSettle         = 10 * time.Second
	defaultDynamicSettle      = 3 * time.Second
	defaultPrintTimeout       = 60 * time.Second
	defaultMarginMM           = 10.0
	defaultMaxOutputBytes     = 10 << 20
)

// Renderer converts a source document into PDF bytes
type Renderer interface {
	Render(ctx context.Context, src conversion.Source, opts conversion.PageOptions) ([]byte, error)
}

// RendererPool is the part of browser.Pool the engine needs
type RendererPool interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(h *browser.Handle)
}

// EngineConfig contains render timings and output limits
type EngineConfig struct {
	// HTMLLoadTimeout bounds injecting inline markup
	HTMLLoadTimeout time.Duration
	// HTMLSettleDelay lets fonts and images finish after injection
	HTMLSettleDelay time.Duration

	NetworkIdleTimeout time.Duration
	DOMContentTimeout  time.Duration
	DOMContentSettle   time.Duration
	LoadTimeout        time.Duration
	LoadSettle         time.Duration

	// DynamicSettle is applied once a URL has loaded by any strategy
	DynamicSettle time.Duration
	PrintTimeout  time.Duration

	// MarginMM is applied to all four edges
	MarginMM float64
	// MaxOutputBytes rejects larger documents; 0 disables the check
	MaxOutputBytes int64

	Logger  *zap.Logger
	Metrics *telemetry.ConversionMetrics
}

// DefaultEngineConfig returns the production timings
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HTMLLoadTimeout:    defaultHTMLLoadTimeout,
		HTMLSettleDelay:    defaultHTMLSettleDelay,
		NetworkIdleTimeout: defaultNetworkIdleTimeout,
		DOMContentTimeout:  defaultDOMContentTimeout,
		DOMContentSettle:   defaultDOMContentSettle,
		LoadTimeout:        defaultLoadTimeout,
		LoadSettle:         defaultLoadSettle,
		DynamicSettle:      defaultDynamicSettle,
		PrintTimeout:       defaultPrintTimeout,
		MarginMM:           defaultMarginMM,
		MaxOutputBytes:     defaultMaxOutputBytes,
	}
}

// withDefaults fills zero timeouts. Settle delays are left alone so they can
// be disabled explicitly.
func (c EngineConfig) withDefaults() EngineConfig {
	if c.HTMLLoadTimeout <= 0 {
		c.HTMLLoadTimeout = defaultHTMLLoadTimeout
	}
	if c.NetworkIdleTimeout <= 0 {
		c.NetworkIdleTimeout = defaultNetworkIdleTimeout
	}
	if c.DOMContentTimeout <= 0 {
		c.DOMContentTimeout = defaultDOMContentTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	if c.PrintTimeout <= 0 {
		c.PrintTimeout = defaultPrintTimeout
	}
	if c.MarginMM < 0 {
		c.MarginMM = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// loadStep is one rung of the URL load ladder
type loadStep struct {
	until   browser.WaitUntil
	timeout time.Duration
	settle  time.Duration
}

func (c EngineConfig) ladder() []loadStep {
	return []loadStep{
		{until: browser.WaitNetworkIdle, timeout: c.NetworkIdleTimeout},
		{until: browser.WaitDOMContentLoaded, timeout: c.DOMContentTimeout, settle: c.DOMContentSettle},
		{until: browser.WaitLoad, timeout: c.LoadTimeout, settle: c.LoadSettle},
	}
}
