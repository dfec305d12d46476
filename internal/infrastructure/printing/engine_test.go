package printing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/browser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedPage plays back canned results and records what the engine asked for
type scriptedPage struct {
	mu sync.Mutex

	navErrs  map[browser.WaitUntil]error
	location string
	pdf      []byte
	printErr error

	content     string
	navigations []browser.WaitUntil
	params      browser.PrintParams
	closed      bool
	// crashOnPrint marks the owning instance dead once printing starts
	crashOnPrint bool
	crashed      bool
}

func (p *scriptedPage) SetContent(_ context.Context, html string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = html
	return nil
}

func (p *scriptedPage) Navigate(_ context.Context, _ string, until browser.WaitUntil) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, until)
	return p.navErrs[until]
}

func (p *scriptedPage) Location(context.Context) (string, error) {
	if p.location == "" {
		return "https://example.com/", nil
	}
	return p.location, nil
}

func (p *scriptedPage) PrintToPDF(_ context.Context, params browser.PrintParams) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
	if p.crashOnPrint {
		p.crashed = true
	}
	if p.printErr != nil {
		return nil, p.printErr
	}
	return p.pdf, nil
}

func (p *scriptedPage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type scriptedInstance struct {
	page *scriptedPage
}

func (i *scriptedInstance) NewPage(context.Context) (browser.Page, error) { return i.page, nil }
func (i *scriptedInstance) Connected() bool {
	i.page.mu.Lock()
	defer i.page.mu.Unlock()
	return !i.page.crashed
}
func (i *scriptedInstance) Close() error { return nil }

type engineFixture struct {
	engine   *Engine
	pool     *browser.Pool
	page     *scriptedPage
	launches int
	sleeps   []time.Duration
}

func newEngineFixture(t *testing.T, page *scriptedPage, poolCfg browser.PoolConfig) *engineFixture {
	t.Helper()
	fx := &engineFixture{page: page}

	poolCfg.Logger = zaptest.NewLogger(t)
	pool, err := browser.NewPool(func(context.Context) (browser.Instance, error) {
		fx.launches++
		return &scriptedInstance{page: page}, nil
	}, poolCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	cfg := DefaultEngineConfig()
	cfg.Logger = zaptest.NewLogger(t)
	engine, err := NewEngine(pool, cfg)
	require.NoError(t, err)
	engine.sleep = func(_ context.Context, d time.Duration) error {
		if d > 0 {
			fx.sleeps = append(fx.sleeps, d)
		}
		return nil
	}

	fx.engine = engine
	fx.pool = pool
	return fx
}

func pdfBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, "%PDF-1.4")
	return b
}

func TestNewEngine_RequiresPool(t *testing.T) {
	_, err := NewEngine(nil, DefaultEngineConfig())
	assert.Error(t, err)
}

func TestEngine_RenderHTML(t *testing.T) {
	page := &scriptedPage{pdf: pdfBytes(2048)}
	fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

	data, err := fx.engine.Render(context.Background(),
		conversion.HTMLSource("<h1>Invoice</h1>"), conversion.PageOptions{})
	require.NoError(t, err)

	assert.Len(t, data, 2048)
	assert.Equal(t, "<h1>Invoice</h1>", page.content)
	assert.Empty(t, page.navigations)
	assert.Equal(t, []time.Duration{2 * time.Second}, fx.sleeps)
	assert.True(t, page.closed)

	// A4 portrait with 10mm margins
	assert.InDelta(t, 210/25.4, page.params.PaperWidth, 0.001)
	assert.InDelta(t, 297/25.4, page.params.PaperHeight, 0.001)
	assert.InDelta(t, 10/25.4, page.params.MarginTop, 0.001)
	assert.InDelta(t, 10/25.4, page.params.MarginLeft, 0.001)
	assert.False(t, page.params.Landscape)
	assert.True(t, page.params.PrintBackground)

	stats := fx.pool.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestEngine_PrintParams(t *testing.T) {
	e := &Engine{config: DefaultEngineConfig()}

	tests := []struct {
		name   string
		opts   conversion.PageOptions
		width  float64
		height float64
	}{
		{"A3", conversion.PageOptions{PageSize: conversion.PageSizeA3, Orientation: conversion.OrientationPortrait}, 297, 420},
		{"Letter", conversion.PageOptions{PageSize: conversion.PageSizeLetter, Orientation: conversion.OrientationLandscape}, 215.9, 279.4},
		{"Square", conversion.PageOptions{PageSize: conversion.PageSizeSquare, Orientation: conversion.OrientationPortrait}, 210, 210},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := e.printParams(tt.opts)
			assert.InDelta(t, tt.width/25.4, p.PaperWidth, 0.001)
			assert.InDelta(t, tt.height/25.4, p.PaperHeight, 0.001)
			assert.Equal(t, tt.opts.Orientation == conversion.OrientationLandscape, p.Landscape)
			assert.Equal(t, 1.0, p.Scale)
		})
	}
}

func TestEngine_RenderURL_LoadLadder(t *testing.T) {
	timeout := fmt.Errorf("wait for lifecycle event: %w", context.DeadlineExceeded)

	tests := []struct {
		name        string
		navErrs     map[browser.WaitUntil]error
		navigations []browser.WaitUntil
		sleeps      []time.Duration
	}{
		{
			name:        "network idle succeeds",
			navigations: []browser.WaitUntil{browser.WaitNetworkIdle},
			sleeps:      []time.Duration{3 * time.Second},
		},
		{
			name:        "falls back to DOMContentLoaded",
			navErrs:     map[browser.WaitUntil]error{browser.WaitNetworkIdle: timeout},
			navigations: []browser.WaitUntil{browser.WaitNetworkIdle, browser.WaitDOMContentLoaded},
			sleeps:      []time.Duration{5 * time.Second, 3 * time.Second},
		},
		{
			name: "falls back to load",
			navErrs: map[browser.WaitUntil]error{
				browser.WaitNetworkIdle:      timeout,
				browser.WaitDOMContentLoaded: timeout,
			},
			navigations: []browser.WaitUntil{browser.WaitNetworkIdle, browser.WaitDOMContentLoaded, browser.WaitLoad},
			sleeps:      []time.Duration{10 * time.Second, 3 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &scriptedPage{pdf: pdfBytes(512), navErrs: tt.navErrs}
			fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

			data, err := fx.engine.Render(context.Background(),
				conversion.URLSource("https://example.com"), conversion.PageOptions{})
			require.NoError(t, err)
			assert.Len(t, data, 512)
			assert.Equal(t, tt.navigations, page.navigations)
			assert.Equal(t, tt.sleeps, fx.sleeps)
		})
	}
}

func TestEngine_RenderURL_AllStrategiesTimeOut(t *testing.T) {
	timeout := fmt.Errorf("wait: %w", context.DeadlineExceeded)
	page := &scriptedPage{pdf: pdfBytes(512), navErrs: map[browser.WaitUntil]error{
		browser.WaitNetworkIdle:      timeout,
		browser.WaitDOMContentLoaded: timeout,
		browser.WaitLoad:             timeout,
	}}
	fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

	_, err := fx.engine.Render(context.Background(),
		conversion.URLSource("https://slow.example.com"), conversion.PageOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, conversion.ErrRenderTimeout)
	assert.True(t, conversion.IsRetryable(err))
	assert.Len(t, page.navigations, 3)
	assert.Equal(t, 0, fx.pool.Stats().InUse)
}

func TestEngine_RenderURL_NavigationFailed(t *testing.T) {
	t.Run("rejected by browser on every strategy", func(t *testing.T) {
		rejected := &browser.NavigationError{URL: "https://nope.invalid", Reason: "net::ERR_NAME_NOT_RESOLVED"}
		page := &scriptedPage{pdf: pdfBytes(512), navErrs: map[browser.WaitUntil]error{
			browser.WaitNetworkIdle:      rejected,
			browser.WaitDOMContentLoaded: rejected,
			browser.WaitLoad:             rejected,
		}}
		fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

		_, err := fx.engine.Render(context.Background(),
			conversion.URLSource("https://nope.invalid"), conversion.PageOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, conversion.ErrNavigationFailed)
		assert.Len(t, page.navigations, 3)
	})

	t.Run("transient network error falls back", func(t *testing.T) {
		page := &scriptedPage{pdf: pdfBytes(512), navErrs: map[browser.WaitUntil]error{
			browser.WaitNetworkIdle: &browser.NavigationError{URL: "https://flaky.example.com", Reason: "net::ERR_CONNECTION_RESET"},
		}}
		fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

		data, err := fx.engine.Render(context.Background(),
			conversion.URLSource("https://flaky.example.com"), conversion.PageOptions{})
		require.NoError(t, err)
		assert.Len(t, data, 512)
		assert.Equal(t, []browser.WaitUntil{browser.WaitNetworkIdle, browser.WaitDOMContentLoaded}, page.navigations)
	})

	t.Run("ended on error page", func(t *testing.T) {
		page := &scriptedPage{pdf: pdfBytes(512), location: "chrome-error://chromewebdata/"}
		fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

		_, err := fx.engine.Render(context.Background(),
			conversion.URLSource("https://down.example.com"), conversion.PageOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, conversion.ErrNavigationFailed)
		assert.Equal(t, 0, fx.pool.Stats().InUse)
	})
}

func TestEngine_OutputTooLarge(t *testing.T) {
	page := &scriptedPage{pdf: pdfBytes(10<<20 + 1)}
	fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

	_, err := fx.engine.Render(context.Background(),
		conversion.HTMLSource("<p>big</p>"), conversion.PageOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, conversion.ErrOutputTooLarge)
	assert.False(t, conversion.IsRetryable(err))
	assert.True(t, page.closed)
	assert.Equal(t, 0, fx.pool.Stats().InUse)
}

func TestEngine_PrintErrors(t *testing.T) {
	tests := []struct {
		name     string
		printErr error
		pdf      []byte
		want     error
	}{
		{"timeout", fmt.Errorf("print: %w", context.DeadlineExceeded), nil, conversion.ErrRenderTimeout},
		{"driver failure", errors.New("target closed"), nil, conversion.ErrRenderFailed},
		{"empty output", nil, []byte{}, conversion.ErrRenderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &scriptedPage{pdf: tt.pdf, printErr: tt.printErr}
			fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

			_, err := fx.engine.Render(context.Background(),
				conversion.HTMLSource("<p>x</p>"), conversion.PageOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEngine_BrowserGoneMidRender(t *testing.T) {
	t.Run("tab context cancelled under a live caller", func(t *testing.T) {
		page := &scriptedPage{printErr: context.Canceled}
		fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

		_, err := fx.engine.Render(context.Background(), conversion.HTMLSource("<p>x</p>"), conversion.PageOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, conversion.ErrBrowserDisconnected)
		assert.Equal(t, conversion.CodeBrowserDisconnected, conversion.CodeOf(err))
		assert.True(t, conversion.IsRetryable(err))
		assert.Equal(t, 0, fx.pool.Stats().InUse)
	})

	t.Run("instance disconnected during print", func(t *testing.T) {
		page := &scriptedPage{printErr: errors.New("websocket: close 1006"), crashOnPrint: true}
		fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

		_, err := fx.engine.Render(context.Background(), conversion.HTMLSource("<p>x</p>"), conversion.PageOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, conversion.ErrBrowserDisconnected)
		assert.True(t, conversion.IsRetryable(err))
		assert.Equal(t, 0, fx.pool.Stats().InUse)
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		page := &scriptedPage{pdf: pdfBytes(16)}
		fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})
		ctx, cancel := context.WithCancel(context.Background())
		fx.engine.sleep = func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}

		_, err := fx.engine.Render(ctx, conversion.HTMLSource("<p>x</p>"), conversion.PageOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, conversion.CodeOf(err))
		assert.False(t, conversion.IsRetryable(err))
	})
}

func TestEngine_ValidationBeforeAcquire(t *testing.T) {
	page := &scriptedPage{pdf: pdfBytes(16)}
	fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1})

	_, err := fx.engine.Render(context.Background(), conversion.HTMLSource("   "), conversion.PageOptions{})
	assert.ErrorIs(t, err, conversion.ErrValidation)

	_, err = fx.engine.Render(context.Background(), conversion.URLSource("ftp://example.com"), conversion.PageOptions{})
	assert.ErrorIs(t, err, conversion.ErrValidation)

	_, err = fx.engine.Render(context.Background(), conversion.HTMLSource("<p/>"),
		conversion.PageOptions{PageSize: "B5"})
	assert.ErrorIs(t, err, conversion.ErrValidation)

	assert.Equal(t, 0, fx.launches)
}

func TestEngine_PoolExhausted(t *testing.T) {
	page := &scriptedPage{pdf: pdfBytes(16)}
	fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1, AcquireTimeout: 20 * time.Millisecond})

	held, err := fx.pool.Acquire(context.Background())
	require.NoError(t, err)
	defer fx.pool.Release(held)

	_, err = fx.engine.Render(context.Background(), conversion.HTMLSource("<p/>"), conversion.PageOptions{})
	assert.ErrorIs(t, err, conversion.ErrPoolExhausted)
}

func TestEngine_CountsPagesAgainstInstance(t *testing.T) {
	page := &scriptedPage{pdf: pdfBytes(16)}
	fx := newEngineFixture(t, page, browser.PoolConfig{Max: 1, MaxUses: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := fx.engine.Render(ctx, conversion.HTMLSource("<p/>"), conversion.PageOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fx.launches)

	// second render hit the ceiling, so the third needs a fresh instance
	_, err := fx.engine.Render(ctx, conversion.HTMLSource("<p/>"), conversion.PageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, fx.launches)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	assert.ErrorIs(t, classify(ctx, "op", context.DeadlineExceeded), conversion.ErrRenderTimeout)
	assert.ErrorIs(t, classify(ctx, "op", errors.New("boom")), conversion.ErrRenderFailed)
	assert.ErrorIs(t, classify(ctx, "op", context.Canceled), conversion.ErrBrowserDisconnected)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, context.Canceled, classify(cancelled, "op", context.Canceled))

	already := conversion.NewError(conversion.CodeNavigationFailed, "nav", nil)
	assert.Same(t, already, classify(ctx, "op", already))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
