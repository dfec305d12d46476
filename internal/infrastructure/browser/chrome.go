package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeConfig contains launch options for Chromium instances
type ChromeConfig struct {
	// RemoteURL is the DevTools websocket URL of an existing Chromium.
	// If empty, a new headless process is launched per instance.
	RemoteURL string
	// NoSandbox runs Chrome without sandbox (required for Docker/root)
	NoSandbox      bool
	ViewportWidth  int64
	ViewportHeight int64
	UserAgent      string
	Logger         *zap.Logger
}

// NewChromeFactory returns a Factory launching chromedp-driven browsers
func NewChromeFactory(cfg ChromeConfig) Factory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1200
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 800
	}
	return func(ctx context.Context) (Instance, error) {
		return launchChrome(ctx, cfg)
	}
}

type chromeInstance struct {
	config        ChromeConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	disconnected  atomic.Bool
}

func allocatorOptions(cfg ChromeConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true), // Important for Docker
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	if cfg.NoSandbox {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

func launchChrome(ctx context.Context, cfg ChromeConfig) (*chromeInstance, error) {
	// The allocator is rooted in Background so the browser outlives ctx
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			cfg.Logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	started := make(chan error, 1)
	go func() {
		// Run with no actions starts the browser and its first tab
		started <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chromium: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chromium: %w", ctx.Err())
	}

	inst := &chromeInstance{
		config:        cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
	go func() {
		<-browserCtx.Done()
		inst.disconnected.Store(true)
	}()
	return inst, nil
}

func (i *chromeInstance) Connected() bool {
	return !i.disconnected.Load() && i.browserCtx.Err() == nil
}

func (i *chromeInstance) NewPage(ctx context.Context) (Page, error) {
	if !i.Connected() {
		return nil, errors.New("browser disconnected")
	}

	tabCtx, tabCancel := chromedp.NewContext(i.browserCtx)
	p := &chromePage{tabCtx: tabCtx, tabCancel: tabCancel}

	runCtx, cancel := p.scoped(ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.EmulateViewport(i.config.ViewportWidth, i.config.ViewportHeight),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if i.config.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(i.config.UserAgent).Do(ctx); err != nil {
					return err
				}
			}
			return page.SetLifecycleEventsEnabled(true).Do(ctx)
		}),
	)
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return p, nil
}

func (i *chromeInstance) Close() error {
	err := chromedp.Cancel(i.browserCtx)
	i.browserCancel()
	i.allocCancel()
	i.disconnected.Store(true)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type chromePage struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
}

// scoped derives a run context from the tab that also honours ctx's
// deadline and cancellation. Cancelling it does not close the tab.
func (p *chromePage) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		parent := cancel
		cancel = func() { cancelDeadline(); parent() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *chromePage) SetContent(ctx context.Context, html string) error {
	runCtx, cancel := p.scoped(ctx)
	defer cancel()

	return chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
	)
}

// Navigate loads url and waits for the lifecycle event named by until on the
// document the navigation created.
func (p *chromePage) Navigate(ctx context.Context, url string, until WaitUntil) error {
	runCtx, cancel := p.scoped(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		events []*page.EventLifecycleEvent
		signal = make(chan struct{}, 1)
	)
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	var res page.NavigateReturns
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res)
	}))
	if err != nil {
		return err
	}
	if res.ErrorText != "" {
		return &NavigationError{URL: url, Reason: res.ErrorText}
	}

	for {
		mu.Lock()
		for _, e := range events {
			if e.Name == string(until) && (res.LoaderID == "" || e.LoaderID == res.LoaderID) {
				mu.Unlock()
				return nil
			}
		}
		mu.Unlock()

		select {
		case <-signal:
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	runCtx, cancel := p.scoped(ctx)
	defer cancel()

	var loc string
	err := chromedp.Run(runCtx, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) PrintToPDF(ctx context.Context, params PrintParams) ([]byte, error) {
	runCtx, cancel := p.scoped(ctx)
	defer cancel()

	var pdfData []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(params.PrintBackground).
			WithPaperWidth(params.PaperWidth).
			WithPaperHeight(params.PaperHeight).
			WithMarginTop(params.MarginTop).
			WithMarginRight(params.MarginRight).
			WithMarginBottom(params.MarginBottom).
			WithMarginLeft(params.MarginLeft).
			WithScale(params.Scale).
			WithLandscape(params.Landscape).
			Do(ctx)
		if err != nil {
			return err
		}
		pdfData = data
		return nil
	}))
	return pdfData, err
}

func (p *chromePage) Close() error {
	p.tabCancel()
	return nil
}

// NavigationError reports a navigation Chromium itself rejected
// (DNS failure, refused connection, certificate error).
type NavigationError struct {
	URL    string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %s", e.URL, e.Reason)
}
