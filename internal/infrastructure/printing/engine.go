package printing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/browser"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// chromeErrorScheme is where Chromium parks a tab whose navigation failed
const chromeErrorScheme = "chrome-error://"

// Engine renders sources on pooled browser instances
type Engine struct {
	pool    RendererPool
	config  EngineConfig
	logger  *zap.Logger
	metrics *telemetry.ConversionMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine drawing instances from pool
func NewEngine(pool RendererPool, cfg EngineConfig) (*Engine, error) {
	if pool == nil {
		return nil, errors.New("renderer pool is required")
	}
	cfg = cfg.withDefaults()
	return &Engine{
		pool:    pool,
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		sleep:   sleepContext,
	}, nil
}

// Render produces a PDF for src. The pooled instance is released on every
// path; the tab is closed before release.
func (e *Engine) Render(ctx context.Context, src conversion.Source, opts conversion.PageOptions) ([]byte, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "printing.render",
		telemetry.AttrSourceKind.String(string(src.Kind)),
		telemetry.AttrPageSize.String(string(opts.PageSize)),
	)
	defer span.End()

	start := time.Now()
	data, err := e.render(ctx, src, opts)
	duration := time.Since(start)
	e.metrics.RecordRender(ctx, duration, string(src.Kind), string(conversion.CodeOf(err)))

	if err != nil {
		telemetry.RecordError(span, err)
		e.logger.Warn("PDF rendering failed",
			zap.String("source_kind", string(src.Kind)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("PDF rendered successfully",
		zap.String("source_kind", string(src.Kind)),
		zap.String("page_size", string(opts.PageSize)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", duration))
	return data, nil
}

func (e *Engine) render(ctx context.Context, src conversion.Source, opts conversion.PageOptions) ([]byte, error) {
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(h)

	pg, err := h.NewPage(ctx)
	if err != nil {
		return nil, classify(ctx, "open page", err)
	}
	defer func() {
		if cerr := pg.Close(); cerr != nil {
			e.logger.Debug("Failed to close page", zap.Int64("instance_id", h.ID()), zap.Error(cerr))
		}
	}()

	if src.IsHTML() {
		err = e.loadHTML(ctx, pg, src.HTML)
	} else {
		err = e.loadURL(ctx, pg, src.URL)
	}
	if err != nil {
		return nil, lostInstance(ctx, h, err)
	}

	data, err := e.print(ctx, pg, opts)
	if err != nil {
		return nil, lostInstance(ctx, h, err)
	}
	return data, nil
}

// lostInstance reports a failure on a dead instance as a disconnect, so the
// job is retried on whatever replaces it.
func lostInstance(ctx context.Context, h *browser.Handle, err error) error {
	if ctx.Err() != nil || h.Connected() || conversion.CodeOf(err) == conversion.CodeBrowserDisconnected {
		return err
	}
	return conversion.NewError(conversion.CodeBrowserDisconnected,
		fmt.Sprintf("renderer instance %d disconnected", h.ID()), err)
}

func (e *Engine) loadHTML(ctx context.Context, pg browser.Page, html string) error {
	loadCtx, cancel := context.WithTimeout(ctx, e.config.HTMLLoadTimeout)
	defer cancel()

	if err := pg.SetContent(loadCtx, html); err != nil {
		return classify(loadCtx, "load HTML content", err)
	}
	return e.settle(ctx, e.config.HTMLSettleDelay)
}

// loadURL walks the ladder until one strategy succeeds, then waits for
// client-side rendering and rejects Chromium's own error page.
func (e *Engine) loadURL(ctx context.Context, pg browser.Page, url string) error {
	var lastErr error
	loaded := false

	for _, step := range e.config.ladder() {
		err := e.navigate(ctx, pg, url, step)
		if err == nil {
			e.logger.Debug("Page loaded",
				zap.String("url", url),
				zap.String("strategy", string(step.until)))
			loaded = true
			break
		}

		if ctx.Err() != nil {
			return classify(ctx, "load page", err)
		}

		e.logger.Debug("Load strategy failed, falling back",
			zap.String("url", url),
			zap.String("strategy", string(step.until)),
			zap.Error(err))
		lastErr = err
	}

	if !loaded {
		var navErr *browser.NavigationError
		switch {
		case errors.As(lastErr, &navErr):
			return conversion.NewError(conversion.CodeNavigationFailed, "navigation failed", lastErr)
		case errors.Is(lastErr, context.DeadlineExceeded):
			return conversion.NewError(conversion.CodeRenderTimeout,
				fmt.Sprintf("page %s did not finish loading", url), lastErr)
		}
		return classify(ctx, "load page", lastErr)
	}

	if err := e.settle(ctx, e.config.DynamicSettle); err != nil {
		return err
	}

	loc, err := pg.Location(ctx)
	if err != nil {
		return classify(ctx, "read page location", err)
	}
	if strings.HasPrefix(loc, chromeErrorScheme) {
		return conversion.NewError(conversion.CodeNavigationFailed,
			fmt.Sprintf("navigation to %s ended on an error page", url), nil)
	}
	return nil
}

func (e *Engine) navigate(ctx context.Context, pg browser.Page, url string, step loadStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
	defer cancel()

	if err := pg.Navigate(stepCtx, url, step.until); err != nil {
		return err
	}
	return e.settle(ctx, step.settle)
}

func (e *Engine) print(ctx context.Context, pg browser.Page, opts conversion.PageOptions) ([]byte, error) {
	printCtx, cancel := context.WithTimeout(ctx, e.config.PrintTimeout)
	defer cancel()

	data, err := pg.PrintToPDF(printCtx, e.printParams(opts))
	if err != nil {
		return nil, classify(printCtx, "export PDF", err)
	}
	if len(data) == 0 {
		return nil, conversion.NewError(conversion.CodeRenderFailed, "generated PDF is empty", nil)
	}
	if e.config.MaxOutputBytes > 0 && int64(len(data)) > e.config.MaxOutputBytes {
		return nil, conversion.NewError(conversion.CodeOutputTooLarge,
			fmt.Sprintf("generated PDF is %d bytes, limit is %d", len(data), e.config.MaxOutputBytes), nil)
	}
	return data, nil
}

func (e *Engine) settle(ctx context.Context, d time.Duration) error {
	if err := e.sleep(ctx, d); err != nil {
		return classify(ctx, "settle", err)
	}
	return nil
}

// classify maps driver errors onto conversion codes. Cancellation passes
// through untouched only when ctx itself was cancelled; otherwise the tab
// context died under us, which chromedp reports when the browser goes away.
func classify(ctx context.Context, op string, err error) error {
	var ce *conversion.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return conversion.NewError(conversion.CodeRenderTimeout, op+" timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		if ctx.Err() != nil {
			return err
		}
		return conversion.NewError(conversion.CodeBrowserDisconnected, op+" aborted", err)
	}
	return conversion.NewError(conversion.CodeRenderFailed, op+" failed", err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Renderer = (*Engine)(nil)
