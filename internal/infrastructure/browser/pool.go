package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPoolMin        = 2
	defaultPoolMax        = 5
	defaultMaxUses        = 100
	defaultAcquireTimeout = 30 * time.Second
	replenishTimeout      = 60 * time.Second
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("browser pool is closed")

// PoolConfig contains configuration for the renderer pool
type PoolConfig struct {
	// Min instances kept alive once warmed
	Min int
	// Max is the hard ceiling on live instances
	Max int
	// MaxUses retires an instance after this many pages
	MaxUses int
	// AcquireTimeout bounds how long Acquire blocks
	AcquireTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *telemetry.ConversionMetrics
}

// Handle is exclusive ownership of one pooled instance between Acquire and Release
type Handle struct {
	id        int64
	instance  Instance
	useCount  int
	createdAt time.Time
}

// ID identifies the underlying instance in logs
func (h *Handle) ID() int64 { return h.id }

// UseCount is the number of pages opened on this instance
func (h *Handle) UseCount() int { return h.useCount }

// Connected reports instance liveness
func (h *Handle) Connected() bool { return h.instance.Connected() }

// NewPage opens a tab and counts it against the instance's use ceiling
func (h *Handle) NewPage(ctx context.Context) (Page, error) {
	p, err := h.instance.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	h.useCount++
	return p, nil
}

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Live  int `json:"live"`
	Idle  int `json:"idle"`
	InUse int `json:"inUse"`
	Min   int `json:"min"`
	Max   int `json:"max"`
}

// Pool bounds concurrent renderer instances between Min and Max. A token in
// slots stands for one live instance, idle or checked out.
type Pool struct {
	factory Factory
	config  PoolConfig
	logger  *zap.Logger

	slots   chan struct{}
	idle    chan *Handle
	closeCh chan struct{}
	nextID  atomic.Int64

	mu     sync.Mutex
	inUse  int
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates an empty pool; call WarmUp to pre-create instances
func NewPool(factory Factory, cfg PoolConfig) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("browser factory is required")
	}
	if cfg.Max <= 0 {
		cfg.Max = defaultPoolMax
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		return nil, fmt.Errorf("pool min (%d) cannot exceed max (%d)", cfg.Min, cfg.Max)
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = defaultMaxUses
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		factory: factory,
		config:  cfg,
		logger:  logger,
		slots:   make(chan struct{}, cfg.Max),
		idle:    make(chan *Handle, cfg.Max),
		closeCh: make(chan struct{}),
	}, nil
}

// WarmUp pre-creates up to n instances concurrently so the first jobs do
// not pay browser startup latency. n is clamped to the free capacity.
func (p *Pool) WarmUp(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		if !p.reserveSlot() {
			break
		}
		g.Go(func() error {
			h, err := p.create(gctx)
			if err != nil {
				<-p.slots
				return err
			}
			p.putIdle(h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm up browser pool: %w", err)
	}

	p.logger.Info("Browser pool warmed up", zap.Int("idle", len(p.idle)))
	return nil
}

// Acquire checks out an instance, creating one if capacity allows. It blocks
// up to the configured acquire timeout and then fails with POOL_EXHAUSTED.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	for {
		// Prefer an idle instance over launching a new one
		select {
		case h := <-p.idle:
			if got := p.checkout(h); got != nil {
				return got, nil
			}
			continue
		default:
		}

		select {
		case h := <-p.idle:
			if got := p.checkout(h); got != nil {
				return got, nil
			}
		case p.slots <- struct{}{}:
			h, err := p.create(acquireCtx)
			if err != nil {
				<-p.slots
				return nil, conversion.NewError(conversion.CodeRenderFailed, "failed to start renderer instance", err)
			}
			p.markInUse(1)
			return h, nil
		case <-p.closeCh:
			return nil, ErrPoolClosed
		case <-acquireCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, conversion.NewError(conversion.CodePoolExhausted,
				fmt.Sprintf("no renderer available within %s", p.config.AcquireTimeout), acquireCtx.Err())
		}
	}
}

// Release returns a handle. Disconnected or worn-out instances are destroyed
// and the pool is topped back up to Min in the background.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	p.inUse--
	inUse := p.inUse
	if !p.closed && p.valid(h) {
		select {
		case p.idle <- h:
			p.mu.Unlock()
			p.config.Metrics.RecordPoolInUse(context.Background(), inUse)
			return
		default:
		}
	}
	closed := p.closed
	p.mu.Unlock()

	p.logger.Debug("Retiring browser instance",
		zap.Int64("instance_id", h.id),
		zap.Int("use_count", h.useCount),
		zap.Bool("connected", h.instance.Connected()))
	p.destroy(h)
	p.config.Metrics.RecordPoolInUse(context.Background(), inUse)

	if !closed {
		p.replenish()
	}
}

// Stats returns the current pool counters
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Live:  len(p.slots),
		Idle:  len(p.idle),
		InUse: p.inUse,
		Min:   p.config.Min,
		Max:   p.config.Max,
	}
}

// Close destroys idle instances; checked-out ones are destroyed on Release
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	for {
		select {
		case h := <-p.idle:
			if err := h.instance.Close(); err != nil {
				errs = append(errs, err)
			}
			<-p.slots
		default:
			p.logger.Info("Browser pool closed")
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) create(ctx context.Context) (*Handle, error) {
	start := time.Now()
	inst, err := p.factory(ctx)
	if err != nil {
		p.logger.Error("Failed to launch browser instance", zap.Error(err))
		return nil, err
	}
	h := &Handle{
		id:        p.nextID.Add(1),
		instance:  inst,
		createdAt: time.Now(),
	}
	p.logger.Debug("Browser instance launched",
		zap.Int64("instance_id", h.id),
		zap.Duration("startup", time.Since(start)))
	return h, nil
}

// checkout validates an idle handle; invalid ones are destroyed and nil is returned
func (p *Pool) checkout(h *Handle) *Handle {
	if !p.valid(h) {
		p.destroy(h)
		return nil
	}
	p.markInUse(1)
	return h
}

// reserveSlot claims capacity for one new instance without blocking
func (p *Pool) reserveSlot() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) valid(h *Handle) bool {
	return h.instance.Connected() && h.useCount < p.config.MaxUses
}

func (p *Pool) destroy(h *Handle) {
	if err := h.instance.Close(); err != nil {
		p.logger.Warn("Failed to close browser instance", zap.Int64("instance_id", h.id), zap.Error(err))
	}
	<-p.slots
}

func (p *Pool) markInUse(delta int) {
	p.mu.Lock()
	p.inUse += delta
	n := p.inUse
	p.mu.Unlock()
	p.config.Metrics.RecordPoolInUse(context.Background(), n)
}

// putIdle parks a fresh handle, or destroys it if the pool closed meanwhile
func (p *Pool) putIdle(h *Handle) {
	p.mu.Lock()
	if !p.closed {
		select {
		case p.idle <- h:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.mu.Unlock()
	p.destroy(h)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) replenish() {
	if len(p.slots) >= p.config.Min {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if !p.reserveSlot() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), replenishTimeout)
		defer cancel()
		h, err := p.create(ctx)
		if err != nil {
			<-p.slots
			return
		}
		p.putIdle(h)
	}()
}
