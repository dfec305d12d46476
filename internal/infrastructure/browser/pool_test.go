package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePage struct{}

func (fakePage) SetContent(context.Context, string) error { return nil }
func (fakePage) Navigate(context.Context, string, WaitUntil) error { return nil }
func (fakePage) Location(context.Context) (string, error) { return "about:blank", nil }
func (fakePage) PrintToPDF(context.Context, PrintParams) ([]byte, error) { return []byte("%PDF"), nil }
func (fakePage) Close() error { return nil }

type fakeInstance struct {
	mu        sync.Mutex
	connected bool
	closed    bool
}

func (f *fakeInstance) NewPage(context.Context) (Page, error) { return fakePage{}, nil }

func (f *fakeInstance) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInstance) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	launches  atomic.Int32
	err       error
}

func (f *fakeFactory) launch(context.Context) (Instance, error) {
	f.launches.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	inst := &fakeInstance{connected: true}
	f.mu.Lock()
	f.instances = append(f.instances, inst)
	f.mu.Unlock()
	return inst, nil
}

func newTestPool(t *testing.T, f *fakeFactory, cfg PoolConfig) *Pool {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	p, err := NewPool(f.launch, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(nil, PoolConfig{})
	assert.Error(t, err)

	_, err = NewPool((&fakeFactory{}).launch, PoolConfig{Min: 4, Max: 2})
	assert.Error(t, err)

	p, err := NewPool((&fakeFactory{}).launch, PoolConfig{})
	require.NoError(t, err)
	assert.Equal(t, defaultPoolMax, p.Stats().Max)
}

func TestPool_AcquireReusesReleasedInstance(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 2, MaxUses: 10})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().InUse)
	p.Release(h1)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), h2.ID())
	assert.Equal(t, int32(1), f.launches.Load())
	p.Release(h2)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestPool_UseCountAndRetirement(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 1, MaxUses: 3})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	for k := 1; k <= 2; k++ {
		_, err := h.NewPage(ctx)
		require.NoError(t, err)
		assert.Equal(t, k, h.UseCount())
	}
	p.Release(h)

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.UseCount())
	retiredID := h.ID()
	p.Release(h)

	// the worn-out instance was closed, never parked
	f.mu.Lock()
	assert.True(t, f.instances[0].closed)
	f.mu.Unlock()
	assert.Equal(t, 0, p.Stats().Idle)

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, retiredID, h.ID())
	assert.Equal(t, 0, h.UseCount())
	p.Release(h)
}

func TestPool_DisconnectedInstanceIsDestroyed(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 1})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	f.instances[0].disconnect()
	p.Release(h)

	assert.Equal(t, 0, p.Stats().Live)

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, h.Connected())
	assert.Equal(t, int32(2), f.launches.Load())
	p.Release(h)
}

func TestPool_IdleInstanceValidatedOnBorrow(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 1})
	ctx := context.Background()

	require.NoError(t, p.WarmUp(ctx, 1))
	f.instances[0].disconnect()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, h.Connected())
	assert.Equal(t, int32(2), f.launches.Load())
	p.Release(h)
}

func TestPool_AcquireTimesOutWhenExhausted(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(h)

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, conversion.ErrPoolExhausted)
	assert.True(t, conversion.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(h)
	}()

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), h2.ID())
	p.Release(h2)
}

func TestPool_AcquireHonoursCallerCancellation(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Max: 1, AcquireTimeout: time.Minute})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_LaunchFailure(t *testing.T) {
	f := &fakeFactory{err: errors.New("chromium not found")}
	p := newTestPool(t, f, PoolConfig{Max: 2})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conversion.ErrRenderFailed)
	assert.Equal(t, 0, p.Stats().Live)

	assert.Error(t, p.WarmUp(context.Background(), 2))
	assert.Equal(t, 0, p.Stats().Live)
}

func TestPool_WarmUpClampsToMax(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Min: 2, Max: 3})

	require.NoError(t, p.WarmUp(context.Background(), 5))

	stats := p.Stats()
	assert.Equal(t, 3, stats.Live)
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, int32(3), f.launches.Load())
}

func TestPool_ReplenishesToMin(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, PoolConfig{Min: 1, Max: 2, MaxUses: 1})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.NewPage(ctx)
	require.NoError(t, err)
	p.Release(h)

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Live == 1 && s.Idle == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPool_Close(t *testing.T) {
	f := &fakeFactory{}
	p, err := NewPool(f.launch, PoolConfig{Max: 2, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.WarmUp(ctx, 1))
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// checked-out instance is destroyed when handed back
	p.Release(busy)
	for _, inst := range f.instances {
		assert.True(t, inst.closed)
	}
	assert.Equal(t, 0, p.Stats().Live)
}
