package asyncbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/busline/core/dispatch"
	"github.com/coachpo/busline/core/handler"
	"github.com/coachpo/busline/errs"
	"github.com/coachpo/busline/internal/config"
	"github.com/coachpo/busline/internal/observability"
	"github.com/coachpo/busline/internal/registry"
)

type orderEvent struct{ id string }

type countingListener struct {
	mu    sync.Mutex
	count int
}

func (l *countingListener) OnOrder(e orderEvent) error {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
	return nil
}

func (l *countingListener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *countingListener) BusHandlers() []handler.HandlerSpec {
	return []handler.HandlerSpec{
		{Func: l.OnOrder, AcceptsSubtypes: false, AcceptsVarArgs: false},
	}
}

var _ handler.Listener = (*countingListener)(nil)

func testConfig() config.AsyncConfig {
	return config.AsyncConfig{
		Workers:              2,
		QueueCapacity:        8,
		AdaptivePollAttempts: 4,
	}
}

func newTestBus(t *testing.T, l *countingListener) (*Bus, *registry.Registry) {
	reg := registry.New()
	reg.Subscribe(l)
	metrics := observability.NewRuntimeMetrics()
	core := dispatch.New(reg, nil, metrics, nil)
	bus := New(core, nil, testConfig(), metrics, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	return bus, reg
}

func TestPublishAsyncDeliversToHandler(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &countingListener{}
	bus, _ := newTestBus(t, l)

	require.Nil(t, bus.PublishAsync(context.Background(), orderEvent{id: "1"}))

	require.Eventually(t, func() bool { return l.Count() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
}

func TestPublishAsyncManyMessagesAllDelivered(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &countingListener{}
	bus, _ := newTestBus(t, l)

	const n = 200
	for i := 0; i < n; i++ {
		require.Nil(t, bus.PublishAsync(context.Background(), orderEvent{id: "x"}))
	}

	require.Eventually(t, func() bool { return l.Count() == n }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
}

func TestPublishAsyncRejectedAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &countingListener{}
	bus, _ := newTestBus(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))

	pubErr := bus.PublishAsync(context.Background(), orderEvent{id: "late"})
	require.NotNil(t, pubErr)
	assert.Equal(t, errs.CodeRejectedAfterShutdown, pubErr.Code)
}

func TestShutdownIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &countingListener{}
	bus, _ := newTestBus(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
	require.NoError(t, bus.Shutdown(ctx))
}

func TestHasPendingMessagesReflectsQueueState(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &countingListener{}
	bus, _ := newTestBus(t, l)

	assert.False(t, bus.HasPendingMessages())

	for i := 0; i < 50; i++ {
		require.Nil(t, bus.PublishAsync(context.Background(), orderEvent{id: "x"}))
	}
	require.Eventually(t, func() bool { return l.Count() == 50 }, 2*time.Second, time.Millisecond)
	assert.False(t, bus.HasPendingMessages())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
}

// TestPublishAsyncConcurrentProducersAllDelivered is the literal S6 stress
// property: 4 producer goroutines publishing concurrently against a
// 4-worker bus, 10,000 messages total, none lost and no crash. Every publish
// is single-argument, so it exercises the single-type registry lookups and
// caches, not the tuple caches in trie.go.
func TestPublishAsyncConcurrentProducersAllDelivered(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const (
		producers      = 4
		messagesPerOne = 2500
		totalMessages  = producers * messagesPerOne
	)

	l := &countingListener{}
	reg := registry.New()
	reg.Subscribe(l)
	metrics := observability.NewRuntimeMetrics()
	core := dispatch.New(reg, nil, metrics, nil)
	bus := New(core, nil, config.AsyncConfig{
		Workers:              4,
		QueueCapacity:        256,
		AdaptivePollAttempts: 4,
	}, metrics, nil)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < messagesPerOne; i++ {
				require.Nil(t, bus.PublishAsync(context.Background(), orderEvent{id: "stress"}))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return l.Count() == totalMessages }, 10*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
}

func TestPublishAsyncTimeoutReturnsOnExpiredContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &countingListener{}
	bus, _ := newTestBus(t, l)

	// Saturate the queue and free-list so the next enqueue has to wait, then
	// give it an already-expired budget.
	for i := 0; i < testConfig().QueueCapacity; i++ {
		_ = bus.PublishAsync(context.Background(), orderEvent{id: "filler"})
	}
	pubErr := bus.PublishAsyncTimeout(0, orderEvent{id: "too-late"})
	if pubErr != nil {
		assert.Equal(t, errs.CodeEnqueueTimeout, pubErr.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
}
