// Command busdemo exercises subscribe, synchronous publish, asynchronous
// publish, and graceful shutdown against an in-process bus instance.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coachpo/busline/core/deadletter"
	"github.com/coachpo/busline/core/handler"
	"github.com/coachpo/busline/errs"
	"github.com/coachpo/busline/internal/config"
	"github.com/coachpo/busline/pkg/bus"
)

const demoShutdownTimeout = 5 * time.Second

// OrderEvent is one of the demo's published message types.
type OrderEvent struct {
	ID string
}

// TradeEvent is a subtype-compatible sibling message type.
type TradeEvent struct {
	OrderEvent
	Price float64
}

// counters is a listener whose handler methods are the bus's demo
// subscribers.
type counters struct {
	orders int64
	trades int64
	dead   int64
}

func (c *counters) OnOrder(evt OrderEvent) error {
	atomic.AddInt64(&c.orders, 1)
	return nil
}

func (c *counters) OnDead(msg deadletter.DeadMessage) error {
	atomic.AddInt64(&c.dead, 1)
	return nil
}

// BusHandlers implements handler.Listener.
func (c *counters) BusHandlers() []handler.HandlerSpec {
	return []handler.HandlerSpec{
		{Func: c.OnOrder, AcceptsSubtypes: true, AcceptsVarArgs: false},
		{Func: c.OnDead, AcceptsSubtypes: false, AcceptsVarArgs: false},
	}
}

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, "busdemo ", log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}

	b, err := bus.New(ctx, bus.WithConfig(cfg))
	if err != nil {
		logger.Fatalf("start bus: %v", err)
	}
	b.AddErrorHandler(errs.SinkFunc(func(e *errs.PublicationError) {
		logger.Printf("publication error: %s", e.Error())
	}))

	listener := &counters{}
	b.Subscribe(listener)

	// Synchronous publish: every OnOrder handler fires on this goroutine.
	b.Publish(OrderEvent{ID: "sync-1"})

	// No handler is declared for Widget, so this falls through to the
	// DeadMessage handler.
	type widget struct{ name string }
	b.Publish(widget{name: "demo-widget"})

	// Asynchronous publish: delivery happens on a worker goroutine.
	for i := 0; i < 100; i++ {
		if pubErr := b.PublishAsync(OrderEvent{ID: fmt.Sprintf("async-%d", i)}); pubErr != nil {
			logger.Printf("publishAsync rejected: %s", pubErr.Error())
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.HasPendingMessages() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	snap := b.Metrics()
	logger.Printf("orders=%d dead=%d published=%d dispatched_exact=%d dead_lettered=%d",
		atomic.LoadInt64(&listener.orders), atomic.LoadInt64(&listener.dead),
		snap.Published, snap.DispatchedExact, snap.DeadLettered)

	if debugJSON, err := b.DebugJSON(); err != nil {
		logger.Printf("debug snapshot: %v", err)
	} else {
		logger.Printf("registry snapshot: %s", debugJSON)
	}
	if err := b.WriteDebugJSON(os.Stdout); err != nil {
		logger.Printf("debug snapshot stream: %v", err)
	}
	fmt.Println()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), demoShutdownTimeout)
	defer shutdownCancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("shutdown: %v", err)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath() string {
	if path := os.Getenv("BUSLINE_CONFIG"); path != "" {
		return path
	}
	return "config/bus.yaml"
}
