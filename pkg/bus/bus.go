// Package bus exposes the spec §6 bus surface: subscribe/unsubscribe,
// synchronous and asynchronous publish, pending-message introspection,
// graceful shutdown, and error-sink registration, wired over the
// registry/dispatch/asyncbus core packages.
package bus

import (
	"context"
	"fmt"
	"io"
	"time"

	coredispatch "github.com/coachpo/busline/core/dispatch"
	"github.com/coachpo/busline/core/handler"
	coretypes "github.com/coachpo/busline/core/types"
	"github.com/coachpo/busline/errs"
	"github.com/coachpo/busline/internal/asyncbus"
	"github.com/coachpo/busline/internal/config"
	"github.com/coachpo/busline/internal/observability"
	buspool "github.com/coachpo/busline/internal/pool"
	"github.com/coachpo/busline/internal/registry"
	"github.com/coachpo/busline/internal/telemetry"
)

// Bus is one independent publish/subscribe instance. There is no
// process-wide bus singleton (spec §9: "Global state"); every Bus owns its
// own registry, dispatch core, and async worker pool.
type Bus struct {
	registry *registry.Registry
	dispatch *coredispatch.Core
	async    *asyncbus.Bus
	errSink  *errs.MultiSink
	metrics  *observability.RuntimeMetrics
	telem    *telemetry.Instruments
	shutdown func(context.Context) error
}

// Option configures a Bus at construction time.
type Option func(*buildState)

type buildState struct {
	cfg      config.BusConfig
	provider handler.MetadataProvider
	catalog  *coretypes.InterfaceCatalog
}

// WithConfig overrides the default configuration (runtime.NumCPU() workers,
// a 1024-capacity queue, telemetry disabled).
func WithConfig(cfg config.BusConfig) Option {
	return func(s *buildState) { s.cfg = cfg }
}

// WithMetadataProvider overrides the default reflection-based handler
// metadata provider (spec §6's external collaborator).
func WithMetadataProvider(p handler.MetadataProvider) Option {
	return func(s *buildState) { s.provider = p }
}

// WithInterfaceCatalog supplies the set of interface types the type
// hierarchy oracle checks for supertype dispatch (core/types.Oracle).
func WithInterfaceCatalog(catalog *coretypes.InterfaceCatalog) Option {
	return func(s *buildState) { s.catalog = catalog }
}

// New constructs an independent Bus. Telemetry is initialized eagerly (a
// no-op exporter when cfg.Telemetry.OTLPEndpoint is empty); callers should
// treat New as fallible on account of that exporter setup.
func New(ctx context.Context, opts ...Option) (*Bus, error) {
	state := &buildState{cfg: config.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(state)
		}
	}

	sink := errs.NewMultiSink()
	metrics := observability.NewRuntimeMetrics()

	regOpts := []registry.Option{registry.WithErrorSink(sink)}
	if state.provider != nil {
		regOpts = append(regOpts, registry.WithMetadataProvider(state.provider))
	}
	if state.catalog != nil {
		regOpts = append(regOpts, registry.WithInterfaceCatalog(state.catalog))
	}
	reg := registry.New(regOpts...)

	b := &Bus{
		registry: reg,
		errSink:  sink,
		metrics:  metrics,
	}

	telem, telemShutdown, err := telemetry.Init(ctx, state.cfg.Telemetry, telemetry.GaugeFuncs{
		QueueDepth:    func() int64 { return b.async.QueueDepth() },
		ActiveWorkers: func() int64 { return b.async.ActiveWorkers() },
	})
	if err != nil {
		return nil, fmt.Errorf("bus: init telemetry: %w", err)
	}
	b.telem = telem
	b.shutdown = telemShutdown

	b.dispatch = coredispatch.New(reg, sink, metrics, telem)
	b.async = asyncbus.New(b.dispatch, sink, state.cfg.Async, metrics, telem)

	observability.Log().Info("bus started",
		observability.Field{Key: "workers", Value: state.cfg.Async.Workers},
		observability.Field{Key: "queue_capacity", Value: state.cfg.Async.QueueCapacity},
	)
	return b, nil
}

// Subscribe registers listener's handler methods (spec §4.3). A nil
// listener is a no-op.
func (b *Bus) Subscribe(listener any) {
	b.registry.Subscribe(listener)
}

// Unsubscribe removes listener from every handler it was registered
// against. A no-op if listener was never subscribed (P7).
func (b *Bus) Unsubscribe(listener any) {
	b.registry.Unsubscribe(listener)
}

// Publish delivers a single-argument message synchronously on the caller's
// thread.
func (b *Bus) Publish(m1 any) {
	b.dispatch.Publish1(context.Background(), m1)
}

// Publish2 delivers a two-argument tuple message synchronously.
func (b *Bus) Publish2(m1, m2 any) {
	b.dispatch.Publish2(context.Background(), m1, m2)
}

// Publish3 delivers a three-argument tuple message synchronously.
func (b *Bus) Publish3(m1, m2, m3 any) {
	b.dispatch.Publish3(context.Background(), m1, m2, m3)
}

// PublishN delivers a variadic tuple message synchronously (spec §4.4's
// publish(m1,...,mk)).
func (b *Bus) PublishN(args ...any) {
	b.dispatch.PublishN(context.Background(), args...)
}

// PublishAsync enqueues a publication for worker-pool delivery (spec
// §4.5), blocking on the free-list if it is momentarily exhausted.
func (b *Bus) PublishAsync(args ...any) *errs.PublicationError {
	return b.async.PublishAsync(context.Background(), args...)
}

// PublishAsyncTimeout is the bounded-wait variant: both the free-list wait
// and the enqueue share timeout.
func (b *Bus) PublishAsyncTimeout(timeout time.Duration, args ...any) *errs.PublicationError {
	return b.async.PublishAsyncTimeout(timeout, args...)
}

// HasPendingMessages reports whether the async dispatch queue is
// non-empty.
func (b *Bus) HasPendingMessages() bool {
	return b.async.HasPendingMessages()
}

// AddErrorHandler registers sink to receive every PublicationError the bus
// produces: handler failures, async-enqueue failures, and metadata
// extraction failures.
func (b *Bus) AddErrorHandler(sink errs.Sink) {
	b.errSink.Add(sink)
}

// Metrics returns a point-in-time snapshot of bus-wide counters.
func (b *Bus) Metrics() observability.BusMetricsSnapshot {
	return b.metrics.Snapshot()
}

// Debug returns a point-in-time snapshot of registry table sizes, for
// introspection and tests.
func (b *Bus) Debug() registry.DebugSnapshot {
	return b.registry.Debug()
}

// DebugJSON renders Debug's snapshot as compact JSON, for operators wiring
// the bus into an introspection endpoint or log line.
func (b *Bus) DebugJSON() ([]byte, error) {
	return buspool.EncodeJSON(b.Debug())
}

// WriteDebugJSON writes Debug's snapshot as compact JSON to w, for an
// introspection HTTP handler or a file destination. The encoding is
// buffered in memory before the write, as for DebugJSON.
func (b *Bus) WriteDebugJSON(w io.Writer) error {
	return buspool.WriteJSON(w, b.Debug())
}

// Shutdown stops the async worker pool and telemetry exporter, bounded by
// ctx. Idempotent; subsequent Publish/PublishAsync calls after Shutdown
// returns either fail fast (PublishAsync) or are accepted but never
// delivered to a worker (Publish, which runs synchronously and is
// unaffected by worker shutdown).
func (b *Bus) Shutdown(ctx context.Context) error {
	asyncErr := b.async.Shutdown(ctx)
	var telemErr error
	if b.shutdown != nil {
		telemErr = b.shutdown(ctx)
	}
	observability.Log().Info("bus shutdown complete")
	// Both the worker pool and the telemetry exporter can fail to drain
	// within ctx independently; aggregate rather than silently dropping
	// whichever one didn't happen to be checked first.
	return observability.AggregateErrors("bus shutdown", []error{asyncErr, telemErr})
}
