// Package telemetry wires the bus's dispatch/queue/worker counters into
// OpenTelemetry metrics, mirroring the teacher's lib/telemetry OTLP
// exporter setup with a no-op fallback when no endpoint is configured.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coachpo/busline/internal/config"
)

// GaugeFuncs supplies the point-in-time values the bus exposes through
// OpenTelemetry observable gauges; the bus owns the underlying counters
// (internal/observability.RuntimeMetrics) and telemetry only reads them.
type GaugeFuncs struct {
	QueueDepth    func() int64
	ActiveWorkers func() int64
}

// Instruments are the OpenTelemetry handles the bus records dispatch
// activity through. They are safe to hold as nil: every method is a no-op
// on a nil *Instruments, so callers can wire telemetry optionally.
type Instruments struct {
	meterProvider apimetric.MeterProvider
	published     apimetric.Int64Counter
	dispatched    apimetric.Int64Counter
	deadLettered  apimetric.Int64Counter
	handlerFails  apimetric.Int64Counter
}

// Init configures OpenTelemetry metrics from cfg. With no OTLP endpoint
// configured, it installs no-op providers so instrument calls are cheap and
// harmless in tests and local runs.
func Init(ctx context.Context, cfg config.TelemetryConfig, gauges GaugeFuncs) (*Instruments, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "busline"
	}

	var mp apimetric.MeterProvider
	var shutdown func(context.Context) error

	if endpoint == "" {
		mp = noop.NewMeterProvider()
		shutdown = func(context.Context) error { return nil }
	} else {
		host, insecure, err := parseEndpoint(endpoint)
		if err != nil {
			return nil, nil, err
		}
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
		if insecure || cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}
		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
		sdkMp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		mp = sdkMp
		shutdown = sdkMp.Shutdown
	}
	otel.SetMeterProvider(mp)

	meter := mp.Meter("github.com/coachpo/busline")
	inst := &Instruments{meterProvider: mp}

	var err error
	inst.published, err = meter.Int64Counter("busline.published",
		apimetric.WithDescription("messages accepted by Publish/PublishAsync"))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: published counter: %w", err)
	}
	inst.dispatched, err = meter.Int64Counter("busline.dispatched",
		apimetric.WithDescription("handler invocations, labeled by match bucket"))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: dispatched counter: %w", err)
	}
	inst.deadLettered, err = meter.Int64Counter("busline.dead_lettered",
		apimetric.WithDescription("publications with no exact-type subscription"))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: dead_lettered counter: %w", err)
	}
	inst.handlerFails, err = meter.Int64Counter("busline.handler_failures",
		apimetric.WithDescription("handler invocations that returned or panicked an error"))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: handler_failures counter: %w", err)
	}

	if gauges.QueueDepth != nil {
		_, err = meter.Int64ObservableGauge("busline.async_queue_depth",
			apimetric.WithDescription("pending records in the async dispatch queue"),
			apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
				o.Observe(gauges.QueueDepth())
				return nil
			}))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: async_queue_depth gauge: %w", err)
		}
	}
	if gauges.ActiveWorkers != nil {
		_, err = meter.Int64ObservableGauge("busline.active_workers",
			apimetric.WithDescription("async dispatch workers currently processing a record"),
			apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
				o.Observe(gauges.ActiveWorkers())
				return nil
			}))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: active_workers gauge: %w", err)
		}
	}

	return inst, shutdown, nil
}

// RecordPublished increments the accepted-publication counter.
func (i *Instruments) RecordPublished(ctx context.Context) {
	if i == nil {
		return
	}
	i.published.Add(ctx, 1)
}

// RecordDispatched increments the dispatched-handler counter for bucket,
// one of "exact", "super", or "vararg".
func (i *Instruments) RecordDispatched(ctx context.Context, bucket string, n int64) {
	if i == nil || n == 0 {
		return
	}
	i.dispatched.Add(ctx, n, apimetric.WithAttributes(bucketAttr(bucket)))
}

// RecordDeadLettered increments the dead-letter counter.
func (i *Instruments) RecordDeadLettered(ctx context.Context) {
	if i == nil {
		return
	}
	i.deadLettered.Add(ctx, 1)
}

// RecordHandlerFailure increments the handler-failure counter.
func (i *Instruments) RecordHandlerFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.handlerFails.Add(ctx, 1)
}

func bucketAttr(bucket string) attribute.KeyValue {
	return attribute.String("bucket", bucket)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("telemetry: parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
