// Package observer provides OTEL-based observability for the run engine.
//
// It implements luffybot.Metrics with OpenTelemetry instruments and exports
// them over OTLP HTTP. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars or the observer config section.
package observer

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nevindra/luffybot"
)

const scopeName = "github.com/nevindra/luffybot/observer"

// Instruments holds all OTEL instruments fed by the engine.
type Instruments struct {
	Meter metric.Meter

	RunsStarted   metric.Int64Counter
	RunsFinished  metric.Int64Counter
	RunDuration   metric.Float64Histogram
	ResourceKills metric.Int64Counter
	QueueGauge    metric.Int64ObservableGauge

	queueDepth atomic.Int64
}

var _ luffybot.Metrics = (*Instruments)(nil)

// Init sets up an OTEL metric provider with an OTLP HTTP exporter.
// endpoint may be empty, in which case the standard OTEL env vars apply.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, endpoint string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("luffybot")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var expOpts []otlpmetrichttp.Option
	if endpoint != "" {
		expOpts = append(expOpts, otlpmetrichttp.WithEndpoint(endpoint))
	}
	metricExp, err := otlpmetrichttp.New(ctx, expOpts...)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	return inst, mp.Shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	inst := &Instruments{Meter: meter}

	var err error
	if inst.RunsStarted, err = meter.Int64Counter("script.runs.started",
		metric.WithDescription("Script launches"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if inst.RunsFinished, err = meter.Int64Counter("script.runs.finished",
		metric.WithDescription("Script runs reaching a terminal status"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if inst.RunDuration, err = meter.Float64Histogram("script.run.duration",
		metric.WithDescription("Script run duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ResourceKills, err = meter.Int64Counter("script.runs.resource_kills",
		metric.WithDescription("Runs killed for resource violations"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if inst.QueueGauge, err = meter.Int64ObservableGauge("script.queue.depth",
		metric.WithDescription("Admitted requests waiting to launch"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(inst.queueDepth.Load())
			return nil
		})); err != nil {
		return nil, err
	}
	return inst, nil
}

// RunStarted counts one launch.
func (i *Instruments) RunStarted(script string) {
	i.RunsStarted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("script", script)))
}

// RunFinished counts one terminal run and records its duration.
func (i *Instruments) RunFinished(script, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("script", script),
		attribute.String("status", status),
	)
	i.RunsFinished.Add(context.Background(), 1, attrs)
	i.RunDuration.Record(context.Background(), seconds, attrs)
}

// QueueDepth publishes the current queue depth.
func (i *Instruments) QueueDepth(n int) {
	i.queueDepth.Store(int64(n))
}

// ResourceKill counts one resource-violation kill.
func (i *Instruments) ResourceKill(script string) {
	i.ResourceKills.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("script", script)))
}
