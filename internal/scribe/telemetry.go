package scribe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/internal/scribe"

type instruments struct {
	tracer         trace.Tracer
	recordings     metric.Int64Counter
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
}

func newInstruments(entries func() int, log *slog.Logger) instruments {
	meter := otel.Meter(instrumentationName)
	inst := instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if inst.recordings, err = meter.Int64Counter("scribe.recordings",
		metric.WithDescription("Recordings stopped, by outcome")); err != nil {
		log.Warn("create recordings counter failed", slogError(err))
	}
	if inst.transcriptions, err = meter.Int64Counter("scribe.transcriptions",
		metric.WithDescription("Transcriptions completed, by outcome")); err != nil {
		log.Warn("create transcriptions counter failed", slogError(err))
	}
	if inst.duration, err = meter.Float64Histogram("scribe.transcription.duration",
		metric.WithDescription("Gateway latency per transcription"),
		metric.WithUnit("s")); err != nil {
		log.Warn("create transcription histogram failed", slogError(err))
	}

	gauge, err := meter.Int64ObservableGauge("scribe.history.entries",
		metric.WithDescription("Entries in the transcription history"))
	if err != nil {
		log.Warn("create history gauge failed", slogError(err))
		return inst
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(entries()))
		return nil
	}, gauge); err != nil {
		log.Warn("register history gauge failed", slogError(err))
	}
	return inst
}

func (i instruments) recordingDone(ctx context.Context, outcome string) {
	if i.recordings != nil {
		i.recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (i instruments) transcriptionDone(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if i.transcriptions != nil {
		i.transcriptions.Add(ctx, 1, attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, seconds, attrs)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
