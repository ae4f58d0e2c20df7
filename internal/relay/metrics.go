package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/relay"

type relayMetrics struct {
	requests   metric.Int64Counter
	audioBytes metric.Int64Counter
	inflight   metric.Int64UpDownCounter
	firstChunk metric.Float64Histogram
	duration   metric.Float64Histogram
}

func newRelayMetrics() (*relayMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &relayMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("tts.relay.requests",
		metric.WithDescription("Synthesis requests by delivery mode and outcome")); err != nil {
		return nil, err
	}
	if m.audioBytes, err = meter.Int64Counter("tts.relay.audio_bytes",
		metric.WithDescription("PCM bytes relayed to clients"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.inflight, err = meter.Int64UpDownCounter("tts.relay.inflight",
		metric.WithDescription("Synthesis requests in progress")); err != nil {
		return nil, err
	}
	if m.firstChunk, err = meter.Float64Histogram("tts.relay.first_chunk_latency",
		metric.WithDescription("Time from request to the first synthesized chunk"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("tts.relay.synthesis_duration",
		metric.WithDescription("Time from request to the last synthesized chunk"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *relayMetrics) begin(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *relayMetrics) observeFirstChunk(ctx context.Context, mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.firstChunk.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *relayMetrics) end(ctx context.Context, mode, outcome string, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	modeAttr := attribute.String("mode", mode)
	m.inflight.Add(ctx, -1, metric.WithAttributes(modeAttr))
	m.requests.Add(ctx, 1, metric.WithAttributes(modeAttr, attribute.String("outcome", outcome)))
	m.audioBytes.Add(ctx, bytes, metric.WithAttributes(modeAttr))
	if outcome == "completed" {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(modeAttr))
	}
}
