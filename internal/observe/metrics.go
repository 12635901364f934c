// Package observe provides the observability primitives shared by the voice
// client and the session broker: OpenTelemetry metrics and tracing, a
// trace-aware slog helper, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping via the Prometheus bridge set up by [InitProvider]. Components
// accept a *[Metrics]; tests build one with [NewMetrics] over a manual reader
// to avoid cross-test pollution, everything else may use [DefaultMetrics].
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/pranicsoil/fieldvoice"

// Result attribute values shared by the frame and lock counters.
const (
	ResultGranted     = "granted"
	ResultBusy        = "busy"
	ResultReclaimed   = "reclaimed"
	ResultSent        = "sent"
	ResultDropped     = "dropped"
	ResultPlayed      = "played"
	ResultInterrupted = "interrupted"
	ResultDecodeError = "decode_error"
)

// Metrics holds all OpenTelemetry instruments. The OTel types handle their
// own synchronisation.
type Metrics struct {
	// --- Voice client ---

	// LockAcquisitions counts session lock attempts by result
	// (granted, busy, reclaimed).
	LockAcquisitions metric.Int64Counter

	// CaptureFrames counts uplink audio chunks by result (sent, dropped).
	CaptureFrames metric.Int64Counter

	// PlaybackFrames counts downlink frames by result
	// (played, interrupted, decode_error).
	PlaybackFrames metric.Int64Counter

	// ConnectDuration tracks the time from Connect to the Listening state.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks the length of finished voice sessions.
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// TransportCloses counts transport closures by WebSocket close code.
	TransportCloses metric.Int64Counter

	// --- Broker ---

	// BrokerRequests counts broker actions by action and status.
	BrokerRequests metric.Int64Counter

	// SignedURLDuration tracks the latency of signed URL requests upstream.
	SignedURLDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates every instrument on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LockAcquisitions, err = m.Int64Counter("fieldvoice.lock.acquisitions",
		metric.WithDescription("Session lock acquisition attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("fieldvoice.capture.frames",
		metric.WithDescription("Captured audio chunks by result."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFrames, err = m.Int64Counter("fieldvoice.playback.frames",
		metric.WithDescription("Agent audio frames by playback result."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("fieldvoice.connect.duration",
		metric.WithDescription("Time from connect request to listening."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("fieldvoice.session.duration",
		metric.WithDescription("Length of finished voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("fieldvoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.TransportCloses, err = m.Int64Counter("fieldvoice.transport.closes",
		metric.WithDescription("Transport closures by close code."),
	); err != nil {
		return nil, err
	}
	if met.BrokerRequests, err = m.Int64Counter("fieldvoice.broker.requests",
		metric.WithDescription("Broker actions by action and status."),
	); err != nil {
		return nil, err
	}
	if met.SignedURLDuration, err = m.Float64Histogram("fieldvoice.broker.signed_url.duration",
		metric.WithDescription("Latency of upstream signed URL requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("fieldvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first use from [otel.GetMeterProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLock records one session lock attempt.
func (m *Metrics) RecordLock(ctx context.Context, result string) {
	m.LockAcquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCapture records one uplink chunk.
func (m *Metrics) RecordCapture(ctx context.Context, result string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordPlayback records one downlink frame outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, result string) {
	m.PlaybackFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTransportClose records a transport closure with its close code.
func (m *Metrics) RecordTransportClose(ctx context.Context, code int) {
	m.TransportCloses.Add(ctx, 1, metric.WithAttributes(attribute.String("code", strconv.Itoa(code))))
}

// RecordBrokerRequest records a broker action with its outcome.
func (m *Metrics) RecordBrokerRequest(ctx context.Context, action, status string) {
	m.BrokerRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}
