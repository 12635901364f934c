package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/resilience"
)

// DefaultElevenLabsURL is the public ElevenLabs API.
const DefaultElevenLabsURL = "https://api.elevenlabs.io"

// SignedURLSource issues short-lived conversation URLs.
type SignedURLSource interface {
	SignedURL(ctx context.Context) (string, error)
}

// UpstreamError is a non-2xx answer from ElevenLabs.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return "ElevenLabs API error: " + e.Body
}

// ElevenLabsOption configures an [ElevenLabs] client.
type ElevenLabsOption func(*ElevenLabs)

// WithBaseURL points the client at another API host.
func WithBaseURL(u string) ElevenLabsOption {
	return func(e *ElevenLabs) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client, which times out after 10s.
func WithHTTPClient(hc *http.Client) ElevenLabsOption {
	return func(e *ElevenLabs) { e.hc = hc }
}

// WithBreaker guards requests with b.
func WithBreaker(b *resilience.Breaker) ElevenLabsOption {
	return func(e *ElevenLabs) { e.breaker = b }
}

// WithElevenLabsMetrics records request latency on m.
func WithElevenLabsMetrics(m *observe.Metrics) ElevenLabsOption {
	return func(e *ElevenLabs) { e.metrics = m }
}

var _ SignedURLSource = (*ElevenLabs)(nil)

// ElevenLabs fetches signed conversation URLs for one conversational agent.
type ElevenLabs struct {
	baseURL string
	apiKey  string
	agentID string
	hc      *http.Client
	breaker *resilience.Breaker
	metrics *observe.Metrics
}

// NewElevenLabs returns a client for agentID. Without [WithBreaker] a
// breaker with default settings is used.
func NewElevenLabs(apiKey, agentID string, opts ...ElevenLabsOption) *ElevenLabs {
	e := &ElevenLabs{
		baseURL: DefaultElevenLabsURL,
		apiKey:  apiKey,
		agentID: agentID,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	if e.breaker == nil {
		e.breaker = resilience.New(resilience.Config{Name: "elevenlabs"})
	}
	return e
}

// Breaker exposes the circuit breaker for readiness checks.
func (e *ElevenLabs) Breaker() *resilience.Breaker { return e.breaker }

// SignedURL implements [SignedURLSource].
func (e *ElevenLabs) SignedURL(ctx context.Context) (signed string, err error) {
	ctx, span := observe.StartSpan(ctx, "elevenlabs get_signed_url",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("breaker.state", e.breaker.State().String())),
	)
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.SignedURLDuration.Record(ctx, time.Since(start).Seconds())
		}
		observe.EndSpan(span, err)
	}()

	err = e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		signed, err = e.fetch(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (e *ElevenLabs) fetch(ctx context.Context) (string, error) {
	endpoint := e.baseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(e.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: request signed url: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("elevenlabs: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := sonic.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("elevenlabs: decode response: %w", err)
	}
	if body.SignedURL == "" {
		return "", errors.New("elevenlabs: response has no signed_url")
	}
	return body.SignedURL, nil
}
