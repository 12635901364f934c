package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/agent"
)

var _ agent.Broker = (*Client)(nil)

// maxResponseBytes caps how much of a broker response is read.
const maxResponseBytes = 1 << 20

// Option configures a [Client].
type Option func(*Client)

// WithAccessToken sends token as a bearer credential, which makes the broker
// resolve an authenticated context for the caller.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces [http.DefaultClient].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithMetrics counts requests by action and outcome.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is an HTTP client for the session broker. It is safe for
// concurrent use.
type Client struct {
	endpoint string
	token    string
	hc       *http.Client
	metrics  *observe.Metrics
}

// NewClient returns a client for the broker at baseURL, e.g.
// "https://project.supabase.co".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("broker: %w: invalid base URL %q", voice.ErrConfiguration, baseURL)
	}
	c := &Client{
		endpoint: u.String() + FunctionPath,
		hc:       http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// RequestDescriptor asks the broker for a signed conversation URL. kind is
// advisory: the broker derives the effective context from the access token.
func (c *Client) RequestDescriptor(ctx context.Context, kind voice.ContextKind, sessionID string) (voice.Descriptor, error) {
	var resp SignedURLResponse
	err := c.call(ctx, ActionGetSignedURL, Request{
		Action:      ActionGetSignedURL,
		ContextType: string(kind),
		SessionID:   sessionID,
	}, &resp)
	if err != nil {
		return voice.Descriptor{}, err
	}
	if resp.SignedURL == "" {
		return voice.Descriptor{}, fmt.Errorf("broker: %s: %w: response has no signed_url", ActionGetSignedURL, voice.ErrBrokerRequestFailed)
	}
	effective := voice.ContextKind(resp.ContextType)
	if !effective.IsValid() {
		effective = kind
	}
	if effective != kind {
		slog.Info("broker: context resolved differently than requested", "requested", kind, "resolved", effective)
	}
	return voice.Descriptor{
		EndpointURL:  resp.SignedURL,
		SessionID:    resp.SessionID,
		ContextKind:  effective,
		ContextLabel: resp.ConversationContext,
	}, nil
}

// ReportSessionEnd records the end of a session, rounding duration to whole
// seconds.
func (c *Client) ReportSessionEnd(ctx context.Context, sessionID string, duration time.Duration) error {
	secs := int(math.Round(duration.Seconds()))
	var resp EndResponse
	return c.call(ctx, ActionEndConversation, Request{
		Action:          ActionEndConversation,
		SessionID:       sessionID,
		DurationSeconds: &secs,
	}, &resp)
}

func (c *Client) call(ctx context.Context, action string, body Request, out any) (err error) {
	ctx, span := observe.StartSpan(ctx, "broker "+action, trace.WithSpanKind(trace.SpanKindClient))
	status := "error"
	defer func() {
		span.SetAttributes(attribute.String("broker.status", status))
		observe.EndSpan(span, err)
		if c.metrics != nil {
			c.metrics.RecordBrokerRequest(ctx, action, status)
		}
	}()

	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("broker: %s: encode request: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?action="+url.QueryEscape(action), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("broker: %s: %w: %w", action, voice.ErrBrokerRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %s: %w: %w", action, voice.ErrBrokerRequestFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("broker: %s: read response: %w: %w", action, voice.ErrBrokerRequestFailed, err)
	}
	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("broker: %s: %w: %s", action, voice.ErrBrokerRequestFailed, errorMessage(resp.StatusCode, data))
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("broker: %s: decode response: %w: %w", action, voice.ErrBrokerRequestFailed, err)
	}
	return nil
}

func errorMessage(code int, data []byte) string {
	var e ErrorResponse
	if err := sonic.Unmarshal(data, &e); err == nil && e.Error != "" {
		return fmt.Sprintf("%s (status %d)", e.Error, code)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		return fmt.Sprintf("%s (status %d)", bytes.TrimSpace(data), code)
	}
	return fmt.Sprintf("%s (status %d)", http.StatusText(code), code)
}
