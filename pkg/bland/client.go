// Package bland is a thin client for the Bland voice-agent REST API.
//
// Request and response bodies are treated as an opaque vendor contract: the
// client decodes only the identifier and text fields the rest of voicelink
// consumes and leaves everything else alone.
package bland

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/metrics"
)

const (
	DefaultBaseURL     = "https://api.bland.ai/v1"
	DefaultChatBaseURL = "https://us.api.bland.ai/v1"
)

var (
	// ErrPermanent marks a request that will fail the same way if repeated.
	ErrPermanent = errors.New("permanent error")
	// ErrTransient marks a request that may succeed on retry.
	ErrTransient = errors.New("transient error")

	ErrMissingAPIKey = errors.New("bland api key is required")
)

// APIError is a non-2xx response from the vendor.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("bland %s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("bland %s: http %d: %s", e.Op, e.Status, body)
}

func (e *APIError) Unwrap() error {
	if e.Status >= 500 || e.Status == http.StatusTooManyRequests {
		return ErrTransient
	}
	return ErrPermanent
}

type Client struct {
	baseURL     string
	chatBaseURL string
	apiKey      string
	httpClient  *http.Client
	maxRetries  uint64
	log         *zap.Logger
	metrics     *metrics.Metrics
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithChatBaseURL overrides the regional host used for pathway chat.
func WithChatBaseURL(u string) Option {
	return func(c *Client) { c.chatBaseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets how many times idempotent reads are retried on a
// transient failure.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL:     DefaultBaseURL,
		chatBaseURL: DefaultChatBaseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  2,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type request struct {
	op     string
	method string
	url    string
	body   any
	accept string
}

// do sends req and returns the raw response body of a 2xx reply.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	var reader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("bland %s: marshal request: %w", req.op, err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, reader)
	if err != nil {
		return nil, fmt.Errorf("bland %s: create request: %w", req.op, err)
	}
	httpReq.Header.Set("Authorization", c.apiKey)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveVendorRequest(req.op, "network", time.Since(started))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bland %s: %w: %v", req.op, ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(started)
	c.metrics.ObserveVendorRequest(req.op, strconv.Itoa(resp.StatusCode), elapsed)
	c.log.Debug("bland request",
		zap.String("op", req.op),
		zap.String("method", req.method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))
	if err != nil {
		return nil, fmt.Errorf("bland %s: %w: read body: %v", req.op, ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: req.op, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// doJSON sends req and decodes a 2xx reply into out.
func (c *Client) doJSON(ctx context.Context, req request, out any) error {
	body, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("bland %s: %w: decode response: %v", req.op, ErrPermanent, err)
	}
	return nil
}

// getJSON retries transient failures of an idempotent read.
func (c *Client) getJSON(ctx context.Context, op, url string, out any) error {
	b := retry.WithMaxRetries(c.maxRetries, retry.WithJitterPercent(20, retry.NewExponential(200*time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.doJSON(ctx, request{op: op, method: http.MethodGet, url: url}, out)
		if errors.Is(err, ErrTransient) {
			c.log.Warn("bland read failed; retrying", zap.String("op", op), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

func (c *Client) chatEndpoint(path string) string {
	return c.chatBaseURL + path
}

// firstString returns the first non-empty string value among keys of raw.
func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
