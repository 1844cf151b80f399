package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"llmgate/internal/infra/tracer"
)

const (
	defaultBaseURL      = "https://openrouter.ai/api/v1"
	defaultReferer      = "https://github.com/llmgate/llmgate"
	defaultTitle        = "llmgate"
	defaultToolType     = "function"
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
	streamDoneSentinel  = "[DONE]"

	// maxResponseBody is the maximum response body size we read.
	maxResponseBody = 10 * 1024 * 1024 // 10 MB
	// maxErrorBody is how much of an error body is kept; the rest is drained.
	maxErrorBody = 64 * 1024
)

// Client is a chat completion client for an OpenAI-compatible gateway.
// It is safe for concurrent use; each stream it opens is not.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	referer     string
	title       string
	headers     map[string]string
	httpClient  *http.Client
	logger      *slog.Logger
	retryCfg    *RetryConfig
	retrier     *Retrier
	breakerCfg  *CircuitBreakerConfig
	breaker     *breaker
	limiter     *rate.Limiter
	readTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryConfig sets the policy used by the *WithRetry methods.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retryCfg = &cfg }
}

// WithRetrier sets a preconfigured Retrier.
func WithRetrier(r *Retrier) Option {
	return func(c *Client) { c.retrier = r }
}

// WithCircuitBreaker guards request initiation with a circuit breaker.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = &cfg }
}

// WithRateLimit caps outgoing requests at rps per second with the given
// burst. Waiting for a token honors the request context.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithReadTimeout bounds the wait between two frames of a stream. Zero
// disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

// WithAppInfo sets the HTTP-Referer and X-Title attribution headers.
// Empty values disable the header.
func WithAppInfo(referer, title string) Option {
	return func(c *Client) {
		c.referer = referer
		c.title = title
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		referer: defaultReferer,
		title:   defaultTitle,
		headers: map[string]string{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(0, 0, PoolConfig{})
	}
	c.httpClient = withAppInfo(c.httpClient, c.referer, c.title)

	if c.retrier == nil {
		cfg := DefaultRetryConfig()
		if c.retryCfg != nil {
			cfg = *c.retryCfg
		}
		c.retrier = NewRetrier(cfg, c.logger)
	}
	if c.breakerCfg != nil {
		c.breaker = newBreaker("gateway", *c.breakerCfg, c.logger)
	}
	return c
}

// Complete sends a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	reqID := newRequestID()
	ctx, span := c.startSpan(ctx, "gateway.complete", reqID, req)
	defer span.End()

	body, err := c.encodeRequest(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	start := time.Now()
	resp, err := do(c.breaker, func() (*ChatResponse, error) {
		httpResp, err := c.send(ctx, reqID, http.MethodPost, chatCompletionsPath, body, false)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
		if err != nil {
			return nil, mapTransportError(ctx, err)
		}
		if httpResp.StatusCode != http.StatusOK {
			return nil, mapHTTPError(httpResp.StatusCode, httpResp.Header, raw)
		}

		var out ChatResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, NewParseError("decode response", err)
		}
		return &out, nil
	})
	if err != nil {
		c.logFailure(reqID, "complete", err)
		tracer.RecordError(span, err)
		return nil, err
	}

	setUsageAttrs(span, resp.Usage)
	tracer.SetOK(span)
	c.logger.Debug("gateway chat completed",
		"request_id", reqID,
		"model", resp.Model,
		"choices", len(resp.Choices),
		"duration", time.Since(start),
	)
	return resp, nil
}

// Stream opens a streaming chat completion. The caller must drain or Close
// the returned Decoder.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (*Decoder, error) {
	req.Stream = true
	reqID := newRequestID()
	ctx, span := c.startSpan(ctx, "gateway.stream", reqID, req)
	defer span.End()

	body, err := c.encodeRequest(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	dec, err := do(c.breaker, func() (*Decoder, error) {
		httpResp, err := c.send(ctx, reqID, http.MethodPost, chatCompletionsPath, body, true)
		if err != nil {
			return nil, err
		}
		if httpResp.StatusCode != http.StatusOK {
			raw := drain(httpResp.Body)
			return nil, mapHTTPError(httpResp.StatusCode, httpResp.Header, raw)
		}
		d := NewStreamDecoder(httpResp.Body)
		d.setIdleTimeout(c.readTimeout)
		return d, nil
	})
	if err != nil {
		c.logFailure(reqID, "stream", err)
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	c.logger.Debug("gateway stream opened", "request_id", reqID, "model", req.Model)
	return dec, nil
}

// StreamCollect opens a stream, drains it and returns the merged state. The
// error is the open failure or the read error that cut the stream short.
func (c *Client) StreamCollect(ctx context.Context, req ChatRequest) (*StreamState, error) {
	dec, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	state := dec.CollectState()
	return state, dec.Err()
}

// CompleteWithRetry is Complete under the client's retry policy.
func (c *Client) CompleteWithRetry(ctx context.Context, req ChatRequest) RetryResult[*ChatResponse] {
	return WithRetry(ctx, c.retrier, func(ctx context.Context) (*ChatResponse, error) {
		return c.Complete(ctx, req)
	})
}

// StreamWithRetry is Stream under the client's retry policy. Only opening
// the stream is retried; failures after the first chunk are not.
func (c *Client) StreamWithRetry(ctx context.Context, req ChatRequest) RetryResult[*Decoder] {
	return WithRetry(ctx, c.retrier, func(ctx context.Context) (*Decoder, error) {
		return c.Stream(ctx, req)
	})
}

// Models lists the models available on the gateway.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	reqID := newRequestID()
	ctx, span := tracer.StartSpan(ctx, "gateway.models",
		trace.WithAttributes(tracer.StringAttr("gateway.request_id", reqID)),
	)
	defer span.End()

	models, err := do(c.breaker, func() ([]ModelInfo, error) {
		httpResp, err := c.send(ctx, reqID, http.MethodGet, modelsPath, nil, false)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
		if err != nil {
			return nil, mapTransportError(ctx, err)
		}
		if httpResp.StatusCode != http.StatusOK {
			return nil, mapHTTPError(httpResp.StatusCode, httpResp.Header, raw)
		}

		var out modelsResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, NewParseError("decode models", err)
		}
		return out.Data, nil
	})
	if err != nil {
		c.logFailure(reqID, "models", err)
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return models, nil
}

// send performs one HTTP exchange. Transport failures are mapped onto the
// error taxonomy; the status code is left to the caller.
func (c *Client) send(ctx context.Context, reqID, method, path string, body []byte, stream bool) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(ctxErr)
			}
			// The wait would outlast the context deadline.
			return nil, NewTimeoutError("rate limiter wait exceeds deadline", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("X-Request-Id", reqID)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(ctx, err)
	}
	return httpResp, nil
}

// encodeRequest validates req, fills the default model and merges Extra
// into the JSON body.
func (c *Client) encodeRequest(req ChatRequest) ([]byte, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	keys := make([]string, 0, len(req.Extra))
	for k := range req.Extra {
		switch k {
		case "model", "messages", "stream":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body, err = sjson.SetBytes(body, escapePathKey(k), req.Extra[k])
		if err != nil {
			return nil, fmt.Errorf("merge extra field %q: %w", k, err)
		}
	}
	return body, nil
}

// escapePathKey escapes the characters sjson treats as path syntax so a key
// is always set literally at the top level.
func escapePathKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// mapTransportError classifies a failure to get a response.
func mapTransportError(ctx context.Context, err error) error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTimeoutError("request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError("request timed out", err)
	}
	return NewNetworkError("http request", err)
}

// mapHTTPError maps a non-200 response onto the error taxonomy:
//
//	401       AuthError
//	429       RateLimitError with Retry-After seconds
//	other     APIError from {"error":{"code","message"}}
//	5xx       HTTPError (retryable) when the body has no envelope
//	other     ParseError with the raw body
func mapHTTPError(status int, header http.Header, body []byte) error {
	code, message, hasEnvelope := decodeErrorEnvelope(body)

	switch {
	case status == http.StatusUnauthorized:
		if !hasEnvelope {
			message = string(body)
		}
		return NewAuthError(message)
	case status == http.StatusTooManyRequests:
		e := NewRateLimitError(parseRetryAfter(header.Get("Retry-After")))
		e.Message = message
		return e
	case hasEnvelope:
		return NewAPIError(status, code, message)
	case status >= 500:
		return NewHTTPError(status, string(body))
	default:
		return &Error{
			Kind:    KindParse,
			Status:  status,
			Message: fmt.Sprintf("unexpected status %d: %s", status, body),
		}
	}
}

// decodeErrorEnvelope extracts {"error":{"code":..,"message":..}}. The code
// may be a string or a number on the wire.
func decodeErrorEnvelope(body []byte) (code, message string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", "", false
	}
	errObj := gjson.GetBytes(body, "error")
	if !errObj.IsObject() {
		return "", "", false
	}
	msg := errObj.Get("message")
	if !msg.Exists() {
		return "", "", false
	}
	return errObj.Get("code").String(), msg.String(), true
}

// parseRetryAfter reads a Retry-After header given as whole seconds.
func parseRetryAfter(v string) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

// drain reads the whole body so the connection can be reused, keeping at
// most maxErrorBody bytes, and closes it.
func drain(body io.ReadCloser) []byte {
	defer body.Close()
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	_, _ = io.Copy(io.Discard, body)
	return raw
}

func (c *Client) startSpan(ctx context.Context, name, reqID string, req ChatRequest) (context.Context, trace.Span) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	return tracer.StartSpan(ctx, name,
		trace.WithAttributes(
			tracer.StringAttr("gateway.request_id", reqID),
			tracer.StringAttr("gateway.model", model),
			tracer.BoolAttr("gateway.stream", req.Stream),
			tracer.IntAttr("gateway.messages", len(req.Messages)),
			tracer.IntAttr("gateway.tools", len(req.Tools)),
		),
	)
}

func (c *Client) logFailure(reqID, op string, err error) {
	c.logger.Debug("gateway request failed",
		"request_id", reqID,
		"op", op,
		"kind", KindOf(err).String(),
		"retryable", IsRetryable(err),
		"error", err,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage *Usage) {
	if usage == nil {
		return
	}
	span.SetAttributes(
		tracer.IntAttr("gateway.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("gateway.completion_tokens", usage.CompletionTokens),
	)
}
