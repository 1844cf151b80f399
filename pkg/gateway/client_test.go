package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const completionBody = `{
	"id": "gen-123",
	"model": "openai/gpt-4o-mini",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "Hello there"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithDefaultModel(ModelGPT4oMini)}, opts...)
	return New("test-key", opts...)
}

func chatRequest() ChatRequest {
	return ChatRequest{Messages: []Message{UserMessage("hi")}}
}

func TestCompleteSuccess(t *testing.T) {
	var body []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.Equal(t, defaultTitle, r.Header.Get("X-Title"))
		assert.Equal(t, defaultReferer, r.Header.Get("HTTP-Referer"))
		body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody)
	})

	req := chatRequest()
	req.Stream = true
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	msg, ok := resp.FirstMessage()
	require.True(t, ok)
	assert.Equal(t, "Hello there", msg.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	assert.Equal(t, ModelGPT4oMini, gjson.GetBytes(body, "model").String())
	assert.False(t, gjson.GetBytes(body, "stream").Bool(), "Complete must force stream=false")
	assert.Equal(t, "hi", gjson.GetBytes(body, "messages.0.content").String())
}

func TestCompleteStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		kind      ErrorKind
		retryable bool
		check     func(t *testing.T, e *Error)
	}{
		{
			name:   "bad json on 200",
			status: 200,
			body:   `{"choices": [`,
			kind:   KindParse,
		},
		{
			name:   "unauthorized",
			status: 401,
			body:   `{"error":{"code":401,"message":"No auth credentials found"}}`,
			kind:   KindAuth,
			check: func(t *testing.T, e *Error) {
				assert.Equal(t, "No auth credentials found", e.Message)
			},
		},
		{
			name:      "rate limited with retry-after",
			status:    429,
			header:    map[string]string{"Retry-After": "7"},
			body:      `{"error":{"code":"rate_limited","message":"slow down"}}`,
			kind:      KindRateLimit,
			retryable: true,
			check: func(t *testing.T, e *Error) {
				require.NotNil(t, e.RetryAfter)
				assert.Equal(t, 7*time.Second, *e.RetryAfter)
			},
		},
		{
			name:      "rate limited without header",
			status:    429,
			kind:      KindRateLimit,
			retryable: true,
			check: func(t *testing.T, e *Error) {
				assert.Nil(t, e.RetryAfter)
			},
		},
		{
			name:   "api error envelope",
			status: 400,
			body:   `{"error":{"code":"invalid_model","message":"model not found"}}`,
			kind:   KindAPI,
			check: func(t *testing.T, e *Error) {
				assert.Equal(t, "invalid_model", e.Code)
				assert.Equal(t, "model not found", e.Message)
				assert.Equal(t, 400, e.Status)
			},
		},
		{
			name:   "numeric error code",
			status: 402,
			body:   `{"error":{"code":402,"message":"insufficient credits"}}`,
			kind:   KindAPI,
			check: func(t *testing.T, e *Error) {
				assert.Equal(t, "402", e.Code)
			},
		},
		{
			name:   "raw body",
			status: 404,
			body:   `page not found`,
			kind:   KindParse,
			check: func(t *testing.T, e *Error) {
				assert.Contains(t, e.Message, "page not found")
				assert.Equal(t, 404, e.Status)
			},
		},
		{
			name:   "json without envelope",
			status: 422,
			body:   `{"detail":"bad"}`,
			kind:   KindParse,
		},
		{
			name:      "server error raw",
			status:    502,
			body:      `upstream unavailable`,
			kind:      KindHTTP,
			retryable: true,
			check: func(t *testing.T, e *Error) {
				assert.Equal(t, 502, e.Status)
				assert.Equal(t, "upstream unavailable", e.Message)
			},
		},
		{
			name:   "server error envelope",
			status: 503,
			body:   `{"error":{"code":"overloaded","message":"try later"}}`,
			kind:   KindAPI,
			check: func(t *testing.T, e *Error) {
				assert.Equal(t, "overloaded", e.Code)
				assert.Equal(t, "try later", e.Message)
				assert.Equal(t, 503, e.Status)
			},
		},
		{
			name:      "server error empty body",
			status:    500,
			kind:      KindHTTP,
			retryable: true,
			check: func(t *testing.T, e *Error) {
				assert.Equal(t, 500, e.Status)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := client.Complete(context.Background(), chatRequest())
			require.Error(t, err)

			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.kind, gwErr.Kind)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			if tt.check != nil {
				tt.check(t, gwErr)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want *time.Duration
	}{
		{"", nil},
		{"0", ptr(time.Duration(0))},
		{"2", ptr(2 * time.Second)},
		{" 30 ", ptr(30 * time.Second)},
		{"-1", nil},
		{"1.5", nil},
		{"Wed, 21 Oct 2015 07:28:00 GMT", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.in))
		})
	}
}

func TestCompleteRequiresModelAndMessages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	client := New("k", WithBaseURL(srv.URL))

	_, err := client.Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = client.Complete(context.Background(), ChatRequest{Model: ModelGPT4o})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, calls.Load())
}

func TestEncodeRequestMergesExtra(t *testing.T) {
	client := New("k", WithDefaultModel(ModelClaudeSonnet))
	req := chatRequest()
	req.Stream = true
	req.Temperature = ptr(0.2)
	req.Extra = map[string]any{
		"provider":   map[string]any{"order": []string{"anthropic"}},
		"transforms": []string{"middle-out"},
		"model":      "ignored",
		"stream":     false,
		"odd.key":    1,
	}

	body, err := client.encodeRequest(req)
	require.NoError(t, err)

	assert.Equal(t, ModelClaudeSonnet, gjson.GetBytes(body, "model").String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.Equal(t, 0.2, gjson.GetBytes(body, "temperature").Float())
	assert.Equal(t, "anthropic", gjson.GetBytes(body, "provider.order.0").String())
	assert.Equal(t, "middle-out", gjson.GetBytes(body, "transforms.0").String())
	assert.Equal(t, int64(1), gjson.GetBytes(body, `odd\.key`).Int())
	assert.False(t, gjson.GetBytes(body, "top_p").Exists())
}

func TestStreamSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		body, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": OPENROUTER PROCESSING\n\n")
		io.WriteString(w, sseBody(chunkHello, chunkWorld, "[DONE]"))
	})

	dec, err := client.Stream(context.Background(), chatRequest())
	require.NoError(t, err)
	defer dec.Close()

	assert.Equal(t, "Hello world", dec.CollectText())
	assert.NoError(t, dec.Err())
}

// trackingBody records whether it was read to the end and closed.
type trackingBody struct {
	r       io.Reader
	drained bool
	closed  bool
}

func (b *trackingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.drained = true
	}
	return n, err
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestStreamDrainsErrorBody(t *testing.T) {
	payload := `{"error":{"code":"bad_request","message":"messages required"}}` + strings.Repeat(" ", 2*maxErrorBody)
	body := &trackingBody{r: strings.NewReader(payload)}
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadRequest,
			Header:     http.Header{},
			Body:       body,
		}, nil
	})}
	client := New("k", WithHTTPClient(hc), WithDefaultModel(ModelGPT4o))

	_, err := client.Stream(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, body.drained, "error body must be read to EOF")
	assert.True(t, body.closed)
	assert.ErrorIs(t, err, ErrAPI)
}

func TestStreamErrorEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"code":401,"message":"User not found."}}`)
	})

	_, err := client.Stream(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestStreamReadTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(chunkHello))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithReadTimeout(50*time.Millisecond))

	dec, err := client.Stream(context.Background(), chatRequest())
	require.NoError(t, err)
	defer dec.Close()

	assert.Equal(t, "Hello", dec.CollectText())
	assert.ErrorIs(t, dec.Err(), ErrTimeout)
}

func TestStreamCollect(t *testing.T) {
	toolFrame := `{"id":"gen-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`
	argFrame := `{"id":"gen-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}]}`
	usageFrame := `{"id":"gen-2","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(toolFrame, argFrame, usageFrame, "[DONE]"))
	})

	state, err := client.StreamCollect(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", state.FinishReason)
	require.NotNil(t, state.Usage)
	assert.Equal(t, 13, state.Usage.TotalTokens)

	calls := state.CompletedToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"q":"go"}`, calls[0].Function.Arguments)
}

func TestCompleteWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "overloaded")
			return
		}
		io.WriteString(w, completionBody)
	}, WithRetryConfig(RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}))

	res := client.CompleteWithRetry(context.Background(), chatRequest())
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3*time.Millisecond, res.TotalDelay)
	assert.Equal(t, "gen-123", res.Value.ID)
}

func TestCompleteWithRetryStopsOnAuth(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	res := client.CompleteWithRetry(context.Background(), chatRequest())
	assert.ErrorIs(t, res.Err, ErrAuth)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamWithRetryHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, sseBody(chunkHello, "[DONE]"))
	}, WithRetryConfig(RetryConfig{
		MaxRetries:        1,
		InitialDelay:      time.Hour,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2,
	}))

	res := client.StreamWithRetry(context.Background(), chatRequest())
	require.NoError(t, res.Err)
	defer res.Value.Close()
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, res.TotalDelay)
	assert.Equal(t, "Hello", res.Value.CollectText())
}

func TestCompleteTransportErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client := New("k", WithBaseURL(url), WithDefaultModel(ModelGPT4o))
		_, err := client.Complete(context.Background(), chatRequest())
		assert.ErrorIs(t, err, ErrNetwork)
		assert.True(t, IsRetryable(err))
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		})
		// Runs before the server cleanup so the handler can return.
		t.Cleanup(func() { close(release) })
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := client.Complete(ctx, chatRequest())
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, IsRetryable(err))
	})
}

func TestClientHeadersAndAppInfo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://example.com", r.Header.Get("HTTP-Referer"))
		assert.Empty(t, r.Header.Get("X-Title"))
		assert.Equal(t, "blue", r.Header.Get("X-Team"))
		io.WriteString(w, completionBody)
	}, WithAppInfo("https://example.com", ""), WithHeader("X-Team", "blue"))

	_, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
}

func TestModels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		io.WriteString(w, `{"data":[
			{"id":"openai/gpt-4o","name":"GPT-4o","context_length":128000,"pricing":{"prompt":"0.0000025","completion":"0.00001"}},
			{"id":"anthropic/claude-sonnet-4","name":"Claude Sonnet 4","context_length":200000}
		]}`)
	})

	models, err := client.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "openai/gpt-4o", models[0].ID)
	assert.Equal(t, 128000, models[0].ContextLength)
	assert.Equal(t, "0.00001", models[0].Pricing.Completion)
}

func TestRateLimitWaitHonorsContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, completionBody)
	}, WithRateLimit(0.001, 1))

	_, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, chatRequest())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}))

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), chatRequest())
		assert.ErrorIs(t, err, ErrHTTP)
	}

	_, err := client.Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, gobreaker.StateOpen, client.breaker.State())
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, WithCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1}))

	for i := 0; i < 3; i++ {
		_, err := client.Complete(context.Background(), chatRequest())
		assert.ErrorIs(t, err, ErrAuth)
	}
	assert.Equal(t, int32(3), calls.Load())
}
