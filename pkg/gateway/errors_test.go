package gateway

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsRetryable(t *testing.T) {
	secs := 5 * time.Second
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", NewRateLimitError(&secs), true},
		{"rate limit no header", NewRateLimitError(nil), true},
		{"network", NewNetworkError("reset", nil), true},
		{"timeout", NewTimeoutError("slow", nil), true},
		{"http 500", NewHTTPError(500, ""), true},
		{"http 503", NewHTTPError(503, ""), true},
		{"http 404", NewHTTPError(404, ""), false},
		{"http 499", NewHTTPError(499, ""), false},
		{"auth", NewAuthError("bad key"), false},
		{"api", NewAPIError(400, "bad_request", "nope"), false},
		{"parse", NewParseError("garbage", nil), false},
		{"wrapped network", fmt.Errorf("chat: %w", NewNetworkError("reset", nil)), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		kind     ErrorKind
	}{
		{NewHTTPError(502, "x"), ErrHTTP, KindHTTP},
		{NewParseError("x", nil), ErrParse, KindParse},
		{NewNetworkError("x", nil), ErrNetwork, KindNetwork},
		{NewAuthError("x"), ErrAuth, KindAuth},
		{NewRateLimitError(nil), ErrRateLimit, KindRateLimit},
		{NewAPIError(400, "c", "x"), ErrAPI, KindAPI},
		{NewTimeoutError("x", nil), ErrTimeout, KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
			if tt.sentinel != ErrAuth {
				assert.NotErrorIs(t, wrapped, ErrAuth)
			}
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetworkError("dial", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "network error: dial", err.Error())
}

func TestErrorMessages(t *testing.T) {
	secs := 3 * time.Second
	assert.Equal(t, "http error 503: overloaded", NewHTTPError(503, "overloaded").Error())
	assert.Equal(t, "api error invalid_model: no such model", NewAPIError(400, "invalid_model", "no such model").Error())
	assert.Equal(t, "rate limit exceeded (retry after 3s)", NewRateLimitError(&secs).Error())
	assert.Equal(t, "rate limit exceeded", NewRateLimitError(nil).Error())
	assert.Equal(t, "timeout error: context deadline exceeded", NewTimeoutError("", errors.New("context deadline exceeded")).Error())
}

func TestKindOfNonGatewayError(t *testing.T) {
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("x")))
	assert.Equal(t, "unknown", ErrorKind(0).String())
}
