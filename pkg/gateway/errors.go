package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags the variant of an Error.
type ErrorKind int

const (
	KindHTTP ErrorKind = iota + 1
	KindParse
	KindNetwork
	KindAuth
	KindRateLimit
	KindAPI
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindParse:
		return "parse"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindAPI:
		return "api"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels matching each ErrorKind with errors.Is.
var (
	ErrHTTP      = errors.New("http error")
	ErrParse     = errors.New("parse error")
	ErrNetwork   = errors.New("network error")
	ErrAuth      = errors.New("authentication failed")
	ErrRateLimit = errors.New("rate limit exceeded")
	ErrAPI       = errors.New("api error")
	ErrTimeout   = errors.New("operation timed out")

	// ErrInvalidRequest is returned before any I/O when a request is missing
	// required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

var kindSentinels = map[ErrorKind]error{
	KindHTTP:      ErrHTTP,
	KindParse:     ErrParse,
	KindNetwork:   ErrNetwork,
	KindAuth:      ErrAuth,
	KindRateLimit: ErrRateLimit,
	KindAPI:       ErrAPI,
	KindTimeout:   ErrTimeout,
}

// Error is the single error type returned by the client. Kind selects which
// of the other fields are meaningful:
//
//	KindHTTP       Status, Message
//	KindAPI        Code, Message
//	KindRateLimit  RetryAfter (nil when the header was absent)
//	others         Message
//
// Err holds the underlying cause, if any.
type Error struct {
	Kind       ErrorKind
	Status     int
	Code       string
	Message    string
	RetryAfter *time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("http error %d: %s", e.Status, e.Message)
	case KindAPI:
		return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
	case KindRateLimit:
		if e.RetryAfter != nil {
			return fmt.Sprintf("rate limit exceeded (retry after %s)", *e.RetryAfter)
		}
		return "rate limit exceeded"
	default:
		if e.Message == "" && e.Err != nil {
			return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel, so errors.Is(err, ErrRateLimit) works through
// any amount of wrapping.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// IsRetryable reports whether the failure is transient. Rate limit, network
// and timeout errors always are; HTTP errors only for 5xx statuses; auth,
// API and parse errors never are.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	case KindHTTP:
		return e.Status >= 500
	default:
		return false
	}
}

// IsRetryable reports whether err wraps a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// KindOf returns the kind of the *Error wrapped by err, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// NewHTTPError creates a KindHTTP error.
func NewHTTPError(status int, message string) *Error {
	return &Error{Kind: KindHTTP, Status: status, Message: message}
}

// NewParseError creates a KindParse error.
func NewParseError(message string, cause error) *Error {
	return &Error{Kind: KindParse, Message: message, Err: cause}
}

// NewNetworkError creates a KindNetwork error.
func NewNetworkError(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Err: cause}
}

// NewAuthError creates a KindAuth error.
func NewAuthError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// NewRateLimitError creates a KindRateLimit error. retryAfter may be nil.
func NewRateLimitError(retryAfter *time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Status: 429, RetryAfter: retryAfter}
}

// NewAPIError creates a KindAPI error from a decoded error envelope.
func NewAPIError(status int, code, message string) *Error {
	return &Error{Kind: KindAPI, Status: status, Code: code, Message: message}
}

// NewTimeoutError creates a KindTimeout error.
func NewTimeoutError(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: cause}
}
