package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the failure taxonomy applied to task outcomes.
type ErrorKind string

// Failure kinds, ordered roughly by recoverability.
const (
	KindNetworkTimeout ErrorKind = "network_timeout"
	KindRateLimited    ErrorKind = "rate_limited"
	KindParseError     ErrorKind = "parse_error"
	KindServerError    ErrorKind = "server_error"
	KindPermanent      ErrorKind = "permanent"
	KindInternal       ErrorKind = "internal"
)

// Error is a classified crawl failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// NewError builds a classified error without a cause.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a classification to an underlying cause.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies an arbitrary error into the crawl taxonomy.
// Unclassified errors are treated as server-side failures so the retry
// budget, not the classifier, decides their fate.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTimeout
	}
	return KindServerError
}

// KindFromStatus maps an HTTP status code to a failure kind. Codes below
// 400 are not failures and return the empty kind.
func KindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 400 && code < 600:
		return KindServerError
	default:
		return ""
	}
}
