package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")

	ErrTransient        = errors.New("temporary server failure")
	ErrConflict         = errors.New("resource changed on server")
	ErrInvalidSyncToken = errors.New("sync token rejected")
	ErrSyncUnsupported  = errors.New("sync-collection not supported")
	ErrRejected         = errors.New("request rejected")
)

// Outcome is how the sync engine treats the result of a transport call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeConflict
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeConflict:
		return "conflict"
	default:
		return "fatal"
	}
}

// Classify maps a transport error onto an Outcome. Errors it does not
// recognize are retryable, so they run into the bounded retry budget
// instead of failing an operation outright.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrRejected):
		return OutcomeFatal
	default:
		return OutcomeRetryable
	}
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method string
	Href   string
	Code   int
	kind   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %s returned %d", e.kind, e.Method, e.Href, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// statusError maps an HTTP status onto the package sentinels. conditional
// reports whether the request carried If-Match or If-None-Match, which turns
// 409 and 412 into conflicts.
func statusError(method, href string, code int, body []byte, conditional bool) error {
	e := &StatusError{Method: method, Href: href, Code: code}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusProxyAuthRequired:
		e.kind = ErrAuthFailed
	case (code == http.StatusForbidden || code == http.StatusConflict) && bytes.Contains(body, []byte("valid-sync-token")):
		e.kind = ErrInvalidSyncToken
	case code == http.StatusGone:
		e.kind = ErrInvalidSyncToken
	case code == http.StatusNotFound:
		e.kind = ErrNotFound
	case code == http.StatusPreconditionFailed:
		e.kind = ErrConflict
	case code == http.StatusConflict && conditional:
		e.kind = ErrConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		e.kind = ErrTransient
	case code == http.StatusNotImplemented && method == "REPORT":
		e.kind = ErrSyncUnsupported
	case code >= 500:
		e.kind = ErrTransient
	default:
		e.kind = ErrRejected
	}
	return e
}

// networkError wraps a failed round trip.
func networkError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %w", ErrTransient, ErrConnectionFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}
