package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrMalformed marks a request that can never succeed, e.g. a payload that
// does not encode. It is never retried.
var ErrMalformed = errors.New("malformed request")

// StatusError is a non-2xx response from the remote API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api status %d", e.Code)
	}
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("api status %d: %s", e.Code, body)
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors, connection failures and per-attempt timeouts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrMalformed) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
