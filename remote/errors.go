package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx answer from the lesson API.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Op, e.Code, e.Body)
}

// TransientError wraps failures worth retrying: network errors, 5xx and 429.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, or anything it wraps, is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func classifyStatus(op string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	if len(body) > 256 {
		body = body[:256]
	}
	err := &StatusError{Op: op, Code: code, Body: string(body)}
	if code >= 500 || code == http.StatusTooManyRequests {
		return &TransientError{Err: err}
	}
	return err
}

func classifyTransport(ctx context.Context, op string, err error) error {
	// Cancellation is the caller's decision, never retried.
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return &TransientError{Err: fmt.Errorf("%s: %w", op, err)}
}
