package stream

import (
	"context"
	"errors"
	"net"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrConnectInFlight     = goerr.New("connect attempt already in flight")
	ErrNoProject           = goerr.New("project ID is not set")
	ErrRetryExhausted      = goerr.New("retry limit exceeded")
	ErrConnectionClosed    = goerr.New("stream closed by server")
	ErrDuplicateSubscriber = goerr.New("subscriber ID already registered")

	// ErrTagRetryable marks transport failures worth another attempt.
	ErrTagRetryable = goerr.NewTag("retryable")
)

// IsRetryable reports whether err is a transport failure that the client
// retries with backoff: network errors, timeouts, server side statuses and
// a stream closed by the server.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if goerr.HasTag(err, ErrTagRetryable) {
		return true
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == 408 || code == 429
}
