package retry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsConnectivity reports whether err looks like a transient network or
// connection failure worth retrying. Validation and data errors never are.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Do runs op, retrying connectivity errors with exponential backoff and
// jitter up to maxRetries. Any other error aborts immediately.
func Do(ctx context.Context, maxRetries uint64, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(), maxRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsConnectivity(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func newExponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return b
}
