package retry_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-recon/internal/retry"
)

func TestIsConnectivity(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", syscall.ECONNREFUSED, true},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"bad conn", driver.ErrBadConn, true},
		{"timeout", &net.DNSError{IsTimeout: true}, true},
		{"validation", errors.New("invalid identifier"), false},
		{"data error", errors.New("scan: unsupported type"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retry.IsConnectivity(tc.err))
		})
	}
}

func TestDoRetriesConnectivityErrors(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), 3, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoDoesNotRetryOtherErrors(t *testing.T) {
	attempts := 0
	wantErr := errors.New("table users has no primary key")
	err := retry.Do(context.Background(), 3, func() error {
		attempts++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts, "non-connectivity errors fail immediately")
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), 2, func() error {
		attempts++
		return fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retry.Do(ctx, 10, func() error {
		attempts++
		cancel()
		return fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 2, "cancellation stops the retry loop")
}

func TestDoSucceedsImmediately(t *testing.T) {
	start := time.Now()
	err := retry.Do(context.Background(), 5, func() error { return nil })
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
