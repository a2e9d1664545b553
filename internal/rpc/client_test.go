package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 1*time.Second, cfg.RetryDelay)
	require.Equal(t, uint32(5), cfg.CircuitBreaker.MaxRequests)
	require.Equal(t, 60*time.Second, cfg.CircuitBreaker.Interval)
	require.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout)
	require.Equal(t, uint32(5), cfg.CircuitBreaker.FailureThreshold)

	// URL is empty by default and must be set by the caller
	require.Empty(t, cfg.URL)
}

func TestClientConfigStruct(t *testing.T) {
	cfg := ClientConfig{
		URL:        "https://rpc.example.com",
		Timeout:    15 * time.Second,
		MaxRetries: 5,
		RetryDelay: 2 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      10,
			Interval:         120 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 3,
		},
	}

	require.Equal(t, "https://rpc.example.com", cfg.URL)
	require.Equal(t, 15*time.Second, cfg.Timeout)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, uint32(10), cfg.CircuitBreaker.MaxRequests)
	require.Equal(t, 120*time.Second, cfg.CircuitBreaker.Interval)
	require.Equal(t, 60*time.Second, cfg.CircuitBreaker.Timeout)
	require.Equal(t, uint32(3), cfg.CircuitBreaker.FailureThreshold)
}

func TestIsRangeTooLargeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "query returned more than",
			err:  errors.New("query returned more than 10000 results"),
			want: true,
		},
		{
			name: "block range too large",
			err:  errors.New("block range too large"),
			want: true,
		},
		{
			name: "exceed maximum block range",
			err:  errors.New("exceed maximum block range: 10000"),
			want: true,
		},
		{
			name: "too many results",
			err:  errors.New("Error: too many results"),
			want: true,
		},
		{
			name: "range too wide",
			err:  errors.New("Error: range too wide for query"),
			want: true,
		},
		{
			name: "block range is too wide",
			err:  errors.New("block range is too wide"),
			want: true,
		},
		{
			name: "query timeout",
			err:  errors.New("query timeout exceeded"),
			want: true,
		},
		{
			name: "response too large",
			err:  errors.New("response too large"),
			want: true,
		},
		{
			name: "case insensitive - BLOCK RANGE TOO LARGE",
			err:  errors.New("BLOCK RANGE TOO LARGE"),
			want: true,
		},
		{
			name: "json rpc error format",
			err:  errors.New(`{"code":-32005,"message":"query returned more than 10000 results"}`),
			want: true,
		},
		{
			name: "unrelated error - connection refused",
			err:  errors.New("connection refused"),
			want: false,
		},
		{
			name: "unrelated error - block not found",
			err:  errors.New("block not found"),
			want: false,
		},
		{
			name: "unrelated error - context canceled",
			err:  errors.New("context canceled"),
			want: false,
		},
		{
			name: "partial match - just 'range'",
			err:  errors.New("range error"),
			want: false,
		},
		{
			name: "partial match - just 'large'",
			err:  errors.New("large response"),
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isRangeTooLargeError(tc.err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestIsRateLimitedError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "http 429",
			err:  errors.New("429 Too Many Requests"),
			want: true,
		},
		{
			name: "rate limit exceeded",
			err:  errors.New("rate limit exceeded"),
			want: true,
		},
		{
			name: "too many requests",
			err:  errors.New("too many requests from this key"),
			want: true,
		},
		{
			name: "unrelated error",
			err:  errors.New("connection reset by peer"),
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isRateLimitedError(tc.err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestIsInvalidRangeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "invalid block range",
			err:  errors.New("invalid block range params"),
			want: true,
		},
		{
			name: "invalid range",
			err:  errors.New("eth_getLogs: invalid range"),
			want: true,
		},
		{
			name: "range too large is not invalid",
			err:  errors.New("block range too large"),
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isInvalidRangeError(tc.err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNewClientWithInvalidURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "not-a-valid-url"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewClientWithEmptyURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = ""

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
