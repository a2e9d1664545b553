// Package rpc wraps the upstream EVM endpoint with timeouts, bounded
// retries and a circuit breaker.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrRangeTooLarge marks an eth_getLogs call rejected because the block
// range exceeded the provider's limit. The caller shrinks the range and
// tries again; retrying the same range is pointless.
var ErrRangeTooLarge = errors.New("block range too large for provider")

// ErrInvalidRange marks an eth_getLogs call rejected as malformed. This is
// a permanent error: no amount of retrying or shrinking fixes it.
var ErrInvalidRange = errors.New("invalid block range")

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the cyclic period of the closed state.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold is consecutive failures before opening.
	FailureThreshold uint32
}

// ClientConfig holds RPC client settings.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	CircuitBreaker CircuitBreakerConfig
}

// DefaultConfig returns production-ready client settings.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      5,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// Client is a circuit-broken EVM RPC client.
type Client struct {
	eth     *ethclient.Client
	breaker *gobreaker.CircuitBreaker
	cfg     ClientConfig
}

// New dials the upstream endpoint and wraps it in a circuit breaker.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	eth, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "evm-rpc",
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{eth: eth, breaker: breaker, cfg: cfg}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

// execute runs fn through the circuit breaker with the configured timeout.
func (c *Client) execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	return c.breaker.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})
}

// HeadBlockNumber returns the chain head, retrying transient failures.
func (c *Client) HeadBlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withRetries(ctx, "eth_blockNumber", func() error {
		res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
			return c.eth.BlockNumber(ctx)
		})
		if err != nil {
			return err
		}
		head = res.(uint64)
		return nil
	})
	return head, err
}

// FilterLogs fetches contract logs for [from, to]. Range errors come back
// immediately wrapped as ErrRangeTooLarge or ErrInvalidRange so the caller
// can shrink or abort instead of burning retries.
func (c *Client) FilterLogs(ctx context.Context, address common.Address, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	}

	var logs []types.Log
	delay := c.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
			return c.eth.FilterLogs(ctx, query)
		})
		if err == nil {
			logs = res.([]types.Log)
			return logs, nil
		}

		if isInvalidRangeError(err) {
			return nil, fmt.Errorf("%w [%d, %d]: %s", ErrInvalidRange, from, to, err)
		}
		if isRangeTooLargeError(err) {
			return nil, fmt.Errorf("%w [%d, %d]: %s", ErrRangeTooLarge, from, to, err)
		}

		lastErr = err
		wait := delay
		if isRateLimitedError(err) {
			// Rate limits need more room than ordinary transient errors.
			wait = delay * 2
		}
		log.Warn().
			Err(err).
			Uint64("from", from).
			Uint64("to", to).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("eth_getLogs failed, retrying")

		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
	}

	return nil, fmt.Errorf("eth_getLogs [%d, %d] failed after %d attempts: %w", from, to, c.cfg.MaxRetries, lastErr)
}

// BlockTimestamp returns the unix timestamp of a block header.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	var ts int64
	err := c.withRetries(ctx, "eth_getHeaderByNumber", func() error {
		res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
			return c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		})
		if err != nil {
			return err
		}
		ts = int64(res.(*types.Header).Time)
		return nil
	})
	return ts, err
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.withRetries(ctx, "eth_call", func() error {
		res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
			return c.eth.CallContract(ctx, msg, nil)
		})
		if err != nil {
			return err
		}
		out = res.([]byte)
		return nil
	})
	return out, err
}

// ChainID returns the chain id of the upstream endpoint.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return c.eth.ChainID(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

// PendingNonceAt returns the next nonce for an account.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return c.eth.PendingNonceAt(ctx, account)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// SendTransaction submits a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.eth.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns the receipt for a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	res, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return c.eth.TransactionReceipt(ctx, txHash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.Receipt), nil
}

// withRetries runs fn up to MaxRetries times with exponential backoff.
func (c *Client) withRetries(ctx context.Context, method string, fn func() error) error {
	delay := c.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("method", method).
				Int("attempt", attempt+1).
				Msg("rpc call failed, retrying")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			continue
		}
		return nil
	}

	return fmt.Errorf("%s failed after %d attempts: %w", method, c.cfg.MaxRetries, lastErr)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rangeTooLargeIndicators are provider-specific messages for oversized
// eth_getLogs ranges. Providers disagree wildly on wording.
var rangeTooLargeIndicators = []string{
	"query returned more than",
	"block range too large",
	"exceed maximum block range",
	"too many results",
	"range too wide",
	"range is too wide",
	"query timeout",
	"response too large",
	"max results",
	"limit exceeded",
}

// isRangeTooLargeError reports whether the error indicates the block range
// should be reduced.
func isRangeTooLargeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range rangeTooLargeIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// isRateLimitedError reports whether the provider is throttling us.
func isRateLimitedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// isInvalidRangeError reports whether the range itself is malformed.
func isInvalidRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid block range") ||
		strings.Contains(msg, "invalid range")
}
