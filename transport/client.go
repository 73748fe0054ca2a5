package transport

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/logging/mlog"
)

// Client wraps a redis.Client with a circuit breaker. A tripped breaker
// surfaces as a coreerr.TransientError; errors from the wrapped call itself
// are returned unchanged.
type Client struct {
	raw     *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  mlog.Logger
}

// Connect dials Redis from a connection string (as redis.ParseURL expects)
// and wraps it with a circuit breaker named "transport.redis".
func Connect(ctx context.Context, connectionString string, logger mlog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, coreerr.ValidationError{Message: "invalid redis connection string", Err: err}
	}

	raw := redis.NewClient(opts)

	if _, err := raw.Ping(ctx).Result(); err != nil {
		return nil, coreerr.TransientError{Op: "redis.Ping", Err: err}
	}

	logger.Info("connected to redis transport")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "transport.redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})

	return &Client{raw: raw, breaker: cb, logger: logger}, nil
}

// NewWithClient wraps an already-constructed redis.Client, for tests that
// run against a real (or miniredis-backed) instance rather than dialing one.
func NewWithClient(raw *redis.Client, logger mlog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "transport.redis",
		Timeout: 30 * time.Second,
	})

	return &Client{raw: raw, breaker: cb, logger: logger}
}

// Raw exposes the underlying redis.Client for calls not mediated by the
// breaker (e.g. pipeline construction in the coordinator/consumer packages).
func (c *Client) Raw() *redis.Client {
	return c.raw
}

// Do runs fn through the circuit breaker, translating a tripped breaker
// into a Transient error; an error returned by fn is passed back unchanged.
func (c *Client) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, coreerr.TransientError{Op: "transport.breaker", Err: err}
		}

		return nil, err
	}

	return result, nil
}

func (c *Client) Close() error {
	return c.raw.Close()
}
