// Package rabbitmq carries outbox messages over AMQP: a reconnecting
// connection provider, a pool of confirm-mode channels, a dispatcher that
// publishes with publisher confirms, and a partitioned consumer that
// dead-letters after repeated failures.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrProviderClosed = errors.New("rabbitmq: connection provider closed")

// URLResolver picks the broker URL for a dial attempt. Rotating through a
// cluster is a matter of indexing on attempt.
type URLResolver func(attempt int) string

// URLs resolves round-robin over a fixed list.
func URLs(urls ...string) URLResolver {
	return func(attempt int) string {
		return urls[attempt%len(urls)]
	}
}

// ProviderOptions tune dialing. Zero values fall back to one-second initial
// backoff, thirty-second cap and unbounded attempts.
type ProviderOptions struct {
	URL URLResolver
	// MaxAttempts bounds one Connection call. Zero retries until ctx ends.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         zerolog.Logger
}

// ConnectionProvider hands out named, long-lived AMQP connections. A name is
// a usage slot ("publisher", "consumer"), so the publishing side never shares
// a connection with consumers. Connections found closed on the next request
// are redialed transparently.
type ConnectionProvider struct {
	opts ProviderOptions
	log  zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*amqp.Connection
	closed bool
}

func NewConnectionProvider(opts ProviderOptions) *ConnectionProvider {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &ConnectionProvider{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "rabbitmq_provider").Logger(),
		conns: make(map[string]*amqp.Connection),
	}
}

// Connection returns the live connection for name, dialing if the slot is
// empty or its connection has died.
func (p *ConnectionProvider) Connection(ctx context.Context, name string) (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if conn, ok := p.conns[name]; ok && !conn.IsClosed() {
		return conn, nil
	}

	conn, err := p.dial(ctx, name)
	if err != nil {
		return nil, err
	}
	p.conns[name] = conn
	return conn, nil
}

func (p *ConnectionProvider) dial(ctx context.Context, name string) (*amqp.Connection, error) {
	backoff := p.opts.InitialBackoff
	var lastErr error
	for attempt := 0; p.opts.MaxAttempts == 0 || attempt < p.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(err, lastErr)
		}

		url := p.opts.URL(attempt)
		conn, err := amqp.Dial(url)
		if err == nil {
			p.log.Info().Str("connection", name).Int("attempt", attempt).Msg("connected")
			return conn, nil
		}
		lastErr = err
		p.log.Warn().Err(err).Str("connection", name).Dur("backoff", backoff).Msg("dial failed")

		if !sleepOrDone(ctx, jitter(backoff)) {
			return nil, errors.Join(ctx.Err(), lastErr)
		}
		backoff = min(backoff*2, p.opts.MaxBackoff)
	}
	return nil, fmt.Errorf("rabbitmq: dial %s: %w", name, lastErr)
}

// Close closes every connection. The provider refuses further requests.
func (p *ConnectionProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for name, conn := range p.conns {
		if conn.IsClosed() {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	p.conns = nil
	return errors.Join(errs...)
}

// jitter spreads reconnects from a fleet of workers over half the backoff.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
