package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	ErrChannelTimeout   = errors.New("rabbitmq: no channel available before timeout")
	ErrChannelNotLeased = errors.New("rabbitmq: releasing a channel that is not leased")
	ErrPoolClosed       = errors.New("rabbitmq: channel pool closed")
)

// Confirmation resolves to the broker's ack or nack for one publish.
type Confirmation interface {
	WaitContext(ctx context.Context) (acked bool, err error)
}

// Channel is the slice of an AMQP channel the pool and dispatcher need.
// *amqp.Channel satisfies it through confirmChannel.
type Channel interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (Confirmation, error)
	IsClosed() bool
	Close() error
}

// ChannelFactory opens one channel ready for confirmed publishing.
type ChannelFactory func(ctx context.Context) (Channel, error)

// ConfirmChannels opens confirm-mode channels on the provider's named
// connection.
func ConfirmChannels(provider *ConnectionProvider, connection string) ChannelFactory {
	return func(ctx context.Context) (Channel, error) {
		conn, err := provider.Connection(ctx, connection)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return &confirmChannel{ch: ch}, nil
	}
}

type confirmChannel struct {
	ch *amqp.Channel
}

func (c *confirmChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (Confirmation, error) {
	return c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (c *confirmChannel) IsClosed() bool { return c.ch.IsClosed() }
func (c *confirmChannel) Close() error   { return c.ch.Close() }

// PoolOptions size the channel pool. MaxChannels bounds concurrent leases,
// MinChannels is how many stay warm between leases.
type PoolOptions struct {
	MinChannels  int
	MaxChannels  int
	LeaseTimeout time.Duration
	Logger       zerolog.Logger
}

// ChannelPool reuses confirm-mode channels between publishes. Leases are
// bounded: when MaxChannels are out, Lease waits up to LeaseTimeout for one
// to come back. Channels found dead at the boundaries are discarded and
// replaced by freshly opened ones.
type ChannelPool struct {
	factory ChannelFactory
	opts    PoolOptions
	log     zerolog.Logger

	idle     chan Channel
	slots    chan struct{}
	leased   chan map[Channel]struct{} // 1-sized, acts as a mutex around the set
	done     chan struct{}
	doneOnce sync.Once
}

func NewChannelPool(factory ChannelFactory, opts PoolOptions) *ChannelPool {
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = 10
	}
	if opts.MinChannels < 0 || opts.MinChannels > opts.MaxChannels {
		opts.MinChannels = opts.MaxChannels
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Second
	}

	p := &ChannelPool{
		factory: factory,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "rabbitmq_channel_pool").Logger(),
		idle:    make(chan Channel, opts.MaxChannels),
		slots:   make(chan struct{}, opts.MaxChannels),
		leased:  make(chan map[Channel]struct{}, 1),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.MaxChannels; i++ {
		p.slots <- struct{}{}
	}
	p.leased <- make(map[Channel]struct{})
	return p
}

// Warm pre-opens MinChannels so the first publishes do not pay the channel
// setup.
func (p *ChannelPool) Warm(ctx context.Context) error {
	for i := len(p.idle); i < p.opts.MinChannels; i++ {
		ch, err := p.factory(ctx)
		if err != nil {
			return err
		}
		select {
		case p.idle <- ch:
		default:
			return ch.Close()
		}
	}
	return nil
}

// Lease hands out a live channel, opening one when none is idle.
func (p *ChannelPool) Lease(ctx context.Context) (Channel, error) {
	timeout := time.NewTimer(p.opts.LeaseTimeout)
	defer timeout.Stop()

	select {
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, ErrChannelTimeout
	case <-p.slots:
	}

	ch, err := p.takeIdle(ctx)
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}

	set := <-p.leased
	set[ch] = struct{}{}
	p.leased <- set
	return ch, nil
}

func (p *ChannelPool) takeIdle(ctx context.Context) (Channel, error) {
	for {
		select {
		case ch := <-p.idle:
			if ch.IsClosed() {
				// broker closed it while parked, replace
				_ = ch.Close()
				continue
			}
			return ch, nil
		default:
			return p.factory(ctx)
		}
	}
}

// Release returns a leased channel. Dead channels are discarded so the next
// lease opens a fresh one.
func (p *ChannelPool) Release(ch Channel) error {
	set := <-p.leased
	if _, ok := set[ch]; !ok {
		p.leased <- set
		return ErrChannelNotLeased
	}
	delete(set, ch)
	p.leased <- set

	defer func() { p.slots <- struct{}{} }()

	select {
	case <-p.done:
		return ch.Close()
	default:
	}
	if ch.IsClosed() {
		return ch.Close()
	}
	select {
	case p.idle <- ch:
		return nil
	default:
		return ch.Close()
	}
}

// Close drains and closes the idle channels. Channels still leased are
// closed when released.
func (p *ChannelPool) Close() error {
	p.doneOnce.Do(func() { close(p.done) })

	var errs []error
	for {
		select {
		case ch := <-p.idle:
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}
