package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/duna-oss/deltic-sub000/message"
)

var ErrUnableToDispatch = errors.New("rabbitmq: unable to dispatch")

// ExchangeResolver picks the target exchange per message.
type ExchangeResolver func(m message.Message) string

// StaticExchange sends everything to one exchange.
func StaticExchange(name string) ExchangeResolver {
	return func(message.Message) string { return name }
}

// RoutingKeyResolver picks the routing key per message. The default is the
// message type.
type RoutingKeyResolver func(m message.Message) string

// DispatcherOptions configure publishing. Exchange is required.
type DispatcherOptions struct {
	Exchange   ExchangeResolver
	RoutingKey RoutingKeyResolver
	// MaxTries is how many channels are tried before giving up. Each retry
	// leases a fresh channel, so a dead channel never sinks a whole batch.
	MaxTries int
	Logger   zerolog.Logger
}

// Dispatcher publishes messages with publisher confirms: Send returns nil
// only after the broker acknowledged every message of the call. Messages are
// published back to back and the confirmations awaited as one batch.
type Dispatcher struct {
	pool *ChannelPool
	opts DispatcherOptions
	log  zerolog.Logger
}

func NewDispatcher(pool *ChannelPool, opts DispatcherOptions) *Dispatcher {
	if opts.RoutingKey == nil {
		opts.RoutingKey = func(m message.Message) string { return m.Type }
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = 1
	}
	return &Dispatcher{
		pool: pool,
		opts: opts,
		log:  opts.Logger.With().Str("component", "rabbitmq_dispatcher").Logger(),
	}
}

func (d *Dispatcher) Send(ctx context.Context, messages ...message.Message) error {
	if len(messages) == 0 {
		return nil
	}

	var lastErr error
	for try := 1; try <= d.opts.MaxTries; try++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}

		ch, err := d.pool.Lease(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = d.publishAll(ctx, ch, messages)
		if releaseErr := d.pool.Release(ch); releaseErr != nil {
			d.log.Warn().Err(releaseErr).Msg("channel release failed")
		}
		if err == nil {
			return nil
		}
		lastErr = err
		d.log.Warn().Err(err).Int("try", try).Int("messages", len(messages)).
			Msg("publish failed, retrying on a fresh channel")
	}
	return fmt.Errorf("%w after %d tries: %w", ErrUnableToDispatch, d.opts.MaxTries, lastErr)
}

func (d *Dispatcher) publishAll(ctx context.Context, ch Channel, messages []message.Message) error {
	confirmations := make([]Confirmation, 0, len(messages))
	for _, m := range messages {
		body, err := message.Encode(m)
		if err != nil {
			return fmt.Errorf("encode %s: %w", m.Type, err)
		}
		publishing := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.EventID(),
			Type:         m.Type,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		}
		// surfaced as an AMQP header so consumers can partition without
		// decoding the envelope
		if id := m.AggregateRootID(); id != "" {
			publishing.Headers = amqp.Table{message.HeaderAggregateRootID: id}
		}
		confirmation, err := ch.Publish(ctx, d.opts.Exchange(m), d.opts.RoutingKey(m), publishing)
		if err != nil {
			return fmt.Errorf("publish %s: %w", m.Type, err)
		}
		confirmations = append(confirmations, confirmation)
	}

	for i, confirmation := range confirmations {
		acked, err := confirmation.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", messages[i].Type, err)
		}
		if !acked {
			return fmt.Errorf("confirm %s: nacked by broker", messages[i].Type)
		}
	}
	return nil
}
