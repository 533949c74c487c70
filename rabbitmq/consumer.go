package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/duna-oss/deltic-sub000/message"
)

// ConsumerOptions configure a ConsumerRelay.
type ConsumerOptions struct {
	// Connection is the provider slot to consume on, kept apart from the
	// publishing slot.
	Connection string
	Queues     []string
	Prefetch   int
	Tag        string
	// MaxConcurrency is the number of partition workers. Deliveries sharing
	// an aggregate root id always land on the same worker, so per-aggregate
	// ordering survives the concurrency.
	MaxConcurrency int
	// MaxDeliveryAttempts is how often a delivery is retried before it is
	// dead-lettered.
	MaxDeliveryAttempts int64
	Logger              zerolog.Logger
}

// ConsumerRelay consumes queues and feeds each delivery to a downstream
// dispatcher. Failed deliveries are redelivered until MaxDeliveryAttempts,
// then rejected without requeue so the queue's dead-letter exchange takes
// them.
type ConsumerRelay struct {
	provider *ConnectionProvider
	handler  message.Dispatcher
	counter  DeliveryCounter
	opts     ConsumerOptions
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}
	conn    *amqp.Connection
	ch      *amqp.Channel
}

func NewConsumerRelay(provider *ConnectionProvider, handler message.Dispatcher, counter DeliveryCounter, opts ConsumerOptions) *ConsumerRelay {
	if opts.Connection == "" {
		opts.Connection = "consumer"
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 20
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 10
	}
	if opts.Tag == "" {
		opts.Tag = "outbox-consumer"
	}
	return &ConsumerRelay{
		provider: provider,
		handler:  handler,
		counter:  counter,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "rabbitmq_consumer").Logger(),
	}
}

// Start launches the consuming supervisor. It returns immediately; the
// supervisor reconnects with backoff until Stop or ctx end.
func (c *ConsumerRelay) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if len(c.opts.Queues) == 0 {
		return errors.New("rabbitmq: no queues to consume")
	}
	c.doneCh = make(chan struct{})
	c.running = true
	go c.run(ctx)
	return nil
}

// Stop shuts the consumer down and waits for in-flight deliveries.
func (c *ConsumerRelay) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	doneCh := c.doneCh
	c.running = false
	c.mu.Unlock()

	c.closeConn()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ConsumerRelay) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		doneCh := c.doneCh
		c.doneCh = nil
		c.running = false
		c.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil || !c.isRunning() {
			return
		}

		started := time.Now()
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil || !c.isRunning() {
			return
		}
		if time.Since(started) > time.Minute {
			// the session was healthy for a while, start the backoff over
			backoff = time.Second
		}
		if err != nil {
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("consume ended, reconnecting")
		}
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *ConsumerRelay) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

// consumeOnce opens a channel, consumes every queue and processes deliveries
// until the channel dies. Per-aggregate ordering: every delivery is routed to
// the partition worker its aggregate root id hashes to.
func (c *ConsumerRelay) consumeOnce(ctx context.Context) error {
	conn, err := c.provider.Connection(ctx, c.opts.Connection)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("consume channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	defer c.closeConn()

	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("qos: %w", err)
		}
	}

	partitions := make([]chan inbound, c.opts.MaxConcurrency)
	var workers sync.WaitGroup
	for i := range partitions {
		partitions[i] = make(chan inbound)
		workers.Add(1)
		go func(feed <-chan inbound) {
			defer workers.Done()
			for in := range feed {
				c.handleDelivery(ctx, in.queue, in.delivery)
			}
		}(partitions[i])
	}

	var forwarders sync.WaitGroup
	shutdown := func() {
		forwarders.Wait()
		for _, p := range partitions {
			close(p)
		}
		workers.Wait()
	}

	for _, queue := range c.opts.Queues {
		deliveries, err := ch.Consume(queue, c.opts.Tag+"-"+queue, false, false, false, false, nil)
		if err != nil {
			c.closeConn()
			shutdown()
			return fmt.Errorf("consume %s: %w", queue, err)
		}

		forwarders.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer forwarders.Done()
			for d := range deliveries {
				p := PartitionFor(partitionKey(d), len(partitions))
				select {
				case partitions[p] <- inbound{queue: queue, delivery: d}:
				case <-ctx.Done():
					return
				}
			}
		}(queue, deliveries)
	}

	c.log.Info().Strs("queues", c.opts.Queues).
		Int("partitions", c.opts.MaxConcurrency).
		Msg("consuming")

	// the forwarders end when the broker closes the delivery streams
	shutdown()
	return errors.New("delivery streams closed")
}

func (c *ConsumerRelay) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	c.conn = nil // owned by the provider
}

// handleDelivery feeds one delivery downstream and settles it: ack on
// success, redeliver on failure, dead-letter once the attempts are spent.
func (c *ConsumerRelay) handleDelivery(ctx context.Context, queue string, d amqp.Delivery) {
	m, err := message.Decode(d.Body)
	if err != nil {
		c.log.Error().Err(err).Str("queue", queue).Str("message_id", d.MessageId).
			Msg("undecodable delivery, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	m.Headers[message.HeaderAMQPQueueName] = queue

	key := attemptKey(queue, d, m)
	handleErr := c.handler.Send(ctx, m)
	if handleErr == nil {
		_ = d.Ack(false)
		if key == "" {
			return
		}
		if err := c.counter.Reset(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("attempt counter reset failed")
		}
		return
	}

	if key == "" {
		// without a stable identity every redelivery would count as the
		// first attempt and the message would requeue forever
		c.log.Error().Err(handleErr).Str("queue", queue).Str("type", m.Type).
			Msg("no identity to count attempts against, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	attempts, countErr := c.counter.Increment(ctx, key)
	if countErr != nil {
		c.log.Warn().Err(countErr).Str("key", key).Msg("attempt counter failed, redelivering")
		_ = d.Nack(false, true)
		return
	}
	if attempts < c.opts.MaxDeliveryAttempts {
		c.log.Warn().Err(handleErr).Str("queue", queue).Int64("attempt", attempts).
			Str("type", m.Type).Msg("handler failed, redelivering")
		_ = d.Nack(false, true)
		return
	}

	c.log.Error().Err(handleErr).Str("queue", queue).Int64("attempt", attempts).
		Str("type", m.Type).Msg("attempts exhausted, dead-lettering")
	_ = d.Nack(false, false)
	if err := c.counter.Reset(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("attempt counter reset failed")
	}
}

// PartitionFor maps a partition key onto one of n workers.
func PartitionFor(key string, n int) int {
	if n <= 1 || key == "" {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(n))
}

// partitionKey orders deliveries by aggregate when the publisher set one.
func partitionKey(d amqp.Delivery) string {
	if d.Headers != nil {
		if v, ok := d.Headers[message.HeaderAggregateRootID].(string); ok && v != "" {
			return v
		}
	}
	return d.MessageId
}

// attemptKey identifies a delivery across redeliveries, or "" when the
// delivery carries nothing stable. The delivery tag is no use here: the
// broker assigns a fresh one on every redelivery.
func attemptKey(queue string, d amqp.Delivery, m message.Message) string {
	if d.MessageId != "" {
		return queue + ":" + d.MessageId
	}
	if id := m.EventID(); id != "" {
		return queue + ":" + id
	}
	return ""
}
