package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyChannel is the declaration surface of an AMQP channel.
// *amqp.Channel satisfies it.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueSpec is one consumer queue and its bindings.
type QueueSpec struct {
	Name     string
	BindKeys []string
}

// Topology is the exchange, queues and dead-letter wiring of one message
// flow. Every queue dead-letters to <exchange>.dlx, and each queue gets a
// <queue>.dlq bound to it, so rejected deliveries are kept instead of lost.
type Topology struct {
	Exchange string
	Kind     string // defaults to topic
	Queues   []QueueSpec
}

func (t Topology) DLX() string { return t.Exchange + ".dlx" }

// DLQFor names the dead-letter queue of a consumer queue.
func DLQFor(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the exchange, the dead-letter exchange and every
// queue with its bindings and dead-letter queue. Declarations are idempotent
// as long as the parameters do not change.
func DeclareTopology(_ context.Context, ch TopologyChannel, t Topology) error {
	kind := t.Kind
	if kind == "" {
		kind = "topic"
	}

	if err := ch.ExchangeDeclare(t.Exchange, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare (%s): %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DLX(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("dlx declare (%s): %w", t.DLX(), err)
	}

	for _, q := range t.Queues {
		args := amqp.Table{
			"x-dead-letter-exchange":    t.DLX(),
			"x-dead-letter-routing-key": q.Name,
		}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("queue declare (%s): %w", q.Name, err)
		}
		for _, key := range q.BindKeys {
			if err := ch.QueueBind(q.Name, key, t.Exchange, false, nil); err != nil {
				return fmt.Errorf("queue bind (%s, %s): %w", q.Name, key, err)
			}
		}

		dlq := DLQFor(q.Name)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("dlq declare (%s): %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, q.Name, t.DLX(), false, nil); err != nil {
			return fmt.Errorf("dlq bind (%s): %w", dlq, err)
		}
	}
	return nil
}
