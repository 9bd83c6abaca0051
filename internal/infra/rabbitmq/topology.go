package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology describes one consumer group's broker footprint: a durable
// queue bound to the shared topic exchange, paired with its own
// dead-letter exchange and queue.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
	DLX        string
	DLQ        string
}

// DeadLetterKey is the routing key the broker uses when it reroutes a
// rejected message to the DLX.
func (t Topology) DeadLetterKey() string {
	return "dlq." + t.Queue
}

// Declare sets up the exchange, queue, DLX and DLQ. Declarations are
// idempotent as long as existing entities carry the same arguments.
func Declare(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DLX, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", t.DLX, err)
	}

	if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", t.DLQ, err)
	}
	if err := ch.QueueBind(t.DLQ, t.DeadLetterKey(), t.DLX, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", t.DLQ, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    t.DLX,
		"x-dead-letter-routing-key": t.DeadLetterKey(),
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}
	return nil
}
