package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	channel *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{channel: ch}, nil
}

// PublishJob fans a job envelope out to every queue bound with the
// routing key.
func (p *Publisher) PublishJob(ctx context.Context, exchange, routingKey string, msg []byte) error {
	return p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
}

// DLQPublisher sends poison messages directly to a consumer group's
// dead-letter exchange, annotated with the rejection reason.
type DLQPublisher struct {
	pub      *Publisher
	topology Topology
}

func NewDLQPublisher(pub *Publisher, t Topology) *DLQPublisher {
	return &DLQPublisher{pub: pub, topology: t}
}

func (dp *DLQPublisher) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	return dp.pub.channel.PublishWithContext(ctx,
		dp.topology.DLX,
		dp.topology.DeadLetterKey(),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"x-dlq-reason": reason,
			},
		},
	)
}
