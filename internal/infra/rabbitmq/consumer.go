package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrDeadLetter tells the consumer to reject the delivery without requeue
// so the broker's dead-letter binding takes over. Handlers return it when
// the retry budget is exhausted.
var ErrDeadLetter = errors.New("dead-letter delivery")

type MessageHandler func(ctx context.Context, body []byte) error

// Consumer runs a pool of workers over one queue. Delivery outcome
// contract: nil return acks, ErrDeadLetter nacks without requeue, any
// other error backs off and nacks with requeue.
type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	topology    Topology
	workerCount int
	baseDelay   time.Duration
	handler     MessageHandler
	logger      *zap.Logger
	wg          sync.WaitGroup
}

type ConsumerConfig struct {
	URL          string
	Topology     Topology
	Prefetch     int
	WorkerCount  int
	BaseDelayMs  int
	ConnectTries int
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	conn, err := DialWithRetry(cfg.URL, cfg.ConnectTries, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := Declare(ch, cfg.Topology); err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Consumer{
		conn:        conn,
		channel:     ch,
		topology:    cfg.Topology,
		workerCount: cfg.WorkerCount,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		logger:      logger,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.topology.Queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("starting worker pool",
		zap.Int("workers", c.workerCount),
		zap.String("queue", c.topology.Queue),
	)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker_id", id))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			c.processDelivery(ctx, d, log)
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *zap.Logger) {
	err := c.handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if errors.Is(err, ErrDeadLetter) {
		log.Warn("rejecting message to dead-letter queue",
			zap.Error(err),
			zap.Uint64("delivery_tag", d.DeliveryTag),
		)
		_ = d.Nack(false, false)
		return
	}

	attempt := attemptFromDelivery(d)
	delay := c.calculateBackoff(attempt)
	log.Warn("message processing failed, requeueing",
		zap.Error(err),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay),
	)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	_ = d.Nack(false, true)
}

// attemptFromDelivery estimates how often the broker has handed this
// message out, from the x-death history plus the redelivered flag. The
// authoritative retry budget lives in the job store; this only shapes the
// local backoff delay.
func attemptFromDelivery(d amqp.Delivery) int {
	attempt := 1
	if d.Redelivered {
		attempt++
	}
	if d.Headers != nil {
		if xDeath, ok := d.Headers["x-death"]; ok {
			if deaths, ok := xDeath.([]interface{}); ok {
				attempt += len(deaths)
			}
		}
	}
	return attempt
}

func (c *Consumer) calculateBackoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
