package queue

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler returns false when the message should be re-queued.
type Handler func(ctx context.Context, body []byte) bool

type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
	started  bool
	done     chan struct{}
}

func NewConsumer(amqpURL string, prefetch int) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 4
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{conn: conn, ch: ch, prefetch: prefetch, done: make(chan struct{})}, nil
}

// ConsumeWithBindings binds queueName to every routing key and runs prefetch workers
// until ctx is cancelled or the channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}
	if err := declareExchange(c.ch, exchange); err != nil {
		return errors.Wrap(err, "declare exchange")
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}
	for routingKey := range bindings {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind %s", routingKey)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}

	c.started = true
	log := logrus.WithFields(logrus.Fields{"component": "rabbitmq_consumer", "queue": q.Name})
	finished := make(chan struct{}, c.prefetch)
	for i := 0; i < c.prefetch; i++ {
		go func() {
			defer func() { finished <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					deliver(ctx, log, bindings, d)
				}
			}
		}()
	}
	go func() {
		for i := 0; i < c.prefetch; i++ {
			<-finished
		}
		close(c.done)
	}()
	return nil
}

func deliver(ctx context.Context, log *logrus.Entry, bindings map[string]Handler, d amqp.Delivery) {
	handler, ok := bindings[d.RoutingKey]
	if !ok || handler == nil {
		log.Warnf("no handler for routing key %s, dropping", d.RoutingKey)
		d.Ack(false)
		return
	}
	if handler(ctx, d.Body) {
		d.Ack(false)
		return
	}
	log.Warnf("handler for routing key %s failed, re-queuing", d.RoutingKey)
	d.Nack(false, true)
}

// Close stops deliveries and waits for running handlers.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.started {
		<-c.done
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
