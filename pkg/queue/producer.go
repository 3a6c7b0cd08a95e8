package queue

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp.Connection, *amqp.Channel, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, nil, err
	}
	// bounded dial so startup does not hang
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "open channel")
	}
	return conn, ch, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

type Producer struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewProducer(amqpURL string) (*Producer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	return &Producer{conn: conn, channel: ch}, nil
}

// Publish sends body as persistent JSON. On a channel error the channel is reopened and
// the publish retried once.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = declareExchange(p.channel, exchange)
	if err == nil {
		err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	if err == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"component":   "rabbitmq_producer",
		"exchange":    exchange,
		"routing_key": routingKey,
	}).Warnf("publish failed, reopening channel: %s", err)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Wrap(chErr, "reopen channel")
	}
	p.channel = ch
	if err := declareExchange(p.channel, exchange); err != nil {
		return errors.Wrap(err, "declare exchange")
	}
	return errors.Wrap(p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg), "publish")
}

func (p *Producer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
