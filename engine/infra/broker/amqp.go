package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/crystal-sds/metrics-relay/pkg/config"
	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

// AMQPDialer opens connections to a RabbitMQ-compatible broker.
type AMQPDialer struct {
	cfg *config.RabbitConfig
}

// NewAMQPDialer constructs a Dialer from broker connection parameters.
func NewAMQPDialer(cfg *config.RabbitConfig) (*AMQPDialer, error) {
	if cfg == nil {
		return nil, errors.New("broker: rabbit config is nil")
	}
	return &AMQPDialer{cfg: cfg}, nil
}

func (d *AMQPDialer) Dial(ctx context.Context) (Publisher, error) {
	conn, err := amqp.Dial(d.cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s:%s: %w", d.cfg.Host, d.cfg.Port, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening broker channel: %w", err)
	}
	logger.FromContext(ctx).Debug("broker connection established", "host", d.cfg.Host, "port", d.cfg.Port)
	return &amqpPublisher{conn: conn, ch: ch}, nil
}

type amqpPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	once sync.Once
}

func (p *amqpPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to exchange %q with routing key %q: %w", exchange, routingKey, err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	var err error
	p.once.Do(func() {
		if chErr := p.ch.Close(); chErr != nil {
			err = chErr
		}
		if connErr := p.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
	})
	return err
}
