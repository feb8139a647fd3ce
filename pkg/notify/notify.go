// Package notify publishes liquidation events to RabbitMQ so downstream
// services (risk, support tooling) learn about forced closures.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const DefaultQueue = "tradedesk.liquidations"

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, models.LiquidationEvent) error { return nil }

func (Nop) Close() error { return nil }

type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Publisher sends events to a durable queue.
type Publisher struct {
	conn    *amqp.Connection
	channel channel
	queue   string
	timeout time.Duration
	logger  *logrus.Logger
}

// Dial connects to the broker, retrying a few times, declares queue and
// enables publisher confirms when the broker supports them.
func Dial(url, queue string, logger *logrus.Logger) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("RabbitMQ connection attempt failed")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		logger.WithError(err).Warn("Publisher confirms unavailable")
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue '%s': %w", queue, err)
	}

	logger.WithField("queue", queue).Info("Liquidation events will be published to RabbitMQ")
	return &Publisher{conn: conn, channel: ch, queue: queue, timeout: 5 * time.Second, logger: logger}, nil
}

// Notify publishes ev as persistent JSON and waits for the broker's
// confirmation when confirms are enabled.
func (p *Publisher) Notify(ctx context.Context, ev models.LiquidationEvent) error {
	msg, err := publishing(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish liquidation %s: %w", ev.TransactionID, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm of liquidation %s: %w", ev.TransactionID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked liquidation %s", ev.TransactionID)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func publishing(ev models.LiquidationEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal liquidation event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    ev.Timestamp,
		Type:         "liquidation",
		Body:         body,
	}, nil
}
