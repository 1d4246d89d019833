package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// DefaultQueue receives retrieve completion notifications.
const DefaultQueue = "dicom_qr_retrieve_completed"

// AMQPNotifier publishes notifications to a durable RabbitMQ queue and waits
// for the broker to confirm each one.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// NewAMQPNotifier dials url, declares queue and enables publisher confirms.
func NewAMQPNotifier(url, queue string) (*AMQPNotifier, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ notifier initialized")
	return &AMQPNotifier{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Notify publishes n and waits for the broker confirm or ctx.
func (a *AMQPNotifier) Notify(ctx context.Context, n RetrieveCompleted) error {
	msg, err := publishing(n)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ch.PublishWithContext(ctx, "", a.queue, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", a.queue, err)
	}
	select {
	case confirmed, ok := <-a.confirms:
		if !ok {
			return errors.New("channel closed before confirm")
		}
		if !confirmed.Ack {
			return fmt.Errorf("message to %s not confirmed", a.queue)
		}
	case <-ctx.Done():
		return fmt.Errorf("failed to publish to %s: %w", a.queue, ctx.Err())
	}
	return nil
}

// Close closes the channel and the connection.
func (a *AMQPNotifier) Close() error {
	chErr := a.ch.Close()
	connErr := a.conn.Close()
	return errors.Join(chErr, connErr)
}

func publishing(n RetrieveCompleted) (amqp.Publishing, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal notification: %w", err)
	}
	ts := n.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID.String(),
		Timestamp:    ts,
		Type:         "retrieve.completed",
		Body:         body,
	}, nil
}
