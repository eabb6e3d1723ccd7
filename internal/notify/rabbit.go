package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lawdesk/chatcore/internal/common"
)

// RabbitDispatcher publishes notification events to a durable queue. The
// topology mirrors the worker: a retry queue dead-letters back to the main
// queue after its TTL, the main queue dead-letters poison messages to a DLQ.
type RabbitDispatcher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewRabbitDispatcher(url, queue string) (*RabbitDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &RabbitDispatcher{conn: conn, ch: ch, queue: queue}, nil
}

func (d *RabbitDispatcher) Close() error {
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Dispatch is fire-and-forget: publish failures are logged, never returned.
func (d *RabbitDispatcher) Dispatch(ctx context.Context, ev Event) {
	if ev.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			log.Printf("[Notify] ulid failed kind=%s err=%v", ev.Kind, err)
			return
		}
		ev.ID = id
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Notify] marshal failed kind=%s err=%v", ev.Kind, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.ch.PublishWithContext(cctx,
		"",      // default exchange
		d.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	); err != nil {
		log.Printf("[Notify] publish failed kind=%s id=%s err=%v", ev.Kind, ev.ID, err)
	}
}
