package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the job-start message. MessageID ties the delivery to the
// job record's single outstanding message; Attempt counts deliveries for the
// retry/dead-letter budget.
type JobMessage struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
	Attempt   int    `json:"attempt"`
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	retryBackoff time.Duration
}

// NewPublisher dials the broker and declares the queue topology: the main
// queue dead-letters rejected messages to the DLQ, and the retry queue
// dead-letters expired messages back to the main queue, which gives delayed
// redelivery without a consumer on the retry queue.
func NewPublisher(url, queue string, retryBackoff time.Duration) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if retryBackoff <= 0 {
		retryBackoff = 2 * time.Second
	}
	return &Publisher{conn: conn, ch: ch, queue: queue, retryBackoff: retryBackoff}, nil
}

// DeclareTopology declares the main, retry and dead-letter queues. Safe to
// call from both the api and worker processes.
func DeclareTopology(ch *amqp.Channel, queue string) error {
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
		return err
	}

	// Retry queue: per-message TTL -> dead-letter back to the main queue.
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
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false).
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
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishJob enqueues a job-start message on the main queue.
func (p *Publisher) PublishJob(ctx context.Context, jobID, messageID string) error {
	return p.publish(ctx, p.queue, JobMessage{JobID: jobID, MessageID: messageID, Attempt: 1}, 0)
}

// PublishRetry re-enqueues a failed delivery on the retry queue with an
// exponentially growing TTL, after which the broker routes it back to the
// main queue.
func (p *Publisher) PublishRetry(ctx context.Context, m JobMessage) error {
	backoff := p.retryBackoff
	for i := 1; i < m.Attempt; i++ {
		backoff *= 2
	}
	return p.publish(ctx, p.queue+".retry", m, backoff)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, m JobMessage, expiration time.Duration) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if expiration > 0 {
		pub.Expiration = fmt.Sprintf("%d", expiration.Milliseconds())
	}

	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		pub,
	)
}
