package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"glorianotify/internal/config"
	logx "glorianotify/pkg/logx"
)

// AMQPPublisher publishes fallback jobs to RabbitMQ.
//
// Connections are lazy and re-dialed on demand: a broker restart must not
// take the notification pipeline down, it just degrades enqueue to the
// in-memory path until the broker is back.
type AMQPPublisher struct {
	url      string
	exchange string
	log      logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	declared map[string]bool
}

func NewAMQPPublisher(cfg config.QueueConfig, log logx.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		log:      log,
		declared: map[string]bool{},
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := p.declareLocked(ch, job.Name); err != nil {
		p.resetLocked()
		return err
	}

	headers := amqp.Table{
		"x-kind":        string(job.Kind),
		"x-retry-count": int32(job.RetryCount),
		"x-max-retries": int32(job.MaxRetries),
	}
	if job.Delay > 0 {
		headers["x-delay-ms"] = job.Delay.Milliseconds()
	}

	err = ch.PublishWithContext(ctx, p.exchange, job.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		// Channel state is unknown after a publish error; rebuild next time.
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", job.Name, err)
	}
	return nil
}

func (p *AMQPPublisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p.conn = conn
	p.ch = ch
	p.declared = map[string]bool{}
	p.log.Debug("amqp connected")
	return ch, nil
}

func (p *AMQPPublisher) declareLocked(ch *amqp.Channel, queue string) error {
	if p.declared[queue] {
		return nil
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	p.declared[queue] = true
	return nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.declared = map[string]bool{}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
