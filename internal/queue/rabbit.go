package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher publishes tasks to a topic exchange keyed by task type
type RabbitPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewRabbitPublisher dials the broker and declares the exchange
func NewRabbitPublisher(url, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	return &RabbitPublisher{conn: conn, exchange: exchange, logger: logger}, nil
}

// Enqueue publishes a persistent JSON task
func (p *RabbitPublisher) Enqueue(ctx context.Context, task Task) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	err = ch.PublishWithContext(ctx, p.exchange, task.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     task.Meta.ID,
		CorrelationId: task.Meta.CorrelationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing task: %w", err)
	}

	p.logger.Debug("task enqueued", "type", task.Meta.Type, "task_id", task.Meta.ID, "schema", task.Schema)
	return nil
}

// Close closes the connection
func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}

// RabbitConsumer runs registered task handlers over a durable queue
type RabbitConsumer struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	prefetch int
	timeout  time.Duration
	logger   *slog.Logger

	handlers map[string]Handler
	wg       sync.WaitGroup
}

// NewRabbitConsumer dials the broker for consuming
func NewRabbitConsumer(url, exchange, queue string, prefetch int, logger *slog.Logger) (*RabbitConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitConsumer{
		conn:     conn,
		exchange: exchange,
		queue:    queue,
		prefetch: prefetch,
		timeout:  5 * time.Minute,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Register binds a handler to a task type; call before Run
func (c *RabbitConsumer) Register(taskType string, h Handler) {
	c.handlers[taskType] = h
}

// Run consumes until ctx is cancelled
func (c *RabbitConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	for key := range c.handlers {
		if err := ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming: %w", err)
	}
	c.logger.Info("task consumer started", "queue", q.Name, "types", len(c.handlers))

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case d, ok := <-msgs:
			if !ok {
				c.wg.Wait()
				return errors.New("delivery channel closed")
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handle(ctx, d)
			}()
		}
	}
}

func (c *RabbitConsumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.dispatch(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		c.logger.Error("dropping poison task", "key", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
	default:
		c.logger.Error("task failed", "key", d.RoutingKey, "error", err)
		_ = d.Nack(false, !d.Redelivered)
	}
}

func (c *RabbitConsumer) dispatch(ctx context.Context, body []byte) error {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return errors.Join(ErrPoison, err)
	}
	h, ok := c.handlers[task.Meta.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrPoison, task.Meta.Type)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	return h(ctx, task)
}

// Close closes the connection
func (c *RabbitConsumer) Close() error {
	return c.conn.Close()
}
