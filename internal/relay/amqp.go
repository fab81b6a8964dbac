package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the relay needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQP publishes to a fanout exchange. Each instance binds its own exclusive,
// auto-deleted queue, so every instance receives every envelope.
type AMQP struct {
	handlers
	ch       Channel
	conn     *amqp.Connection
	exchange string
	instance string
	queue    string
	logger   *slog.Logger
}

func NewAMQP(ch Channel, exchange, instance string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AMQP{ch: ch, exchange: exchange, instance: instance, logger: logger}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	a.queue = q.Name
	return a, nil
}

// DialAMQP connects to url and sets up the relay on a fresh channel.
func DialAMQP(url, exchange, instance string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	a, err := NewAMQP(ch, exchange, instance, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.conn = conn
	return a, nil
}

func (a *AMQP) Publish(ctx context.Context, env Envelope) error {
	env.Instance = a.instance
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, env.Topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		AppId:       a.instance,
		Body:        b,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	a.dispatch(ctx, env)
	return nil
}

func (a *AMQP) Subscribe(h Handler) { a.add(h) }

func (a *AMQP) Run(ctx context.Context) error {
	deliveries, err := a.ch.Consume(a.queue, "gigline-"+a.instance, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	a.logger.Info("amqp relay started", "instance", a.instance, "queue", a.queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp relay: delivery channel closed")
			}
			env, ok := decode(a.logger, d.Body)
			if !ok || env.Instance == a.instance {
				continue
			}
			a.dispatch(ctx, env)
		}
	}
}

func (a *AMQP) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		err = errors.Join(err, a.conn.Close())
	}
	return err
}
