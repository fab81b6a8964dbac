package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer the relay needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of kafka.Reader the relay needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Kafka publishes envelopes to one topic keyed by gig topic. Every instance
// reads with its own consumer group so each one sees every envelope; an
// instance delivers its own envelopes locally at publish time and skips them
// when they come back.
type Kafka struct {
	handlers
	writer   Writer
	reader   Reader
	instance string
	logger   *slog.Logger
}

func NewKafka(w Writer, r Reader, instance string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{writer: w, reader: r, instance: instance, logger: logger}
}

// DialKafka builds the segmentio writer and reader for brokers and topic.
func DialKafka(brokers []string, topic, groupPrefix, instance string, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupPrefix + "-" + instance,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	return NewKafka(w, r, instance, logger)
}

func (k *Kafka) Publish(ctx context.Context, env Envelope) error {
	env.Instance = k.instance
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.Topic), Value: b}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	k.dispatch(ctx, env)
	return nil
}

func (k *Kafka) Subscribe(h Handler) { k.add(h) }

// Run consumes until ctx is done or the reader is closed.
func (k *Kafka) Run(ctx context.Context) error {
	k.logger.Info("kafka relay started", "instance", k.instance)
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			k.logger.Warn("kafka relay fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		env, ok := decode(k.logger, m.Value)
		if !ok || env.Instance == k.instance {
			continue
		}
		k.dispatch(ctx, env)
	}
}

func (k *Kafka) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}
