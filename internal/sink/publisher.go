package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/stockmetrics/pricestream/internal/stream"
)

// messageWriter writes Kafka messages. *kafka.Writer satisfies it.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig holds Kafka settings.
type PublisherConfig struct {
	Brokers      []string
	TopicPattern string // fmt pattern taking the symbol, e.g. "prices.%s"
	BatchTimeout time.Duration
}

// Publisher sends each tick to its symbol's Kafka topic, keyed by symbol.
type Publisher struct {
	*batcher
	w            messageWriter
	topicPattern string
}

// NewKafkaWriter builds the writer used by a Publisher. Topics are set per
// message, so the writer itself has none.
func NewKafkaWriter(cfg PublisherConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewPublisher creates a Publisher writing through w.
func NewPublisher(cfg Config, topicPattern string, w messageWriter, logger *slog.Logger) *Publisher {
	p := &Publisher{w: w, topicPattern: topicPattern}
	p.batcher = newBatcher("publisher", cfg, p.writeBatch, logger)
	return p
}

// Topic returns the topic for symbol.
func (p *Publisher) Topic(symbol string) string {
	return fmt.Sprintf(p.topicPattern, symbol)
}

// Stop flushes queued ticks and closes the writer.
func (p *Publisher) Stop(ctx context.Context) error {
	err := p.batcher.Stop(ctx)
	if cerr := p.w.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close kafka writer: %w", cerr)
	}
	return err
}

func (p *Publisher) writeBatch(ctx context.Context, ticks []stream.PriceTick) error {
	msgs := make([]kafka.Message, 0, len(ticks))
	for _, t := range ticks {
		payload, err := encodeTick(t)
		if err != nil {
			return fmt.Errorf("encode %s tick: %w", t.Symbol, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.Topic(t.Symbol),
			Key:   []byte(t.Symbol),
			Value: payload,
			Time:  t.ObservedAt,
		})
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d kafka messages: %w", len(msgs), err)
	}
	return nil
}
