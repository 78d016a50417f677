package sink

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	kafkago "github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the KafkaSink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes each record as one message keyed by postal code, so
// consumers can compact the topic down to the latest address per code.
type KafkaSink struct {
	writer MessageWriter
}

// DefaultKafkaBatchTimeout is used when NewKafkaWriter gets no timeout.
const DefaultKafkaBatchTimeout = 10 * time.Millisecond

// NewKafkaWriter builds a writer for the given brokers and topic. Every
// worker publishes one message at a time and waits for it, so batchTimeout
// caps the time a publish spends waiting for a batch that will not fill.
func NewKafkaWriter(brokers []string, topic string, batchTimeout time.Duration) *kafkago.Writer {
	if batchTimeout <= 0 {
		batchTimeout = DefaultKafkaBatchTimeout
	}
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: batchTimeout,
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, rec *Record) error {
	key, err := DocumentKey(rec)
	if err != nil {
		return err
	}
	doc, err := rec.MarshalJSON()
	if err != nil {
		return eris.Wrap(err, "kafka: encode record")
	}
	msg := kafkago.Message{Key: []byte(key), Value: doc}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "kafka: publish %s", key)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return eris.Wrap(s.writer.Close(), "kafka: close writer")
}
