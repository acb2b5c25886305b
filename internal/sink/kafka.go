package sink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"

	"stream-service/internal/ws"
)

// KafkaSink publishes metric snapshots to a Kafka topic. Pushes are
// fire-and-forget: delivery failures are logged and dropped.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 5
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = "stream-service"

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	s := &KafkaSink{producer: producer, topic: topic}

	go func() {
		for err := range producer.Errors() {
			slog.Warn("metrics snapshot publish failed", "topic", topic, "error", err.Err)
		}
	}()

	return s, nil
}

// Push enqueues one snapshot for asynchronous delivery.
func (s *KafkaSink) Push(ctx context.Context, snap ws.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(snap.Timestamp.Format("2006-01-02")),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case s.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
