package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"bioreactor/internal/command"
)

var now = time.Now

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the Kafka message value.
type Record struct {
	Device    string            `json:"device"`
	Timestamp int64             `json:"ts"`
	Values    command.Telemetry `json:"values"`
}

// KafkaSink writes one keyed record per snapshot. The device id is the key
// so a vessel's records stay ordered within a partition.
type KafkaSink struct {
	w      kafkaMessageWriter
	device string
}

func NewKafkaSink(brokers []string, topic, device string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("telemetry: at least one kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("telemetry: kafka topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaSinkWithWriter(w, device), nil
}

func newKafkaSinkWithWriter(w kafkaMessageWriter, device string) *KafkaSink {
	return &KafkaSink{w: w, device: device}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, t command.Telemetry) error {
	ts := now()
	b, err := json.Marshal(Record{Device: k.device, Timestamp: ts.UnixMilli(), Values: t})
	if err != nil {
		return fmt.Errorf("telemetry: encode kafka record: %w", err)
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(k.device), Value: b, Time: ts}); err != nil {
		return fmt.Errorf("telemetry: kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }
