package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-agent/internal/models"
)

// Publisher ships agent telemetry (reported locations, order transitions)
// to the fleet pipeline.
type Publisher interface {
	PublishLocation(ctx context.Context, riderID string, loc models.RiderLocation) error
	PublishOrderEvent(ctx context.Context, ev models.OrderEvent) error
	Close() error
}

// Nop drops everything; used when no brokers are configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, string, models.RiderLocation) error { return nil }
func (Nop) PublishOrderEvent(context.Context, models.OrderEvent) error          { return nil }
func (Nop) Close() error                                                        { return nil }

type envelope struct {
	Kind    string    `json:"kind"`
	RiderID string    `json:"riderId,omitempty"`
	SentAt  time.Time `json:"sentAt"`
	Payload any       `json:"payload"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, riderID string, loc models.RiderLocation) error {
	return k.write(ctx, riderID, envelope{Kind: "rider.location", RiderID: riderID, SentAt: time.Now(), Payload: loc})
}

func (k *KafkaProducer) PublishOrderEvent(ctx context.Context, ev models.OrderEvent) error {
	return k.write(ctx, ev.OrderID, envelope{Kind: "rider.order." + string(ev.Type), RiderID: ev.RiderID, SentAt: time.Now(), Payload: ev})
}

func (k *KafkaProducer) write(ctx context.Context, key string, env envelope) error {
	msg, err := message(key, env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

// message keys by rider or order so a partition sees one entity in order.
func message(key string, env envelope) (kafka.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(key), Value: b}, nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
