package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes notifications to a topic for a downstream mailer.
type KafkaSender struct {
	writer messageWriter
	now    func() time.Time
}

// notificationEvent is the message value published for each notification.
type notificationEvent struct {
	Type         string              `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	Notification domain.Notification `json:"notification"`
}

func NewKafkaSender(cfg config.KafkaConfig) (*KafkaSender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notification.kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("notification.kafka.topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaSender(writer), nil
}

func newKafkaSender(w messageWriter) *KafkaSender {
	return &KafkaSender{writer: w, now: time.Now}
}

func (k *KafkaSender) Send(ctx context.Context, n domain.Notification) error {
	if err := requireRecipients(n); err != nil {
		return err
	}
	value, err := json.Marshal(notificationEvent{
		Type:         eventType(n),
		Timestamp:    k.now().UTC(),
		Notification: n,
	})
	if err != nil {
		return domain.NewPermanentError("kafka_publish", 0, fmt.Sprintf("marshal notification: %v", err))
	}

	key := n.JobID
	if key == "" {
		key = n.ItemID
	}
	msg := kafka.Message{Key: []byte(key), Value: value}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return domain.NewTransientError("kafka_publish", 0, err)
	}
	return nil
}

func (k *KafkaSender) Close() error {
	return k.writer.Close()
}

func eventType(n domain.Notification) string {
	if n.JobID != "" {
		return "job.finalized"
	}
	return "item.finished"
}
