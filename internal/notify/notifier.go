// Package notify delivers job and item notifications over the configured channel.
package notify

import (
	"context"
	"fmt"

	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
)

// Sender is the delivery side shared by every driver.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
	Close() error
}

// New builds the sender selected by cfg.Driver.
func New(cfg config.NotificationConfig) (Sender, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogSender(), nil
	case "smtp":
		return NewSMTPSender(cfg.SMTP)
	case "kafka":
		return NewKafkaSender(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown notification driver %q", cfg.Driver)
	}
}

// LogSender writes notifications to the service log instead of delivering them.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (LogSender) Send(ctx context.Context, n domain.Notification) error {
	logger.With(logger.Fields{
		logger.FieldJobID:  n.JobID,
		logger.FieldItemID: n.ItemID,
		logger.FieldCount:  len(n.Recipients),
	}).Info(ctx, "notification %q to %v:\n%s", n.Subject, n.Recipients, n.Body)
	return nil
}

func (LogSender) Close() error { return nil }

func requireRecipients(n domain.Notification) error {
	if len(n.Recipients) == 0 {
		return &domain.ValidationError{Field: "recipients", Reason: "notification has no recipients"}
	}
	return nil
}
