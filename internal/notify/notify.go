// Package notify is the contract with the notification dispatcher. Delivery
// over push, email or SMS happens downstream of the broker.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

type RecipientKind string

const (
	RecipientPatient RecipientKind = "patient"
	RecipientDoctor  RecipientKind = "doctor"
	RecipientAdmin   RecipientKind = "admin"
)

// Message is one notification for one recipient.
type Message struct {
	RecipientID   uuid.UUID         `json:"recipientId"`
	RecipientKind RecipientKind     `json:"recipientKind"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Type          string            `json:"type"`
	Data          map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier only logs. It stands in when no broker is configured.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notification",
		"recipient_id", msg.RecipientID,
		"recipient_kind", msg.RecipientKind,
		"type", msg.Type,
		"title", msg.Title,
	)
	return nil
}
