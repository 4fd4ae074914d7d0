package notifier

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/entity"
	"github.com/nemordp/nemordp/internal/messaging"
)

// CredentialsReadyEvent is emitted for the notification collaborator once
// an instance has been finalized. Rendering and delivery happen downstream;
// the event is the boundary.
type CredentialsReadyEvent struct {
	Recipient string          `json:"recipient"`
	OSFamily  entity.OSFamily `json:"os_family"`
	IPAddress string          `json:"ip_address"`
	Username  string          `json:"username"`
	Password  string          `json:"password"`
	RDPPort   int             `json:"rdp_port"`
	SentAt    time.Time       `json:"sent_at"`
}

// Notifier publishes credentials-ready events. Delivery is best effort:
// callers log failures and move on, a lost notification never fails a
// provisioned instance.
type Notifier interface {
	CredentialsReady(ctx context.Context, event CredentialsReadyEvent) error
}

// Module provides the Kafka-backed notifier to Fx.
var Module = fx.Provide(New)

type kafkaNotifier struct {
	publisher messaging.Client
	topic     string
	logger    *zap.Logger
}

// New constructs a notifier publishing to the configured notifications
// topic.
func New(cfg config.Config, publisher messaging.Client, logger *zap.Logger) Notifier {
	return &kafkaNotifier{
		publisher: publisher,
		topic:     cfg.Messaging.NotificationsTopic,
		logger:    logger,
	}
}

func (n *kafkaNotifier) CredentialsReady(ctx context.Context, event CredentialsReadyEvent) error {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}
	if event.RDPPort == 0 {
		event.RDPPort = 3389
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := n.publisher.Publish(ctx, n.topic, []byte(event.Recipient), payload); err != nil {
		return err
	}

	n.logger.Info("credentials-ready notification published",
		zap.String("recipient", event.Recipient),
		zap.String("os_family", string(event.OSFamily)),
	)
	return nil
}
