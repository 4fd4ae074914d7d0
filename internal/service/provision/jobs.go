package provision

import (
	"github.com/nemordp/nemordp/internal/entity"
)

// PaymentConfirmed is the inbound event from the payment collaborator.
// Delivery is at-least-once; the same event may arrive more than once.
type PaymentConfirmed struct {
	OrderID   string          `json:"order_id"`
	UserID    int64           `json:"user_id"`
	OSFamily  entity.OSFamily `json:"os_family"`
	Plan      string          `json:"plan"`
	UserEmail string          `json:"user_email"`
}

// ProvisionJob drives one order from paid to active or failed. The job
// attempt counter lives on the queue envelope, not here.
type ProvisionJob struct {
	InstanceID int64           `json:"instance_id"`
	OrderID    string          `json:"order_id"`
	UserID     int64           `json:"user_id"`
	OSFamily   entity.OSFamily `json:"os_family"`
	Plan       string          `json:"plan"`
	UserEmail  string          `json:"user_email"`
}

// TerminateJob tears one instance down.
type TerminateJob struct {
	InstanceID int64  `json:"instance_id"`
	Provider   string `json:"provider"`
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}
