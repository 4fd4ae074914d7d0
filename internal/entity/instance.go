package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// InstanceStatus is the lifecycle state of a provisioned instance.
//
// Transitions: provisioning -> {active, failed}; active -> terminated.
// failed and terminated are terminal.
type InstanceStatus string

const (
	StatusProvisioning InstanceStatus = "provisioning"
	StatusActive       InstanceStatus = "active"
	StatusFailed       InstanceStatus = "failed"
	StatusTerminated   InstanceStatus = "terminated"
)

// Instance is the persisted record of a remote-desktop VM. The row is
// created when a payment event is accepted, with ProviderID set to the
// order id; the provisioning job overwrites ProviderID with the vendor
// resource id once the vendor assigns one. The unique index on provider_id
// is what makes duplicate payment events collapse into a single row.
type Instance struct {
	bun.BaseModel `bun:"table:instances"`

	ID         int64          `bun:",pk,autoincrement"`
	UserID     int64          `bun:"user_id"`
	Provider   string         `bun:"provider"`
	ProviderID string         `bun:"provider_id"`
	IPAddress  string         `bun:"ip_address"`
	Username   string         `bun:"username"`
	Password   string         `bun:"password"`
	OSFamily   OSFamily       `bun:"os_family"`
	Plan       string         `bun:"plan"`
	Status     InstanceStatus `bun:"status"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	ExpiresAt  *time.Time     `bun:"expires_at,nullzero"`
}
