package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/nemordp/nemordp/internal/entity"
)

// Provider names as persisted on instance records.
const (
	NameVultr   = "vultr"
	NameContabo = "contabo"
)

// Address sentinels reported by vendors before a public IP is assigned.
// Neither counts as a reachable address.
const (
	AddressUnassigned = "0.0.0.0"
	AddressPending    = "pending"
)

// AddressAssigned reports whether addr is a real, routable address rather
// than one of the not-yet-assigned sentinels.
func AddressAssigned(addr string) bool {
	return addr != "" && addr != AddressUnassigned && addr != AddressPending
}

// ProvisioningResult is the transient outcome of a vendor create/poll call.
// It is folded into the instance record and never persisted on its own.
type ProvisioningResult struct {
	ProviderID string
	IPAddress  string
	Username   string
	Password   string
	Status     entity.InstanceStatus
}

// Client is the uniform contract over one VM vendor's control plane.
//
// CreateInstance and PollUntilReady never retry internally; transient
// failures surface as errors and the orchestration job owns the retry
// decision. Both must be safe to call without vendor credentials, in which
// case they return a deterministic synthetic result after a fixed simulated
// delay so the pipeline is exercisable end to end.
type Client interface {
	Name() string
	CreateInstance(ctx context.Context, orderID string, osFamily entity.OSFamily, plan string) (*ProvisioningResult, error)
	PollUntilReady(ctx context.Context, resourceID string) (*ProvisioningResult, error)
	Reboot(ctx context.Context, resourceID string) (bool, error)
	Delete(ctx context.Context, resourceID string) (bool, error)
}

// ErrProvisioningTimeout signals that the polling attempt budget was
// exhausted before the vendor reported a ready instance.
var ErrProvisioningTimeout = errors.New("provisioning timed out waiting for instance to become ready")

// Error carries a vendor rejection: a non-success HTTP response from the
// vendor control plane. It is never retried inside the client.
type Error struct {
	Provider   string
	Operation  string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed: status %d: %s", e.Provider, e.Operation, e.StatusCode, e.Body)
}

// ConfigurationError marks an unknown provider or OS-family mapping. It is
// a deployment defect, fatal rather than retryable.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no provider configured for %q", e.Key)
}
