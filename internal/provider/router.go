package provider

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/entity"
)

// Router is the fixed policy mapping from OS family to vendor and from
// vendor name to client. Windows orders go to Vultr, Linux orders to
// Contabo. Unknown keys are a configuration defect, not a runtime
// condition.
type Router struct {
	byFamily map[entity.OSFamily]Client
	byName   map[string]Client
}

// NewRouter wires both vendor clients into the routing policy.
func NewRouter(vultr *VultrClient, contabo *ContaboClient) *Router {
	return &Router{
		byFamily: map[entity.OSFamily]Client{
			entity.OSWindows: vultr,
			entity.OSLinux:   contabo,
		},
		byName: map[string]Client{
			vultr.Name():   vultr,
			contabo.Name(): contabo,
		},
	}
}

// ForOS resolves the client responsible for the requested OS family.
func (r *Router) ForOS(family entity.OSFamily) (Client, error) {
	client, ok := r.byFamily[family]
	if !ok {
		return nil, &ConfigurationError{Key: string(family)}
	}
	return client, nil
}

// ForProvider resolves a client by persisted provider name.
func (r *Router) ForProvider(name string) (Client, error) {
	client, ok := r.byName[name]
	if !ok {
		return nil, &ConfigurationError{Key: name}
	}
	return client, nil
}

// Module provides the vendor clients and the router to Fx.
var Module = fx.Options(
	fx.Provide(func(cfg config.Config, logger *zap.Logger) *VultrClient {
		return NewVultrClient(cfg.Provider, logger)
	}),
	fx.Provide(func(cfg config.Config, logger *zap.Logger) *ContaboClient {
		return NewContaboClient(cfg.Provider, logger)
	}),
	fx.Provide(NewRouter),
)
