package provision

import (
	"context"
	"encoding/json"

	"go.uber.org/fx"

	"github.com/nemordp/nemordp/internal/jobqueue"
	instancerepo "github.com/nemordp/nemordp/internal/repository/instance"
	orderrepo "github.com/nemordp/nemordp/internal/repository/order"
)

// Module wires the provisioning service and its job handlers into Fx.
var Module = fx.Options(
	fx.Provide(
		func(r *orderrepo.Repository) OrderStore { return r },
		func(r *instancerepo.Repository) InstanceStore { return r },
		NewService,
		fx.Annotate(newProvisionHandler, fx.ResultTags(`group:"jobqueue.handlers"`)),
		fx.Annotate(newTerminateHandler, fx.ResultTags(`group:"jobqueue.handlers"`)),
	),
)

func newProvisionHandler(service *Service) jobqueue.HandlerRegistration {
	return jobqueue.HandlerRegistration{
		JobType: jobqueue.TypeProvision,
		Handler: func(ctx context.Context, job jobqueue.Job) error {
			var payload ProvisionJob
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return err
			}
			return service.RunProvision(ctx, payload, job.Attempt)
		},
	}
}

func newTerminateHandler(service *Service) jobqueue.HandlerRegistration {
	return jobqueue.HandlerRegistration{
		JobType: jobqueue.TypeTerminate,
		Handler: func(ctx context.Context, job jobqueue.Job) error {
			var payload TerminateJob
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return err
			}
			return service.RunTerminate(ctx, payload)
		},
	}
}
