package payment

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/messaging"
	"github.com/nemordp/nemordp/internal/service/provision"
	"github.com/nemordp/nemordp/internal/worker"
	"github.com/nemordp/nemordp/pkg/errorbank"
)

var workerTracer = otel.Tracer("github.com/nemordp/nemordp/worker/payment")

// Module registers the payment-confirmation worker handler.
var Module = fx.Module("worker_payment",
	fx.Provide(
		fx.Annotate(
			NewPaymentConfirmedHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewPaymentConfirmedHandler consumes payment confirmations and hands them
// to the provisioning service. Malformed payloads are dropped after
// logging; redelivering them cannot make them parse.
func NewPaymentConfirmedHandler(service *provision.Service, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.payments.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var event provision.PaymentConfirmed
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode payment confirmation", zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return nil
		}

		if err := service.EnqueueProvisioning(ctx, event); err != nil {
			// Validation failures are poison messages; only transient
			// errors are worth a redelivery.
			if appErr := errorbank.From(err); appErr.Kind() == errorbank.KindBadRequest {
				logger.Error("rejected payment confirmation",
					zap.String("order_id", event.OrderID),
					zap.Error(err),
				)
				return nil
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, "enqueue error")
			return err
		}

		logger.Info("payment confirmation accepted",
			zap.String("order_id", event.OrderID),
			zap.String("os_family", string(event.OSFamily)),
		)

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.PaymentsTopic,
		Handler: handler,
	}
}
