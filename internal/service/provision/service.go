package provision

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/cache"
	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/entity"
	"github.com/nemordp/nemordp/internal/jobqueue"
	"github.com/nemordp/nemordp/internal/notifier"
	"github.com/nemordp/nemordp/internal/provider"
	instancerepo "github.com/nemordp/nemordp/internal/repository/instance"
	"github.com/nemordp/nemordp/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/nemordp/nemordp/service/provision")

// dedupKeyPrefix namespaces payment-event dedup keys in the cache.
const dedupKeyPrefix = "payments:dedup:"

// OrderStore persists orders for audit and idempotency lookups.
type OrderStore interface {
	Create(ctx context.Context, order *entity.Order) error
}

// InstanceStore persists instance records. CreateIfAbsent must be atomic on
// provider_id; UpdateStatusIf must be a compare-and-set on status.
type InstanceStore interface {
	CreateIfAbsent(ctx context.Context, inst *entity.Instance) (bool, error)
	GetByID(ctx context.Context, id int64) (*entity.Instance, error)
	Finalize(ctx context.Context, id int64, providerID, ip, username, password string, status entity.InstanceStatus, expiresAt *time.Time) error
	UpdateStatusIf(ctx context.Context, id int64, from, to entity.InstanceStatus) (bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]entity.Instance, error)
	ListByUser(ctx context.Context, userID int64) ([]entity.Instance, error)
}

// Service owns the provisioning and termination lifecycle. It is the only
// layer that decides retry versus terminal failure.
type Service struct {
	orders    OrderStore
	instances InstanceStore
	queue     jobqueue.Queue
	router    *provider.Router
	notifier  notifier.Notifier
	dedup     cache.Store
	logger    *zap.Logger
	cfg       config.Provision
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Orders    OrderStore
	Instances InstanceStore
	Queue     jobqueue.Queue
	Router    *provider.Router
	Notifier  notifier.Notifier
	Dedup     cache.Store
	Config    config.Config
	Logger    *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{
		orders:    p.Orders,
		instances: p.Instances,
		queue:     p.Queue,
		router:    p.Router,
		notifier:  p.Notifier,
		dedup:     p.Dedup,
		logger:    p.Logger,
		cfg:       p.Config.Provision,
	}
}

// EnqueueProvisioning accepts a payment-confirmation event. Duplicate
// deliveries of the same order are acknowledged without enqueueing a
// second job. The cache SetIfAbsent only flags repeats for the logs;
// the database create-if-absent on provider_id is the guard that
// decides, so a delivery that failed mid-write still provisions when
// the bus redelivers it.
func (s *Service) EnqueueProvisioning(ctx context.Context, evt PaymentConfirmed) error {
	ctx, span := serviceTracer.Start(ctx, "ProvisionService.EnqueueProvisioning", trace.WithAttributes(
		attribute.String("order.id", evt.OrderID),
		attribute.String("order.os_family", string(evt.OSFamily)),
	))
	defer span.End()

	if evt.OrderID == "" {
		return errorbank.BadRequest("order id is required")
	}
	if !evt.OSFamily.Valid() {
		return errorbank.BadRequest("unsupported os family", errorbank.WithDetail("os_family", string(evt.OSFamily)))
	}

	client, err := s.router.ForOS(evt.OSFamily)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing error")
		return err
	}

	if fresh, err := s.dedup.SetIfAbsent(ctx, dedupKeyPrefix+evt.OrderID, []byte("1"), 0); err != nil {
		// Cache trouble must not block provisioning; the database guard
		// below still holds.
		s.logger.Warn("payment dedup fast path unavailable", zap.String("order_id", evt.OrderID), zap.Error(err))
	} else if !fresh {
		// A seen key only means an earlier delivery got this far. That
		// attempt may have died before the instance row existed, so fall
		// through to the database guard rather than acking here.
		s.logger.Info("payment event seen before, re-checking instance record", zap.String("order_id", evt.OrderID))
	}

	order := &entity.Order{
		ID:       evt.OrderID,
		UserID:   evt.UserID,
		OSFamily: evt.OSFamily,
		Plan:     evt.Plan,
		Email:    evt.UserEmail,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order write failed")
		return errorbank.Internal("failed to record order", errorbank.WithCause(err))
	}

	// The order id doubles as the provider resource id until the vendor
	// assigns a real one; the unique index on provider_id is what collapses
	// concurrent duplicates into a single instance.
	inst := &entity.Instance{
		UserID:     evt.UserID,
		Provider:   client.Name(),
		ProviderID: evt.OrderID,
		OSFamily:   evt.OSFamily,
		Plan:       evt.Plan,
		Status:     entity.StatusProvisioning,
	}
	inserted, err := s.instances.CreateIfAbsent(ctx, inst)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "instance write failed")
		return errorbank.Internal("failed to create instance record", errorbank.WithCause(err))
	}
	if !inserted {
		s.logger.Info("payment event already processed", zap.String("order_id", evt.OrderID))
		return nil
	}

	job := ProvisionJob{
		InstanceID: inst.ID,
		OrderID:    evt.OrderID,
		UserID:     evt.UserID,
		OSFamily:   evt.OSFamily,
		Plan:       evt.Plan,
		UserEmail:  evt.UserEmail,
	}
	if err := s.enqueue(ctx, jobqueue.TypeProvision, job, 0, 0); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return errorbank.Internal("failed to enqueue provisioning job", errorbank.WithCause(err))
	}

	s.logger.Info("provisioning job enqueued",
		zap.String("order_id", evt.OrderID),
		zap.Int64("instance_id", inst.ID),
		zap.String("provider", inst.Provider),
	)
	return nil
}

func (s *Service) enqueue(ctx context.Context, jobType string, payload any, attempt int, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, jobqueue.Job{
		Type:    jobType,
		Payload: raw,
		Attempt: attempt,
	}, delay)
}

// RunProvision executes one provisioning attempt: create the VM, wait for
// it to become reachable, commit credentials, notify. On failure it marks
// the instance failed and schedules the next attempt with exponential
// backoff until the attempt budget (MaxAttempts Create calls) is spent.
func (s *Service) RunProvision(ctx context.Context, job ProvisionJob, attempt int) error {
	ctx, span := serviceTracer.Start(ctx, "ProvisionService.RunProvision", trace.WithAttributes(
		attribute.String("order.id", job.OrderID),
		attribute.Int64("instance.id", job.InstanceID),
		attribute.Int("job.attempt", attempt),
	))
	defer span.End()

	client, err := s.router.ForOS(job.OSFamily)
	if err != nil {
		// Mapping defects are fatal; retrying cannot fix configuration.
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing error")
		if _, cerr := s.instances.UpdateStatusIf(ctx, job.InstanceID, entity.StatusProvisioning, entity.StatusFailed); cerr != nil {
			s.logger.Error("failed to mark instance failed", zap.Int64("instance_id", job.InstanceID), zap.Error(cerr))
		}
		return err
	}

	if attempt > 0 {
		// A retry re-enters after the previous attempt marked the row
		// failed.
		if _, err := s.instances.UpdateStatusIf(ctx, job.InstanceID, entity.StatusFailed, entity.StatusProvisioning); err != nil {
			s.logger.Error("failed to reset instance status for retry", zap.Int64("instance_id", job.InstanceID), zap.Error(err))
		}
	}

	result, err := client.CreateInstance(ctx, job.OrderID, job.OSFamily, job.Plan)
	if err != nil {
		return s.handleProvisionFailure(ctx, span, client, job, attempt, err)
	}
	if result.Status == entity.StatusProvisioning {
		polled, perr := client.PollUntilReady(ctx, result.ProviderID)
		if perr != nil {
			// The vendor resource exists but never became reachable. Reclaim
			// it asynchronously so the retry starts from a clean slate.
			s.enqueueOrphanCleanup(ctx, client.Name(), result.ProviderID)
			return s.handleProvisionFailure(ctx, span, client, job, attempt, perr)
		}
		result = mergeResults(result, polled)
	}

	var expiresAt *time.Time
	if result.Status == entity.StatusActive {
		t := time.Now().UTC().Add(s.cfg.InstancePeriod)
		expiresAt = &t
	}

	if err := s.instances.Finalize(ctx, job.InstanceID, result.ProviderID, result.IPAddress, result.Username, result.Password, result.Status, expiresAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return err
	}

	s.logger.Info("instance provisioned",
		zap.String("order_id", job.OrderID),
		zap.Int64("instance_id", job.InstanceID),
		zap.String("provider", client.Name()),
		zap.String("status", string(result.Status)),
	)

	// Provisioning succeeded; a lost notification only loses delivery.
	event := notifier.CredentialsReadyEvent{
		Recipient: job.UserEmail,
		OSFamily:  job.OSFamily,
		IPAddress: result.IPAddress,
		Username:  result.Username,
		Password:  result.Password,
	}
	if err := s.notifier.CredentialsReady(ctx, event); err != nil {
		s.logger.Warn("credentials notification failed",
			zap.String("order_id", job.OrderID),
			zap.Error(err),
		)
	}

	return nil
}

func (s *Service) handleProvisionFailure(ctx context.Context, span trace.Span, client provider.Client, job ProvisionJob, attempt int, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "create failed")

	if _, err := s.instances.UpdateStatusIf(ctx, job.InstanceID, entity.StatusProvisioning, entity.StatusFailed); err != nil {
		s.logger.Error("failed to mark instance failed", zap.Int64("instance_id", job.InstanceID), zap.Error(err))
	}

	next := attempt + 1
	if next >= s.cfg.MaxAttempts {
		// Terminal: the instance stays failed and the error is surfaced for
		// operators. Nothing awaits this job synchronously.
		s.logger.Error("provisioning failed permanently",
			zap.String("order_id", job.OrderID),
			zap.Int64("instance_id", job.InstanceID),
			zap.String("provider", client.Name()),
			zap.Int("attempts", next),
			zap.Error(cause),
		)
		return cause
	}

	delay := s.cfg.RetryBaseDelay * time.Duration(1<<attempt)
	if err := s.enqueue(ctx, jobqueue.TypeProvision, job, next, delay); err != nil {
		s.logger.Error("failed to schedule provisioning retry",
			zap.String("order_id", job.OrderID),
			zap.Error(err),
		)
		return err
	}

	s.logger.Warn("provisioning attempt failed; retry scheduled",
		zap.String("order_id", job.OrderID),
		zap.Int64("instance_id", job.InstanceID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	return nil
}

// mergeResults folds a poll outcome over the create outcome, keeping
// credential fields the poll did not repeat.
func mergeResults(created, polled *provider.ProvisioningResult) *provider.ProvisioningResult {
	merged := *polled
	if merged.ProviderID == "" {
		merged.ProviderID = created.ProviderID
	}
	if merged.IPAddress == "" {
		merged.IPAddress = created.IPAddress
	}
	if merged.Username == "" {
		merged.Username = created.Username
	}
	if merged.Password == "" {
		merged.Password = created.Password
	}
	return &merged
}

// enqueueOrphanCleanup schedules deletion of a vendor resource that has no
// usable instance row behind it. Best effort: a lost cleanup job leaks one
// VM until an operator notices.
func (s *Service) enqueueOrphanCleanup(ctx context.Context, providerName, providerID string) {
	job := TerminateJob{
		Provider:   providerName,
		ProviderID: providerID,
		Reason:     "unreachable after provisioning",
	}
	if err := s.enqueue(ctx, jobqueue.TypeTerminate, job, 0, 0); err != nil {
		s.logger.Error("failed to enqueue orphan cleanup",
			zap.String("provider", providerName),
			zap.String("provider_id", providerID),
			zap.Error(err),
		)
	}
}

// RunTerminate executes a termination job. Jobs carrying an instance id go
// through the full lifecycle transition; jobs carrying only a vendor
// resource id are orphan cleanups with no row to update.
func (s *Service) RunTerminate(ctx context.Context, job TerminateJob) error {
	ctx, span := serviceTracer.Start(ctx, "ProvisionService.RunTerminate", trace.WithAttributes(
		attribute.Int64("instance.id", job.InstanceID),
		attribute.String("provider", job.Provider),
	))
	defer span.End()

	if job.InstanceID > 0 {
		err := s.Terminate(ctx, job.InstanceID)
		if appErr := errorbank.From(err); err != nil && appErr.Kind() == errorbank.KindNotFound {
			s.logger.Warn("termination job references missing instance", zap.Int64("instance_id", job.InstanceID))
			return nil
		}
		return err
	}

	client, err := s.router.ForProvider(job.Provider)
	if err != nil {
		span.RecordError(err)
		return err
	}
	accepted, err := client.Delete(ctx, job.ProviderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider error")
		return err
	}
	if accepted {
		s.logger.Info("orphaned resource reclaimed",
			zap.String("provider", job.Provider),
			zap.String("provider_id", job.ProviderID),
			zap.String("reason", job.Reason),
		)
	}
	return nil
}

// Reboot restarts an instance on behalf of its owner.
func (s *Service) Reboot(ctx context.Context, instanceID int64) error {
	ctx, span := serviceTracer.Start(ctx, "ProvisionService.Reboot", trace.WithAttributes(attribute.Int64("instance.id", instanceID)))
	defer span.End()

	inst, client, err := s.lookup(ctx, instanceID)
	if err != nil {
		return err
	}

	accepted, err := client.Reboot(ctx, inst.ProviderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider error")
		return errorbank.Internal("provider rejected reboot", errorbank.WithCause(err))
	}
	if !accepted {
		return errorbank.Internal("provider rejected reboot")
	}
	return nil
}

// Terminate tears an instance down on behalf of its owner. It follows the
// same delete contract and state transition as the expiry sweep, and
// tolerates an already-deleted vendor resource.
func (s *Service) Terminate(ctx context.Context, instanceID int64) error {
	ctx, span := serviceTracer.Start(ctx, "ProvisionService.Terminate", trace.WithAttributes(attribute.Int64("instance.id", instanceID)))
	defer span.End()

	inst, client, err := s.lookup(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status == entity.StatusTerminated {
		return nil
	}

	accepted, err := client.Delete(ctx, inst.ProviderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider error")
		return errorbank.Internal("provider rejected termination", errorbank.WithCause(err))
	}
	if !accepted {
		return errorbank.Internal("provider rejected termination")
	}

	// CAS from whatever status we loaded, not just active: a Linux
	// instance can sit in provisioning for its whole life and must still
	// land in terminated once the vendor resource is gone.
	moved, err := s.instances.UpdateStatusIf(ctx, inst.ID, inst.Status, entity.StatusTerminated)
	if err != nil {
		span.RecordError(err)
		return errorbank.Internal("failed to record termination", errorbank.WithCause(err))
	}
	if !moved {
		s.logger.Warn("instance status changed during termination",
			zap.Int64("instance_id", inst.ID),
			zap.String("loaded_status", string(inst.Status)),
		)
	}

	s.logger.Info("instance terminated", zap.Int64("instance_id", inst.ID), zap.String("provider", inst.Provider))
	return nil
}

// GetInstance loads one instance record.
func (s *Service) GetInstance(ctx context.Context, instanceID int64) (*entity.Instance, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if errors.Is(err, instancerepo.ErrNotFound) {
		return nil, errorbank.NotFound("instance not found")
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load instance", errorbank.WithCause(err))
	}
	return inst, nil
}

// ListInstances returns all instances belonging to a user.
func (s *Service) ListInstances(ctx context.Context, userID int64) ([]entity.Instance, error) {
	instances, err := s.instances.ListByUser(ctx, userID)
	if err != nil {
		return nil, errorbank.Internal("failed to list instances", errorbank.WithCause(err))
	}
	return instances, nil
}

func (s *Service) lookup(ctx context.Context, instanceID int64) (*entity.Instance, provider.Client, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if errors.Is(err, instancerepo.ErrNotFound) {
		return nil, nil, errorbank.NotFound("instance not found")
	}
	if err != nil {
		return nil, nil, errorbank.Internal("failed to load instance", errorbank.WithCause(err))
	}

	client, err := s.router.ForProvider(inst.Provider)
	if err != nil {
		return nil, nil, errorbank.Internal("instance references unknown provider", errorbank.WithCause(err))
	}
	return inst, client, nil
}

// SweepExpired finds active instances past their expiry and reclaims them.
// A failed delete leaves the instance active for the next sweep rather
// than retrying inside this one. Returns the number of instances
// terminated.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := serviceTracer.Start(ctx, "ProvisionService.SweepExpired")
	defer span.End()

	expired, err := s.instances.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	s.logger.Info("expiry sweep found instances", zap.Int("count", len(expired)))

	terminated := 0
	for _, inst := range expired {
		client, err := s.router.ForProvider(inst.Provider)
		if err != nil {
			s.logger.Error("expired instance references unknown provider",
				zap.Int64("instance_id", inst.ID),
				zap.String("provider", inst.Provider),
			)
			continue
		}

		accepted, err := client.Delete(ctx, inst.ProviderID)
		if err != nil || !accepted {
			s.logger.Error("failed to delete expired instance; will retry next sweep",
				zap.Int64("instance_id", inst.ID),
				zap.String("provider", inst.Provider),
				zap.Error(err),
			)
			continue
		}

		moved, err := s.instances.UpdateStatusIf(ctx, inst.ID, entity.StatusActive, entity.StatusTerminated)
		if err != nil {
			s.logger.Error("failed to mark expired instance terminated", zap.Int64("instance_id", inst.ID), zap.Error(err))
			continue
		}
		if moved {
			terminated++
			s.logger.Info("expired instance terminated", zap.Int64("instance_id", inst.ID))
		}
	}

	return terminated, nil
}
