package instance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nemordp/nemordp/internal/database"
	"github.com/nemordp/nemordp/internal/entity"
)

var repoTracer = otel.Tracer("github.com/nemordp/nemordp/repository/instance")

// ErrNotFound is returned when an instance is missing.
var ErrNotFound = errors.New("instance not found")

// Repository encapsulates read/write access for instance records. All
// writes that transition lifecycle state are conditional on the current
// status so that concurrent job runs can never clobber each other.
type Repository struct {
	conns *database.Connections
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{conns: conns}
}

// CreateIfAbsent inserts the instance unless a row with the same
// provider_id already exists. It reports whether the row was inserted;
// false means a duplicate of the same order was already accepted. The
// instance id is populated on insert.
func (r *Repository) CreateIfAbsent(ctx context.Context, inst *entity.Instance) (bool, error) {
	if inst == nil {
		return false, errors.New("nil instance")
	}
	ctx, span := repoTracer.Start(ctx, "InstanceRepository.CreateIfAbsent", trace.WithAttributes(attribute.String("instance.provider_id", inst.ProviderID)))
	defer span.End()

	res, err := r.conns.Writer.NewInsert().Model(inst).
		On("CONFLICT (provider_id) DO NOTHING").
		Returning("id").
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetByID fetches an instance by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Instance, error) {
	ctx, span := repoTracer.Start(ctx, "InstanceRepository.GetByID", trace.WithAttributes(attribute.Int64("instance.id", id)))
	defer span.End()

	inst := new(entity.Instance)
	err := r.conns.Reader.NewSelect().Model(inst).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return inst, nil
}

// ListByUser returns all instances owned by a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64) ([]entity.Instance, error) {
	ctx, span := repoTracer.Start(ctx, "InstanceRepository.ListByUser", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	var instances []entity.Instance
	err := r.conns.Reader.NewSelect().Model(&instances).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return instances, nil
}

// Finalize atomically writes the provisioning outcome onto the row:
// provider id, address, credentials, status, and optional expiry. Readers
// never observe partial credential fields.
func (r *Repository) Finalize(ctx context.Context, id int64, providerID, ip, username, password string, status entity.InstanceStatus, expiresAt *time.Time) error {
	ctx, span := repoTracer.Start(ctx, "InstanceRepository.Finalize", trace.WithAttributes(
		attribute.Int64("instance.id", id),
		attribute.String("instance.status", string(status)),
	))
	defer span.End()

	_, err := r.conns.Writer.NewUpdate().Model((*entity.Instance)(nil)).
		Set("provider_id = ?", providerID).
		Set("ip_address = ?", ip).
		Set("username = ?", username).
		Set("password = ?", password).
		Set("status = ?", status).
		Set("expires_at = ?", expiresAt).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// UpdateStatusIf performs a compare-and-set transition from one lifecycle
// status to another. It reports whether the row actually moved; false means
// another writer got there first.
func (r *Repository) UpdateStatusIf(ctx context.Context, id int64, from, to entity.InstanceStatus) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "InstanceRepository.UpdateStatusIf", trace.WithAttributes(
		attribute.Int64("instance.id", id),
		attribute.String("instance.from", string(from)),
		attribute.String("instance.to", string(to)),
	))
	defer span.End()

	res, err := r.conns.Writer.NewUpdate().Model((*entity.Instance)(nil)).
		Set("status = ?", to).
		Where("id = ? AND status = ?", id, from).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListExpired returns active instances whose expiry has passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]entity.Instance, error) {
	ctx, span := repoTracer.Start(ctx, "InstanceRepository.ListExpired")
	defer span.End()

	var instances []entity.Instance
	err := r.conns.Reader.NewSelect().Model(&instances).
		Where("status = ?", entity.StatusActive).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return instances, nil
}
