package instance

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nemordp/nemordp/internal/entity"
	"github.com/nemordp/nemordp/internal/presentation/http/response"
	"github.com/nemordp/nemordp/internal/service/provision"
	"github.com/nemordp/nemordp/pkg/errorbank"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var httpTracer = otel.Tracer("github.com/nemordp/nemordp/transport/http/instance")

// Handler exposes instance lifecycle endpoints over HTTP.
type Handler struct {
	svc *provision.Service
}

// NewHandler constructs an instance Handler.
func NewHandler(svc *provision.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/instances")
	g.GET("", h.list)
	g.GET("/:id", h.getByID)
	g.POST("/:id/reboot", h.reboot)
	g.DELETE("/:id", h.terminate)
}

// InstanceResponse is the wire shape for an instance. Passwords are only
// ever delivered through the credentials notification, never over this
// API.
type InstanceResponse struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Provider  string     `json:"provider"`
	OSFamily  string     `json:"os_family"`
	Plan      string     `json:"plan"`
	IPAddress string     `json:"ip_address"`
	Username  string     `json:"username"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) list(c echo.Context) error {
	b := response.New(c)

	userID, err := strconv.ParseInt(c.QueryParam("user_id"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid user_id", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "instances.list", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	instances, err := h.svc.ListInstances(ctx, userID)
	if err != nil {
		return b.WithError(err).Build()
	}

	out := make([]InstanceResponse, 0, len(instances))
	for i := range instances {
		out = append(out, toDTO(&instances[i]))
	}

	return b.WithData(out).WithMeta("count", len(out)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "instances.getByID", trace.WithAttributes(attribute.Int64("instance.id", id)))
	defer span.End()

	inst, err := h.svc.GetInstance(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(toDTO(inst)).Build()
}

func (h *Handler) reboot(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "instances.reboot", trace.WithAttributes(attribute.Int64("instance.id", id)))
	defer span.End()

	if err := h.svc.Reboot(ctx, id); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(map[string]any{"id": id, "rebooting": true}).Build()
}

func (h *Handler) terminate(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "instances.terminate", trace.WithAttributes(attribute.Int64("instance.id", id)))
	defer span.End()

	if err := h.svc.Terminate(ctx, id); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(map[string]any{"id": id, "terminated": true}).Build()
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errorbank.BadRequest("invalid id", errorbank.WithCause(err))
	}
	return id, nil
}

func toDTO(inst *entity.Instance) InstanceResponse {
	return InstanceResponse{
		ID:        inst.ID,
		UserID:    inst.UserID,
		Provider:  inst.Provider,
		OSFamily:  string(inst.OSFamily),
		Plan:      inst.Plan,
		IPAddress: inst.IPAddress,
		Username:  inst.Username,
		Status:    string(inst.Status),
		CreatedAt: inst.CreatedAt,
		ExpiresAt: inst.ExpiresAt,
	}
}
