package recording

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/provider"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient, auth.RoleAdmin))
	read.GET("/consultations/:id/recordings", h.ListRecordings)
	read.POST("/recordings/:id/access-url", h.IssueAccessURL)

	control := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	control.POST("/consultations/:id/recordings/start", h.StartRecording)
	control.POST("/consultations/:id/recordings/stop", h.StopRecording)
	control.DELETE("/recordings/:id", h.DeleteRecording)
}

// RegisterPublicRoutes mounts token redemption outside the JWT middleware:
// the signed URL is the credential, so the minted link works without a
// bearer token.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.GET("/recordings/access", h.RedeemAccess)
}

func actorFromContext(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	uid, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusForbidden, "unknown caller identity")
	}
	return Actor{UserID: uid, Admin: auth.HasRole(ctx, auth.RoleAdmin)}, nil
}

func (h *Handler) ListRecordings(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, aerr := actorFromContext(c)
	if aerr != nil {
		return aerr
	}
	items, err := h.svc.ListByConsultation(c.Request().Context(), actor, id)
	if err != nil {
		return recordingError(err)
	}
	_, events, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		return recordingError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"recordings":    items,
		"recent_events": events,
	})
}

func (h *Handler) StartRecording(c echo.Context) error {
	return h.controlRecording(c, h.svc.Start)
}

func (h *Handler) StopRecording(c echo.Context) error {
	return h.controlRecording(c, h.svc.Stop)
}

func (h *Handler) controlRecording(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (provider.RecordingAction, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	action, err := fn(c.Request().Context(), id)
	if err != nil {
		return recordingError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"result": string(action)})
}

func (h *Handler) IssueAccessURL(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, aerr := actorFromContext(c)
	if aerr != nil {
		return aerr
	}
	var body struct {
		TTLMinutes int `json:"ttl_minutes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	url, expiry, err := h.svc.IssueAccessURL(c.Request().Context(), actor, id,
		time.Duration(body.TTLMinutes)*time.Minute)
	if err != nil {
		return recordingError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"url":        url,
		"expires_at": expiry,
	})
}

func (h *Handler) RedeemAccess(c echo.Context) error {
	tokenStr := c.QueryParam("token")
	if tokenStr == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	rec, err := h.svc.RedeemAccessToken(c.Request().Context(), tokenStr)
	if err != nil {
		return recordingError(err)
	}
	return c.Redirect(http.StatusTemporaryRedirect, rec.StorageURL)
}

func (h *Handler) DeleteRecording(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, aerr := actorFromContext(c)
	if aerr != nil {
		return aerr
	}
	if err := h.svc.Delete(c.Request().Context(), actor, id); err != nil {
		return recordingError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func recordingError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "recording not found")
	case errors.Is(err, consultation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	case errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrTokenInvalid):
		return echo.NewHTTPError(http.StatusUnauthorized, "access token is invalid or expired")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
