package consultation

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient, auth.RoleAssistant, auth.RoleAdmin))
	read.GET("/consultations", h.ListConsultations)
	read.GET("/consultations/:id", h.GetConsultation)
	read.GET("/consultations/:id/participants", h.GetParticipants)
	read.GET("/consultations/:id/messages", h.ListMessages)
	read.GET("/consultations/:id/issues", h.ListIssues)
	read.GET("/consultations/stats", h.GetStats)

	// Lifecycle control: only clinical staff creates and drives consultations.
	control := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	control.POST("/consultations", h.CreateConsultation)
	control.POST("/consultations/:id/start", h.StartConsultation)
	control.POST("/consultations/:id/end", h.EndConsultation)
	control.POST("/consultations/:id/cancel", h.CancelConsultation)
	control.POST("/consultations/:id/no-show", h.MarkNoShow)

	write := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient, auth.RoleAssistant, auth.RoleAdmin))
	write.POST("/consultations/:id/messages", h.PostMessage)
	write.POST("/consultations/:id/issues", h.ReportIssue)

	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAssistant, auth.RoleAdmin))
	staff.POST("/issues/:id/resolve", h.ResolveIssue)
}

func (h *Handler) CreateConsultation(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	consult, info, err := h.svc.CreateConsultation(c.Request().Context(), in)
	if err != nil {
		if errors.Is(err, ErrBookingActive) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"consultation": consult,
		"meeting":      info,
	})
}

func (h *Handler) GetConsultation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	consult, err := h.svc.GetConsultation(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	}
	if err := h.authorizeAccess(c, consult); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, consult)
}

func (h *Handler) ListConsultations(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, key := range []string{"doctor", "patient", "status", "provider"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}

	// Non-admin callers see only their own consultations.
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, auth.RoleAdmin) {
		uid := auth.UserIDFromContext(ctx)
		if auth.HasRole(ctx, auth.RoleDoctor) || auth.HasRole(ctx, auth.RoleAssistant) {
			params["doctor"] = uid
		} else {
			params["patient"] = uid
		}
	}

	items, total, err := h.svc.Search(ctx, params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type transitionResponse struct {
	Consultation *Consultation `json:"consultation"`
	Changed      bool          `json:"changed"`
	Result       string        `json:"result"`
}

func transitionResult(consult *Consultation, changed bool) transitionResponse {
	result := "applied"
	if !changed {
		result = "not_applicable"
	}
	return transitionResponse{Consultation: consult, Changed: changed, Result: result}
}

func (h *Handler) StartConsultation(c echo.Context) error {
	return h.transition(c, h.svc.StartConsultation)
}

func (h *Handler) CancelConsultation(c echo.Context) error {
	return h.transition(c, h.svc.CancelConsultation)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.transition(c, h.svc.MarkNoShow)
}

func (h *Handler) transition(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*Consultation, bool, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	consult, changed, err := fn(c.Request().Context(), id)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, transitionResult(consult, changed))
}

func (h *Handler) EndConsultation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Notes *string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	consult, changed, err := h.svc.EndConsultation(c.Request().Context(), id, body.Notes)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, transitionResult(consult, changed))
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	case errors.Is(err, ErrOutOfWindow), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetParticipants(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.Participants(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) PostMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var m Message
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	m.ConsultationID = id
	if uid, err := uuid.Parse(auth.UserIDFromContext(ctx)); err == nil {
		m.SenderID = uid
	}
	m.SenderName = auth.UserNameFromContext(ctx)
	if m.Private && !auth.HasRole(ctx, auth.RoleDoctor) && !auth.HasRole(ctx, auth.RoleAssistant) {
		return echo.NewHTTPError(http.StatusForbidden, "private messages are restricted to clinical staff")
	}
	if err := h.svc.PostMessage(ctx, &m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	items, err := h.svc.RecentMessages(ctx, id, 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Private messages are visible to clinical staff only.
	if !auth.HasRole(ctx, auth.RoleDoctor) && !auth.HasRole(ctx, auth.RoleAssistant) {
		visible := items[:0]
		for _, m := range items {
			if !m.Private {
				visible = append(visible, m)
			}
		}
		items = visible
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ReportIssue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var ti TechnicalIssue
	if err := c.Bind(&ti); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ti.ConsultationID = id
	if uid, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
		ti.ReporterID = uid
	}
	if err := h.svc.ReportIssue(c.Request().Context(), &ti); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ti)
}

func (h *Handler) ListIssues(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListIssues(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ResolveIssue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ResolveIssue(c.Request().Context(), id, body.Notes); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "issue not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()

	if doctorID := c.QueryParam("doctor_id"); doctorID != "" {
		id, err := uuid.Parse(doctorID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		stats, err := h.svc.StatsForDoctor(ctx, id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, stats)
	}
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		id, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		stats, err := h.svc.StatsForPatient(ctx, id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, stats)
	}

	// Default to the caller's own scope.
	uid, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id or patient_id is required")
	}
	var stats *Stats
	if auth.HasRole(ctx, auth.RoleDoctor) {
		stats, err = h.svc.StatsForDoctor(ctx, uid)
	} else {
		stats, err = h.svc.StatsForPatient(ctx, uid)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// authorizeAccess restricts a consultation read to its doctor, its patient,
// or an administrator.
func (h *Handler) authorizeAccess(c echo.Context, consult *Consultation) error {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RoleAdmin) {
		return nil
	}
	uid, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	if consult.DoctorID != uid && consult.PatientID != uid {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return nil
}
