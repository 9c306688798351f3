package readiness

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/auth"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	g.GET("/clinical-notes/:id/billing-readiness", h.CheckReadiness)
	g.POST("/clinical-notes/:id/billing-readiness", h.ReconcileReadiness)
}

// CheckReadiness is a dry run: it reports stored and would-be holds without
// writing anything.
func (h *Handler) CheckReadiness(c echo.Context) error {
	if v := c.QueryParam("create_holds"); v != "" {
		createHolds, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "create_holds must be true or false")
		}
		if createHolds {
			return echo.NewHTTPError(http.StatusBadRequest, "use POST to persist billing holds")
		}
	}
	return h.check(c, Options{})
}

// ReconcileReadiness creates holds for failing conditions and resolves holds
// whose condition has cleared.
func (h *Handler) ReconcileReadiness(c echo.Context) error {
	return h.check(c, Options{CreateHolds: true})
}

func (h *Handler) check(c echo.Context, opts Options) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	result, err := h.orch.CheckReadiness(c.Request().Context(), id, opts)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}
