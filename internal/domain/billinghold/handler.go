package billinghold

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/auth"
	"github.com/mentalspace/ehr-billing/internal/platform/validate"
	"github.com/mentalspace/ehr-billing/pkg/pagination"
)

type Handler struct {
	mgr *Manager
	v   *validate.Validator
}

func NewHandler(mgr *Manager) *Handler {
	v := validate.New()
	v.RegisterEnum("hold_reason", func(s string) bool { return Reason(s).Valid() })
	return &Handler{mgr: mgr, v: v}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	read.GET("/billing-holds", h.ListActive)
	read.GET("/billing-holds/stats", h.Stats)
	read.GET("/clinical-notes/:id/billing-holds", h.ListForNote)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	write.POST("/billing-holds", h.Create)

	resolve := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling, auth.RoleSupervisor))
	resolve.POST("/billing-holds/:id/resolve", h.Resolve)
}

func (h *Handler) ListActive(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("clinical_note_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid clinical_note_id")
		}
		f.ClinicalNoteID = &id
	}
	if v := c.QueryParam("reason"); v != "" {
		r := Reason(v)
		f.Reason = &r
	}
	items, total, err := h.mgr.ListActiveHolds(c.Request().Context(), f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Hold{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

type statsResponse struct {
	Total    int            `json:"total"`
	ByReason map[Reason]int `json:"by_reason"`
}

func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	total, err := h.mgr.CountActiveHolds(ctx)
	if err != nil {
		return apperr.HTTPError(err)
	}
	byReason, err := h.mgr.GroupActiveByReason(ctx)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, statsResponse{Total: total, ByReason: byReason})
}

func (h *Handler) ListForNote(c echo.Context) error {
	noteID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	includeResolved := c.QueryParam("include_resolved") == "true"
	items, err := h.mgr.ListHoldsForNote(c.Request().Context(), noteID, includeResolved)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Hold{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Create(c echo.Context) error {
	var in ManualHoldInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.v.Struct(in); err != nil {
		return apperr.HTTPError(err)
	}
	ctx := c.Request().Context()
	hold, err := h.mgr.CreateManualHold(ctx, uuid.MustParse(in.ClinicalNoteID), Reason(in.Reason), in.ReasonDetail, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, hold)
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	hold, err := h.mgr.ResolveHold(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hold)
}
