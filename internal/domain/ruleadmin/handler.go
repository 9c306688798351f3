package ruleadmin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/auth"
	"github.com/mentalspace/ehr-billing/internal/platform/validate"
	"github.com/mentalspace/ehr-billing/pkg/pagination"
)

type RuleFinder interface {
	Resolve(ctx context.Context, q payer.MatchQuery) (payer.Resolution, error)
}

type Handler struct {
	svc     *payer.Service
	matcher RuleFinder
	sim     *Simulator
}

func NewHandler(svc *payer.Service, matcher RuleFinder, sim *Simulator) *Handler {
	return &Handler{svc: svc, matcher: matcher, sim: sim}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	read.GET("/payers", h.ListPayers)
	read.GET("/payers/:id", h.GetPayer)
	read.GET("/payer-rules", h.ListRules)
	read.GET("/payer-rules/match", h.MatchRule)
	read.GET("/payer-rules/:id", h.GetRule)
	read.GET("/payer-rules/:id/history", h.RuleHistory)
	read.POST("/payer-rules/:id/test", h.TestRule)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/payers", h.CreatePayer)
	write.PUT("/payers/:id", h.UpdatePayer)
	write.DELETE("/payers/:id", h.DeactivatePayer)
	write.POST("/payer-rules", h.CreateRule)
	write.POST("/payer-rules/bulk-import", h.BulkImport)
	write.PUT("/payer-rules/:id", h.UpdateRule)
	write.DELETE("/payer-rules/:id", h.SoftDeleteRule)
}

// -- Payers --

func (h *Handler) ListPayers(c echo.Context) error {
	var f payer.PayerFilter
	var err error
	if f.IsActive, err = boolParam(c, "is_active"); err != nil {
		return err
	}
	if v := c.QueryParam("payer_type"); v != "" {
		t := payer.PayerType(v)
		f.PayerType = &t
	}
	items, err := h.svc.ListPayers(c.Request().Context(), f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return listResponse(c, items)
}

func (h *Handler) GetPayer(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayer(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePayer(c echo.Context) error {
	var in payer.PayerInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.CreatePayer(ctx, in, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdatePayer(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var patch payer.PayerPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.UpdatePayer(ctx, id, patch, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// DeactivatePayer never hard-deletes; the payer and its rules go inactive.
func (h *Handler) DeactivatePayer(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.DeactivatePayer(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Rules --

func (h *Handler) ListRules(c echo.Context) error {
	var f payer.RuleFilter
	if v := c.QueryParam("payer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid payer_id")
		}
		f.PayerID = &id
	}
	if v := c.QueryParam("clinician_credential"); v != "" {
		cred := payer.Credential(v)
		f.Credential = &cred
	}
	if v := c.QueryParam("service_type"); v != "" {
		st := payer.ServiceType(v)
		f.ServiceType = &st
	}
	if v := c.QueryParam("place_of_service"); v != "" {
		pos := payer.PlaceOfService(v)
		f.PlaceOfService = &pos
	}
	var err error
	if f.IsActive, err = boolParam(c, "is_active"); err != nil {
		return err
	}
	if f.IsProhibited, err = boolParam(c, "is_prohibited"); err != nil {
		return err
	}
	items, err := h.svc.ListRules(c.Request().Context(), f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return listResponse(c, items)
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRuleByID(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) RuleHistory(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.RuleHistory(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if entries == nil {
		entries = []*payer.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var in payer.RuleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	r, err := h.svc.CreateRule(ctx, in, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var patch payer.RulePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	r, err := h.svc.UpdateRule(ctx, id, patch, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) SoftDeleteRule(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := h.svc.SoftDeleteRule(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type bulkImportRequest struct {
	Rows []payer.RuleInput `json:"rows"`
}

// BulkImport answers 200 even when rows fail; per-row errors are in the body.
func (h *Handler) BulkImport(c echo.Context) error {
	var req bulkImportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows must not be empty")
	}
	ctx := c.Request().Context()
	res, err := h.svc.BulkImportRules(ctx, req.Rows, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// MatchRule answers 404 when no rule applies, which callers treat as
// default-allow.
func (h *Handler) MatchRule(c echo.Context) error {
	payerID, err := uuid.Parse(c.QueryParam("payer_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "payer_id must be a UUID")
	}
	q := payer.MatchQuery{
		PayerID: payerID,
		Tuple: payer.Tuple{
			Credential:     payer.Credential(c.QueryParam("clinician_credential")),
			ServiceType:    payer.ServiceType(c.QueryParam("service_type")),
			PlaceOfService: payer.PlaceOfService(c.QueryParam("place_of_service")),
		},
	}
	if v := c.QueryParam("as_of"); v != "" {
		if q.AsOf, err = time.Parse(validate.DateLayout, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be a date in YYYY-MM-DD format")
		}
	}
	res, err := h.matcher.Resolve(c.Request().Context(), q)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if res.Rule == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no applicable rule")
	}
	if len(res.Ambiguous) > 0 {
		c.Response().Header().Set("X-Rule-Ambiguous", strconv.Itoa(len(res.Ambiguous)+1))
	}
	return c.JSON(http.StatusOK, res.Rule)
}

type testRuleRequest struct {
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

func (h *Handler) TestRule(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req testRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.StartDate == nil {
		req.StartDate = queryPtr(c, "start_date")
	}
	if req.EndDate == nil {
		req.EndDate = queryPtr(c, "end_date")
	}
	start, err := dateParam("start_date", req.StartDate)
	if err != nil {
		return err
	}
	end, err := dateParam("end_date", req.EndDate)
	if err != nil {
		return err
	}
	res, err := h.sim.TestRuleAgainstNotes(c.Request().Context(), id, start, end)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- helpers --

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func boolParam(c echo.Context, name string) (*bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be true or false")
	}
	return &b, nil
}

func queryPtr(c echo.Context, name string) *string {
	if v := c.QueryParam(name); v != "" {
		return &v
	}
	return nil
}

func dateParam(name string, v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := time.Parse(validate.DateLayout, *v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be a date in YYYY-MM-DD format")
	}
	return &t, nil
}

func listResponse[T any](c echo.Context, items []T) error {
	pg := pagination.FromContext(c)
	page := pagination.Page(items, pg)
	resp := pagination.NewResponse(page, len(items), pg.Limit, pg.Offset).WithNext(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}
