package syncrun

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr2crm/pkg/pagination"
)

// Launcher starts a pipeline run in the background and returns it as soon
// as it is recorded.
type Launcher interface {
	Launch(ctx context.Context, dryRun bool) (*Run, error)
}

type Handler struct {
	svc      *Service
	launcher Launcher
}

func NewHandler(svc *Service, launcher Launcher) *Handler {
	return &Handler{svc: svc, launcher: launcher}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/runs", h.StartRun)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
}

type startRequest struct {
	DryRun bool `json:"dry_run"`
}

func (h *Handler) StartRun(c echo.Context) error {
	var req startRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if c.QueryParam("dry_run") == "true" {
		req.DryRun = true
	}

	run, err := h.launcher.Launch(c.Request().Context(), req.DryRun)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"id":     run.ID,
		"status": run.Status,
	})
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Run{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}
