package repos

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/coverforge/coverforge/pkg/apperror"
)

// Handler handles HTTP requests for tracked repositories
type Handler struct {
	svc *Service
}

// NewHandler creates a new tracked repositories handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List handles GET /repos
func (h *Handler) List(c echo.Context) error {
	repositories, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, repositories)
}

// Create handles POST /repos
func (h *Handler) Create(c echo.Context) error {
	var req CreateRepoRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	repo, err := h.svc.Register(c.Request().Context(), req.RepositoryURL)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, repo)
}

// TriggerScan handles POST /repos/:id/scan
func (h *Handler) TriggerScan(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid repository ID")
	}

	if err := h.svc.TriggerScan(c.Request().Context(), id); err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, ScanQueuedResponse{
		Queued: true,
		RepoID: id,
	})
}
