package improvejobs

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/coverforge/coverforge/pkg/apperror"
)

// Handler handles HTTP requests for improvement jobs
type Handler struct {
	svc *Service
}

// NewHandler creates a new improvement jobs handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /jobs
func (h *Handler) Create(c echo.Context) error {
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	job, err := h.svc.Create(c.Request().Context(), req.RepositoryURL, req.FilePath)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, job)
}

// List handles GET /jobs
func (h *Handler) List(c echo.Context) error {
	jobs, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

// Get handles GET /jobs/:id
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid job ID")
	}

	job, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, job)
}
