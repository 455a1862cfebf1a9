package registry

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fnf-ea/mcp-orch/pkg/apperror"
)

// Handler handles HTTP requests for the server registry.
type Handler struct {
	svc *Service
}

// NewHandler creates a new registry handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ListServers handles GET /projects/:projectId/servers
func (h *Handler) ListServers(c echo.Context) error {
	projectID := c.Param("projectId")
	servers, err := h.svc.List(c.Request().Context(), projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, servers)
}

// CreateServer handles POST /projects/:projectId/servers
func (h *Handler) CreateServer(c echo.Context) error {
	projectID := c.Param("projectId")

	dto := new(CreateServerDTO)
	if err := c.Bind(dto); err != nil {
		return apperror.ErrBadRequest.WithInternal(err)
	}
	if dto.Name == "" {
		return apperror.ErrBadRequest.WithMessage("name is required")
	}

	server, err := h.svc.Create(c.Request().Context(), projectID, dto)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, server)
}

// GetServer handles GET /projects/:projectId/servers/:ref
func (h *Handler) GetServer(c echo.Context) error {
	projectID := c.Param("projectId")
	ref := c.Param("ref")

	spec, err := h.svc.Get(c.Request().Context(), projectID, ref)
	if err != nil {
		return err
	}

	// The decrypted Spec stays inside the gateway. Return the row with
	// ciphertext fields already excluded from its JSON shape.
	server, err := h.svc.repo.FindByID(c.Request().Context(), projectID, spec.ID)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return apperror.ErrServerNotFound
	}
	return c.JSON(http.StatusOK, server)
}

// UpdateServer handles PATCH /projects/:projectId/servers/:id
func (h *Handler) UpdateServer(c echo.Context) error {
	projectID := c.Param("projectId")
	id := c.Param("ref")

	dto := new(UpdateServerDTO)
	if err := c.Bind(dto); err != nil {
		return apperror.ErrBadRequest.WithInternal(err)
	}

	server, err := h.svc.Update(c.Request().Context(), projectID, id, dto)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, server)
}

// DeleteServer handles DELETE /projects/:projectId/servers/:id
func (h *Handler) DeleteServer(c echo.Context) error {
	projectID := c.Param("projectId")
	id := c.Param("ref")

	if err := h.svc.Delete(c.Request().Context(), projectID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// InspectServer handles GET /projects/:projectId/servers/:ref/status
func (h *Handler) InspectServer(c echo.Context) error {
	projectID := c.Param("projectId")
	ref := c.Param("ref")

	dto, err := h.svc.Inspect(c.Request().Context(), projectID, ref)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dto)
}
