package publiclink

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves the unauthenticated endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the public routes. The group carries no auth middleware.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/patients/:id", h.patientPage)
	g.GET("/videos/:id", h.videoMedia)
}

func (h *Handler) patientPage(c echo.Context) error {
	page, err := h.svc.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotResolvable) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable")
	}
	// Public pages are personal-but-shareable; keep intermediaries from
	// caching them.
	c.Response().Header().Set("Cache-Control", "private, max-age=60")
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) videoMedia(c echo.Context) error {
	rc, v, err := h.svc.OpenVideo(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotResolvable) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable")
	}
	defer rc.Close()

	contentType := v.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=300")
	return c.Stream(http.StatusOK, contentType, rc)
}
