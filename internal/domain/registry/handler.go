package registry

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cinebaby/cinebaby/internal/platform/auth"
	"github.com/cinebaby/cinebaby/internal/platform/blobstore"
	"github.com/cinebaby/cinebaby/pkg/pagination"
)

// Handler exposes the authenticated portal API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *echo.Group) {
	admin := auth.RequireRole(auth.RoleAdmin)

	g.POST("/clinics", h.createClinic, admin)
	g.GET("/clinics", h.listClinics, admin)
	g.GET("/clinics/:id", h.getClinic)
	g.PUT("/clinics/:id", h.updateClinic, admin)
	g.DELETE("/clinics/:id", h.deleteClinic, admin)
	g.GET("/clinics/:id/stats", h.clinicStats)
	g.GET("/clinics/:id/patients", h.listPatients)
	g.POST("/clinics/:id/patients", h.createPatient)

	g.GET("/patients/:id", h.getPatient)
	g.PUT("/patients/:id", h.updatePatient)
	g.DELETE("/patients/:id", h.deletePatient)
	g.POST("/patients/:id/link", h.generateLink)
	g.GET("/patients/:id/videos", h.listVideos)
	g.POST("/patients/:id/videos", h.uploadVideo)

	g.GET("/videos/:id", h.getVideo)
	g.GET("/videos/:id/media", h.streamVideo)
	g.DELETE("/videos/:id", h.deleteVideo)
}

func session(c echo.Context) auth.Session {
	sess, _ := auth.SessionFromContext(c)
	return sess
}

// errStatus maps the package taxonomy onto HTTP statuses.
func errStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrValidation),
		errors.Is(err, blobstore.ErrInvalidContentType), errors.Is(err, blobstore.ErrMissingFileName):
		return http.StatusBadRequest
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrParentNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, blobstore.ErrBlobReleased):
		return http.StatusGone
	case errors.Is(err, ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, ErrPartialDeletion):
		return http.StatusConflict
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	return c.JSON(errStatus(err), map[string]string{"error": err.Error()})
}

type clinicRequest struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	LoginEmail string `json:"login_email"`
	Secret     string `json:"secret"`
}

func (h *Handler) createClinic(c echo.Context) error {
	var req clinicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	clinic, err := h.svc.CreateClinic(c.Request().Context(), session(c), req.Name, req.Address, req.City, req.LoginEmail, req.Secret)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, clinic)
}

func (h *Handler) listClinics(c echo.Context) error {
	clinics, err := h.svc.ListClinics(c.Request().Context(), session(c))
	if err != nil {
		return fail(c, err)
	}
	p := pagination.FromContext(c)
	start, end := p.Window(len(clinics))
	return c.JSON(http.StatusOK, pagination.NewResponse(clinics[start:end], len(clinics), p.Limit, p.Offset))
}

func (h *Handler) getClinic(c echo.Context) error {
	clinic, err := h.svc.GetClinic(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, clinic)
}

func (h *Handler) updateClinic(c echo.Context) error {
	var req clinicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	clinic, err := h.svc.UpdateClinic(c.Request().Context(), session(c), c.Param("id"), req.Name, req.Address, req.City, req.LoginEmail, req.Secret)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, clinic)
}

func (h *Handler) deleteClinic(c echo.Context) error {
	if err := h.svc.DeleteClinic(c.Request().Context(), session(c), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) clinicStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

type patientRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (h *Handler) createPatient(c echo.Context) error {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), session(c), c.Param("id"), req.Name, req.Phone)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) listPatients(c echo.Context) error {
	ctx := c.Request().Context()
	sess := session(c)
	clinicID := c.Param("id")

	var (
		patients []*Patient
		err      error
	)
	if q := c.QueryParam("q"); q != "" {
		patients, err = h.svc.SearchPatients(ctx, sess, clinicID, q)
	} else {
		patients, err = h.svc.ListPatients(ctx, sess, clinicID)
	}
	if err != nil {
		return fail(c, err)
	}
	p := pagination.FromContext(c)
	start, end := p.Window(len(patients))
	return c.JSON(http.StatusOK, pagination.NewResponse(patients[start:end], len(patients), p.Limit, p.Offset))
}

func (h *Handler) getPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) updatePatient(c echo.Context) error {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), session(c), c.Param("id"), req.Name, req.Phone)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) deletePatient(c echo.Context) error {
	if err := h.svc.DeletePatient(c.Request().Context(), session(c), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) generateLink(c echo.Context) error {
	link, qrURL, err := h.svc.GeneratePublicLink(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"public_link": link, "qr_url": qrURL})
}

func (h *Handler) listVideos(c echo.Context) error {
	videos, err := h.svc.ListVideos(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	p := pagination.FromContext(c)
	start, end := p.Window(len(videos))
	return c.JSON(http.StatusOK, pagination.NewResponse(videos[start:end], len(videos), p.Limit, p.Offset))
}

func (h *Handler) uploadVideo(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer src.Close()

	contentType := file.Header.Get("Content-Type")
	v, err := h.svc.UploadVideo(c.Request().Context(), session(c), c.Param("id"), file.Filename, contentType, src)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) getVideo(c echo.Context) error {
	v, err := h.svc.GetVideo(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) streamVideo(c echo.Context) error {
	rc, v, err := h.svc.OpenVideo(c.Request().Context(), session(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, v.ContentType, rc)
}

func (h *Handler) deleteVideo(c echo.Context) error {
	if err := h.svc.DeleteVideo(c.Request().Context(), session(c), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
