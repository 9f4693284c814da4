package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"folio/media/internal/apperr"
	"folio/media/internal/catalog"
	"folio/media/internal/config"
	"folio/media/internal/jobs"
	"folio/media/internal/optimize"
	"folio/media/internal/service"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Catalog   *catalog.Catalog
	Uploads   *service.UploadService
	Scheduler *optimize.Scheduler
	// Maintenance receives sweep and purge requests from the admin routes.
	Maintenance jobs.Sink
	Checks      map[string]HealthCheck
}

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	catalog     *catalog.Catalog
	uploads     *service.UploadService
	scheduler   *optimize.Scheduler
	maintenance jobs.Sink
	checks      map[string]HealthCheck
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, deps Deps) HandlerSet {
	return HandlerSet{
		log:         log.With().Str("component", "http").Logger(),
		cfg:         cfg,
		catalog:     deps.Catalog,
		uploads:     deps.Uploads,
		scheduler:   deps.Scheduler,
		maintenance: deps.Maintenance,
		checks:      deps.Checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")

	media := v1.Group("/media")
	media.POST("", h.UploadMedia)
	media.GET("", h.ListMedia)
	media.GET("/unoptimized", h.ListUnoptimized)
	media.GET("/:id", h.GetMedia)
	media.PATCH("/:id", h.UpdateMedia)
	media.POST("/:id/views", h.RecordView)
	media.DELETE("/:id", h.DeleteMedia)
	media.DELETE("/:id/variants/:label/:format", h.RemoveVariant)

	media.POST("/optimize", h.SubmitOptimization)
	media.POST("/optimize/all", h.OptimizeAll)
	media.GET("/optimize/:jobId", h.OptimizationStatus)

	admin := v1.Group("/admin")
	admin.POST("/sweep", h.AdminSweep)
	admin.POST("/purge", h.AdminPurge)
	if h.cfg.Queue.Mode != "stream" {
		admin.POST("/recover", h.AdminRecover)
	}
}

// respondError maps an error kind onto an HTTP status.
func (h HandlerSet) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.Kind(err) {
	case apperr.ErrInvalidArgument, apperr.ErrUnsupportedFormat, apperr.ErrOutOfBounds:
		status = http.StatusBadRequest
	case apperr.ErrNotFound:
		status = http.StatusNotFound
	case apperr.ErrAlreadyOptimizing, apperr.ErrDuplicateVariant, apperr.ErrInvalidState:
		status = http.StatusConflict
	case apperr.ErrUnsupportedSource:
		status = http.StatusUnprocessableEntity
	case apperr.ErrBlobWriteFailed, apperr.ErrBlobReadFailed:
		status = http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) {
		status = 499
	}

	event := h.log.Warn()
	if status >= 500 {
		event = h.log.Error()
	}
	event.Err(err).Str("path", c.FullPath()).Int("status", status).Msg("request failed")

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}

type pageParams struct {
	page    int
	perPage int
}

func (p pageParams) offset() int { return (p.page - 1) * p.perPage }

func parsePage(c *gin.Context) pageParams {
	p := pageParams{page: 1, perPage: 50}
	if v, err := strconv.Atoi(c.Query("perPage")); err == nil && v > 0 && v <= 200 {
		p.perPage = v
	}
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 1 {
		p.page = v
	}
	return p
}
