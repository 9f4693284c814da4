package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"folio/media/internal/models"
	"folio/media/internal/optimize"
)

type optimizeRequest struct {
	AssetIDs    []string `json:"assetIds"`
	Formats     []string `json:"formats"`
	Quality     int      `json:"quality"`
	Concurrency int      `json:"concurrency"`
}

type optimizeAllRequest struct {
	Category    string   `json:"category"`
	Tag         string   `json:"tag"`
	Limit       int      `json:"limit"`
	Formats     []string `json:"formats"`
	Quality     int      `json:"quality"`
	Concurrency int      `json:"concurrency"`
}

func (h HandlerSet) SubmitOptimization(c *gin.Context) {
	var req optimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
		return
	}
	result, err := h.scheduler.Submit(c.Request.Context(), optimize.SubmitRequest{
		AssetIDs:    req.AssetIDs,
		Formats:     req.Formats,
		Quality:     req.Quality,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSubmit(c, result)
}

func (h HandlerSet) OptimizeAll(c *gin.Context) {
	var req optimizeAllRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
			return
		}
	}
	result, err := h.scheduler.OptimizeAll(c.Request.Context(), optimize.OptimizeAllRequest{
		Filter:      models.AssetQuery{Category: req.Category, Tag: req.Tag, Limit: req.Limit},
		Formats:     req.Formats,
		Quality:     req.Quality,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Job == nil && len(result.Rejected) == 0 {
		c.JSON(http.StatusOK, result)
		return
	}
	h.respondSubmit(c, result)
}

// respondSubmit answers 202 when a job was created and 409 when every
// requested asset was rejected.
func (h HandlerSet) respondSubmit(c *gin.Context, result optimize.SubmitResult) {
	if result.Job == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "no_assets_admitted",
			"rejected": result.Rejected,
		})
		return
	}
	c.Header("Location", "/api/v1/media/optimize/"+result.Job.JobID)
	c.JSON(http.StatusAccepted, result)
}

func (h HandlerSet) OptimizationStatus(c *gin.Context) {
	job, err := h.scheduler.Status(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h HandlerSet) ListUnoptimized(c *gin.Context) {
	p := parsePage(c)
	items, total, err := h.catalog.FindUnoptimized(c.Request.Context(), assetQuery(c, p))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Page: p.page, PerPage: p.perPage})
}
