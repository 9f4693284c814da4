package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"folio/media/internal/queue"
)

func (h HandlerSet) AdminSweep(c *gin.Context) {
	h.submitMaintenance(c, queue.TaskSweep)
}

func (h HandlerSet) AdminPurge(c *gin.Context) {
	h.submitMaintenance(c, queue.TaskPurge)
}

func (h HandlerSet) submitMaintenance(c *gin.Context, t queue.TaskType) {
	if h.maintenance == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance_unavailable"})
		return
	}
	if err := h.maintenance.Submit(c.Request.Context(), queue.Task{Type: t}); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": t})
}

// AdminRecover runs the restart sweep. It is only routed in local mode,
// where every running job lives in this process.
func (h HandlerSet) AdminRecover(c *gin.Context) {
	report, err := h.scheduler.Recover(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":          report.Jobs,
		"assets":        report.Assets,
		"expiredLeases": report.ExpiredLeases,
		"orphanPending": report.OrphanPending,
	})
}
