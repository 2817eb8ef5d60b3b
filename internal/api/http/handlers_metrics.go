package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stats returns a JSON snapshot of the service counters. Prometheus
// scrapes /metrics; this endpoint serves dashboards that want plain JSON.
func (h *Handlers) Stats(c *gin.Context) {
	snap := h.metrics.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"requests":         snap.TotalRequests,
		"errors":           snap.TotalErrors,
		"active_terminals": snap.ActiveTerminals,
		"spawned_total":    snap.SpawnedTotal,
		"aborted_total":    snap.AbortedTotal,
		"avg_request_time": h.metrics.AverageRequestDuration(),
	})
}
