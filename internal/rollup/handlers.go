package rollup

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for rollup history
type Handler struct {
	store Store
}

// NewHandler creates a new rollup handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up rollup routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/history", h.GetHistory)
}

// GetHistory handles GET /history
func (h *Handler) GetHistory(c *gin.Context) {
	windowMs, err := strconv.ParseInt(c.DefaultQuery("windowMs", "60000"), 10, 64)
	if err != nil || !ValidWindow(windowMs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_window",
			"message": "windowMs must be one of 60000, 300000, 3600000",
		})
		return
	}

	q := Query{
		WindowMS: windowMs,
		Domain:   c.Query("domain"),
		Kind:     c.Query("kind"),
		Limit:    100,
	}

	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			q.Limit = parsed
		}
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_from",
				"message": "from must be RFC3339",
			})
			return
		}
		q.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_to",
				"message": "to must be RFC3339",
			})
			return
		}
		q.To = t
	}

	rows, err := h.store.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to read rollup history",
		})
		return
	}
	if rows == nil {
		rows = []*Row{}
	}

	c.JSON(http.StatusOK, gin.H{
		"windowMs": windowMs,
		"count":    len(rows),
		"rows":     rows,
	})
}
