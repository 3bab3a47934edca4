package pipeline

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/prescriptive"
	"github.com/iscgrou/skywalker/internal/rollup"
	"github.com/iscgrou/skywalker/internal/traces"
	"github.com/iscgrou/skywalker/internal/validation"
)

// maxInjectCount bounds a single test-event injection request.
const maxInjectCount = 100

// Handler exposes the pipeline over HTTP.
type Handler struct {
	p *Pipeline
}

// NewHandler creates the pipeline HTTP handler.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{p: p}
}

// RegisterRoutes mounts the intel surface on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	intel := r.Group("/intel")

	intel.GET("/state", h.GetState)
	intel.GET("/weights", h.GetWeights)
	intel.PUT("/weights", h.UpdateWeights)
	intel.GET("/adaptive", h.GetAdaptiveStatus)
	intel.GET("/forecast", h.GetForecast)
	intel.GET("/correlation", h.GetCorrelationGraph)
	intel.GET("/recommendations", h.ListRecommendations)
	intel.POST("/recommendations/:id/apply", validation.IDParamMiddleware(), h.ApplyRecommendation)
	intel.GET("/scenarios", h.GetScenarios)
	intel.GET("/summary", h.GetSummary)
	intel.GET("/detailed", h.GetDetailed)
	intel.GET("/cluster", h.GetClusterStatus)
	intel.GET("/bus", h.GetBusMetrics)
	intel.POST("/events", h.InjectEvents)

	rollup.NewHandler(h.p.RollupStore).RegisterRoutes(intel)
}

// GetState handles GET /intel/state
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Aggregator.GetState())
}

// GetWeights handles GET /intel/weights
func (h *Handler) GetWeights(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Aggregator.GetWeights())
}

// UpdateWeights handles PUT /intel/weights. The patch is partial; the
// aggregator clamps and renormalizes, and the adaptive engine's
// smoothing memory is reset to the result.
func (h *Handler) UpdateWeights(c *gin.Context) {
	var patch aggregator.WeightPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if patch.Governance == nil && patch.Security == nil && patch.Anomaly == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "empty_patch",
			"message": "Provide at least one of governance, security, anomaly",
		})
		return
	}
	for _, v := range []*float64{patch.Governance, patch.Security, patch.Anomaly} {
		if v != nil && (*v <= 0 || *v >= 1) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_weight",
				"message": "Weights must be strictly between 0 and 1",
			})
			return
		}
	}

	weights := h.p.SetWeights(patch)
	c.JSON(http.StatusOK, gin.H{"weights": weights})
}

// GetAdaptiveStatus handles GET /intel/adaptive
func (h *Handler) GetAdaptiveStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Adaptive.GetStatus())
}

// GetForecast handles GET /intel/forecast
func (h *Handler) GetForecast(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Forecast.GetState())
}

// GetCorrelationGraph handles GET /intel/correlation
func (h *Handler) GetCorrelationGraph(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Correlation.GetGraph())
}

// ListRecommendations handles GET /intel/recommendations
func (h *Handler) ListRecommendations(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Prescriptive.GetState())
}

// ApplyRecommendation handles POST /intel/recommendations/:id/apply
func (h *Handler) ApplyRecommendation(c *gin.Context) {
	_, span := traces.StartSpan(c.Request.Context(), "recommendation.apply",
		traces.RecommendationID(c.Param("id")))
	defer span.End()

	rec, err := h.p.Prescriptive.Apply(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, prescriptive.ErrRecommendationNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "recommendation_not_found",
				"message": "No recommendation with this id",
			})
		case errors.Is(err, prescriptive.ErrAlreadyApplied):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_applied",
				"message": "Recommendation has already been applied",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to apply recommendation",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recommendation": rec,
		"weights":        h.p.Aggregator.GetWeights(),
	})
}

// GetScenarios handles GET /intel/scenarios
func (h *Handler) GetScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Scenario.GetState())
}

// GetSummary handles GET /intel/summary
func (h *Handler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Hub.GetSummary(c.Request.Context()))
}

// GetDetailed handles GET /intel/detailed
func (h *Handler) GetDetailed(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Hub.GetDetailed(c.Request.Context()))
}

// GetClusterStatus handles GET /intel/cluster
func (h *Handler) GetClusterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Coordinator.GetStatus(c.Request.Context()))
}

// GetBusMetrics handles GET /intel/bus
func (h *Handler) GetBusMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.p.Bus.Metrics())
}

// InjectEvents handles POST /intel/events. Intended for load tests and
// demos: builds count copies of the described envelope and publishes
// them through the normal path.
func (h *Handler) InjectEvents(c *gin.Context) {
	var req struct {
		Domain      string        `json:"domain" binding:"required"`
		Kind        string        `json:"kind" binding:"required"`
		Source      string        `json:"source"`
		Priority    int           `json:"priority"`
		Sensitivity string        `json:"sensitivity"`
		Payload     event.Payload `json:"payload"`
		Count       int           `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.Source == "" {
		req.Source = "manual_injection"
	}
	if req.Count < 1 {
		req.Count = 1
	}
	if req.Count > maxInjectCount {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "count_too_large",
			"message": "Count must be at most 100",
		})
		return
	}

	_, span := traces.StartSpan(c.Request.Context(), "events.inject",
		traces.Domain(req.Domain), traces.Kind(req.Kind))
	defer span.End()

	var opts []event.Option
	if req.Priority > 0 {
		opts = append(opts, event.WithPriority(req.Priority))
	}
	if req.Sensitivity != "" {
		opts = append(opts, event.WithSensitivity(event.Sensitivity(req.Sensitivity)))
	}
	opts = append(opts, event.WithPayload(req.Payload))

	accepted, rejected := 0, 0
	var lastValidation event.Result
	for i := 0; i < req.Count; i++ {
		e := event.New(event.Domain(req.Domain), event.Kind(req.Kind), req.Source, opts...)
		res, v := h.p.Publish(e)
		lastValidation = v
		if res.Accepted {
			accepted++
		} else {
			rejected++
		}
	}

	if accepted == 0 && !lastValidation.OK {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_envelope",
			"message": "Envelope failed validation",
			"details": lastValidation.Errors,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": accepted,
		"rejected": rejected,
		"bus":      h.p.Bus.Metrics(),
	})
}
