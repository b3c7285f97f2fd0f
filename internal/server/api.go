package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/database"
	apierrors "github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/middleware"
	"github.com/perimetra/perimetra/internal/monitoring"
	"github.com/perimetra/perimetra/internal/webhook"
)

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	db               *database.DB
	webhookService   *webhook.Service
	scheduler        *webhook.Scheduler
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance. The scheduler is nil when
// delivery processing runs in a separate worker process.
func NewAPIServer(cfg *config.Config, db *database.DB, webhookService *webhook.Service, scheduler *webhook.Scheduler) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		db:               db,
		webhookService:   webhookService,
		scheduler:        scheduler,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	// Prometheus metrics on the API port as well as the dedicated listener
	s.router.GET("/metrics", monitoring.GinHandler())

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		// Webhook management (protected - requires admin or operator role)
		webhooks := v1.Group("/webhooks")
		webhooks.Use(s.jwtAuthenticator.JWTAuth())
		webhooks.Use(middleware.RequireAdminOrOperator())
		{
			webhooks.GET("", s.handleListWebhooks)
			webhooks.POST("", s.handleCreateWebhook)
			webhooks.GET("/:id", s.handleGetWebhook)
			webhooks.PUT("/:id", s.handleUpdateWebhook)
			webhooks.DELETE("/:id", s.handleDeleteWebhook)
			webhooks.POST("/:id/test", s.handleTestWebhook)
			webhooks.GET("/:id/deliveries", s.handleListDeliveries)
		}

		// Delivery scheduler introspection (admin only). Only registered on
		// instances that host the scheduler.
		if s.scheduler != nil {
			scheduler := v1.Group("/scheduler")
			scheduler.Use(s.jwtAuthenticator.JWTAuth())
			scheduler.Use(middleware.RequireAdmin())
			{
				scheduler.GET("/status", s.handleSchedulerStatus)
				scheduler.POST("/run", s.handleSchedulerRun)
			}
		}
	}
}

// handleSchedulerStatus reports whether the scheduler loop is running and
// when it last did work
func (s *APIServer) handleSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.GetStatus())
}

// handleSchedulerRun triggers an immediate retry pass
func (s *APIServer) handleSchedulerRun(c *gin.Context) {
	if !s.scheduler.IsRunning() {
		respondError(c, apierrors.NewInvalidRequestError("Scheduler is not running on this instance"))
		return
	}

	processed, err := s.scheduler.RunNow(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

// healthCheck reports process and database health
func (s *APIServer) healthCheck(c *gin.Context) {
	if err := s.db.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "api",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "api",
	})
}

// ownerID resolves the owner scope of the authenticated user
func ownerID(c *gin.Context) (uuid.UUID, bool) {
	raw := middleware.GetOwnerIDFromContext(c)
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(c, apierrors.ErrInvalidCredentialsError)
		return uuid.Nil, false
	}
	return id, true
}

// pathID parses the :id path parameter
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Invalid webhook id"))
		return uuid.Nil, false
	}
	return id, true
}

// handleCreateWebhook registers a new webhook for the caller's organization
func (s *APIServer) handleCreateWebhook(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	var req webhook.CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	hook, err := s.webhookService.CreateWebhook(c.Request.Context(), owner, &req)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	c.JSON(http.StatusCreated, hook)
}

// handleListWebhooks lists the caller's webhooks
func (s *APIServer) handleListWebhooks(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	hooks, err := s.webhookService.ListWebhooks(c.Request.Context(), owner)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": hooks,
		"total":    len(hooks),
	})
}

// handleGetWebhook returns one webhook
func (s *APIServer) handleGetWebhook(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	hook, err := s.webhookService.GetWebhook(c.Request.Context(), owner, id)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	c.JSON(http.StatusOK, hook)
}

// handleUpdateWebhook applies a partial update
func (s *APIServer) handleUpdateWebhook(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req webhook.UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	hook, err := s.webhookService.UpdateWebhook(c.Request.Context(), owner, id, &req)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	c.JSON(http.StatusOK, hook)
}

// handleDeleteWebhook removes a webhook
func (s *APIServer) handleDeleteWebhook(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := s.webhookService.DeleteWebhook(c.Request.Context(), owner, id); err != nil {
		respondWebhookError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleTestWebhook fires a manual test delivery and returns the resulting
// delivery record
func (s *APIServer) handleTestWebhook(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	delivery, err := s.webhookService.SendTestDelivery(c.Request.Context(), owner, id)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	c.JSON(http.StatusOK, delivery)
}

// handleListDeliveries returns the delivery audit log of a webhook
func (s *APIServer) handleListDeliveries(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	deliveries, err := s.webhookService.ListDeliveries(c.Request.Context(), owner, id, limit)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deliveries": deliveries,
		"total":      len(deliveries),
	})
}

// respondWebhookError maps service errors to API errors
func respondWebhookError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, webhook.ErrWebhookNotFound):
		respondError(c, apierrors.ErrWebhookNotFoundError)
	case errors.Is(err, webhook.ErrDeliveryNotFound):
		respondError(c, apierrors.ErrDeliveryNotFoundError)
	case errors.Is(err, webhook.ErrInvalidTargetURL),
		errors.Is(err, webhook.ErrInvalidSecret),
		errors.Is(err, webhook.ErrNoEventTypes),
		errors.Is(err, webhook.ErrUnknownEventType):
		respondError(c, apierrors.NewValidationError(err.Error()))
	default:
		respondError(c, apierrors.ErrInternalServerError)
	}
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: reqIDStr,
	})
}
