// Package httpserver is the dispatcher's ops surface: health, metrics and
// the admin tooling for re-enqueueing terminally failed notifications. The
// delivery engine itself exposes no API; everything here is observational or
// operator-driven.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"salonpro-notify/internal/repository"
	"salonpro-notify/pkg/logger"
	"salonpro-notify/pkg/trace"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	db *pgxpool.Pool,
	notifications *repository.NotificationRepository,
	jwtSecret string,
	log *zap.Logger,
) *Router {
	r := gin.Default()

	// Propagate (or mint) a trace id so admin actions correlate with logs.
	r.Use(func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	})

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected admin endpoints
	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(jwtSecret))
	{
		h := newAdminHandler(notifications, log)
		admin.GET("/notifications/failed", h.listFailed)
		admin.POST("/notifications/:id/replay", h.replay)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}

type adminHandler struct {
	notifications *repository.NotificationRepository
	logger        *zap.Logger
}

func newAdminHandler(notifications *repository.NotificationRepository, log *zap.Logger) *adminHandler {
	return &adminHandler{
		notifications: notifications,
		logger:        log,
	}
}

func (h *adminHandler) listFailed(c *gin.Context) {
	failed, err := h.notifications.GetFailed(c, 100)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list failed notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": failed, "count": len(failed)})
}

// replay resets a failed notification to pending with a fresh attempt
// budget. This is the external re-enqueue path; the dispatcher never revives
// failed rows on its own.
func (h *adminHandler) replay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}

	if err := h.notifications.Replay(c, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Notification replayed",
		zap.String("notification_id", id.String()),
		zap.String("operator", c.GetString("operator")),
	)
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "id": id})
}
