package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/middleware"
)

// Register mounts every route on r. Admin routes require adminKey; with an
// empty key they are disabled (fail-secure). metrics may be nil.
func (h *Handlers) Register(r gin.IRouter, adminKey string, metrics http.Handler) {
	r.GET("/health", h.HealthCheck)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/enhance", h.Enhance)
		v1.GET("/techniques", h.ListTechniques)
		v1.GET("/usage", h.Usage)
	}

	admin := v1.Group("/admin", middleware.AdminKey(adminKey))
	{
		admin.GET("/report", h.GetReport)
		admin.GET("/events", h.GetRecentEvents)
		admin.GET("/backends", h.ListBackends)
		admin.GET("/subscriptions/:user_id", h.GetSubscription)
		admin.PUT("/subscriptions/:user_id", h.SetSubscription)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
