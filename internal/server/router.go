package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cliniscribe/notegen-backend/internal/handlers"
)

type RouterConfig struct {
	Mode               string
	AllowedOrigins     []string
	ExtractionHandler  *handlers.ExtractionHandler
	PreferencesHandler *handlers.PreferencesHandler
	HealthHandler      *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode == "prod" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
			AllowCredentials: true,
		}))
	}

	router.GET("/healthcheck", handlers.Healthcheck)
	router.GET("/health", cfg.HealthHandler.Health)

	internal := router.Group("/internal")
	{
		internal.POST("/encounters/process", cfg.ExtractionHandler.ProcessEncounter)
		internal.POST("/templates/validate", cfg.ExtractionHandler.ValidateTemplates)
		internal.GET("/jobs/:id", cfg.ExtractionHandler.JobStatus)
		internal.POST("/jobs/:id/cancel", cfg.ExtractionHandler.CancelJob)
		internal.GET("/doctors/:id/preferences", cfg.PreferencesHandler.GetDoctorPreferences)
		internal.PUT("/doctors/:id/preferences", cfg.PreferencesHandler.PutDoctorPreferences)
	}

	return router
}
