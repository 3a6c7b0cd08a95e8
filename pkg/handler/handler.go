package handler

import (
	"net/http"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/metrics"
	"remittance_back/pkg/middleware"
	"remittance_back/pkg/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Options настройки маршрутов. Limiter может быть nil, тогда лимиты запросов отключены.
type Options struct {
	JWTSecret        string
	WebhookSecret    string
	CORSOrigins      []string
	Limiter          middleware.Limiter
	TransfersPerHour int
	QuotesPerMinute  int
}

type Handler struct {
	service *service.Service
	opts    Options
}

func NewHandler(service *service.Service, opts Options) *Handler {
	return &Handler{
		service: service,
		opts:    opts,
	}
}

func (h *Handler) InitRoute() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(), metrics.Middleware())

	corsConfig := cors.Config{
		AllowOrigins:     h.opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	if h.opts.WebhookSecret != "" {
		router.POST("/webhooks/settlement", h.SettlementWebhook)
	}

	auth := middleware.Auth(h.opts.JWTSecret)
	api := router.Group("/api")
	{
		api.POST("/transfers/quote",
			middleware.OptionalAuth(h.opts.JWTSecret),
			middleware.RateLimit(h.opts.Limiter, "quote", h.opts.QuotesPerMinute, time.Minute),
			h.CreateQuote)
		api.GET("/rates", h.GetRate)

		transfers := api.Group("/transfers", auth)
		{
			transfers.POST("",
				middleware.RateLimit(h.opts.Limiter, "transfer", h.opts.TransfersPerHour, time.Hour),
				h.CreateTransfer)
			transfers.GET("", h.ListTransfers)
			transfers.GET("/:id", h.GetTransfer)
			transfers.GET("/:id/status", h.GetTransferStatus)
			transfers.DELETE("/:id", h.CancelTransfer)
		}

		api.GET("/me/eligibility", auth, h.GetEligibility)
		api.GET("/compliance/limits", auth,
			middleware.RequireRole(models.RoleCompliance, models.RoleAdmin), h.GetLimits)
		api.POST("/admin/transfers/:id/retry", auth,
			middleware.RequireRole(models.RoleAdmin), h.RetrySettlement)
	}
	return router
}
