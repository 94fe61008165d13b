package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"stream-gateway/internal/config"
	"stream-gateway/internal/gateway"
	"stream-gateway/internal/handler"
	"stream-gateway/internal/metrics"
	"stream-gateway/internal/proxy"
)

// NewRouter создает новый роутер с настройкой маршрутов
func NewRouter(
	cfg *config.Config,
	gw *gateway.APIGateway,
	systemHandler *handler.SystemHandler,
	httpProxy *proxy.Proxy,
	m *metrics.Metrics,
	logger *zap.Logger,
) http.Handler {
	router := newEngine(gw, systemHandler, httpProxy, m, logger)

	// Настраиваем CORS
	var h http.Handler = router
	if cfg.Security.EnableCORS {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   cfg.Security.Origins,
			AllowedMethods:   cfg.Security.Methods,
			AllowedHeaders:   cfg.Security.Headers,
			AllowCredentials: true,
			MaxAge:           86400,
		})
		h = corsHandler.Handler(router)
	}
	return h
}

func newEngine(
	gw *gateway.APIGateway,
	systemHandler *handler.SystemHandler,
	httpProxy *proxy.Proxy,
	m *metrics.Metrics,
	logger *zap.Logger,
) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			logger.Info("HTTP Request",
				zap.String("method", param.Method),
				zap.String("path", param.Path),
				zap.Int("status", param.StatusCode),
				zap.Duration("latency", param.Latency),
				zap.String("client_ip", param.ClientIP),
			)
			return ""
		},
		SkipPaths: []string{"/metrics", "/health"},
	}))
	router.Use(gin.Recovery())
	router.Use(m.Middleware())

	router.GET("/metrics", gin.WrapH(m.Handler()))

	systemHandler.RegisterRoutes(router)
	httpProxy.RegisterRoutes(router)
	gw.RegisterRoutes(router)

	// 404 handler
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "The requested resource was not found",
			"path":    c.Request.URL.Path,
			"suggestions": []string{
				"Check /health for service status",
				"Check /status for gateway status",
			},
		})
	})

	return router
}
