package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	helpy "github.com/haqury/helpy"
	"go.uber.org/zap"

	"stream-gateway/internal/breaker"
	"stream-gateway/internal/discovery"
	"stream-gateway/internal/gateway"
	"stream-gateway/internal/grpc_client"
	"stream-gateway/internal/session"
)

// ServiceName имя сервиса в ответах health
const ServiceName = "stream-gateway"

// SystemHandler служебные эндпоинты: health, status, сессии, состояние gRPC
type SystemHandler struct {
	logger   *zap.Logger
	gateway  *gateway.APIGateway
	sessions *session.Registry
	clients  *grpc_client.Registry
	breakers *breaker.Manager
	resolver *discovery.Resolver

	version       string
	wsPath        string
	maxSessions   int
	healthTimeout time.Duration
	startTime     time.Time
}

// SystemDeps зависимости хендлера
type SystemDeps struct {
	Gateway  *gateway.APIGateway
	Sessions *session.Registry
	Clients  *grpc_client.Registry
	Breakers *breaker.Manager
	Resolver *discovery.Resolver
}

// SystemOptions настройки хендлера
type SystemOptions struct {
	Version       string
	WSPath        string
	MaxSessions   int
	HealthTimeout time.Duration
}

// NewSystemHandler создает хендлер
func NewSystemHandler(logger *zap.Logger, deps SystemDeps, opts SystemOptions) *SystemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &SystemHandler{
		logger:        logger,
		gateway:       deps.Gateway,
		sessions:      deps.Sessions,
		clients:       deps.Clients,
		breakers:      deps.Breakers,
		resolver:      deps.Resolver,
		version:       opts.Version,
		wsPath:        opts.WSPath,
		maxSessions:   opts.MaxSessions,
		healthTimeout: opts.HealthTimeout,
		startTime:     time.Now(),
	}
}

// RegisterRoutes регистрирует маршруты
func (h *SystemHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)

	api := router.Group("/api")
	{
		api.GET("/sessions", h.ListSessions)
		api.DELETE("/sessions/:id", h.DeleteSession)
		api.GET("/grpc/health", h.GRPCHealth)
	}
}

// Health состояние шлюза и число активных сессий
func (h *SystemHandler) Health(c *gin.Context) {
	stats := h.gateway.Stats()

	code, status := http.StatusOK, "ok"
	if stats.ShuttingDown {
		code, status = http.StatusServiceUnavailable, "shutting_down"
	}

	c.JSON(code, gin.H{
		"status":          status,
		"service":         ServiceName,
		"version":         h.version,
		"active_sessions": stats.ActiveSessions,
		"time":            time.Now().Unix(),
	})
}

// Status системная информация, WebSocket и gRPC цели
func (h *SystemHandler) Status(c *gin.Context) {
	stats := h.gateway.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	targets := gin.H{}
	for _, name := range h.clients.Names() {
		target := gin.H{"breaker": h.breakers.State(name)}
		if inst, ok := h.resolver.Static(name); ok {
			target["static_address"] = inst.Address()
			target["protocol"] = inst.Protocol
		}
		targets[name] = target
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"system": gin.H{
			"version":        h.version,
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"memory_alloc":   mem.Alloc,
			"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		},
		"websocket": gin.H{
			"path":            h.wsPath,
			"connections":     stats.Connections,
			"active_sessions": stats.ActiveSessions,
			"max_sessions":    h.maxSessions,
			"total_frames":    stats.TotalFrames,
			"frames_sent":     stats.FramesSent,
			"bytes_processed": stats.BytesProcessed,
			"error_count":     stats.ErrorCount,
			"frame_rate":      stats.FrameRate(),
		},
		"grpc":     targets,
		"breakers": h.breakers.Statuses(),
	})
}

// ListSessions снимки всех сессий
func (h *SystemHandler) ListSessions(c *gin.Context) {
	snapshots := h.sessions.ListSnapshots()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"count":     len(snapshots),
		"sessions":  snapshots,
		"timestamp": time.Now().Unix(),
	})
}

// DeleteSession принудительно закрывает сессию
func (h *SystemHandler) DeleteSession(c *gin.Context) {
	id := c.Param("id")

	if !h.sessions.Remove(id) {
		c.JSON(http.StatusNotFound, &helpy.ApiResponse{
			Status:    "error",
			Message:   "Session not found",
			Timestamp: time.Now().Unix(),
			Metadata:  map[string]string{"session_id": id},
		})
		return
	}

	h.logger.Info("Session closed via API", zap.String("session_id", id))
	c.JSON(http.StatusOK, &helpy.ApiResponse{
		Status:    "ok",
		Message:   "Session closed",
		Timestamp: time.Now().Unix(),
		Metadata:  map[string]string{"session_id": id},
	})
}

// GRPCHealth проверяет здоровье gRPC сервисов
func (h *SystemHandler) GRPCHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.healthTimeout)
	defer cancel()

	results := h.clients.HealthCheck(ctx)

	code := http.StatusOK
	services := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			code = http.StatusServiceUnavailable
			services[name] = err.Error()
			h.logger.Warn("gRPC health check failed", zap.String("service", name), zap.Error(err))
			continue
		}
		services[name] = "SERVING"
	}
	if len(results) == 0 {
		code = http.StatusServiceUnavailable
	}

	status := "ok"
	if code != http.StatusOK {
		status = "error"
	}
	c.JSON(code, gin.H{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().Unix(),
	})
}
