// Package gateway принимает WebSocket соединения клиентов и связывает каждое
// с потоком к видео-сервису.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stream-gateway/internal/breaker"
	"stream-gateway/internal/config"
	"stream-gateway/internal/grpc_client"
	"stream-gateway/internal/metrics"
	"stream-gateway/internal/session"
	"stream-gateway/internal/validator"
)

// ErrShuttingDown шлюз останавливается и не принимает соединения
var ErrShuttingDown = errors.New("gateway is shutting down")

// Options настройки шлюза
type Options struct {
	WebSocket config.WebSocketConfig
	Video     config.VideoConfig
	// Service имя сервиса в реестре клиентов и в выключателе
	Service string
}

// Dependencies зависимости шлюза
type Dependencies struct {
	Sessions *session.Registry
	Clients  *grpc_client.Registry
	Breakers *breaker.Manager
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// GatewayStats счетчики шлюза
type GatewayStats struct {
	StartTime      time.Time `json:"start_time"`
	TotalFrames    int64     `json:"total_frames"`
	BytesProcessed int64     `json:"bytes_processed"`
	FramesSent     int64     `json:"frames_sent"`
	ErrorCount     int64     `json:"error_count"`
	ActiveSessions int       `json:"active_sessions"`
	Connections    int       `json:"connections"`
	ShuttingDown   bool      `json:"shutting_down"`
}

// FrameRate средний FPS с момента запуска
func (s GatewayStats) FrameRate() float64 {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		return float64(s.TotalFrames) / elapsed
	}
	return 0
}

// APIGateway WebSocket шлюз
type APIGateway struct {
	opts      Options
	sessions  *session.Registry
	clients   *grpc_client.Registry
	breakers  *breaker.Manager
	metrics   *metrics.Metrics
	validator *validator.Validator
	logger    *zap.Logger

	clientMgr  *ClientManager
	wsUpgrader websocket.Upgrader

	startTime      time.Time
	totalFrames    atomic.Int64
	bytesProcessed atomic.Int64
	framesSent     atomic.Int64
	errorCount     atomic.Int64

	admitMu      sync.RWMutex
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewAPIGateway создает шлюз
func NewAPIGateway(opts Options, deps Dependencies) *APIGateway {
	if opts.Service == "" {
		opts.Service = grpc_client.VideoProcessingService
	}
	if opts.WebSocket.HandshakeTimeout <= 0 {
		opts.WebSocket.HandshakeTimeout = 10 * time.Second
	}
	if opts.WebSocket.PingInterval <= 0 {
		opts.WebSocket.PingInterval = 30 * time.Second
	}
	if opts.WebSocket.WriteTimeout <= 0 {
		opts.WebSocket.WriteTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	g := &APIGateway{
		opts:      opts,
		sessions:  deps.Sessions,
		clients:   deps.Clients,
		breakers:  deps.Breakers,
		metrics:   deps.Metrics,
		validator: validator.New(opts.Video.MaxFrameSize),
		logger:    deps.Logger,
		clientMgr: NewClientManager(),
		startTime: time.Now(),
	}

	allowed := opts.WebSocket.AllowedOrigins
	g.wsUpgrader = websocket.Upgrader{
		HandshakeTimeout: opts.WebSocket.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}

	return g
}

// Stats снимок счетчиков
func (g *APIGateway) Stats() GatewayStats {
	return GatewayStats{
		StartTime:      g.startTime,
		TotalFrames:    g.totalFrames.Load(),
		BytesProcessed: g.bytesProcessed.Load(),
		FramesSent:     g.framesSent.Load(),
		ErrorCount:     g.errorCount.Load(),
		ActiveSessions: g.sessions.ActiveCount(),
		Connections:    g.clientMgr.Count(),
		ShuttingDown:   g.shuttingDown.Load(),
	}
}

// Clients информация об открытых соединениях
func (g *APIGateway) Clients() []ClientInfo {
	return g.clientMgr.Infos()
}

// Shutdown прекращает прием соединений, закрывает соединения кодом 1000
// и завершает все потоки. Ждет обработчиков соединений до отмены ctx.
func (g *APIGateway) Shutdown(ctx context.Context) error {
	g.admitMu.Lock()
	already := g.shuttingDown.Swap(true)
	g.admitMu.Unlock()
	if already {
		return nil
	}
	g.logger.Info("Shutting down WebSocket gateway",
		zap.Int("connections", g.clientMgr.Count()),
		zap.Int("sessions", g.sessions.ActiveCount()))

	for _, c := range g.clientMgr.All() {
		c.closeWith(websocket.CloseNormalClosure, "server shutting down")
	}

	removed := g.sessions.CloseAll()

	// Соединения без сессии
	for _, c := range g.clientMgr.All() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("WebSocket gateway stopped", zap.Int("sessions_closed", removed))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit регистрирует обработчик соединения, если шлюз не останавливается
func (g *APIGateway) admit() bool {
	g.admitMu.RLock()
	defer g.admitMu.RUnlock()
	if g.shuttingDown.Load() {
		return false
	}
	g.wg.Add(1)
	return true
}

// StartBackgroundTasks запускает очистку неактивных сессий до отмены ctx
func (g *APIGateway) StartBackgroundTasks(ctx context.Context) {
	go g.sessions.Run(ctx)
}

// OnSessionRemoved обновляет метрики после удаления сессии
func (g *APIGateway) OnSessionRemoved(*session.Session) {
	g.metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
}
