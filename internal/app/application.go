package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stream-gateway/internal/breaker"
	"stream-gateway/internal/config"
	"stream-gateway/internal/discovery"
	"stream-gateway/internal/gateway"
	"stream-gateway/internal/grpc_client"
	"stream-gateway/internal/handler"
	"stream-gateway/internal/metrics"
	"stream-gateway/internal/proxy"
	"stream-gateway/internal/session"
)

// Application - основное приложение
type Application struct {
	config  *config.Config
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	sessions *session.Registry
	resolver *discovery.Resolver
	registry *discovery.RedisRegistry
	clients  *grpc_client.Registry
	breakers *breaker.Manager
	gateway  *gateway.APIGateway

	router http.Handler
	server *http.Server
}

// NewApplicationWithConfig создает новое приложение с конфигурацией
func NewApplicationWithConfig(cfg *config.Config, opts Options, logger *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	app := &Application{
		config:  cfg,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}

	// Реестр сервисов в Redis, если включен
	var discoverer discovery.Discoverer
	if cfg.Discovery.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Discovery.Redis.Addr,
			Password: cfg.Discovery.Redis.Password,
			DB:       cfg.Discovery.Redis.DB,
		})
		app.registry = discovery.NewRedisRegistry(client,
			discovery.WithPrefix(cfg.Discovery.Redis.Prefix),
			discovery.WithTTL(cfg.Discovery.InstanceTTL),
			discovery.WithLogger(logger))
		discoverer = app.registry
	}
	app.resolver = discovery.NewResolver(discoverer, StaticTargets(cfg), cfg.Discovery.LookupTimeout, logger)
	resolver := &instrumentedResolver{resolver: app.resolver, metrics: m}

	app.breakers = breaker.NewManager(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
		Fallbacks:        cfg.Breaker.Fallbacks,
		OnStateChange: func(service string, _, to breaker.State) {
			m.SetBreakerState(service, string(to))
		},
	}, logger)

	app.clients = grpc_client.NewRegistry(grpc_client.Dependencies{
		Resolver: resolver,
		Options: grpc_client.ClientOptions{
			KeepaliveTime:    cfg.GRPC.KeepaliveTime,
			KeepaliveTimeout: cfg.GRPC.KeepaliveTimeout,
			DialTimeout:      cfg.GRPC.DialTimeout,
			SendQueueSize:    cfg.GRPC.SendQueueSize,
			DrainTimeout:     cfg.GRPC.DrainTimeout,
			MaxMessageSize:   cfg.GRPC.MaxMessageSize,
		},
		Logger: logger,
	})

	// Шлюз создается после реестра сессий, а OnRemove ссылается на шлюз
	var gw *gateway.APIGateway
	app.sessions = session.NewRegistry(session.Options{
		MaxSessions:   cfg.WebSocket.MaxSessions,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		ActiveWindow:  cfg.Session.ActiveWindow,
		MaxFPS:        cfg.Video.MaxFPS,
		OnRemove: func(s *session.Session) {
			if gw != nil {
				gw.OnSessionRemoved(s)
			}
		},
	}, logger)

	gw = gateway.NewAPIGateway(gateway.Options{
		WebSocket: cfg.WebSocket,
		Video:     cfg.Video,
		Service:   cfg.GRPC.ServiceName,
	}, gateway.Dependencies{
		Sessions: app.sessions,
		Clients:  app.clients,
		Breakers: app.breakers,
		Metrics:  m,
		Logger:   logger,
	})
	app.gateway = gw

	systemHandler := handler.NewSystemHandler(logger, handler.SystemDeps{
		Gateway:  gw,
		Sessions: app.sessions,
		Clients:  app.clients,
		Breakers: app.breakers,
		Resolver: app.resolver,
	}, handler.SystemOptions{
		Version:     opts.Version,
		WSPath:      cfg.WebSocket.Path,
		MaxSessions: cfg.WebSocket.MaxSessions,
	})
	httpProxy := proxy.New(proxy.Options{
		Known: func(name string) bool {
			_, ok := app.resolver.Static(name)
			return ok
		},
	}, resolver, app.breakers, m, logger)

	app.router = NewRouter(cfg, gw, systemHandler, httpProxy, m, logger)
	app.server = &http.Server{
		Addr:    cfg.Address(),
		Handler: app.router,
	}

	return app, nil
}

// GetConfig возвращает конфигурацию
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// GetRouter возвращает роутер
func (app *Application) GetRouter() http.Handler {
	return app.router
}

// Gateway возвращает WebSocket шлюз
func (app *Application) Gateway() *gateway.APIGateway {
	return app.gateway
}

// Run запускает HTTP сервер и фоновые задачи. Блокируется до отмены ctx
// или ошибки сервера, затем останавливает приложение.
func (app *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	app.gateway.StartBackgroundTasks(gctx)

	if app.registry != nil {
		pingCtx, cancel := context.WithTimeout(ctx, app.config.Discovery.LookupTimeout)
		if err := app.registry.Ping(pingCtx); err != nil {
			app.logger.Warn("Service registry is unavailable, using static targets", zap.Error(err))
		}
		cancel()
	}

	g.Go(func() error {
		app.logger.Info("Starting HTTP server",
			zap.String("address", "http://"+app.server.Addr),
			zap.String("websocket", app.config.WebSocket.Path))

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if app.opts.WatchConfig && app.opts.ConfigPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, app.opts.ConfigPath, app.logger, app.reloadServices)
			if err != nil {
				// без перечитывания конфигурации шлюз продолжает работать
				app.logger.Warn("Config watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Shutdown.Timeout)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown закрывает WebSocket сессии, HTTP сервер и клиентов сервисов
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("Stopping application")

	var errs []error
	if err := app.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := app.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := app.clients.Close(); err != nil {
		errs = append(errs, fmt.Errorf("grpc clients: %w", err))
	}
	if app.registry != nil {
		if err := app.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	app.logger.Info("Application stopped")
	return nil
}

func (app *Application) reloadServices(cfg *config.Config) {
	app.resolver.UpdateStatic(StaticTargets(cfg))
	app.logger.Info("Static service targets reloaded", zap.Int("services", len(cfg.Services)))
}

// StaticTargets статические адреса сервисов из конфигурации
func StaticTargets(cfg *config.Config) map[string]discovery.ServiceInstance {
	targets := make(map[string]discovery.ServiceInstance, len(cfg.Services))
	for name, t := range cfg.Services {
		targets[name] = discovery.ServiceInstance{
			ID:       t.Address(),
			Name:     name,
			Protocol: t.Protocol,
			Host:     t.Host,
			Port:     t.Port,
		}
	}
	return targets
}

// instrumentedResolver считает разрешения адресов по источнику
type instrumentedResolver struct {
	resolver *discovery.Resolver
	metrics  *metrics.Metrics
}

func (r *instrumentedResolver) Resolve(ctx context.Context, name string) (discovery.ServiceInstance, error) {
	inst, err := r.resolver.Resolve(ctx, name)
	source := string(inst.Source)
	if err != nil {
		source = "error"
	}
	r.metrics.Resolutions.WithLabelValues(name, source).Inc()
	return inst, err
}
