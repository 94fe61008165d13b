// Package proxy проксирует HTTP запросы к REST сервисам через выключатель.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	helpy "github.com/haqury/helpy"
	"go.uber.org/zap"

	"stream-gateway/internal/breaker"
	"stream-gateway/internal/discovery"
	"stream-gateway/internal/metrics"
)

// BreakerHeader заголовок ответа, когда запрос отклонен выключателем
const BreakerHeader = "X-Circuit-Breaker"

// Resolver выбирает адрес сервиса
type Resolver interface {
	Resolve(ctx context.Context, name string) (discovery.ServiceInstance, error)
}

// staticLookup resolver со статической таблицей сервисов
type staticLookup interface {
	Static(name string) (discovery.ServiceInstance, bool)
}

// Options настройки прокси
type Options struct {
	// Transport для запросов к сервисам, по умолчанию http.DefaultTransport
	Transport http.RoundTripper
	// Known сообщает, объявлен ли сервис. По умолчанию сервис должен быть в
	// статической таблице resolver. Для остальных имен ответ 404, выключатель не создается.
	Known func(name string) bool
}

// Proxy обратный прокси к сервисам по имени
type Proxy struct {
	resolver  Resolver
	breakers  *breaker.Manager
	metrics   *metrics.Metrics
	transport http.RoundTripper
	known     func(name string) bool
	logger    *zap.Logger
}

// New создает прокси
func New(opts Options, resolver Resolver, breakers *breaker.Manager, m *metrics.Metrics, logger *zap.Logger) *Proxy {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Known == nil {
		if lookup, ok := resolver.(staticLookup); ok {
			opts.Known = func(name string) bool {
				_, ok := lookup.Static(name)
				return ok
			}
		} else {
			opts.Known = func(string) bool { return true }
		}
	}
	return &Proxy{
		resolver:  resolver,
		breakers:  breakers,
		metrics:   m,
		transport: opts.Transport,
		known:     opts.Known,
		logger:    logger,
	}
}

// RegisterRoutes регистрирует маршрут прокси
func (p *Proxy) RegisterRoutes(router gin.IRoutes) {
	router.Any("/api/proxy/:service/*path", p.Handle)
}

// Handle проксирует запрос к сервису из пути
func (p *Proxy) Handle(c *gin.Context) {
	service := c.Param("service")
	path := c.Param("path")

	if !p.known(service) {
		p.metrics.ProxyRequests.WithLabelValues("unknown", "not_found").Inc()
		c.JSON(http.StatusNotFound, &helpy.ApiResponse{
			Status:    "error",
			Message:   fmt.Sprintf("Unknown service %s", service),
			Timestamp: time.Now().Unix(),
		})
		return
	}

	err := p.breakers.Execute(c.Request.Context(), service, func(ctx context.Context) error {
		inst, err := p.resolver.Resolve(ctx, service)
		if err != nil {
			return err
		}
		target, err := url.Parse(inst.URL())
		if err != nil {
			return fmt.Errorf("invalid target for %s: %w", service, err)
		}
		return p.forward(ctx, c, target, path)
	})

	var openErr *breaker.OpenError
	switch {
	case err == nil:
		p.metrics.ProxyRequests.WithLabelValues(service, "ok").Inc()

	case errors.As(err, &openErr):
		p.metrics.ProxyRequests.WithLabelValues(service, "breaker_open").Inc()
		c.Header(BreakerHeader, string(openErr.State))
		if openErr.HasFallback() {
			c.Data(http.StatusServiceUnavailable, "application/json; charset=utf-8", []byte(openErr.Fallback))
			return
		}
		c.JSON(http.StatusServiceUnavailable, &helpy.ApiResponse{
			Status:    "error",
			Message:   fmt.Sprintf("Service %s is temporarily unavailable", service),
			Timestamp: time.Now().Unix(),
		})

	case c.Writer.Written():
		// ответ уже начат, статус изменить нельзя
		p.metrics.ProxyRequests.WithLabelValues(service, "error").Inc()
		p.logger.Warn("Proxy response interrupted", zap.String("service", service), zap.Error(err))

	default:
		var resErr *discovery.ResolutionError
		status := http.StatusBadGateway
		if errors.As(err, &resErr) {
			status = http.StatusServiceUnavailable
		}
		p.metrics.ProxyRequests.WithLabelValues(service, "error").Inc()
		p.logger.Warn("Proxy request failed",
			zap.String("service", service),
			zap.String("path", path),
			zap.Error(err))
		c.JSON(status, &helpy.ApiResponse{
			Status:    "error",
			Message:   fmt.Sprintf("Proxy to %s failed: %v", service, err),
			Timestamp: time.Now().Unix(),
		})
	}
}

// forward выполняет один запрос к сервису. Ошибка транспорта возвращается
// наружу, чтобы выключатель мог ее учесть.
func (p *Proxy) forward(ctx context.Context, c *gin.Context, target *url.URL, path string) error {
	var proxyErr error
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.URL.Path = joinPath(target.Path, path)
			r.Out.URL.RawPath = ""
			r.SetXForwarded()
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			proxyErr = err
		},
	}

	rp.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	return proxyErr
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		if !strings.HasPrefix(path, "/") {
			return "/" + path
		}
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}
