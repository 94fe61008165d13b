package grpc_client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"stream-gateway/internal/discovery"
	"stream-gateway/pkg/proto"
)

// VideoProcessingService имя сервиса в конфигурации и в реестре клиентов
const VideoProcessingService = "videoProcessing"

// Resolver определяет адрес сервиса
type Resolver interface {
	Resolve(ctx context.Context, name string) (discovery.ServiceInstance, error)
}

// ClientOptions настройки gRPC клиента
type ClientOptions struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialTimeout      time.Duration
	SendQueueSize    int
	DrainTimeout     time.Duration
	MaxMessageSize   int
	// DialOptions дополнительные опции, например bufconn dialer в тестах
	DialOptions []grpc.DialOption
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.KeepaliveTime <= 0 {
		o.KeepaliveTime = 30 * time.Second
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 * 1024 * 1024 // 16MB
	}
	return o
}

// VideoProcessingClient клиент видео-сервиса.
// Адрес определяется на каждое открытие потока, соединения переиспользуются по адресу.
type VideoProcessingClient struct {
	name     string
	resolver Resolver
	opts     ClientOptions
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewVideoProcessingClient создает клиента
func NewVideoProcessingClient(resolver Resolver, opts ClientOptions, logger *zap.Logger) *VideoProcessingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoProcessingClient{
		name:     VideoProcessingService,
		resolver: resolver,
		opts:     opts.withDefaults(),
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (c *VideoProcessingClient) conn(ctx context.Context) (*grpc.ClientConn, string, error) {
	inst, err := c.resolver.Resolve(ctx, c.name)
	if err != nil {
		return nil, "", err
	}
	address := inst.Address()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[address]; ok {
		return cc, address, nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.opts.KeepaliveTime,
			Timeout:             c.opts.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.opts.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.opts.MaxMessageSize),
		),
	}
	dialOpts = append(dialOpts, c.opts.DialOptions...)

	cc, err := grpc.NewClient("passthrough:///"+address, dialOpts...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	c.logger.Info("Created video-processing connection",
		zap.String("address", address),
		zap.String("source", string(inst.Source)))

	c.conns[address] = cc
	return cc, address, nil
}

// OpenStream открывает поток для сессии. ctx ограничивает только открытие,
// дальше поток живет до Close или завершения со стороны сервера.
func (c *VideoProcessingClient) OpenStream(ctx context.Context, sessionID string, handlers Handlers) (*Stream, error) {
	cc, address, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, proto.SessionIDHeader, sessionID)
	stop := context.AfterFunc(ctx, cancel)

	raw, err := proto.NewVideoProcessingClient(cc).ProcessVideoStream(streamCtx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream to %s: %w", address, err)
	}

	c.logger.Debug("Stream opened",
		zap.String("session_id", sessionID),
		zap.String("address", address))

	return newStream(sessionID, raw, cancel, handlers, c.opts.SendQueueSize, c.opts.DrainTimeout, c.logger), nil
}

// HealthCheck проверяет сервис через grpc.health.v1
func (c *VideoProcessingClient) HealthCheck(ctx context.Context) error {
	cc, address, err := c.conn(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{
		Service: proto.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("video-processing health check at %s failed: %w", address, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("video-processing at %s is %s", address, resp.GetStatus())
	}
	return nil
}

// Close закрывает все соединения
func (c *VideoProcessingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for address, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, address)
	}
	if firstErr == nil {
		c.logger.Info("Closed video-processing connections")
	}
	return firstErr
}
