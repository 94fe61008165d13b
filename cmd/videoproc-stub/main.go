// videoproc-stub тестовый бэкенд обработки видео: возвращает кадры обратно
// и при наличии Redis регистрируется в реестре сервисов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"stream-gateway/internal/config"
	"stream-gateway/internal/discovery"
	"stream-gateway/internal/logger"
	"stream-gateway/pkg/proto"
)

func main() {
	app := &cli.App{
		Name:  "videoproc-stub",
		Usage: "Echo implementation of the video processing stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "Advertised and listen host"},
			&cli.IntFlag{Name: "port", Value: 50051, Usage: "gRPC port"},
			&cli.StringFlag{Name: "service", Value: "videoProcessing", Usage: "Service name in the registry"},
			&cli.StringFlag{Name: "redis", EnvVars: []string{"REDIS_ADDR"}, Usage: "Redis address for self-registration"},
			&cli.StringFlag{Name: "prefix", Value: "stream-gateway", Usage: "Registry key prefix"},
			&cli.DurationFlag{Name: "heartbeat", Value: 10 * time.Second, Usage: "Registry heartbeat interval"},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logger.New(config.LoggingConfig{Level: "info", Format: "json"}, c.Bool("debug"))
	defer log.Sync()

	addr := net.JoinHostPort(c.String("host"), fmt.Sprint(c.Int("port")))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server, healthServer := newServer(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting video processing stub", zap.String("address", addr))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	if redisAddr := c.String("redis"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()

		registry := discovery.NewRedisRegistry(client,
			discovery.WithPrefix(c.String("prefix")),
			discovery.WithTTL(3*c.Duration("heartbeat")),
			discovery.WithLogger(log))
		inst := discovery.ServiceInstance{
			Name:     c.String("service"),
			Protocol: "grpc",
			Host:     c.String("host"),
			Port:     c.Int("port"),
		}
		g.Go(func() error {
			// KeepAlive снимает регистрацию при отмене контекста
			if err := registry.KeepAlive(gctx, inst, c.Duration("heartbeat")); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Registry keepalive stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Stopping video processing stub")
		healthServer.Shutdown()
		server.GracefulStop()
		return nil
	})

	return g.Wait()
}

// newServer gRPC сервер с echo обработчиком и health сервисом
func newServer(log *zap.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		proto.ServerCodec(),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)

	proto.RegisterVideoProcessingServer(server, &proto.EchoServer{
		Transform: func(req *proto.VideoFrameRequest) *proto.ProcessedFrame {
			log.Debug("Frame received",
				zap.String("session_id", req.SessionID),
				zap.Int("size", len(req.FrameData)))
			return &proto.ProcessedFrame{
				SessionID: req.SessionID,
				FrameData: req.FrameData,
				Format:    req.Format,
				Timestamp: req.Timestamp,
				Metadata: map[string]string{
					"processed_by": "videoproc-stub",
					"size":         fmt.Sprint(len(req.FrameData)),
				},
			}
		},
	})

	healthServer := health.NewServer()
	healthServer.SetServingStatus(proto.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	return server, healthServer
}
