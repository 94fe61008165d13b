package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"stream-gateway/internal/app"
)

// GetServerCommand возвращает команду для запуска сервера
func GetServerCommand(info BuildInfo) *cli.Command {
	flags := append(configFlags(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Server port",
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "Server host",
		},
		&cli.BoolFlag{
			Name:  "watch",
			Value: true,
			Usage: "Reload static service targets when the config file changes",
		},
	)

	return &cli.Command{
		Name:  "server",
		Usage: "Start stream gateway server",
		Description: `Start the WebSocket stream gateway with the HTTP surface.

Examples:
  stream-gateway server --port 8080
  stream-gateway server --config ./config/config.yaml --debug`,
		Flags: flags,
		Action: func(c *cli.Context) error {
			ctx, err := NewCommandContext(c, info)
			if err != nil {
				return err
			}
			defer ctx.Logger.Sync()

			ctx.Logger.Info("Starting stream gateway",
				zap.String("version", info.Version),
				zap.String("address", ctx.Config.Address()),
				zap.Bool("debug", ctx.Options.Debug),
				zap.Bool("discovery", ctx.Config.Discovery.Enabled))

			application, err := app.NewApplicationWithConfig(ctx.Config, ctx.Options, ctx.Logger)
			if err != nil {
				return err
			}

			return runUntilSignal(application, ctx.Config.Shutdown.Timeout, ctx.Logger)
		},
	}
}

// runUntilSignal запускает приложение до сигнала завершения. Если остановка
// не уложилась в timeout, процесс завершается с кодом 1.
func runUntilSignal(application *app.Application, timeout time.Duration, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		logger.Info("Shutdown signal received")

		select {
		case <-time.After(timeout):
			logger.Error("Graceful shutdown timed out, forcing exit", zap.Duration("timeout", timeout))
			_ = logger.Sync()
			os.Exit(1)
		case <-finished:
		}
	}()

	return application.Run(ctx)
}
