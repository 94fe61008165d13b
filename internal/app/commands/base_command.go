package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"stream-gateway/internal/app"
	"stream-gateway/internal/config"
	"stream-gateway/internal/logger"
)

// BuildInfo информация о сборке
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// CommandContext содержит общий контекст для всех команд
type CommandContext struct {
	Logger  *zap.Logger
	Config  *config.Config
	Options app.Options
}

// NewCommandContext загружает конфигурацию, применяет флаги и создает логгер
func NewCommandContext(c *cli.Context, info BuildInfo) (*CommandContext, error) {
	opts := app.LoadOptions()
	opts.Version = info.Version
	if c.IsSet("config") {
		opts.ConfigPath = c.String("config")
	}
	if c.IsSet("debug") {
		opts.Debug = c.Bool("debug")
	}
	if c.IsSet("watch") {
		opts.WatchConfig = c.Bool("watch")
	}

	cfg, loadErr := loadConfig(opts.ConfigPath)
	if loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
		return nil, loadErr
	}
	if loadErr != nil {
		opts.WatchConfig = false
	}

	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.Logging, opts.Debug)
	if loadErr != nil {
		log.Warn("Config file not found, using defaults", zap.String("path", opts.ConfigPath))
	}

	return &CommandContext{
		Logger:  log,
		Config:  cfg,
		Options: opts,
	}, nil
}

// loadConfig загружает файл. Если файла нет, возвращает значения по умолчанию вместе с ошибкой.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.GetDefaultConfig()
		config.ApplyEnv(cfg)
		return cfg, err
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

// applyFlags переопределяет значения конфигурации флагами командной строки
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   app.DefaultConfigPath,
			Usage:   "Path to config file",
			EnvVars: []string{"CONFIG_PATH"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug mode",
			EnvVars: []string{"DEBUG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
	}
}
