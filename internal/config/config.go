package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config представляет конфигурацию приложения
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	Session   SessionConfig   `yaml:"session"`

	// Video settings
	Video VideoConfig `yaml:"video"`

	// gRPC клиент видео-сервиса
	GRPC GRPCConfig `yaml:"grpc"`

	Breaker   BreakerConfig   `yaml:"breaker"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Статические адреса сервисов, используются если discovery недоступен
	Services map[string]ServiceTarget `yaml:"services"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	Security SecurityConfig `yaml:"security"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

type WebSocketConfig struct {
	Path             string        `yaml:"path"`
	MaxSessions      int           `yaml:"max_sessions"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SendBuffer       int           `yaml:"send_buffer"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ActiveWindow  time.Duration `yaml:"active_window"`
}

type VideoConfig struct {
	MaxFrameSize int `yaml:"max_frame_size"`
	MaxFPS       int `yaml:"max_fps"`
}

type GRPCConfig struct {
	ServiceName      string        `yaml:"service_name"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	SendQueueSize    int           `yaml:"send_queue_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	MaxMessageSize   int           `yaml:"max_message_size"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	// Fallbacks JSON ответы по имени сервиса, когда выключатель открыт
	Fallbacks map[string]string `yaml:"fallbacks"`
}

type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Redis         RedisConfig   `yaml:"redis"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	InstanceTTL   time.Duration `yaml:"instance_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // дни
	Compress   bool   `yaml:"compress"`
}

type SecurityConfig struct {
	EnableCORS bool     `yaml:"enable_cors"`
	Origins    []string `yaml:"origins"`
	Methods    []string `yaml:"methods"`
	Headers    []string `yaml:"headers"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Address адрес HTTP сервера
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig загружает конфигурацию из файла поверх значений по умолчанию
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv переопределяет значения из переменных окружения
func ApplyEnv(cfg *Config) {
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.Port = p
		}
	}
	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Discovery.Redis.Addr = addr
		cfg.Discovery.Enabled = true
	}
}

// Validate проверяет обязательные значения
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	if c.WebSocket.Path == "" {
		errs = append(errs, errors.New("websocket.path is required"))
	}
	if c.WebSocket.MaxSessions < 0 {
		errs = append(errs, errors.New("websocket.max_sessions must not be negative"))
	}
	if c.WebSocket.MaxMessageSize > 0 && c.WebSocket.MaxMessageSize < c.WebSocket.ReadLimit {
		errs = append(errs, errors.New("websocket.max_message_size must not be less than websocket.read_limit"))
	}
	if c.Video.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("video.max_frame_size must be positive"))
	}
	if c.Video.MaxFPS < 0 {
		errs = append(errs, errors.New("video.max_fps must not be negative"))
	}
	if c.Breaker.FailureThreshold == 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Discovery.Enabled && c.Discovery.Redis.Addr == "" {
		errs = append(errs, errors.New("discovery.redis.addr is required when discovery is enabled"))
	}
	for name, target := range c.Services {
		if err := target.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services.%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// GetDefaultConfig возвращает конфигурацию по умолчанию
func GetDefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 8080,
		WebSocket: WebSocketConfig{
			Path:             "/ws",
			MaxSessions:      1000,
			HandshakeTimeout: 10 * time.Second,
			ReadLimit:        16 * 1024 * 1024, // base64 кадра 10MB
			MaxMessageSize:   64 * 1024 * 1024, // после него соединение закрывается с 1009
			WriteTimeout:     10 * time.Second,
			SendBuffer:       64,
			PingInterval:     30 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   60 * time.Second,
			SweepInterval: 60 * time.Second,
			ActiveWindow:  30 * time.Second,
		},
		Video: VideoConfig{
			MaxFrameSize: 10 * 1024 * 1024, // 10MB
			MaxFPS:       30,
		},
		GRPC: GRPCConfig{
			ServiceName:      "videoProcessing",
			KeepaliveTime:    30 * time.Second,
			KeepaliveTimeout: 5 * time.Second,
			DialTimeout:      5 * time.Second,
			SendQueueSize:    32,
			DrainTimeout:     2 * time.Second,
			MaxMessageSize:   16 * 1024 * 1024,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			CallTimeout:      10 * time.Second,
			Fallbacks:        map[string]string{},
		},
		Discovery: DiscoveryConfig{
			Enabled: false,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "stream-gateway",
			},
			LookupTimeout: 2 * time.Second,
			InstanceTTL:   30 * time.Second,
		},
		Services: map[string]ServiceTarget{
			"videoProcessing": {Protocol: "grpc", Host: "localhost", Port: 50051},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Security: SecurityConfig{
			EnableCORS: true,
			Origins:    []string{"*"},
			Methods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			Headers:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		},
		Shutdown: ShutdownConfig{
			Timeout: 10 * time.Second,
		},
	}
}
