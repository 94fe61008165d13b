package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ServiceTarget статический адрес сервиса
type ServiceTarget struct {
	Protocol string `yaml:"protocol"` // "grpc", "http", "https"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// Address host:port
func (t ServiceTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Validate проверяет адрес
func (t ServiceTarget) Validate() error {
	switch t.Protocol {
	case "grpc", "http", "https":
	default:
		return fmt.Errorf("unsupported protocol %q", t.Protocol)
	}
	if t.Host == "" {
		return errors.New("host is required")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", t.Port)
	}
	return nil
}
