package app

import (
	"os"
	"strconv"
)

// DefaultConfigPath путь к конфигурации по умолчанию
const DefaultConfigPath = "./config/config.yaml"

// Options параметры запуска приложения
type Options struct {
	ConfigPath string
	Debug      bool
	Version    string
	// WatchConfig включает перечитывание services при изменении файла
	WatchConfig bool
}

// LoadOptions загружает параметры запуска из переменных окружения
func LoadOptions() Options {
	configPath := DefaultConfigPath
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	debug := false
	if envDebug := os.Getenv("DEBUG"); envDebug != "" {
		if d, err := strconv.ParseBool(envDebug); err == nil {
			debug = d
		}
	}

	return Options{
		ConfigPath:  configPath,
		Debug:       debug,
		WatchConfig: true,
	}
}
