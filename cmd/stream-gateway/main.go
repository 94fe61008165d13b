package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"stream-gateway/internal/app/commands"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	info := commands.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}

	application := &cli.App{
		Name:     "stream-gateway",
		Usage:    "WebSocket video stream gateway with gRPC processing backend",
		Version:  Version,
		Commands: commands.GetCommands(info),
		// По умолчанию запускаем сервер
		DefaultCommand: "server",
	}

	if err := application.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}
