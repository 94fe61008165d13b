package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

// GetCommands возвращает все доступные команды
func GetCommands(info BuildInfo) []*cli.Command {
	return []*cli.Command{
		GetServerCommand(info),
		GetVersionCommand(info),
		GetHealthCheckCommand(),
	}
}

// GetVersionCommand выводит версию
func GetVersionCommand(info BuildInfo) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "Stream Gateway\n")
			fmt.Fprintf(w, "Version:    %s\n", info.Version)
			fmt.Fprintf(w, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
			return nil
		},
	}
}

// GetHealthCheckCommand проверяет /health запущенного сервера
func GetHealthCheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "health-check",
		Usage: "Check health of a running gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "http://localhost:8080/health",
				Usage: "Health endpoint URL",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "Request timeout",
			},
		},
		Action: func(c *cli.Context) error {
			return runHealthCheck(c, c.String("url"), c.Duration("timeout"))
		},
	}
}

func runHealthCheck(c *cli.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return cli.Exit(fmt.Sprintf("health check failed: %v", err), 1)
	}
	defer resp.Body.Close()

	var body struct {
		Status         string `json:"status"`
		Version        string `json:"version"`
		ActiveSessions int    `json:"active_sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cli.Exit(fmt.Sprintf("health check failed: invalid response: %v", err), 1)
	}

	fmt.Fprintf(c.App.Writer, "status=%s version=%s active_sessions=%d\n", body.Status, body.Version, body.ActiveSessions)
	if resp.StatusCode != http.StatusOK {
		return cli.Exit(fmt.Sprintf("health check failed: HTTP %d", resp.StatusCode), 1)
	}
	return nil
}
