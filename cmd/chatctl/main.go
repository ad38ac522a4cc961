package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "chatctl",
		Usage: "Talk to a chat-relay from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Relay base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("KINDRED_SERVER"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token (see `chatctl token`)",
				Sources: cli.EnvVars("KINDRED_TOKEN"),
			},
		},
		Commands: []*cli.Command{
			tokenCommand(),
			conversationsCommand(),
			historyCommand(),
			sendCommand(),
			tailCommand(),
			notificationsCommand(),
			benchCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}
