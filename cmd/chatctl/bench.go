package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kindred/chat-relay/internal/auth"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/loadtest"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/messaging"
)

func benchCommand() *cli.Command {
	defaults := loadtest.DefaultConfig()
	return &cli.Command{
		Name:  "bench",
		Usage: "Seed matches over NATS and stream messages between generated users",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pairs", Value: defaults.Pairs},
			&cli.IntFlag{Name: "messages", Usage: "Messages per pair", Value: defaults.Messages},
			&cli.DurationFlag{Name: "interval", Value: defaults.Interval},
			&cli.IntFlag{Name: "concurrency", Value: defaults.Concurrency},
			&cli.StringFlag{Name: "run-id", Value: defaults.RunID},
			&cli.StringFlag{
				Name:    "nats-url",
				Value:   "nats://localhost:4222",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "HS256 signing secret of the relay",
				Sources:  cli.EnvVars("JWT_SECRET"),
				Required: true,
			},
			&cli.StringFlag{Name: "issuer", Value: "kindred"},
			&cli.BoolFlag{Name: "scrape", Usage: "Scrape the relay's /metrics during the run", Value: true},
			&cli.DurationFlag{Name: "scrape-interval", Value: 2 * time.Second},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log.Init(log.Config{Level: "warn", Pretty: true, ServiceName: "chatctl"})

			natsCfg := messaging.DefaultNATSConfig()
			natsCfg.URL = c.String("nats-url")
			natsCfg.Name = "chatctl-bench"
			nc, err := messaging.NewNATSClient(natsCfg)
			if err != nil {
				return err
			}
			defer nc.Close()
			seeder := loadtest.SeederFunc(func(_ context.Context, m chat.Match) error {
				return nc.PublishMatchCreated(messaging.MatchCreated{
					MatchID:   m.ID,
					UserA:     m.UserA,
					UserB:     m.UserB,
					CreatedAt: m.CreatedAt,
				})
			})

			cfg := defaults
			cfg.WSURL = wsURL(c.String("server"))
			cfg.RunID = c.String("run-id")
			cfg.Pairs = int(c.Int("pairs"))
			cfg.Messages = int(c.Int("messages"))
			cfg.Interval = c.Duration("interval")
			cfg.Concurrency = int(c.Int("concurrency"))

			collector := loadtest.NewCollector()
			var scraper *loadtest.Scraper
			if c.Bool("scrape") {
				scraper = loadtest.NewScraper(strings.TrimRight(c.String("server"), "/")+"/metrics", c.Duration("scrape-interval"))
				collector.SetScraper(scraper)
				scraper.Start(ctx)
			}

			tokens := auth.NewManager(c.String("secret"), c.String("issuer"), time.Hour)
			fmt.Println(titleStyle.Render(fmt.Sprintf("bench %s: %d pairs × %d messages against %s",
				cfg.RunID, cfg.Pairs, cfg.Messages, cfg.WSURL)))

			runErr := loadtest.NewRunner(cfg, seeder, tokens, collector).Run(ctx)
			if scraper != nil {
				scraper.Stop()
			}
			collector.Report(os.Stdout)
			return runErr
		},
	}
}
