package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/urfave/cli/v3"

	"github.com/kindred/chat-relay/internal/auth"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/client"
	"github.com/kindred/chat-relay/internal/eventbus"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue a bearer token for a user (development only)",
		ArgsUsage: "USER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "HS256 signing secret of the relay",
				Sources:  cli.EnvVars("JWT_SECRET"),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "issuer",
				Value: "kindred",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: 24 * time.Hour,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			userID := c.Args().First()
			if userID == "" {
				return errors.New("token: USER_ID is required")
			}
			token, err := auth.NewManager(c.String("secret"), c.String("issuer"), c.Duration("ttl")).Issue(userID)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "conversations",
		Aliases: []string{"ls"},
		Usage:   "List matches, most recently active first",
		Action: func(ctx context.Context, c *cli.Command) error {
			api, err := apiClient(c)
			if err != nil {
				return err
			}
			convs, err := api.Conversations(ctx)
			if err != nil {
				return err
			}
			fmt.Print(formatConversations(convs))
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the newest messages of a match",
		ArgsUsage: "MATCH_ID",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: client.HistoryPageSize,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			matchID := c.Args().First()
			if matchID == "" {
				return errors.New("history: MATCH_ID is required")
			}
			api, err := apiClient(c)
			if err != nil {
				return err
			}
			self, err := tokenSubject(c.String("token"))
			if err != nil {
				return err
			}
			msgs, err := api.History(ctx, matchID, 0, c.Int("limit"))
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("Match " + matchID))
			for _, m := range msgs {
				fmt.Println(formatMessage(m, self))
			}
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message to a match",
		ArgsUsage: "MATCH_ID TEXT...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Message type: text, image, gif or audio",
				Value: string(chat.MessageText),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			args := c.Args().Slice()
			if len(args) < 2 {
				return errors.New("send: MATCH_ID and TEXT are required")
			}
			api, err := apiClient(c)
			if err != nil {
				return err
			}
			msg, err := api.SendMessage(ctx, args[0], strings.Join(args[1:], " "), chat.MessageType(c.String("type")))
			if err != nil {
				return err
			}
			fmt.Println(formatMessage(msg, msg.SenderID))
			return nil
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Open a match and print live activity until interrupted",
		ArgsUsage: "MATCH_ID",
		Action: func(ctx context.Context, c *cli.Command) error {
			matchID := c.Args().First()
			if matchID == "" {
				return errors.New("tail: MATCH_ID is required")
			}
			return tail(ctx, c, matchID)
		},
	}
}

func tail(ctx context.Context, c *cli.Command, matchID string) error {
	api, err := apiClient(c)
	if err != nil {
		return err
	}
	self, err := tokenSubject(c.String("token"))
	if err != nil {
		return err
	}

	bus := eventbus.New[client.Event](64)
	defer bus.Close()
	socket := client.NewSocket(client.SocketConfig{
		URL:   wsURL(c.String("server")),
		Token: c.String("token"),
	}, bus)
	defer socket.Close()

	session := client.NewSession(self, api, socket, bus)
	defer session.Stop()

	// Printer has its own subscription; ordering against the session is not
	// guaranteed.
	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	go func() { _ = session.Run(ctx) }()

	if err := socket.Connect(ctx); err != nil {
		return err
	}
	if err := session.Open(ctx, matchID); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Match " + matchID))
	for _, m := range session.View().Messages() {
		fmt.Println(formatMessage(m, self))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev, self, matchID)
		}
	}
}

func printEvent(ev client.Event, self, matchID string) {
	switch ev.Kind {
	case client.EventMessage:
		if ev.Message != nil && ev.MatchID == matchID {
			fmt.Println(formatMessage(*ev.Message, self))
		}
	case client.EventTyping:
		if ev.MatchID == matchID && ev.UserID != self {
			state := "stopped typing"
			if ev.IsTyping {
				state = "is typing…"
			}
			fmt.Println(metaStyle.Render(ev.UserID + " " + state))
		}
	case client.EventRead:
		if ev.MatchID == matchID && ev.UserID != self {
			fmt.Println(metaStyle.Render(ev.UserID + " read your messages"))
		}
	case client.EventNotification:
		if ev.Notification != nil {
			fmt.Println(unreadStyle.Render("🔔 " + ev.Notification.Title))
		}
	case client.EventConnectionLost:
		fmt.Println(errorStyle.Render("connection lost, reconnecting…"))
	case client.EventReconnected:
		fmt.Println(metaStyle.Render("reconnected"))
	case client.EventError:
		fmt.Println(errorStyle.Render(ev.Err.Error()))
	}
}

func notificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "List notifications",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "mark-all",
				Usage: "Mark every notification read after listing",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			api, err := apiClient(c)
			if err != nil {
				return err
			}
			feed := client.NewNotificationFeed(api)
			defer feed.Stop()
			if err := feed.Load(ctx); err != nil {
				return err
			}
			fmt.Print(formatNotifications(feed.Items(), feed.Unread()))
			if c.Bool("mark-all") {
				return feed.MarkAllRead(ctx)
			}
			return nil
		},
	}
}

func apiClient(c *cli.Command) (*client.APIClient, error) {
	token := c.String("token")
	if token == "" {
		return nil, errors.New("a token is required (--token or KINDRED_TOKEN)")
	}
	return client.NewAPIClient(c.String("server"), token, nil), nil
}

func wsURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		server = "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		server = "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server + "/ws"
}

// tokenSubject reads the user id from a token without verifying it; the
// relay verifies every call.
func tokenSubject(token string) (string, error) {
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject == "" {
		return "", errors.New("token: no subject")
	}
	return claims.Subject, nil
}
