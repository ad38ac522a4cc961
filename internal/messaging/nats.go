// Package messaging connects the relay to the platform's NATS bus. The relay
// publishes notifications for the push sender and consumes match lifecycle
// events from the match engine.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
)

const (
	// SubjectNotify is suffixed with the recipient's user id.
	SubjectNotify       = "notify"
	SubjectMatchCreated = "match.created"
)

// MatchCreated is the payload of SubjectMatchCreated.
type MatchCreated struct {
	MatchID   string    `json:"matchId"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

// Match converts the event into a chat.Match, stamping now when the engine
// left CreatedAt empty.
func (e MatchCreated) Match() chat.Match {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return chat.Match{ID: e.MatchID, UserA: e.UserA, UserB: e.UserB, CreatedAt: at}
}

type NATSConfig struct {
	URL           string
	Name          string // shown in the server's connz
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient owns one NATS connection and the subscriptions made through it.
type NATSClient struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription // by subject
}

// NewNATSClient dials NATS. Only the initial connect can fail; later drops
// are retried by the library per cfg.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	logger := log.Component("nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Str("name", cfg.Name).Msg("connected")
	return &NATSClient{nc: nc, subs: make(map[string]*nats.Subscription)}, nil
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: marshal %s: %w", subject, err)
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

// PublishNotification publishes n to notify.<userID>.
func (c *NATSClient) PublishNotification(n chat.Notification) error {
	return c.publishJSON(SubjectNotify+"."+n.UserID, n)
}

// PublishMatchCreated announces a match and flushes, so the event has left
// the client when it returns.
func (c *NATSClient) PublishMatchCreated(evt MatchCreated) error {
	if err := c.publishJSON(SubjectMatchCreated, evt); err != nil {
		return err
	}
	return c.nc.Flush()
}

// SubscribeMatchCreated hands decoded match.created events to handler.
// Payloads without a match id are logged and skipped.
func (c *NATSClient) SubscribeMatchCreated(handler func(MatchCreated)) error {
	return c.subscribe(SubjectMatchCreated, func(msg *nats.Msg) {
		var evt MatchCreated
		err := json.Unmarshal(msg.Data, &evt)
		if err == nil && evt.MatchID == "" {
			err = errors.New("missing matchId")
		}
		if err != nil {
			logger := log.Component("nats")
			logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed match.created")
			return
		}
		handler(evt)
	})
}

func (c *NATSClient) UnsubscribeMatchCreated() error {
	return c.unsubscribe(SubjectMatchCreated)
}

func (c *NATSClient) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("nats: not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains every subscription, then the connection, so in-flight
// handlers finish before it returns.
func (c *NATSClient) Close() {
	logger := log.Component("nats")

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	for subject, sub := range subs {
		if err := sub.Drain(); err != nil {
			logger.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	if err := c.nc.Drain(); err != nil {
		logger.Warn().Err(err).Msg("drain connection")
	}
}
