package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/eventbus"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/protocol"
)

// SocketConfig configures a Socket.
type SocketConfig struct {
	// URL is the realtime endpoint, e.g. ws://host:8080/ws.
	URL   string
	Token string
	// MinBackoff and MaxBackoff bound the reconnect delay, which doubles
	// after every failed attempt.
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialTimeout time.Duration
}

func (c *SocketConfig) defaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Socket is a realtime connection that reconnects on its own. Decoded server
// events are published on the bus. After a drop it publishes
// EventConnectionLost, keeps redialling with capped exponential backoff,
// re-joins every joined match and then publishes EventReconnected. Nothing
// sent while disconnected is replayed.
type Socket struct {
	cfg SocketConfig
	bus *eventbus.Bus[Event]

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	connID    string
	connected bool
	joined    map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocket creates a Socket publishing on bus. It does not dial.
func NewSocket(cfg SocketConfig, bus *eventbus.Bus[Event]) *Socket {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		cfg:    cfg,
		bus:    bus,
		joined: make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Connect dials the server once and starts the read loop. A rejected
// credential returns chat.ErrUnauthorized and no reconnect is attempted.
func (s *Socket) Connect(ctx context.Context) error {
	conn, rd, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.attach(conn)
	s.wg.Add(1)
	go s.run(conn, rd)
	return nil
}

func (s *Socket) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + s.cfg.Token},
		}),
	}
	conn, br, _, err := dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			return nil, nil, fmt.Errorf("client: dial: %w", chat.ErrUnauthorized)
		}
		return nil, nil, fmt.Errorf("client: dial: %w", err)
	}
	if br != nil {
		// Frames written right after the handshake may already sit in br.
		return conn, io.MultiReader(br, conn), nil
	}
	return conn, conn, nil
}

func (s *Socket) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	closed := s.closed()
	s.mu.Unlock()
	if closed {
		_ = conn.Close()
	}
}

// run reads until the connection drops, then reconnects until Close.
func (s *Socket) run(conn net.Conn, rd io.Reader) {
	defer s.wg.Done()
	logger := log.Component("client")

	for {
		err := s.readLoop(conn, rd)
		_ = conn.Close()

		s.mu.Lock()
		s.connected = false
		s.conn = nil
		s.mu.Unlock()

		if s.closed() {
			return
		}
		logger.Warn().Err(err).Msg("realtime connection lost")
		s.bus.Publish(Event{Kind: EventConnectionLost, Err: fmt.Errorf("%w: %v", chat.ErrConnectionLost, err)})

		var ok bool
		conn, rd, ok = s.reconnect()
		if !ok {
			return
		}
		s.attach(conn)
		for _, matchID := range s.Joined() {
			if err := s.send(protocol.TypeJoinMatch, protocol.JoinMatchMsg{MatchID: matchID}); err != nil {
				logger.Warn().Err(err).Str(log.FieldMatchID, matchID).Msg("rejoin failed")
			}
		}
		logger.Info().Msg("realtime connection restored")
		s.bus.Publish(Event{Kind: EventReconnected})
	}
}

func (s *Socket) reconnect() (net.Conn, io.Reader, bool) {
	logger := log.Component("client")
	delay := s.cfg.MinBackoff
	for {
		timer := time.NewTimer(delay)
		select {
		case <-s.done:
			timer.Stop()
			return nil, nil, false
		case <-timer.C:
		}

		conn, rd, err := s.dial(s.ctx)
		if err == nil {
			return conn, rd, true
		}
		logger.Debug().Err(err).Dur("backoff", delay).Msg("reconnect failed")

		delay *= 2
		if delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
	}
}

func (s *Socket) readLoop(conn net.Conn, rd io.Reader) error {
	// Control frames (server pings) are answered on the write side.
	rw := struct {
		io.Reader
		io.Writer
	}{rd, &lockedWriter{mu: &s.writeMu, w: conn}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (s *Socket) handle(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		logger := log.Component("client")
		logger.Debug().Err(err).Str(log.FieldEvent, msgType).Msg("ignoring server event")
		return
	}

	switch m := msg.(type) {
	case protocol.ConnectedMsg:
		s.mu.Lock()
		s.connID = m.ConnectionID
		s.mu.Unlock()
		s.bus.Publish(Event{Kind: EventConnected, UserID: m.UserID})
	case protocol.MatchJoinedMsg:
		s.bus.Publish(Event{Kind: EventJoined, MatchID: m.MatchID})
	case protocol.MatchLeftMsg:
		s.bus.Publish(Event{Kind: EventLeft, MatchID: m.MatchID})
	case protocol.NewMessageMsg:
		message := m.Message
		s.bus.Publish(Event{Kind: EventMessage, MatchID: m.MatchID, Message: &message})
	case protocol.MessageSentMsg:
		message := m.Message
		s.bus.Publish(Event{Kind: EventMessageSent, MatchID: m.MatchID, Message: &message, TempID: m.TempID})
	case protocol.UserTypingMsg:
		s.bus.Publish(Event{Kind: EventTyping, MatchID: m.MatchID, UserID: m.UserID, IsTyping: m.IsTyping})
	case protocol.MessagesReadMsg:
		s.bus.Publish(Event{Kind: EventRead, MatchID: m.MatchID, UserID: m.ReaderID})
	case protocol.NotificationMsg:
		n := m.Notification
		s.bus.Publish(Event{Kind: EventNotification, Notification: &n})
	case protocol.ErrorMsg:
		s.bus.Publish(Event{Kind: EventError, MatchID: m.MatchID, Code: m.Code, Err: wireError(m)})
	}
}

// wireError maps an error event back onto the chat error taxonomy.
func wireError(m protocol.ErrorMsg) error {
	switch m.Code {
	case protocol.CodeUnauthorized:
		return fmt.Errorf("%w: %s", chat.ErrUnauthorized, m.Message)
	case protocol.CodeInvalidContent:
		return fmt.Errorf("%w: %s", chat.ErrInvalidContent, m.Message)
	case protocol.CodeRateLimited:
		return &chat.RateLimitError{RetryAfter: time.Duration(m.RetryAfter) * time.Second}
	default:
		return fmt.Errorf("client: %s failed: %s (%s)", m.Event, m.Message, m.Code)
	}
}

func (s *Socket) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return chat.ErrConnectionLost
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnectionLost, err)
	}
	return nil
}

// Join subscribes to a match and remembers it for re-join after a reconnect.
func (s *Socket) Join(matchID string) error {
	s.mu.Lock()
	s.joined[matchID] = true
	s.mu.Unlock()
	return s.send(protocol.TypeJoinMatch, protocol.JoinMatchMsg{MatchID: matchID})
}

// Leave unsubscribes from a match.
func (s *Socket) Leave(matchID string) error {
	s.mu.Lock()
	delete(s.joined, matchID)
	s.mu.Unlock()
	return s.send(protocol.TypeLeaveMatch, protocol.LeaveMatchMsg{MatchID: matchID})
}

// SendMessage sends a message over the socket. The server answers with
// message_sent carrying tempID.
func (s *Socket) SendMessage(matchID, content string, typ chat.MessageType, tempID string) error {
	return s.send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		MatchID:     matchID,
		Content:     content,
		MessageType: typ,
		TempID:      tempID,
	})
}

// Typing sends typing_start or typing_stop.
func (s *Socket) Typing(matchID string, typing bool) error {
	msgType := protocol.TypeTypingStop
	if typing {
		msgType = protocol.TypeTypingStart
	}
	return s.send(msgType, protocol.TypingMsg{MatchID: matchID})
}

// MarkRead sends mark_messages_read.
func (s *Socket) MarkRead(matchID string) error {
	return s.send(protocol.TypeMarkMessagesRead, protocol.MarkReadMsg{MatchID: matchID})
}

// Ping sends a keepalive ping.
func (s *Socket) Ping() error {
	return s.send(protocol.TypePing, protocol.PingMsg{})
}

// Connected reports whether the transport is currently up.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnectionID returns the id assigned by the server on the last connect.
func (s *Socket) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Joined returns the joined matches, sorted.
func (s *Socket) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for id := range s.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Drop closes the current transport without closing the Socket, which then
// reconnects as after any other drop.
func (s *Socket) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops reconnecting, closes the transport and waits for the read loop.
// It is safe to call multiple times.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	s.wg.Wait()
	return err
}
