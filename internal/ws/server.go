// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, multiplexing reads through epoll and a bounded
// worker pool, and dispatching incoming events to registered handlers.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/kindred/chat-relay/internal/config"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/metrics"
	"github.com/kindred/chat-relay/internal/protocol"
)

// MaxFrameBytes caps an inbound data message. Larger messages close the
// connection.
const MaxFrameBytes = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ConfigFrom maps the websocket section of the service config, keeping
// defaults for unset values.
func ConfigFrom(cfg config.WebSocketConfig) ServerConfig {
	out := DefaultServerConfig()
	if cfg.WorkerPoolSize > 0 {
		out.WorkerPoolSize = cfg.WorkerPoolSize
	}
	if cfg.MaxConnections > 0 {
		out.MaxConnections = cfg.MaxConnections
	}
	if cfg.ReadTimeout > 0 {
		out.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		out.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.HeartbeatInterval > 0 {
		out.Heartbeat.Interval = cfg.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout > 0 {
		out.Heartbeat.Timeout = cfg.HeartbeatTimeout
	}
	return out
}

// Authenticator resolves the user behind a handshake request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Server is the WebSocket server built on gobwas/ws and epoll. It is an
// http.Handler for the upgrade endpoint; the HTTP listener belongs to the
// caller. Ready connections are handed to a bounded worker pool for frame
// reading.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	poller       *poller
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket data message is received.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		auth:       auth,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked for each authenticated connection
// before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start creates the poller and starts the event loop and heartbeat in the
// background.
func (s *Server) Start() error {
	var err error
	s.poller, err = newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	go s.heartbeat(s.config.Heartbeat)

	logger := log.Component("ws")
	logger.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("websocket server started")
	return nil
}

// ServeHTTP authenticates the request, upgrades it to a WebSocket using the
// gobwas/ws zero-copy upgrader and registers the connection. A missing or
// invalid credential is answered with 401 before any upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.Component("ws")

	userID, err := s.auth.Authenticate(r)
	if err != nil {
		logger.Debug().Err(err).Str(log.FieldClientIP, r.RemoteAddr).Msg("handshake rejected")
		writeHandshakeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid or missing credential")
		return
	}

	if s.poller == nil {
		writeHandshakeError(w, http.StatusServiceUnavailable, protocol.CodeInternal, "server not started")
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		writeHandshakeError(w, http.StatusServiceUnavailable, protocol.CodeInternal, "too many connections")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), userID, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := c.Send(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
		UserID:       userID,
	}); err != nil {
		logger.Warn().Err(err).Str(log.FieldConnID, c.ID).Msg("send connected failed")
		s.RemoveConnection(c)
		return
	}

	if err := s.poller.Add(conn); err != nil {
		logger.Error().Err(err).Str(log.FieldConnID, c.ID).Msg("poller add failed")
		s.RemoveConnection(c)
		return
	}

	logger.Info().
		Str(log.FieldConnID, c.ID).
		Str(log.FieldUserID, userID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

func writeHandshakeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]map[string]string{"error": {"code": code, "message": message}}
	_ = json.NewEncoder(w).Encode(body)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed to
// a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	logger := log.Component("ws")

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error().Err(err).Msg("poller wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection. Control
// frames are handled by wsutil without blocking on a data frame. A failed
// read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if !c.beginRead() {
		return
	}
	defer c.endRead()
	defer s.poller.Rearm(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	defer netConn.SetReadDeadline(time.Time{})

	header, reader, err := wsutil.NextReader(s.poller.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available (stale dispatch). The
		// heartbeat handles dead connections.
		if isTimeout(err) {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
	if err != nil || len(data) > MaxFrameBytes {
		if len(data) > MaxFrameBytes {
			logger := log.Component("ws")
			logger.Warn().Str(log.FieldConnID, c.ID).Msg("frame too large, closing")
		}
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from the poller and the connection
// manager and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	logger := log.Component("ws")
	logger.Info().
		Str(log.FieldConnID, c.ID).
		Str(log.FieldUserID, c.UserID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Uptime reports how long the server has been started.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown signals the event loop to exit, closes every connection (running
// the disconnect callback for each) and releases the poller.
func (s *Server) Shutdown() error {
	logger := log.Component("ws")
	logger.Info().Msg("shutting down websocket server")

	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	logger.Info().Msg("websocket server stopped")
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
