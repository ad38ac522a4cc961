package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/protocol"
)

// Connection is one authenticated realtime client. Writes from the relay,
// the signaler and the heartbeat are serialized per connection.
type Connection struct {
	ID        string
	UserID    string
	Conn      net.Conn
	Fd        int // -1 off Linux
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64 // unix nanos
	reading      atomic.Bool  // a worker is reading a frame
}

func newConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           connFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

func (c *Connection) Peer() chat.Peer {
	return chat.Peer{ConnID: c.ID, UserID: c.UserID}
}

// Touch records inbound activity; the heartbeat drops connections that stop
// touching.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// beginRead claims the connection for one worker. Level-triggered polling
// can report the same socket again before the first worker finished.
func (c *Connection) beginRead() bool { return c.reading.CompareAndSwap(false, true) }

func (c *Connection) endRead() { c.reading.Store(false) }

func (c *Connection) write(frame func(net.Conn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return frame(c.Conn)
}

// WriteMessage sends data as one text frame.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func(conn net.Conn) error {
		return wsutil.WriteServerMessage(conn, ws.OpText, data)
	})
}

// Send encodes payload as a server event of msgType and writes it.
func (c *Connection) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

func (c *Connection) WritePing() error {
	return c.write(func(conn net.Conn) error {
		return ws.WriteFrame(conn, ws.NewPingFrame(nil))
	})
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by id and by the net.Conn the
// poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

func (m *ConnectionManager) Add(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	m.byConn[c.Conn] = c
}

// Remove unregisters and closes the connection. It reports false when the
// id was already gone, so racing removers close it once.
func (m *ConnectionManager) Remove(id string) bool {
	m.mu.Lock()
	c, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byConn, c.Conn)
	}
	m.mu.Unlock()
	if ok {
		_ = c.Close()
	}
	return ok
}

func (m *ConnectionManager) Get(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

func (m *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[conn]
}

func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// All returns a snapshot.
func (m *ConnectionManager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}
