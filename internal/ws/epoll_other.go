//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
)

// poller is the goroutine-per-connection fallback for platforms without
// epoll. A monitor goroutine peeks through a buffered reader, so readiness
// detection never consumes frame bytes, and waits to be rearmed before
// reporting the connection again.
type poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watched
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watched struct {
	reader *bufio.Reader
	rearm  chan struct{}
}

func newPoller() (*poller, error) {
	return &poller{
		conns:   make(map[net.Conn]*watched),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *poller) Add(conn net.Conn) error {
	w := &watched{
		reader: bufio.NewReader(conn),
		rearm:  make(chan struct{}, 1),
	}

	e.mu.Lock()
	if e.conns == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *poller) monitor(conn net.Conn, w *watched) {
	for {
		_, err := w.reader.Peek(1)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read path observes the failure and removes conn.
			return
		}

		select {
		case <-w.rearm:
		case <-e.done:
			return
		}
	}
}

// Reader returns the buffered reader frames of conn must be read through.
func (e *poller) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.reader
}

// Rearm lets the monitor report conn again after its frame was consumed.
func (e *poller) Rearm(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn. The monitor exits once the connection is
// closed.
func (e *poller) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection ready at that moment.
func (e *poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *poller) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// connFD is unused off Linux.
func connFD(net.Conn) int {
	return -1
}
