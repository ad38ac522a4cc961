//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const pollBatch = 128

// poller reports which registered connections have bytes to read. On Linux it
// is a level-triggered epoll set, so one goroutine watches every socket.
type poller struct {
	epfd int

	mu    sync.RWMutex
	byFD  map[int]net.Conn
	ready []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd:  epfd,
		byFD:  make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, pollBatch),
	}, nil
}

// Add watches conn for input and peer hangup.
func (p *poller) Add(conn net.Conn) error {
	fd := connFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.byFD[fd] = conn
	p.mu.Unlock()
	return nil
}

func (p *poller) Remove(conn net.Conn) error {
	fd := connFD(conn)
	p.mu.Lock()
	delete(p.byFD, fd)
	p.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one watched connection is readable. Signals
// interrupting epoll_wait are retried here. Descriptors removed while the
// kernel was reporting them are skipped.
func (p *poller) Wait() ([]net.Conn, error) {
	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, p.ready, -1)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EBADF) {
			return nil, net.ErrClosed
		}
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]net.Conn, 0, n)
	for _, ev := range p.ready[:n] {
		if conn, ok := p.byFD[int(ev.Fd)]; ok {
			out = append(out, conn)
		}
	}
	return out, nil
}

// Reader is conn itself: the kernel keeps unread bytes.
func (p *poller) Reader(conn net.Conn) io.Reader { return conn }

// Rearm does nothing for level-triggered epoll.
func (p *poller) Rearm(net.Conn) {}

func (p *poller) Close() error {
	p.mu.Lock()
	p.byFD = make(map[int]net.Conn)
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// connFD returns the socket descriptor without dup'ing it the way File()
// would, or -1 when conn is not backed by one (net.Pipe in tests).
func connFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
